package sqlite

// JSONL export of the action log with atomic persistence.

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mesh-intelligence/horus/pkg/types"
)

// ActionRecord is the JSONL form of an action. Data uses the same shape
// that is pushed to the remote.
type ActionRecord struct {
	ID         int64           `json:"id"`
	Action     string          `json:"action"`
	Entity     string          `json:"entity"`
	Status     string          `json:"status"`
	Data       json.RawMessage `json:"data"`
	ActionedAt int64           `json:"actioned_at"`
}

// NewActionRecord converts an action to its JSONL form.
func NewActionRecord(a types.Action) (ActionRecord, error) {
	raw, err := types.EncodeActionData(a.Kind, a.Data)
	if err != nil {
		return ActionRecord{}, err
	}
	return ActionRecord{
		ID:         a.ID,
		Action:     string(a.Kind),
		Entity:     a.Entity,
		Status:     string(a.Status),
		Data:       raw,
		ActionedAt: a.ActionedAt.Unix(),
	}, nil
}

// ToAction converts the record back to an action.
func (r ActionRecord) ToAction() (types.Action, error) {
	kind := types.ActionKind(r.Action)
	data, err := types.DecodeActionData(kind, r.Data)
	if err != nil {
		return types.Action{}, err
	}
	return types.Action{
		ID:         r.ID,
		Kind:       kind,
		Entity:     r.Entity,
		Status:     types.ActionStatus(r.Status),
		Data:       data,
		ActionedAt: time.Unix(r.ActionedAt, 0).UTC(),
	}, nil
}

// ExportActions writes the actions with the given status (empty for all) to
// path as JSONL, oldest first. It returns the number of records written.
func (l *ActionLog) ExportActions(ctx context.Context, path string, status types.ActionStatus) (int, error) {
	actions, err := l.Actions(ctx, status, 0)
	if err != nil {
		return 0, err
	}
	records := make([]json.RawMessage, 0, len(actions))
	for i := len(actions) - 1; i >= 0; i-- {
		rec, err := NewActionRecord(actions[i])
		if err != nil {
			return 0, fmt.Errorf("action %d: %w", actions[i].ID, err)
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return 0, fmt.Errorf("encoding action %d: %w", actions[i].ID, err)
		}
		records = append(records, line)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("creating export dir: %w", err)
	}
	if err := writeJSONL(path, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

// ReadActionRecords reads an export produced by ExportActions. Malformed
// lines are skipped.
func ReadActionRecords(path string) ([]ActionRecord, error) {
	lines, err := readJSONL(path)
	if err != nil {
		return nil, err
	}
	out := make([]ActionRecord, 0, len(lines))
	for _, line := range lines {
		var rec ActionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// readJSONL reads a JSONL file and returns each non-empty, parseable line as
// a json.RawMessage.
func readJSONL(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var records []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		records = append(records, json.RawMessage(cp))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	return records, nil
}

// writeJSONL atomically writes records to a JSONL file using the temp-file,
// fsync, rename pattern.
func writeJSONL(path string, records []json.RawMessage) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".jsonl-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	fail := func(format string, err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf(format, err)
	}

	w := bufio.NewWriter(tmp)
	for _, rec := range records {
		if _, err := w.Write(rec); err != nil {
			return fail("writing record: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fail("writing newline: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fail("flushing buffer: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
