package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mesh-intelligence/horus/pkg/types"
)

// Settings keys.
const (
	SettingSchemaVersion     = "schema_version"
	SettingReadableRefreshed = "readable_refreshed_at"
	SettingDeviceID          = "device_id"
)

// MarkOperation appends a control record for op with the store clock's
// current time.
func (b *Backend) MarkOperation(ctx context.Context, op types.OperationType, status types.OperationStatus) error {
	return b.recordOperation(ctx, op, status, b.now())
}

func (b *Backend) recordOperation(ctx context.Context, op types.OperationType, status types.OperationStatus, at time.Time) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx,
		"INSERT INTO sync_control (type, status, datetime) VALUES (?, ?, ?)",
		string(op), string(status), at.Unix()); err != nil {
		return fmt.Errorf("recording %s %s: %w", op, status, err)
	}
	return nil
}

// IsCompleted reports whether at least one completed record of op exists.
func (b *Backend) IsCompleted(ctx context.Context, op types.OperationType) (bool, error) {
	db, err := b.conn()
	if err != nil {
		return false, err
	}
	var n int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_control WHERE type = ? AND status = ?",
		string(op), string(types.OpCompleted)).Scan(&n); err != nil {
		return false, fmt.Errorf("checking %s: %w", op, err)
	}
	return n > 0, nil
}

// LastCheckpoint returns the newest checkpoint time. The boolean is false
// when no checkpoint has been recorded yet.
func (b *Backend) LastCheckpoint(ctx context.Context) (time.Time, bool, error) {
	db, err := b.conn()
	if err != nil {
		return time.Time{}, false, err
	}
	var ts sql.NullInt64
	if err := db.QueryRowContext(ctx,
		"SELECT MAX(datetime) FROM sync_control WHERE type = ? AND status = ?",
		string(types.OpCheckpoint), string(types.OpCompleted)).Scan(&ts); err != nil {
		return time.Time{}, false, fmt.Errorf("reading checkpoint: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), true, nil
}

// SetCheckpoint records a checkpoint at t.
func (b *Backend) SetCheckpoint(ctx context.Context, t time.Time) error {
	return b.recordOperation(ctx, types.OpCheckpoint, types.OpCompleted, t)
}

// ControlRecords returns every control record, newest first.
func (b *Backend) ControlRecords(ctx context.Context) ([]types.ControlRecord, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		"SELECT id, type, status, datetime FROM sync_control ORDER BY datetime DESC, id DESC")
	if err != nil {
		return nil, fmt.Errorf("listing control records: %w", err)
	}
	defer rows.Close()
	var out []types.ControlRecord
	for rows.Next() {
		var r types.ControlRecord
		var op, status string
		var ts int64
		if err := rows.Scan(&r.ID, &op, &status, &ts); err != nil {
			return nil, fmt.Errorf("scanning control record: %w", err)
		}
		r.Type = types.OperationType(op)
		r.Status = types.OperationStatus(status)
		r.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Setting returns a persisted setting. The boolean is false when unset.
func (b *Backend) Setting(ctx context.Context, key string) (string, bool, error) {
	db, err := b.conn()
	if err != nil {
		return "", false, err
	}
	var v string
	err = db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading setting %s: %w", key, err)
	}
	return v, true, nil
}

// SetSetting stores a setting, replacing any previous value.
func (b *Backend) SetSetting(ctx context.Context, key, value string) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx,
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value); err != nil {
		return fmt.Errorf("writing setting %s: %w", key, err)
	}
	return nil
}

// SchemaVersion returns the applied schema version, 0 when no schema has
// been applied.
func (b *Backend) SchemaVersion(ctx context.Context) (int, error) {
	v, ok, err := b.Setting(ctx, SettingSchemaVersion)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("schema version %q: %w", v, err)
	}
	return n, nil
}

// SetSchemaVersion persists the applied schema version.
func (b *Backend) SetSchemaVersion(ctx context.Context, v int) error {
	return b.SetSetting(ctx, SettingSchemaVersion, strconv.Itoa(v))
}

// TimeSetting reads a setting holding Unix seconds.
func (b *Backend) TimeSetting(ctx context.Context, key string) (time.Time, bool, error) {
	v, ok, err := b.Setting(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("setting %s %q: %w", key, v, err)
	}
	return time.Unix(n, 0).UTC(), true, nil
}

// SetTimeSetting stores t as Unix seconds.
func (b *Backend) SetTimeSetting(ctx context.Context, key string, t time.Time) error {
	return b.SetSetting(ctx, key, strconv.FormatInt(t.Unix(), 10))
}
