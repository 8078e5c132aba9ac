// Package hashing computes canonical attribute hashes and validates them
// against the remote to detect drift before synchronization is trusted.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"

	"github.com/mesh-intelligence/horus/pkg/types"
)

// Restricted lists the attributes excluded from hashing. sync_updated_at is
// expected to differ between replicas without representing drift.
var Restricted = map[string]bool{
	types.AttrID:            true,
	types.AttrSyncOwnerID:   true,
	types.AttrSyncHash:      true,
	types.AttrSyncCreatedAt: true,
	types.AttrSyncUpdatedAt: true,
}

// ComputeHash returns the hex SHA-256 of the attributes ordered by name.
// Restricted attributes are dropped and duplicated names keep their last
// value, so the hash ignores ordering and duplication.
//
// Each attribute encodes as its length-prefixed name followed by either
// '~' for null or its length-prefixed canonical value, e.g. "4:name3:Tea".
// Booleans are 1/0 and timestamps are Unix seconds. The prefixes keep
// attribute boundaries unambiguous and null distinct from "".
func ComputeHash(attrs types.Attributes) string {
	var buf []byte
	for _, f := range attrs.Sorted() {
		if Restricted[f.Name] {
			continue
		}
		buf = appendField(buf, f.Name)
		if f.Value.IsNull() {
			buf = append(buf, '~')
			continue
		}
		buf = appendField(buf, f.Value.Canonical())
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

func appendField(buf []byte, s string) []byte {
	buf = strconv.AppendInt(buf, int64(len(s)), 10)
	buf = append(buf, ':')
	return append(buf, s...)
}

// RowHash is the hash of one stored row.
type RowHash struct {
	ID   string `json:"id"`
	Hash string `json:"hash"`
}

// AggregateHash combines row hashes into one entity-level hash. Rows are
// ordered by id first so storage order does not matter.
func AggregateHash(rows []RowHash) string {
	sorted := make([]RowHash, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	h := sha256.New()
	for _, r := range sorted {
		h.Write([]byte(r.ID))
		h.Write([]byte{':'})
		h.Write([]byte(r.Hash))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Drift describes how local rows differ from the remote's.
type Drift struct {
	Missing []string // on the remote only
	Extra   []string // local only
	Changed []string // present on both with different hashes
}

// Empty reports whether no drift was found.
func (d Drift) Empty() bool {
	return len(d.Missing) == 0 && len(d.Extra) == 0 && len(d.Changed) == 0
}

// CompareRowHashes reports the ids whose hashes disagree. Each list is
// sorted.
func CompareRowHashes(local, remote []RowHash) Drift {
	localByID := make(map[string]string, len(local))
	for _, r := range local {
		localByID[r.ID] = r.Hash
	}
	var d Drift
	seen := make(map[string]bool, len(remote))
	for _, r := range remote {
		seen[r.ID] = true
		h, ok := localByID[r.ID]
		switch {
		case !ok:
			d.Missing = append(d.Missing, r.ID)
		case h != r.Hash:
			d.Changed = append(d.Changed, r.ID)
		}
	}
	for _, r := range local {
		if !seen[r.ID] {
			d.Extra = append(d.Extra, r.ID)
		}
	}
	sort.Strings(d.Missing)
	sort.Strings(d.Extra)
	sort.Strings(d.Changed)
	return d
}
