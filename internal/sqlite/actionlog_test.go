package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/horus/internal/hashing"
	"github.com/mesh-intelligence/horus/pkg/types"
)

// notesSchema declares the maintained sync columns.
func notesSchema() []types.EntityScheme {
	return []types.EntityScheme{
		{
			Name: "notes", Kind: types.EntityWritable,
			Attributes: []types.Attribute{
				uuidKey(),
				{Name: "body", Type: types.TypeString, Version: 1},
				{Name: "pinned", Type: types.TypeBoolean, Version: 1, Nullable: true},
				{Name: types.AttrSyncOwnerID, Type: types.TypeString, Version: 1, Nullable: true},
				{Name: types.AttrSyncHash, Type: types.TypeString, Version: 1, Nullable: true},
				{Name: types.AttrSyncCreatedAt, Type: types.TypeTimestamp, Version: 1, Nullable: true},
				{Name: types.AttrSyncUpdatedAt, Type: types.TypeTimestamp, Version: 1, Nullable: true},
			},
		},
		{
			Name: "counters", Kind: types.EntityWritable,
			Attributes: []types.Attribute{
				{Name: "id", Type: types.TypePrimaryKeyInteger, Version: 1},
				{Name: "label", Type: types.TypeString, Version: 1},
			},
		},
	}
}

func newNotesLog(t *testing.T) (*ActionLog, *Backend, *testClock) {
	t.Helper()
	clock := newTestClock()
	b := attachTestBackend(t, WithClock(clock.Now))
	_, err := NewMigrator(b).Create(context.Background(), notesSchema())
	require.NoError(t, err)
	return NewActionLog(b), b, clock
}

func insertNote(t *testing.T, l *ActionLog, body string) types.Action {
	t.Helper()
	a, err := l.RecordInsert(context.Background(), "notes", types.Attributes{types.F("body", body)})
	require.NoError(t, err)
	return a
}

func TestRecordInsert_MaintainsSyncColumns(t *testing.T) {
	ctx := context.Background()
	l, b, clock := newNotesLog(t)

	a := insertNote(t, l, "hello")
	assert.Equal(t, types.ActionInsert, a.Kind)
	assert.Equal(t, types.ActionPending, a.Status)
	assert.False(t, a.Data.ID.IsNull(), "uuid key must be generated")

	row, err := b.Get(ctx, "notes", a.Data.ID)
	require.NoError(t, err)

	owner, _ := row.Attributes.Get(types.AttrSyncOwnerID)
	assert.Equal(t, "owner-1", owner.Canonical())
	created, _ := row.Attributes.Get(types.AttrSyncCreatedAt)
	assert.Equal(t, clock.Now().Unix(), mustTime(t, created).Unix())

	stored, _ := row.Attributes.Get(types.AttrSyncHash)
	assert.Equal(t, hashing.ComputeHash(row.Attributes), stored.Canonical())

	// The queued payload carries the full row.
	body, ok := a.Data.Attributes.Get("body")
	require.True(t, ok)
	assert.Equal(t, "hello", body.Canonical())
	_, ok = a.Data.Attributes.Get(types.AttrSyncHash)
	assert.True(t, ok)
}

func mustTime(t *testing.T, v types.Value) time.Time {
	t.Helper()
	ts, ok := v.AsTime()
	require.True(t, ok, "expected timestamp, got %s", v)
	return ts
}

func TestRecordInsert_IntegerKey(t *testing.T) {
	l, _, _ := newNotesLog(t)
	a, err := l.RecordInsert(context.Background(), "counters", types.Attributes{types.F("label", "first")})
	require.NoError(t, err)
	id, ok := a.Data.ID.AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(1), id)
}

func TestRecordInsert_Rejects(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newNotesLog(t)

	_, err := l.RecordInsert(ctx, "ghosts", types.Attributes{types.F("body", "x")})
	assert.ErrorIs(t, err, types.ErrUnknownEntity)

	_, err = l.RecordInsert(ctx, "notes", types.Attributes{types.F("colour", "red")})
	assert.ErrorIs(t, err, types.ErrUnknownAttribute)

	n, err := l.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "rejected writes must not be queued")
}

func TestRecordUpdate_Rehashes(t *testing.T) {
	ctx := context.Background()
	l, b, clock := newNotesLog(t)
	a := insertNote(t, l, "draft")

	clock.Advance(time.Minute)
	u, err := l.RecordUpdate(ctx, "notes", a.Data.ID, types.Attributes{types.F("body", "final")})
	require.NoError(t, err)
	assert.Equal(t, types.ActionUpdate, u.Kind)
	assert.True(t, u.Data.ID.Equal(a.Data.ID))

	row, err := b.Get(ctx, "notes", a.Data.ID)
	require.NoError(t, err)
	body, _ := row.Attributes.Get("body")
	assert.Equal(t, "final", body.Canonical())
	stored, _ := row.Attributes.Get(types.AttrSyncHash)
	assert.Equal(t, hashing.ComputeHash(row.Attributes), stored.Canonical())
	updated, _ := row.Attributes.Get(types.AttrSyncUpdatedAt)
	assert.Equal(t, clock.Now().Unix(), mustTime(t, updated).Unix())

	_, err = l.RecordUpdate(ctx, "notes", types.String("missing"), types.Attributes{types.F("body", "x")})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRecordDelete(t *testing.T) {
	ctx := context.Background()
	l, b, _ := newNotesLog(t)
	a := insertNote(t, l, "bye")

	d, err := l.RecordDelete(ctx, "notes", a.Data.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionDelete, d.Kind)
	assert.Empty(t, d.Data.Attributes)

	_, err = b.Get(ctx, "notes", a.Data.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = l.RecordDelete(ctx, "notes", a.Data.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestPendingActions_OrderedByTimestamp(t *testing.T) {
	ctx := context.Background()
	l, _, clock := newNotesLog(t)

	later := insertNote(t, l, "recorded first, stamped later")
	clock.Advance(-10 * time.Second)
	earlier := insertNote(t, l, "recorded second, stamped earlier")
	clock.Advance(20 * time.Second)
	last := insertNote(t, l, "last")
	same := insertNote(t, l, "same second as last")

	pending, err := l.PendingActions(ctx)
	require.NoError(t, err)
	ids := make([]int64, len(pending))
	for i, a := range pending {
		ids[i] = a.ID
	}
	assert.Equal(t, []int64{earlier.ID, later.ID, last.ID, same.ID}, ids)
}

func TestCompleteActions(t *testing.T) {
	ctx := context.Background()
	l, _, clock := newNotesLog(t)
	a1 := insertNote(t, l, "one")
	a2 := insertNote(t, l, "two")
	clock.Advance(time.Second)
	a3 := insertNote(t, l, "three")

	require.NoError(t, l.CompleteActions(ctx, []int64{a1.ID, a1.ID}))

	err := l.CompleteActions(ctx, []int64{a1.ID, a2.ID})
	assert.ErrorIs(t, err, types.ErrPartialBatch)

	pending, err := l.PendingActions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a3.ID, pending[0].ID)

	last, err := l.LastCompletedAction(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, a2.ID, last.ID)
	assert.Equal(t, types.ActionCompleted, last.Status)

	require.NoError(t, l.CompleteActions(ctx, []int64{a3.ID}))
	after, err := l.CompletedActionsAfter(ctx, a1.ActionedAt)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, a3.ID, after[0].ID)

	assert.ErrorIs(t, l.CompleteActions(ctx, []int64{999}), types.ErrPartialBatch)
	assert.NoError(t, l.CompleteActions(ctx, nil))
}

func TestCompleteActions_BeyondParameterLimit(t *testing.T) {
	ctx := context.Background()
	l, b, clock := newNotesLog(t)

	// More ids than SQLite binds in one statement.
	const n = 33000
	ids := make([]int64, 0, n)
	require.NoError(t, b.withTx(ctx, func(tx *sql.Tx) error {
		for i := 0; i < n; i++ {
			a, err := appendAction(ctx, tx, types.ActionDelete, "notes", types.DeleteData(types.String("x")), clock.Now())
			if err != nil {
				return err
			}
			ids = append(ids, a.ID)
		}
		return nil
	}))

	require.NoError(t, l.CompleteActions(ctx, ids))
	pending, err := l.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	// Ids that are no longer pending report a partial transition.
	err = l.CompleteActions(ctx, append(ids[:completeBatch+1:completeBatch+1], 1<<40))
	assert.ErrorIs(t, err, types.ErrPartialBatch)
}

func TestLastCompletedAction_None(t *testing.T) {
	l, _, _ := newNotesLog(t)
	insertNote(t, l, "pending")
	last, err := l.LastCompletedAction(context.Background())
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newNotesLog(t)

	var got []Event
	unsubscribe := l.Subscribe(func(ev Event) { got = append(got, ev) })

	a := insertNote(t, l, "watched")
	require.Len(t, got, 2)
	assert.Equal(t, EventActionCreated, got[0].Kind)
	require.NotNil(t, got[0].Action)
	assert.Equal(t, a.ID, got[0].Action.ID)
	assert.Equal(t, EventEntityCreated, got[1].Kind)
	assert.Equal(t, "notes", got[1].Entity)
	assert.False(t, got[1].Remote)

	_, err := l.RecordDelete(ctx, "notes", a.Data.ID)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, EventEntityDeleted, got[3].Kind)

	unsubscribe()
	unsubscribe()
	insertNote(t, l, "unwatched")
	assert.Len(t, got, 4)
}

func TestApplyRemote(t *testing.T) {
	ctx := context.Background()
	l, b, _ := newNotesLog(t)

	var events []Event
	l.Subscribe(func(ev Event) { events = append(events, ev) })

	remote := []types.Action{
		{Kind: types.ActionInsert, Entity: "notes", Data: types.InsertData(types.Attributes{
			types.F("id", "n-1"), types.F("body", "from remote"),
		})},
		{Kind: types.ActionUpdate, Entity: "notes", Data: types.UpdateData(types.String("n-1"), types.Attributes{
			types.F("pinned", true),
		})},
		{Kind: types.ActionUpdate, Entity: "notes", Data: types.UpdateData(types.String("n-404"), types.Attributes{
			types.F("body", "ignored"),
		})},
		{Kind: types.ActionDelete, Entity: "notes", Data: types.DeleteData(types.String("n-405"))},
	}
	require.NoError(t, l.ApplyRemote(ctx, remote))

	row, err := b.Get(ctx, "notes", types.String("n-1"))
	require.NoError(t, err)
	pinned, _ := row.Attributes.Get("pinned")
	assert.Equal(t, "1", pinned.Canonical())

	n, err := l.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "remote changes are not queued for push")

	require.Len(t, events, 3)
	for _, ev := range events {
		assert.True(t, ev.Remote)
	}

	bad := []types.Action{{Kind: "MERGE", Entity: "notes"}}
	assert.ErrorIs(t, l.ApplyRemote(ctx, bad), types.ErrInvalidAction)
}

func TestExportActions(t *testing.T) {
	ctx := context.Background()
	l, _, clock := newNotesLog(t)
	first := insertNote(t, l, "a")
	clock.Advance(time.Second)
	second, err := l.RecordUpdate(ctx, "notes", first.Data.ID, types.Attributes{types.F("body", "b")})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "export", "actions.jsonl")
	n, err := l.ExportActions(ctx, path, types.ActionPending)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	records, err := ReadActionRecords(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, first.ID, records[0].ID)
	assert.Equal(t, second.ID, records[1].ID)

	back, err := records[1].ToAction()
	require.NoError(t, err)
	assert.Equal(t, types.ActionUpdate, back.Kind)
	assert.True(t, back.Data.ID.Equal(first.Data.ID))
	body, _ := back.Data.Attributes.Get("body")
	assert.Equal(t, "b", body.Canonical())
	assert.Equal(t, second.ActionedAt, back.ActionedAt)
}
