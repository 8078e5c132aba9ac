package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/horus/internal/sqlbuilder"
	"github.com/mesh-intelligence/horus/pkg/types"
)

// ActionLog records local mutations. Each Record call writes the entity row
// and its queue_actions entry in one transaction and then notifies
// subscribers. It persists but does not authorize: callers check
// IsEntityWritable first.
type ActionLog struct {
	backend *Backend
	log     logrus.FieldLogger
	obs     observers
}

// NewActionLog returns an action log bound to an attached backend.
func NewActionLog(b *Backend) *ActionLog {
	return &ActionLog{backend: b, log: b.Logger().WithField("component", "action_log")}
}

// Subscribe registers fn for store events. The returned function releases
// the subscription and is safe to call more than once.
func (l *ActionLog) Subscribe(fn func(Event)) (unsubscribe func()) {
	return l.obs.subscribe(fn)
}

// RecordInsert inserts a row and records an INSERT action carrying the full
// attribute set, including generated keys and maintained sync columns.
// A missing uuid primary key is generated; a missing integer key is
// assigned by the database.
func (l *ActionLog) RecordInsert(ctx context.Context, entity string, attrs types.Attributes) (types.Action, error) {
	e, err := l.backend.Scheme(ctx, entity)
	if err != nil {
		return types.Action{}, err
	}
	row, err := normalize(e, attrs)
	if err != nil {
		return types.Action{}, err
	}
	pk, err := primaryKey(e)
	if err != nil {
		return types.Action{}, err
	}
	if id, ok := row.Get(pk.Name); !ok || id.IsNull() {
		switch pk.Type {
		case types.TypePrimaryKeyUUID:
			row = row.Without(pk.Name)
			row = append(types.Attributes{{Name: pk.Name, Value: types.String(generateUUID())}}, row...)
		case types.TypePrimaryKeyInteger:
			row = row.Without(pk.Name)
		default:
			return types.Action{}, fmt.Errorf("%s: %w", entity, types.ErrMissingID)
		}
	}

	now := l.backend.Now()
	cfg := l.backend.Config()
	if hasColumn(e, types.AttrSyncOwnerID) && cfg.OwnerID != "" {
		if _, ok := row.Get(types.AttrSyncOwnerID); !ok {
			row = row.Set(types.AttrSyncOwnerID, types.String(cfg.OwnerID))
		}
	}
	if hasColumn(e, types.AttrSyncCreatedAt) {
		row = row.Set(types.AttrSyncCreatedAt, types.Timestamp(now))
	}
	if hasColumn(e, types.AttrSyncUpdatedAt) {
		row = row.Set(types.AttrSyncUpdatedAt, types.Timestamp(now))
	}
	row = withHash(e, row)

	var action types.Action
	err = l.backend.withTx(ctx, func(tx *sql.Tx) error {
		query, args, err := sqlbuilder.Insert(entity, row)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("inserting %s: %w", entity, err)
		}
		if _, ok := row.Get(pk.Name); !ok {
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("reading generated id: %w", err)
			}
			row = append(types.Attributes{{Name: pk.Name, Value: types.Int(id)}}, row...)
		}
		action, err = appendAction(ctx, tx, types.ActionInsert, entity, types.InsertData(row), now)
		return err
	})
	if err != nil {
		return types.Action{}, err
	}

	l.notify(action, EventEntityCreated)
	return action, nil
}

// RecordUpdate updates a row and records an UPDATE action carrying the id
// and the changed attributes. Returns ErrNotFound when the row is absent.
func (l *ActionLog) RecordUpdate(ctx context.Context, entity string, id types.Value, attrs types.Attributes) (types.Action, error) {
	e, err := l.backend.Scheme(ctx, entity)
	if err != nil {
		return types.Action{}, err
	}
	pk, id, err := coerceID(e, id)
	if err != nil {
		return types.Action{}, err
	}
	changes, err := normalize(e, attrs.Without(pk.Name))
	if err != nil {
		return types.Action{}, err
	}
	if len(changes) == 0 {
		return types.Action{}, fmt.Errorf("update %s %s without attributes: %w", entity, id, types.ErrInvalidAction)
	}

	now := l.backend.Now()
	if hasColumn(e, types.AttrSyncUpdatedAt) {
		changes = changes.Set(types.AttrSyncUpdatedAt, types.Timestamp(now))
	}

	var action types.Action
	err = l.backend.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		changes, err = rehash(ctx, tx, e, id, changes)
		if err != nil {
			return err
		}
		if err := updateRow(ctx, tx, e, pk, id, changes); err != nil {
			return err
		}
		action, err = appendAction(ctx, tx, types.ActionUpdate, entity, types.UpdateData(id, changes), now)
		return err
	})
	if err != nil {
		return types.Action{}, err
	}

	l.notify(action, EventEntityUpdated)
	return action, nil
}

// RecordDelete deletes a row and records a DELETE action carrying the id.
// Children declared with cascading keys are removed by the database.
// Returns ErrNotFound when the row is absent.
func (l *ActionLog) RecordDelete(ctx context.Context, entity string, id types.Value) (types.Action, error) {
	e, err := l.backend.Scheme(ctx, entity)
	if err != nil {
		return types.Action{}, err
	}
	pk, id, err := coerceID(e, id)
	if err != nil {
		return types.Action{}, err
	}

	now := l.backend.Now()
	var action types.Action
	err = l.backend.withTx(ctx, func(tx *sql.Tx) error {
		if err := deleteRow(ctx, tx, e, pk, id); err != nil {
			return err
		}
		var err error
		action, err = appendAction(ctx, tx, types.ActionDelete, entity, types.DeleteData(id), now)
		return err
	})
	if err != nil {
		return types.Action{}, err
	}

	l.notify(action, EventEntityDeleted)
	return action, nil
}

func (l *ActionLog) notify(action types.Action, kind EventKind) {
	l.log.WithFields(logrus.Fields{
		"action_id": action.ID,
		"kind":      action.Kind,
		"entity":    action.Entity,
	}).Debug("action recorded")
	a := action
	l.obs.emit(
		Event{Kind: EventActionCreated, Entity: action.Entity, ID: action.Data.ID, Action: &a},
		Event{Kind: kind, Entity: action.Entity, ID: action.Data.ID},
	)
}

// rehash recomputes sync_hash for an update from the stored row merged
// with the changes.
func rehash(ctx context.Context, tx *sql.Tx, e types.EntityScheme, id types.Value, changes types.Attributes) (types.Attributes, error) {
	if !hasColumn(e, types.AttrSyncHash) {
		return changes, nil
	}
	if _, ok := changes.Get(types.AttrSyncHash); ok {
		return changes, nil
	}
	current, err := getRow(ctx, tx, e, id)
	if err != nil {
		return nil, err
	}
	merged := append(append(types.Attributes{}, current.Attributes...), changes...)
	hash := withHash(e, merged.Dedup())
	v, _ := hash.Get(types.AttrSyncHash)
	return changes.Set(types.AttrSyncHash, v), nil
}

func updateRow(ctx context.Context, tx *sql.Tx, e types.EntityScheme, pk types.Attribute, id types.Value, changes types.Attributes) error {
	query, args, err := sqlbuilder.Update(e.Name, pk.Name, id, changes)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating %s: %w", e.Name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s %s: %w", e.Name, id, types.ErrNotFound)
	}
	return nil
}

func deleteRow(ctx context.Context, tx *sql.Tx, e types.EntityScheme, pk types.Attribute, id types.Value) error {
	query, args, err := sqlbuilder.Delete(e.Name, pk.Name, id)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting %s: %w", e.Name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s %s: %w", e.Name, id, types.ErrNotFound)
	}
	return nil
}

func appendAction(ctx context.Context, tx *sql.Tx, kind types.ActionKind, entity string, data types.ActionData, at time.Time) (types.Action, error) {
	raw, err := types.EncodeActionData(kind, data)
	if err != nil {
		return types.Action{}, err
	}
	res, err := tx.ExecContext(ctx,
		"INSERT INTO queue_actions (action_type, entity, data, status, datetime) VALUES (?, ?, ?, ?, ?)",
		string(kind), entity, string(raw), string(types.ActionPending), at.Unix())
	if err != nil {
		return types.Action{}, fmt.Errorf("recording %s action on %s: %w", kind, entity, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.Action{}, fmt.Errorf("reading action id: %w", err)
	}
	return types.Action{
		ID:         id,
		Kind:       kind,
		Entity:     entity,
		Status:     types.ActionPending,
		Data:       data,
		ActionedAt: time.Unix(at.Unix(), 0).UTC(),
	}, nil
}

const actionColumns = "id, action_type, entity, data, status, datetime"

func scanActions(rows *sql.Rows) ([]types.Action, error) {
	var out []types.Action
	for rows.Next() {
		var a types.Action
		var kind, status, raw string
		var ts int64
		if err := rows.Scan(&a.ID, &kind, &a.Entity, &raw, &status, &ts); err != nil {
			return nil, fmt.Errorf("scanning action: %w", err)
		}
		a.Kind = types.ActionKind(kind)
		a.Status = types.ActionStatus(status)
		a.ActionedAt = time.Unix(ts, 0).UTC()
		data, err := types.DecodeActionData(a.Kind, []byte(raw))
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", a.ID, err)
		}
		a.Data = data
		out = append(out, a)
	}
	return out, rows.Err()
}

func (l *ActionLog) queryActions(ctx context.Context, where string, args ...any) ([]types.Action, error) {
	db, err := l.backend.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, "SELECT "+actionColumns+" FROM queue_actions "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("listing actions: %w", err)
	}
	defer rows.Close()
	return scanActions(rows)
}

// PendingActions returns every pending action, oldest first. Actions
// recorded within the same second keep their recording order.
func (l *ActionLog) PendingActions(ctx context.Context) ([]types.Action, error) {
	return l.queryActions(ctx, "WHERE status = ? ORDER BY datetime, id", string(types.ActionPending))
}

// CountPending returns the number of pending actions.
func (l *ActionLog) CountPending(ctx context.Context) (int, error) {
	db, err := l.backend.conn()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM queue_actions WHERE status = ?", string(types.ActionPending)).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting pending actions: %w", err)
	}
	return n, nil
}

// completeBatch bounds the ids bound to one UPDATE, well under SQLite's
// host parameter limit.
const completeBatch = 500

// CompleteActions marks pending actions as completed in one transaction,
// updating at most completeBatch ids per statement. When fewer rows than
// distinct ids change, the transitions that did apply are kept and the
// error wraps ErrPartialBatch.
func (l *ActionLog) CompleteActions(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	unique := make([]any, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	var affected int64
	err := l.backend.withTx(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(unique); start += completeBatch {
			batch := unique[start:min(start+completeBatch, len(unique))]
			marks := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
			args := append([]any{string(types.ActionCompleted), string(types.ActionPending)}, batch...)
			res, err := tx.ExecContext(ctx,
				"UPDATE queue_actions SET status = ? WHERE status = ? AND id IN ("+marks+")", args...)
			if err != nil {
				return fmt.Errorf("completing actions: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			affected += n
		}
		return nil
	})
	if err != nil {
		return err
	}
	if affected != int64(len(unique)) {
		return fmt.Errorf("completed %d of %d actions: %w", affected, len(unique), types.ErrPartialBatch)
	}
	return nil
}

// LastCompletedAction returns the completed action with the highest id, or
// nil when none has completed.
func (l *ActionLog) LastCompletedAction(ctx context.Context) (*types.Action, error) {
	found, err := l.queryActions(ctx, "WHERE status = ? ORDER BY id DESC LIMIT 1", string(types.ActionCompleted))
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return &found[0], nil
}

// CompletedActionsAfter returns completed actions recorded strictly after t,
// oldest first.
func (l *ActionLog) CompletedActionsAfter(ctx context.Context, t time.Time) ([]types.Action, error) {
	return l.queryActions(ctx, "WHERE status = ? AND datetime > ? ORDER BY datetime, id",
		string(types.ActionCompleted), t.Unix())
}

// Actions lists actions filtered by status (empty for all), newest first,
// capped by limit when positive.
func (l *ActionLog) Actions(ctx context.Context, status types.ActionStatus, limit int) ([]types.Action, error) {
	where := "WHERE 1 = 1"
	var args []any
	if status != "" {
		where = "WHERE status = ?"
		args = append(args, string(status))
	}
	where += " ORDER BY datetime DESC, id DESC"
	if limit > 0 {
		where += fmt.Sprintf(" LIMIT %d", limit)
	}
	return l.queryActions(ctx, where, args...)
}

// ApplyRemote replays remote actions against the local tables in one
// transaction without queueing them for push. Inserts upsert, updates of
// missing rows and deletes of missing rows are skipped.
func (l *ActionLog) ApplyRemote(ctx context.Context, actions []types.Action) error {
	if len(actions) == 0 {
		return nil
	}
	schemes := make(map[string]types.EntityScheme)
	for _, a := range actions {
		if !a.Kind.Valid() {
			return fmt.Errorf("remote action %q: %w", a.Kind, types.ErrInvalidAction)
		}
		if _, ok := schemes[a.Entity]; ok {
			continue
		}
		e, err := l.backend.Scheme(ctx, a.Entity)
		if err != nil {
			return err
		}
		schemes[a.Entity] = e
	}

	events := make([]Event, 0, len(actions))
	err := l.backend.withTx(ctx, func(tx *sql.Tx) error {
		for _, a := range actions {
			e := schemes[a.Entity]
			switch a.Kind {
			case types.ActionInsert:
				if err := upsertRow(ctx, tx, e, a.Data.Attributes); err != nil {
					return err
				}
				events = append(events, Event{Kind: EventEntityCreated, Entity: a.Entity, ID: a.Data.ID, Remote: true})
			case types.ActionUpdate:
				pk, id, err := coerceID(e, a.Data.ID)
				if err != nil {
					return err
				}
				changes, err := normalize(e, a.Data.Attributes.Without(pk.Name))
				if err != nil {
					return err
				}
				if len(changes) == 0 {
					continue
				}
				changes, err = rehash(ctx, tx, e, id, changes)
				if errors.Is(err, types.ErrNotFound) {
					l.log.WithFields(logrus.Fields{"entity": a.Entity, "id": id.String()}).Warn("remote update of missing row skipped")
					continue
				}
				if err != nil {
					return err
				}
				err = updateRow(ctx, tx, e, pk, id, changes)
				if errors.Is(err, types.ErrNotFound) {
					l.log.WithFields(logrus.Fields{"entity": a.Entity, "id": id.String()}).Warn("remote update of missing row skipped")
					continue
				}
				if err != nil {
					return err
				}
				events = append(events, Event{Kind: EventEntityUpdated, Entity: a.Entity, ID: id, Remote: true})
			case types.ActionDelete:
				pk, id, err := coerceID(e, a.Data.ID)
				if err != nil {
					return err
				}
				if err := deleteRow(ctx, tx, e, pk, id); err != nil && !errors.Is(err, types.ErrNotFound) {
					return err
				}
				events = append(events, Event{Kind: EventEntityDeleted, Entity: a.Entity, ID: id, Remote: true})
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("applying remote actions: %w", err)
	}
	l.obs.emit(events...)
	return nil
}
