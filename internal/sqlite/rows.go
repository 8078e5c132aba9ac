package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/mesh-intelligence/horus/internal/hashing"
	"github.com/mesh-intelligence/horus/internal/sqlbuilder"
	"github.com/mesh-intelligence/horus/pkg/types"
)

// primaryKey returns the primary-key attribute of a registered scheme.
func primaryKey(e types.EntityScheme) (types.Attribute, error) {
	pk, ok := e.PrimaryKey()
	if !ok {
		return types.Attribute{}, fmt.Errorf("entity %q has no primary key: %w", e.Name, types.ErrInvalidSchema)
	}
	return pk, nil
}

// normalize checks that every attribute is a column of e and coerces its
// value to the column type.
func normalize(e types.EntityScheme, attrs types.Attributes) (types.Attributes, error) {
	out := make(types.Attributes, 0, len(attrs))
	for _, f := range attrs.Dedup() {
		a, ok := e.Attribute(f.Name)
		if !ok || a.IsStructural() {
			return nil, fmt.Errorf("%s.%s: %w", e.Name, f.Name, types.ErrUnknownAttribute)
		}
		v, err := f.Value.Coerce(a.Type)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", e.Name, f.Name, err)
		}
		out = append(out, types.Field{Name: f.Name, Value: v})
	}
	return out, nil
}

// coerceID converts id to the primary-key type of e.
func coerceID(e types.EntityScheme, id types.Value) (types.Attribute, types.Value, error) {
	pk, err := primaryKey(e)
	if err != nil {
		return pk, types.Value{}, err
	}
	if id.IsNull() {
		return pk, types.Value{}, fmt.Errorf("%s: %w", e.Name, types.ErrMissingID)
	}
	v, err := id.Coerce(pk.Type)
	if err != nil {
		return pk, types.Value{}, fmt.Errorf("%s id: %w", e.Name, err)
	}
	return pk, v, nil
}

// hasColumn reports whether e declares a physical column named name.
func hasColumn(e types.EntityScheme, name string) bool {
	a, ok := e.Attribute(name)
	return ok && !a.IsStructural()
}

// withHash sets sync_hash from the row's attributes when e declares it.
func withHash(e types.EntityScheme, row types.Attributes) types.Attributes {
	if !hasColumn(e, types.AttrSyncHash) {
		return row
	}
	return row.Set(types.AttrSyncHash, types.String(hashing.ComputeHash(row)))
}

// scanInstances reads rows into entity instances of e.
func scanInstances(rows *sql.Rows, e types.EntityScheme) ([]types.EntityInstance, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}
	var out []types.EntityInstance
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", e.Name, err)
		}
		inst := types.EntityInstance{Name: e.Name, Attributes: make(types.Attributes, 0, len(cols))}
		for i, c := range cols {
			v, err := types.FromAny(raw[i])
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", e.Name, c, err)
			}
			if a, ok := e.Attribute(c); ok {
				if cv, err := v.Coerce(a.Type); err == nil {
					v = cv
				}
			}
			inst.Attributes = append(inst.Attributes, types.Field{Name: c, Value: v})
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func queryInstances(ctx context.Context, q querier, e types.EntityScheme, query string, args []any) ([]types.EntityInstance, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", e.Name, err)
	}
	defer rows.Close()
	return scanInstances(rows, e)
}

func getRow(ctx context.Context, q querier, e types.EntityScheme, id types.Value) (types.EntityInstance, error) {
	pk, id, err := coerceID(e, id)
	if err != nil {
		return types.EntityInstance{}, err
	}
	query, args, err := sqlbuilder.Select(sqlbuilder.Query{
		Table: e.Name,
		Where: []sqlbuilder.Predicate{sqlbuilder.Eq(pk.Name, id)},
		Limit: 1,
	})
	if err != nil {
		return types.EntityInstance{}, err
	}
	found, err := queryInstances(ctx, q, e, query, args)
	if err != nil {
		return types.EntityInstance{}, err
	}
	if len(found) == 0 {
		return types.EntityInstance{}, fmt.Errorf("%s %s: %w", e.Name, id, types.ErrNotFound)
	}
	return found[0], nil
}

// Get returns one row by primary key.
// Returns ErrUnknownEntity or ErrNotFound.
func (b *Backend) Get(ctx context.Context, entity string, id types.Value) (types.EntityInstance, error) {
	e, err := b.Scheme(ctx, entity)
	if err != nil {
		return types.EntityInstance{}, err
	}
	db, err := b.conn()
	if err != nil {
		return types.EntityInstance{}, err
	}
	return getRow(ctx, db, e, id)
}

// Query runs a single-table conjunctive lookup. Predicate values are
// coerced to the column types.
func (b *Backend) Query(ctx context.Context, q sqlbuilder.Query) ([]types.EntityInstance, error) {
	e, err := b.Scheme(ctx, q.Table)
	if err != nil {
		return nil, err
	}
	q.Where, err = coercePredicates(e, q.Where)
	if err != nil {
		return nil, err
	}
	query, args, err := sqlbuilder.Select(q)
	if err != nil {
		return nil, err
	}
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	return queryInstances(ctx, db, e, query, args)
}

// Count returns the number of rows of entity matching preds.
func (b *Backend) Count(ctx context.Context, entity string, preds ...sqlbuilder.Predicate) (int, error) {
	e, err := b.Scheme(ctx, entity)
	if err != nil {
		return 0, err
	}
	preds, err = coercePredicates(e, preds)
	if err != nil {
		return 0, err
	}
	query, args, err := sqlbuilder.Count(entity, preds)
	if err != nil {
		return 0, err
	}
	db, err := b.conn()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", entity, err)
	}
	return n, nil
}

func coercePredicates(e types.EntityScheme, preds []sqlbuilder.Predicate) ([]sqlbuilder.Predicate, error) {
	out := make([]sqlbuilder.Predicate, len(preds))
	for i, p := range preds {
		a, ok := e.Attribute(p.Column)
		if !ok || a.IsStructural() {
			return nil, fmt.Errorf("%s.%s: %w", e.Name, p.Column, types.ErrUnknownAttribute)
		}
		if p.Op != sqlbuilder.OpLike && !p.Value.IsNull() {
			v, err := p.Value.Coerce(a.Type)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", e.Name, p.Column, err)
			}
			p.Value = v
		}
		if len(p.Values) > 0 {
			vs := make([]types.Value, len(p.Values))
			for j, v := range p.Values {
				cv, err := v.Coerce(a.Type)
				if err != nil {
					return nil, fmt.Errorf("%s.%s: %w", e.Name, p.Column, err)
				}
				vs[j] = cv
			}
			p.Values = vs
		}
		out[i] = p
	}
	return out, nil
}

// InsertBatch upserts remote rows without recording actions. Nested
// relations are flattened and rows are written by entity level, so parents
// land before children. The whole batch is one transaction.
func (b *Backend) InsertBatch(ctx context.Context, instances []types.EntityInstance) (int, error) {
	var flat []types.EntityInstance
	for _, inst := range instances {
		flat = append(flat, inst.Flatten()...)
	}
	if len(flat) == 0 {
		return 0, nil
	}
	schemes := make(map[string]types.EntityScheme)
	for _, inst := range flat {
		if _, ok := schemes[inst.Name]; ok {
			continue
		}
		e, err := b.Scheme(ctx, inst.Name)
		if err != nil {
			return 0, err
		}
		schemes[inst.Name] = e
	}
	sort.SliceStable(flat, func(i, j int) bool {
		return schemes[flat[i].Name].Level < schemes[flat[j].Name].Level
	})

	err := b.withTx(ctx, func(tx *sql.Tx) error {
		for _, inst := range flat {
			if err := upsertRow(ctx, tx, schemes[inst.Name], inst.Attributes); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("batch insert: %w", err)
	}
	return len(flat), nil
}

func upsertRow(ctx context.Context, tx *sql.Tx, e types.EntityScheme, attrs types.Attributes) error {
	row, err := normalize(e, attrs)
	if err != nil {
		return err
	}
	pk, err := primaryKey(e)
	if err != nil {
		return err
	}
	if _, ok := row.Get(pk.Name); !ok {
		return fmt.Errorf("%s: %w", e.Name, types.ErrMissingID)
	}
	if _, ok := row.Get(types.AttrSyncHash); !ok {
		row = withHash(e, row)
	}
	query, args, err := sqlbuilder.Upsert(e.Name, pk.Name, row)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting %s: %w", e.Name, err)
	}
	return nil
}

// RowHashes returns the hash of every row of entity. A stored sync_hash is
// used when present; otherwise the hash is computed from the row.
func (b *Backend) RowHashes(ctx context.Context, entity string) ([]hashing.RowHash, error) {
	e, err := b.Scheme(ctx, entity)
	if err != nil {
		return nil, err
	}
	pk, err := primaryKey(e)
	if err != nil {
		return nil, err
	}
	query, args, err := sqlbuilder.Select(sqlbuilder.Query{
		Table:   entity,
		OrderBy: []sqlbuilder.Order{{Column: pk.Name}},
	})
	if err != nil {
		return nil, err
	}
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	rows, err := queryInstances(ctx, db, e, query, args)
	if err != nil {
		return nil, err
	}
	out := make([]hashing.RowHash, 0, len(rows))
	for _, r := range rows {
		id, _ := r.Attributes.Get(pk.Name)
		h, ok := r.Attributes.Get(types.AttrSyncHash)
		hash := h.Canonical()
		if !ok || h.IsNull() || hash == "" {
			hash = hashing.ComputeHash(r.Attributes)
		}
		out = append(out, hashing.RowHash{ID: id.Canonical(), Hash: hash})
	}
	return out, nil
}
