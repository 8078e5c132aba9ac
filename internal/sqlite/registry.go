package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mesh-intelligence/horus/pkg/types"
)

// registerPlan replaces the entity registry with the entities of plan. It
// runs inside the migration transaction so the registry always matches the
// physical schema.
func registerPlan(ctx context.Context, tx *sql.Tx, plan *types.SchemaPlan, parents map[string]string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM entity_attributes"); err != nil {
		return fmt.Errorf("clearing attribute registry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entities"); err != nil {
		return fmt.Errorf("clearing entity registry: %w", err)
	}
	for pos, e := range plan.Entities {
		var parent sql.NullString
		if p, ok := parents[e.Name]; ok {
			parent = sql.NullString{String: p, Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO entities (name, is_writable, level, position, parent) VALUES (?, ?, ?, ?, ?)",
			e.Name, e.IsWritable(), e.Level, pos, parent); err != nil {
			return fmt.Errorf("registering entity %s: %w", e.Name, err)
		}
		for apos, a := range e.Attributes {
			var linked, options sql.NullString
			if a.LinkedEntity != "" {
				linked = sql.NullString{String: a.LinkedEntity, Valid: true}
			}
			if len(a.Options) > 0 {
				raw, err := json.Marshal(a.Options)
				if err != nil {
					return fmt.Errorf("encoding options of %s.%s: %w", e.Name, a.Name, err)
				}
				options = sql.NullString{String: string(raw), Valid: true}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO entity_attributes
				 (entity_name, attribute_name, type, nullable, version, linked_entity, delete_on_cascade, options, position)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.Name, a.Name, a.Type, a.Nullable, a.Version, linked, a.CascadeDelete, options, apos); err != nil {
				return fmt.Errorf("registering attribute %s.%s: %w", e.Name, a.Name, err)
			}
		}
	}
	return nil
}

// parentsOf maps each nested entity to the entity it is declared under.
func parentsOf(schemes []types.EntityScheme) map[string]string {
	parents := make(map[string]string)
	var walk func(e types.EntityScheme)
	walk = func(e types.EntityScheme) {
		for _, child := range e.Related {
			parents[child.Name] = e.Name
			walk(child)
		}
	}
	for _, e := range schemes {
		walk(e)
	}
	return parents
}

func (b *Backend) invalidateSchemes() {
	b.schemeMu.Lock()
	b.schemes = nil
	b.schemeMu.Unlock()
}

// loadSchemes reads the registry into memory once per migration.
func (b *Backend) loadSchemes(ctx context.Context) (map[string]types.EntityScheme, error) {
	b.schemeMu.RLock()
	cached := b.schemes
	b.schemeMu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	db, err := b.conn()
	if err != nil {
		return nil, err
	}

	schemes := make(map[string]types.EntityScheme)
	rows, err := db.QueryContext(ctx, "SELECT name, is_writable, level FROM entities")
	if err != nil {
		return nil, fmt.Errorf("reading entity registry: %w", err)
	}
	for rows.Next() {
		var name string
		var writable bool
		var level int
		if err := rows.Scan(&name, &writable, &level); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		kind := types.EntityReadable
		if writable {
			kind = types.EntityWritable
		}
		schemes[name] = types.EntityScheme{Name: name, Kind: kind, Level: level}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = db.QueryContext(ctx,
		`SELECT entity_name, attribute_name, type, nullable, version, linked_entity, delete_on_cascade, options
		 FROM entity_attributes ORDER BY entity_name, position`)
	if err != nil {
		return nil, fmt.Errorf("reading attribute registry: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var entity string
		var a types.Attribute
		var linked, options sql.NullString
		if err := rows.Scan(&entity, &a.Name, &a.Type, &a.Nullable, &a.Version, &linked, &a.CascadeDelete, &options); err != nil {
			return nil, fmt.Errorf("scanning attribute: %w", err)
		}
		a.LinkedEntity = linked.String
		if options.Valid {
			if err := json.Unmarshal([]byte(options.String), &a.Options); err != nil {
				return nil, fmt.Errorf("decoding options of %s.%s: %w", entity, a.Name, err)
			}
		}
		e := schemes[entity]
		e.Attributes = append(e.Attributes, a)
		schemes[entity] = e
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	b.schemeMu.Lock()
	b.schemes = schemes
	b.schemeMu.Unlock()
	return schemes, nil
}

// Scheme returns the registered scheme of an entity. Related entities are
// not attached; use Schemes for the full ordered list.
// Returns ErrUnknownEntity when the entity is not registered.
func (b *Backend) Scheme(ctx context.Context, name string) (types.EntityScheme, error) {
	schemes, err := b.loadSchemes(ctx)
	if err != nil {
		return types.EntityScheme{}, err
	}
	e, ok := schemes[name]
	if !ok {
		return types.EntityScheme{}, fmt.Errorf("%q: %w", name, types.ErrUnknownEntity)
	}
	return e, nil
}

// Schemes returns every registered entity in dependency order: by level,
// then by name.
func (b *Backend) Schemes(ctx context.Context) ([]types.EntityScheme, error) {
	schemes, err := b.loadSchemes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.EntityScheme, 0, len(schemes))
	for _, e := range schemes {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// IsEntityWritable reports whether local mutations are accepted for the
// entity. Returns ErrUnknownEntity when the entity is not registered.
func (b *Backend) IsEntityWritable(ctx context.Context, name string) (bool, error) {
	e, err := b.Scheme(ctx, name)
	if err != nil {
		return false, err
	}
	return e.IsWritable(), nil
}

// EntityLevel returns the dependency level recorded for an entity.
func (b *Backend) EntityLevel(ctx context.Context, name string) (int, error) {
	e, err := b.Scheme(ctx, name)
	if err != nil {
		return 0, err
	}
	return e.Level, nil
}

// FileAttributes returns the names of the entity's file-reference columns.
func (b *Backend) FileAttributes(ctx context.Context, name string) ([]string, error) {
	e, err := b.Scheme(ctx, name)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, a := range e.Attributes {
		if a.Type == types.TypeRefFile {
			names = append(names, a.Name)
		}
	}
	return names, nil
}
