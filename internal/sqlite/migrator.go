package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/horus/internal/sqlbuilder"
	"github.com/mesh-intelligence/horus/pkg/types"
)

// Applied reports what a Create or Migrate call executed.
type Applied struct {
	FromVersion int
	Version     int
	Created     []string
	Statements  []string
}

// Migrator creates and evolves entity tables from the declarative schema.
// Every call runs in a single transaction: either all statements apply and
// the registry is rewritten, or nothing changes.
type Migrator struct {
	backend *Backend
	log     logrus.FieldLogger
}

// NewMigrator returns a migrator bound to an attached backend.
func NewMigrator(b *Backend) *Migrator {
	return &Migrator{backend: b, log: b.Logger().WithField("component", "migrator")}
}

// Create creates every entity table of schemes at its current version.
// Tables are created after the tables they reference. Existing tables are
// left untouched, so repeating Create is a no-op.
func (m *Migrator) Create(ctx context.Context, schemes []types.EntityScheme) (Applied, error) {
	plan, err := types.PlanSchema(schemes)
	if err != nil {
		return Applied{}, err
	}
	applied := Applied{Version: plan.Version()}
	err = m.backend.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range plan.Entities {
			created, stmt, err := createIfMissing(ctx, tx, e, e.Columns())
			if err != nil {
				return err
			}
			if created {
				applied.Created = append(applied.Created, e.Name)
				applied.Statements = append(applied.Statements, stmt)
			}
		}
		return registerPlan(ctx, tx, plan, parentsOf(schemes))
	})
	m.backend.invalidateSchemes()
	if err != nil {
		return Applied{}, fmt.Errorf("create schema: %w", err)
	}
	m.log.WithFields(logrus.Fields{
		"version": applied.Version,
		"created": len(applied.Created),
	}).Info("schema created")
	return applied, nil
}

// Migrate brings the tables from oldVersion to newVersion. For each version
// in (oldVersion, newVersion], ascending, every attribute introduced at that
// version is added to its table, so a jump over several versions ends in
// the same columns as applying each step in turn. Entities missing from the
// database are created with their columns up to newVersion. Columns that
// already exist are skipped.
func (m *Migrator) Migrate(ctx context.Context, oldVersion, newVersion int, schemes []types.EntityScheme) (Applied, error) {
	if newVersion < oldVersion {
		return Applied{}, fmt.Errorf("migrate from %d down to %d: %w", oldVersion, newVersion, types.ErrInvalidSchema)
	}
	plan, err := types.PlanSchema(schemes)
	if err != nil {
		return Applied{}, err
	}
	applied := Applied{FromVersion: oldVersion, Version: newVersion}

	err = m.backend.withTx(ctx, func(tx *sql.Tx) error {
		fresh := make(map[string]bool)
		for _, e := range plan.Entities {
			created, stmt, err := createIfMissing(ctx, tx, e, e.ColumnsUpTo(newVersion))
			if err != nil {
				return err
			}
			if created {
				fresh[e.Name] = true
				applied.Created = append(applied.Created, e.Name)
				applied.Statements = append(applied.Statements, stmt)
			}
		}

		for v := oldVersion + 1; v <= newVersion; v++ {
			for _, e := range plan.Entities {
				if fresh[e.Name] {
					continue
				}
				added := e.ColumnsAtVersion(v)
				if len(added) == 0 {
					continue
				}
				existing, err := tableColumns(ctx, tx, e.Name)
				if err != nil {
					return err
				}
				have := make(map[string]bool, len(existing))
				for _, c := range existing {
					have[c] = true
				}
				for _, a := range added {
					if have[a.Name] {
						continue
					}
					stmt, err := sqlbuilder.AddColumn(e.Name, a)
					if err != nil {
						return err
					}
					if _, err := tx.ExecContext(ctx, stmt); err != nil {
						return fmt.Errorf("version %d: %s: %w", v, stmt, err)
					}
					applied.Statements = append(applied.Statements, stmt)
				}
			}
		}
		return registerPlan(ctx, tx, plan, parentsOf(schemes))
	})
	m.backend.invalidateSchemes()
	if err != nil {
		return Applied{}, fmt.Errorf("migrate schema %d -> %d: %w", oldVersion, newVersion, err)
	}
	m.log.WithFields(logrus.Fields{
		"from":       oldVersion,
		"to":         newVersion,
		"statements": len(applied.Statements),
	}).Info("schema migrated")
	return applied, nil
}

func createIfMissing(ctx context.Context, tx *sql.Tx, e types.EntityScheme, cols []types.Attribute) (bool, string, error) {
	exists, err := tableExists(ctx, tx, e.Name)
	if err != nil || exists {
		return false, "", err
	}
	stmt, err := sqlbuilder.CreateTable(e.Name, cols)
	if err != nil {
		return false, "", err
	}
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return false, "", fmt.Errorf("creating %s: %w", e.Name, err)
	}
	return true, stmt, nil
}

// EntityTableCount returns the number of entity tables, excluding the
// store's bookkeeping tables.
func (b *Backend) EntityTableCount(ctx context.Context) (int, error) {
	db, err := b.conn()
	if err != nil {
		return 0, err
	}
	rows, err := db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'")
	if err != nil {
		return 0, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return 0, err
		}
		if !coreTables[name] {
			n++
		}
	}
	return n, rows.Err()
}
