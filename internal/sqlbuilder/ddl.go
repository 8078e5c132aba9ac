// Package sqlbuilder renders SQLite statements from the schema model and
// from typed predicates. It never touches a database; callers execute the
// returned text with the returned arguments.
package sqlbuilder

import (
	"fmt"
	"strings"

	"github.com/mesh-intelligence/horus/pkg/types"
)

// Quote returns name as a double-quoted identifier.
func Quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func checkIdent(names ...string) error {
	for _, n := range names {
		if !types.IsValidIdentifier(n) {
			return fmt.Errorf("%q: %w", n, types.ErrInvalidIdentifier)
		}
	}
	return nil
}

// StorageType returns the SQLite storage class used for an attribute type.
func StorageType(attrType string) string {
	switch attrType {
	case types.TypePrimaryKeyInteger, types.TypeInteger, types.TypeBoolean, types.TypeTimestamp:
		return "INTEGER"
	case types.TypeFloat:
		return "REAL"
	}
	return "TEXT"
}

// zeroDefault is the literal used to backfill existing rows when a
// non-nullable column is added to a populated table.
func zeroDefault(a types.Attribute) string {
	switch a.Type {
	case types.TypeInteger, types.TypeBoolean, types.TypeTimestamp:
		return "0"
	case types.TypeFloat:
		return "0.0"
	case types.TypeEnum:
		return quoteLiteral(a.Options[0])
	case types.TypeJSON:
		return "'{}'"
	}
	return "''"
}

func enumCheck(a types.Attribute) string {
	opts := make([]string, len(a.Options))
	for i, o := range a.Options {
		opts[i] = quoteLiteral(o)
	}
	return fmt.Sprintf("CHECK (%s IN (%s))", Quote(a.Name), strings.Join(opts, ", "))
}

// ColumnDef renders one column definition for CREATE TABLE.
func ColumnDef(a types.Attribute) (string, error) {
	if err := checkIdent(a.Name); err != nil {
		return "", err
	}
	if a.IsStructural() {
		return "", fmt.Errorf("relation attribute %q has no column: %w", a.Name, types.ErrInvalidAttributeType)
	}
	parts := []string{Quote(a.Name), StorageType(a.Type)}
	switch {
	case a.Type == types.TypePrimaryKeyInteger:
		parts = append(parts, "PRIMARY KEY")
	case a.IsPrimaryKey():
		parts = append(parts, "PRIMARY KEY NOT NULL")
	case !a.Nullable:
		parts = append(parts, "NOT NULL")
	}
	if a.Type == types.TypeEnum {
		parts = append(parts, enumCheck(a))
	}
	return strings.Join(parts, " "), nil
}

func foreignKey(a types.Attribute) string {
	s := fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s(%s)",
		Quote(a.Name), Quote(a.LinkedEntity), Quote(types.AttrID))
	if a.CascadeDelete {
		s += " ON DELETE CASCADE"
	}
	return s
}

// CreateTable renders an idempotent CREATE TABLE statement for the given
// entity restricted to cols. Columns keep declaration order and foreign keys
// become trailing table constraints.
func CreateTable(entity string, cols []types.Attribute) (string, error) {
	if err := checkIdent(entity); err != nil {
		return "", err
	}
	if len(cols) == 0 {
		return "", fmt.Errorf("entity %q has no columns: %w", entity, types.ErrInvalidSchema)
	}
	var defs, constraints []string
	for _, a := range cols {
		def, err := ColumnDef(a)
		if err != nil {
			return "", fmt.Errorf("entity %q: %w", entity, err)
		}
		defs = append(defs, def)
		if a.IsForeignKey() {
			if err := checkIdent(a.LinkedEntity); err != nil {
				return "", err
			}
			constraints = append(constraints, foreignKey(a))
		}
	}
	body := append(defs, constraints...)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)",
		Quote(entity), strings.Join(body, ",\n    ")), nil
}

// AddColumn renders ALTER TABLE ... ADD COLUMN for an attribute introduced
// after the table was created. SQLite cannot add a primary key and requires
// a non-null default for NOT NULL columns, so non-nullable columns receive
// their type's zero value as default. Foreign-key columns are added
// nullable with an inline reference, the only form SQLite accepts.
func AddColumn(entity string, a types.Attribute) (string, error) {
	if err := checkIdent(entity, a.Name); err != nil {
		return "", err
	}
	if a.IsStructural() {
		return "", fmt.Errorf("relation attribute %q has no column: %w", a.Name, types.ErrInvalidAttributeType)
	}
	if a.IsPrimaryKey() {
		return "", fmt.Errorf("cannot add primary key %q to %q: %w", a.Name, entity, types.ErrInvalidSchema)
	}
	parts := []string{Quote(a.Name), StorageType(a.Type)}
	switch {
	case a.IsForeignKey():
		if err := checkIdent(a.LinkedEntity); err != nil {
			return "", err
		}
		ref := fmt.Sprintf("REFERENCES %s(%s)", Quote(a.LinkedEntity), Quote(types.AttrID))
		if a.CascadeDelete {
			ref += " ON DELETE CASCADE"
		}
		parts = append(parts, ref)
	case !a.Nullable:
		parts = append(parts, "NOT NULL DEFAULT "+zeroDefault(a))
	}
	if a.Type == types.TypeEnum {
		parts = append(parts, enumCheck(a))
	}
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", Quote(entity), strings.Join(parts, " ")), nil
}
