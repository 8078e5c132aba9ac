package sqlbuilder

import (
	"fmt"
	"strings"

	"github.com/mesh-intelligence/horus/pkg/types"
)

// Op is a comparison operator usable in a predicate.
type Op string

// Supported operators.
const (
	OpEq        Op = "="
	OpNe        Op = "!="
	OpLt        Op = "<"
	OpLe        Op = "<="
	OpGt        Op = ">"
	OpGe        Op = ">="
	OpLike      Op = "LIKE"
	OpIn        Op = "IN"
	OpIsNull    Op = "IS NULL"
	OpIsNotNull Op = "IS NOT NULL"
)

// Predicate is one conjunct of a WHERE clause.
type Predicate struct {
	Column string
	Op     Op
	Value  types.Value
	Values []types.Value
}

// Eq builds column = v.
func Eq(column string, v types.Value) Predicate { return Predicate{Column: column, Op: OpEq, Value: v} }

// Ne builds column != v.
func Ne(column string, v types.Value) Predicate { return Predicate{Column: column, Op: OpNe, Value: v} }

// Lt builds column < v.
func Lt(column string, v types.Value) Predicate { return Predicate{Column: column, Op: OpLt, Value: v} }

// Le builds column <= v.
func Le(column string, v types.Value) Predicate { return Predicate{Column: column, Op: OpLe, Value: v} }

// Gt builds column > v.
func Gt(column string, v types.Value) Predicate { return Predicate{Column: column, Op: OpGt, Value: v} }

// Ge builds column >= v.
func Ge(column string, v types.Value) Predicate { return Predicate{Column: column, Op: OpGe, Value: v} }

// Like builds column LIKE pattern.
func Like(column, pattern string) Predicate {
	return Predicate{Column: column, Op: OpLike, Value: types.String(pattern)}
}

// In builds column IN (vs...).
func In(column string, vs ...types.Value) Predicate {
	return Predicate{Column: column, Op: OpIn, Values: vs}
}

// IsNull builds column IS NULL.
func IsNull(column string) Predicate { return Predicate{Column: column, Op: OpIsNull} }

// IsNotNull builds column IS NOT NULL.
func IsNotNull(column string) Predicate { return Predicate{Column: column, Op: OpIsNotNull} }

func (p Predicate) render() (string, []any, error) {
	if err := checkIdent(p.Column); err != nil {
		return "", nil, err
	}
	col := Quote(p.Column)
	switch p.Op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpLike:
		if p.Value.IsNull() {
			return "", nil, fmt.Errorf("%s %s NULL, use IsNull: %w", p.Column, p.Op, types.ErrInvalidPredicate)
		}
		return fmt.Sprintf("%s %s ?", col, p.Op), []any{p.Value.SQL()}, nil
	case OpIn:
		if len(p.Values) == 0 {
			return "", nil, fmt.Errorf("%s IN with no values: %w", p.Column, types.ErrInvalidPredicate)
		}
		marks := make([]string, len(p.Values))
		args := make([]any, len(p.Values))
		for i, v := range p.Values {
			marks[i] = "?"
			args[i] = v.SQL()
		}
		return fmt.Sprintf("%s IN (%s)", col, strings.Join(marks, ",")), args, nil
	case OpIsNull, OpIsNotNull:
		return fmt.Sprintf("%s %s", col, p.Op), nil, nil
	}
	return "", nil, fmt.Errorf("operator %q: %w", p.Op, types.ErrInvalidPredicate)
}

// Where renders the conjunction of preds, including the leading " WHERE".
// It returns an empty clause when preds is empty.
func Where(preds []Predicate) (string, []any, error) {
	if len(preds) == 0 {
		return "", nil, nil
	}
	var conditions []string
	var args []any
	for _, p := range preds {
		cond, a, err := p.render()
		if err != nil {
			return "", nil, err
		}
		conditions = append(conditions, cond)
		args = append(args, a...)
	}
	return " WHERE " + strings.Join(conditions, " AND "), args, nil
}

// Order is one ORDER BY term.
type Order struct {
	Column string
	Desc   bool
}

// Query describes a single-table conjunctive lookup.
type Query struct {
	Table   string
	Columns []string
	Where   []Predicate
	OrderBy []Order
	Limit   int
	Offset  int
}

// Select renders q. An empty column list selects every column.
func Select(q Query) (string, []any, error) {
	if err := checkIdent(q.Table); err != nil {
		return "", nil, err
	}
	cols := "*"
	if len(q.Columns) > 0 {
		if err := checkIdent(q.Columns...); err != nil {
			return "", nil, err
		}
		quoted := make([]string, len(q.Columns))
		for i, c := range q.Columns {
			quoted[i] = Quote(c)
		}
		cols = strings.Join(quoted, ", ")
	}
	where, args, err := Where(q.Where)
	if err != nil {
		return "", nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s", cols, Quote(q.Table), where)
	if len(q.OrderBy) > 0 {
		terms := make([]string, len(q.OrderBy))
		for i, o := range q.OrderBy {
			if err := checkIdent(o.Column); err != nil {
				return "", nil, err
			}
			terms[i] = Quote(o.Column)
			if o.Desc {
				terms[i] += " DESC"
			}
		}
		query += " ORDER BY " + strings.Join(terms, ", ")
	}
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		if q.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += fmt.Sprintf(" OFFSET %d", q.Offset)
	}
	return query, args, nil
}

// Count renders SELECT COUNT(*) for table filtered by preds.
func Count(table string, preds []Predicate) (string, []any, error) {
	if err := checkIdent(table); err != nil {
		return "", nil, err
	}
	where, args, err := Where(preds)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("SELECT COUNT(*) FROM %s%s", Quote(table), where), args, nil
}

func columnsAndArgs(attrs types.Attributes) ([]string, []any, error) {
	attrs = attrs.Dedup()
	cols := make([]string, len(attrs))
	args := make([]any, len(attrs))
	for i, f := range attrs {
		if err := checkIdent(f.Name); err != nil {
			return nil, nil, err
		}
		cols[i] = Quote(f.Name)
		args[i] = f.Value.SQL()
	}
	return cols, args, nil
}

// Insert renders INSERT INTO table for attrs.
func Insert(table string, attrs types.Attributes) (string, []any, error) {
	if err := checkIdent(table); err != nil {
		return "", nil, err
	}
	if len(attrs) == 0 {
		return "", nil, fmt.Errorf("insert into %q without attributes: %w", table, types.ErrInvalidValue)
	}
	cols, args, err := columnsAndArgs(attrs)
	if err != nil {
		return "", nil, err
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		Quote(table), strings.Join(cols, ", "), marks), args, nil
}

// Upsert renders an insert that updates the existing row when key already
// exists. Unlike INSERT OR REPLACE it never deletes the old row, so
// cascading foreign keys on child rows are left intact.
func Upsert(table, key string, attrs types.Attributes) (string, []any, error) {
	query, args, err := Insert(table, attrs)
	if err != nil {
		return "", nil, err
	}
	if err := checkIdent(key); err != nil {
		return "", nil, err
	}
	var sets []string
	for _, f := range attrs.Dedup() {
		if f.Name == key {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", Quote(f.Name), Quote(f.Name)))
	}
	if len(sets) == 0 {
		return query + fmt.Sprintf(" ON CONFLICT(%s) DO NOTHING", Quote(key)), args, nil
	}
	return query + fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET %s",
		Quote(key), strings.Join(sets, ", ")), args, nil
}

// Update renders UPDATE table SET attrs WHERE key = id.
func Update(table, key string, id types.Value, attrs types.Attributes) (string, []any, error) {
	if err := checkIdent(table, key); err != nil {
		return "", nil, err
	}
	if len(attrs) == 0 {
		return "", nil, fmt.Errorf("update %q without attributes: %w", table, types.ErrInvalidValue)
	}
	cols, args, err := columnsAndArgs(attrs)
	if err != nil {
		return "", nil, err
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	args = append(args, id.SQL())
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		Quote(table), strings.Join(sets, ", "), Quote(key)), args, nil
}

// Delete renders DELETE FROM table WHERE key = id.
func Delete(table, key string, id types.Value) (string, []any, error) {
	if err := checkIdent(table, key); err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s = ?", Quote(table), Quote(key)), []any{id.SQL()}, nil
}
