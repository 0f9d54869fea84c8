package sqlbuilder

import (
	"fmt"
	"strings"
)

// ColumnDef describes one column of a CREATE TABLE statement.
type ColumnDef struct {
	Name       string
	Type       ColumnType
	Size       int
	NotNull    bool
	PrimaryKey bool
}

// CreateTable builds CREATE TABLE IF NOT EXISTS plus one CREATE INDEX per
// indexed column.
type CreateTable struct {
	Table   string
	Columns []ColumnDef
	Indexes []string
}

// NewCreateTable starts a table definition.
func NewCreateTable(table string) *CreateTable {
	return &CreateTable{Table: table}
}

// Column appends a column.
func (c *CreateTable) Column(def ColumnDef) *CreateTable {
	c.Columns = append(c.Columns, def)
	return c
}

// Index requests a secondary index on the named column.
func (c *CreateTable) Index(column string) *CreateTable {
	c.Indexes = append(c.Indexes, column)
	return c
}

// Build returns the table statement followed by its index statements.
func (c *CreateTable) Build(d Dialect) ([]Statement, error) {
	if c.Table == "" || len(c.Columns) == 0 {
		return nil, fmt.Errorf("create table: table name and columns are required")
	}
	var sb strings.Builder
	sb.WriteString("CREATE TABLE IF NOT EXISTS ")
	sb.WriteString(QuoteIdent(c.Table))
	sb.WriteString(" (")
	for i, col := range c.Columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(QuoteIdent(col.Name))
		sb.WriteString(" ")
		sb.WriteString(d.TypeName(col.Type, col.Size))
		if col.NotNull || col.PrimaryKey {
			sb.WriteString(" NOT NULL")
		}
		if col.PrimaryKey {
			sb.WriteString(" PRIMARY KEY")
		}
	}
	sb.WriteString(")")

	stmts := []Statement{{SQL: sb.String()}}
	for _, col := range c.Indexes {
		name := QuoteIdent(strings.ToUpper(c.Table + "_" + col + "_IDX"))
		stmts = append(stmts, Statement{
			SQL: fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", name, QuoteIdent(c.Table), QuoteIdent(col)),
		})
	}
	return stmts, nil
}

// Value is a column assignment used by INSERT and UPDATE.
type Value struct {
	Column string
	Type   ColumnType
	Value  any
}

// InsertQuery builds a single-row INSERT.
type InsertQuery struct {
	table  string
	values []Value
}

// NewInsert starts an INSERT into table.
func NewInsert(table string) *InsertQuery {
	return &InsertQuery{table: table}
}

// Value sets a column value.
func (q *InsertQuery) Value(column string, t ColumnType, v any) *InsertQuery {
	q.values = append(q.values, Value{Column: column, Type: t, Value: v})
	return q
}

// Build renders the statement.
func (q *InsertQuery) Build(d Dialect) (Statement, error) {
	if len(q.values) == 0 {
		return Statement{}, fmt.Errorf("insert into %s: no values", q.table)
	}
	b := &binder{d: d}
	b.write("INSERT INTO ", QuoteIdent(q.table), " (")
	for i, v := range q.values {
		if i > 0 {
			b.write(", ")
		}
		b.write(QuoteIdent(v.Column))
	}
	b.write(") VALUES (")
	for i, v := range q.values {
		if i > 0 {
			b.write(", ")
		}
		b.bind(v.Type, v.Value)
	}
	b.write(")")
	return b.statement()
}

// UpdateQuery builds an UPDATE with AND-ed equality/comparison conditions.
type UpdateQuery struct {
	table      string
	values     []Value
	conditions []Condition
}

// NewUpdate starts an UPDATE of table.
func NewUpdate(table string) *UpdateQuery {
	return &UpdateQuery{table: table}
}

// Set assigns a column.
func (q *UpdateQuery) Set(column string, t ColumnType, v any) *UpdateQuery {
	q.values = append(q.values, Value{Column: column, Type: t, Value: v})
	return q
}

// Where adds a condition on an unqualified column of the updated table.
func (q *UpdateQuery) Where(column string, op Operator, t ColumnType, v any) *UpdateQuery {
	q.conditions = append(q.conditions, Condition{Column: Column{Name: column}, Op: op, Type: t, Value: v})
	return q
}

// Build renders the statement.
func (q *UpdateQuery) Build(d Dialect) (Statement, error) {
	if len(q.values) == 0 {
		return Statement{}, fmt.Errorf("update %s: no values", q.table)
	}
	b := &binder{d: d}
	b.write("UPDATE ", QuoteIdent(q.table), " SET ")
	for i, v := range q.values {
		if i > 0 {
			b.write(", ")
		}
		b.write(QuoteIdent(v.Column), "=")
		b.bind(v.Type, v.Value)
	}
	writeWhere(b, q.conditions)
	return b.statement()
}

// DeleteQuery builds a DELETE.
type DeleteQuery struct {
	table      string
	conditions []Condition
}

// NewDelete starts a DELETE from table.
func NewDelete(table string) *DeleteQuery {
	return &DeleteQuery{table: table}
}

// Where adds a condition.
func (q *DeleteQuery) Where(column string, op Operator, t ColumnType, v any) *DeleteQuery {
	q.conditions = append(q.conditions, Condition{Column: Column{Name: column}, Op: op, Type: t, Value: v})
	return q
}

// Build renders the statement. A DELETE without conditions is refused.
func (q *DeleteQuery) Build(d Dialect) (Statement, error) {
	if len(q.conditions) == 0 {
		return Statement{}, fmt.Errorf("delete from %s: refusing unconditional delete", q.table)
	}
	b := &binder{d: d}
	b.write("DELETE FROM ", QuoteIdent(q.table))
	writeWhere(b, q.conditions)
	return b.statement()
}
