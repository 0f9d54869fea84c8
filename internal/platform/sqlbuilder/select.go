package sqlbuilder

import (
	"fmt"
	"strconv"
	"strings"
)

// Operator is a binary comparison usable in a WHERE clause.
type Operator int

const (
	Equals Operator = iota
	NotEquals
	LessThan
	LessThanOrEquals
	GreaterThan
	GreaterThanOrEquals
	Like
	NotLike
)

var operatorSQL = map[Operator]string{
	Equals:              "=",
	NotEquals:           "<>",
	LessThan:            "<",
	LessThanOrEquals:    "<=",
	GreaterThan:         ">",
	GreaterThanOrEquals: ">=",
	Like:                "LIKE",
	NotLike:             "NOT LIKE",
}

func (o Operator) String() string {
	if s, ok := operatorSQL[o]; ok {
		return s
	}
	return "Operator(" + strconv.Itoa(int(o)) + ")"
}

// Column is an optionally table-qualified column reference. Table holds the
// alias when the column belongs to a joined table.
type Column struct {
	Table string
	Name  string
}

// Col is shorthand for a qualified column.
func Col(table, name string) Column {
	return Column{Table: table, Name: name}
}

func (c Column) sql() string {
	if c.Table == "" {
		return QuoteIdent(c.Name)
	}
	return QuoteIdent(c.Table) + "." + QuoteIdent(c.Name)
}

// Condition compares a column against a bound value.
type Condition struct {
	Column Column
	Op     Operator
	Type   ColumnType
	Value  any
}

func (c Condition) sql() string {
	if c.Type == TypeNumeric {
		return "CAST(" + c.Column.sql() + " AS NUMERIC)"
	}
	return c.Column.sql()
}

// Join is an inner equi-join of Table (under Alias) on Left = Right.
type Join struct {
	Table string
	Alias string
	Left  Column
	Right Column
}

// OrderBy is one ORDER BY term.
type OrderBy struct {
	Column     Column
	Descending bool
}

// SelectQuery builds a SELECT over one base table with optional joins.
type SelectQuery struct {
	table      string
	distinct   bool
	columns    []Column
	joins      []Join
	conditions []Condition
	orders     []OrderBy
	limit      int
	offset     int
}

// NewSelect starts a SELECT from table.
func NewSelect(table string) *SelectQuery {
	return &SelectQuery{table: table, limit: -1, offset: -1}
}

// Table returns the base table name.
func (q *SelectQuery) Table() string { return q.table }

// Distinct marks the query SELECT DISTINCT.
func (q *SelectQuery) Distinct() *SelectQuery {
	q.distinct = true
	return q
}

// Column adds a qualified output column unless it is already selected.
func (q *SelectQuery) Column(c Column) *SelectQuery {
	for _, existing := range q.columns {
		if existing == c {
			return q
		}
	}
	q.columns = append(q.columns, c)
	return q
}

// Join adds an inner join.
func (q *SelectQuery) Join(j Join) *SelectQuery {
	q.joins = append(q.joins, j)
	return q
}

// JoinCount reports how many joins have been added, which callers use to
// derive unique aliases.
func (q *SelectQuery) JoinCount() int { return len(q.joins) }

// Where adds an AND-ed condition.
func (q *SelectQuery) Where(c Condition) *SelectQuery {
	q.conditions = append(q.conditions, c)
	return q
}

// OrderBy appends a sort term.
func (q *SelectQuery) OrderBy(c Column, descending bool) *SelectQuery {
	q.orders = append(q.orders, OrderBy{Column: c, Descending: descending})
	return q
}

// Limit sets LIMIT. Negative disables it.
func (q *SelectQuery) Limit(n int) *SelectQuery {
	q.limit = n
	return q
}

// Offset sets OFFSET. Negative disables it.
func (q *SelectQuery) Offset(n int) *SelectQuery {
	q.offset = n
	return q
}

// Build renders the statement. With DISTINCT every ORDER BY column is also
// added to the output columns, which Postgres requires.
func (q *SelectQuery) Build(d Dialect) (Statement, error) {
	if q.table == "" {
		return Statement{}, fmt.Errorf("select: table is required")
	}
	columns := q.outputColumns()

	b := &binder{d: d}
	b.write("SELECT ")
	if q.distinct {
		b.write("DISTINCT ")
	}
	if len(columns) == 0 {
		b.write("*")
	}
	for i, c := range columns {
		if i > 0 {
			b.write(", ")
		}
		b.write(c.sql())
	}
	b.write(" FROM ", QuoteIdent(q.table))
	for _, j := range q.joins {
		b.write(" JOIN ", QuoteIdent(j.Table))
		if j.Alias != "" {
			b.write(" ", QuoteIdent(j.Alias))
		}
		b.write(" ON ", j.Left.sql(), "=", j.Right.sql())
	}
	writeWhere(b, q.conditions)
	for i, o := range q.orders {
		if i == 0 {
			b.write(" ORDER BY ")
		} else {
			b.write(", ")
		}
		b.write(o.Column.sql())
		if o.Descending {
			b.write(" DESC")
		}
	}
	if q.limit >= 0 {
		b.write(" LIMIT ", strconv.Itoa(q.limit))
	}
	if q.offset >= 0 {
		b.write(" OFFSET ", strconv.Itoa(q.offset))
	}
	return b.statement()
}

// OutputColumns is the number of columns each result row carries.
func (q *SelectQuery) OutputColumns() int {
	return len(q.outputColumns())
}

func (q *SelectQuery) outputColumns() []Column {
	columns := append([]Column(nil), q.columns...)
	if !q.distinct {
		return columns
	}
	for _, o := range q.orders {
		found := false
		for _, c := range columns {
			if c == o.Column {
				found = true
				break
			}
		}
		if !found {
			columns = append(columns, o.Column)
		}
	}
	return columns
}

func writeWhere(b *binder, conditions []Condition) {
	for i, c := range conditions {
		if i == 0 {
			b.write(" WHERE ")
		} else {
			b.write(" AND ")
		}
		b.write(c.sql(), " ", c.Op.String(), " ")
		b.bind(c.Type, c.Value)
		if c.Op == Like || c.Op == NotLike {
			b.write(` ESCAPE '\'`)
		}
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// EscapeLike quotes the LIKE wildcards in s so that it matches literally.
func EscapeLike(s string) string {
	return likeEscaper.Replace(s)
}
