// Package lookup maintains secondary index tables for multi-valued
// structured fields, such as identifiers and human names, that do not fit a
// single scalar column.
package lookup

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/ehr/fhirrepo/internal/platform/db"
	"github.com/ehr/fhirrepo/internal/platform/fhir"
	"github.com/ehr/fhirrepo/internal/platform/sqlbuilder"
)

// Table is one lookup table. Implementations hold no per-call state; the
// session is passed on every call.
type Table interface {
	Name() string
	CreateSchema(ctx context.Context, sess db.Session) error
	// Reindex replaces the rows for id with those extracted from r, doing
	// nothing when they are already equal.
	Reindex(ctx context.Context, sess db.Session, id uuid.UUID, r fhir.Resource) error
	OwnsParameter(p *fhir.SearchParameter) bool
	// AddSearchCondition joins the table into sel under a fresh alias and
	// constrains it by f.
	AddSearchCondition(sel *sqlbuilder.SelectQuery, f fhir.Filter) error
}

// Set is the fixed collection of lookup tables, dispatched by search code.
type Set struct {
	tables []Table
	byCode map[string]Table
}

// NewSet returns the identifier and human name tables.
func NewSet() *Set {
	identifier := &IdentifierTable{}
	names := &HumanNameTable{}
	return &Set{
		tables: []Table{identifier, names},
		byCode: map[string]Table{
			"identifier": identifier,
			"name":       names,
			"given":      names,
			"family":     names,
			"phonetic":   names,
		},
	}
}

// Tables returns every table in creation order.
func (s *Set) Tables() []Table {
	return s.tables
}

// TableFor returns the table owning p, or nil when p is a plain column.
func (s *Set) TableFor(p *fhir.SearchParameter) Table {
	if p == nil {
		return nil
	}
	t, ok := s.byCode[p.Code]
	if !ok || !t.OwnsParameter(p) {
		return nil
	}
	return t
}

// CreateSchema creates every table.
func (s *Set) CreateSchema(ctx context.Context, sess db.Session) error {
	for _, t := range s.tables {
		if err := t.CreateSchema(ctx, sess); err != nil {
			return fmt.Errorf("create lookup table %s: %w", t.Name(), err)
		}
	}
	return nil
}

// Reindex refreshes every table for r.
func (s *Set) Reindex(ctx context.Context, sess db.Session, id uuid.UUID, r fhir.Resource) error {
	for _, t := range s.tables {
		if err := t.Reindex(ctx, sess, id, r); err != nil {
			return fmt.Errorf("reindex %s: %w", t.Name(), err)
		}
	}
	return nil
}

// row is a lookup projection; its fields are compared in order.
type row []string

func sortRows(rows []row) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
}

func equalRows(a, b []row) bool {
	if len(a) != len(b) {
		return false
	}
	sortRows(a)
	sortRows(b)
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for k := range a[i] {
			if a[i][k] != b[i][k] {
				return false
			}
		}
	}
	return true
}

// table is the shared storage shape: ID, RESOURCEID and value columns.
type table struct {
	name    string
	columns []string
}

func (t table) createSchema(ctx context.Context, sess db.Session) error {
	ct := sqlbuilder.NewCreateTable(t.name).
		Column(sqlbuilder.ColumnDef{Name: "ID", Type: sqlbuilder.TypeUUID, PrimaryKey: true}).
		Column(sqlbuilder.ColumnDef{Name: "RESOURCEID", Type: sqlbuilder.TypeUUID, NotNull: true}).
		Index("RESOURCEID")
	for _, c := range t.columns {
		ct.Column(sqlbuilder.ColumnDef{Name: c, Type: sqlbuilder.TypeText})
		ct.Index(c)
	}
	stmts, err := ct.Build(sess.Dialect())
	if err != nil {
		return err
	}
	return db.ExecAll(ctx, sess, stmts)
}

func (t table) load(ctx context.Context, sess db.Session, id uuid.UUID) ([]row, error) {
	sel := sqlbuilder.NewSelect(t.name)
	for _, c := range t.columns {
		sel.Column(sqlbuilder.Col(t.name, c))
	}
	sel.Where(sqlbuilder.Condition{Column: sqlbuilder.Col(t.name, "RESOURCEID"), Op: sqlbuilder.Equals, Type: sqlbuilder.TypeUUID, Value: id})
	stmt, err := sel.Build(sess.Dialect())
	if err != nil {
		return nil, err
	}

	var rows []row
	err = sess.Query(ctx, stmt, func(s db.Scanner) error {
		vals := make([]*string, len(t.columns))
		dest := make([]any, len(t.columns))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := s.Scan(dest...); err != nil {
			return err
		}
		r := make(row, len(vals))
		for i, v := range vals {
			if v != nil {
				r[i] = *v
			}
		}
		rows = append(rows, r)
		return nil
	})
	return rows, err
}

// reindex performs the diff-and-replace.
func (t table) reindex(ctx context.Context, sess db.Session, id uuid.UUID, incoming []row) error {
	existing, err := t.load(ctx, sess, id)
	if err != nil {
		return err
	}
	if equalRows(existing, incoming) {
		return nil
	}

	if len(existing) > 0 {
		stmt, err := sqlbuilder.NewDelete(t.name).Where("RESOURCEID", sqlbuilder.Equals, sqlbuilder.TypeUUID, id).Build(sess.Dialect())
		if err != nil {
			return err
		}
		if _, err := sess.Exec(ctx, stmt); err != nil {
			return err
		}
	}

	for _, r := range incoming {
		ins := sqlbuilder.NewInsert(t.name).
			Value("ID", sqlbuilder.TypeUUID, uuid.New()).
			Value("RESOURCEID", sqlbuilder.TypeUUID, id)
		for i, c := range t.columns {
			ins.Value(c, sqlbuilder.TypeText, r[i])
		}
		stmt, err := ins.Build(sess.Dialect())
		if err != nil {
			return err
		}
		if _, err := sess.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// join adds the table under a new alias and returns the alias.
func (t table) join(sel *sqlbuilder.SelectQuery) string {
	alias := fmt.Sprintf("T%d", sel.JoinCount()+1)
	sel.Distinct()
	sel.Join(sqlbuilder.Join{
		Table: t.name,
		Alias: alias,
		Left:  sqlbuilder.Col(sel.Table(), "ID"),
		Right: sqlbuilder.Col(alias, "RESOURCEID"),
	})
	return alias
}
