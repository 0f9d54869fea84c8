package lookup

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/fhirrepo/internal/platform/db"
	"github.com/ehr/fhirrepo/internal/platform/fhir"
	"github.com/ehr/fhirrepo/internal/platform/sqlbuilder"
)

const identifierTableName = "IDENTIFIER"

// IdentifierTable indexes every Identifier of every resource type as a
// (SYSTEM, VALUE) row.
type IdentifierTable struct{}

func (t *IdentifierTable) storage() table {
	return table{name: identifierTableName, columns: []string{"SYSTEM", "VALUE"}}
}

func (t *IdentifierTable) Name() string { return identifierTableName }

func (t *IdentifierTable) CreateSchema(ctx context.Context, sess db.Session) error {
	return t.storage().createSchema(ctx, sess)
}

func (t *IdentifierTable) OwnsParameter(p *fhir.SearchParameter) bool {
	return p.Code == "identifier"
}

func (t *IdentifierTable) Reindex(ctx context.Context, sess db.Session, id uuid.UUID, r fhir.Resource) error {
	return t.storage().reindex(ctx, sess, id, identifierRows(r))
}

func identifierRows(r fhir.Resource) []row {
	list, _ := r["identifier"].([]any)
	rows := make([]row, 0, len(list))
	for _, e := range list {
		ident, ok := e.(map[string]any)
		if !ok {
			continue
		}
		system, _ := ident["system"].(string)
		value, _ := ident["value"].(string)
		rows = append(rows, row{system, value})
	}
	return rows
}

// AddSearchCondition matches VALUE exactly. A "system|value" token also
// constrains SYSTEM, "|value" requires an empty SYSTEM and "system|" any
// VALUE within it.
func (t *IdentifierTable) AddSearchCondition(sel *sqlbuilder.SelectQuery, f fhir.Filter) error {
	alias := t.storage().join(sel)
	op := sqlbuilder.Equals
	if f.Operator == fhir.OpNotEquals {
		op = sqlbuilder.NotEquals
	}

	value := f.Value
	if system, v, ok := strings.Cut(f.Value, "|"); ok {
		value = v
		sel.Where(sqlbuilder.Condition{Column: sqlbuilder.Col(alias, "SYSTEM"), Op: sqlbuilder.Equals, Type: sqlbuilder.TypeText, Value: system})
		if value == "" {
			return nil
		}
	}
	sel.Where(sqlbuilder.Condition{Column: sqlbuilder.Col(alias, "VALUE"), Op: op, Type: sqlbuilder.TypeText, Value: value})
	return nil
}
