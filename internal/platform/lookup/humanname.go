package lookup

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/fhirrepo/internal/platform/db"
	"github.com/ehr/fhirrepo/internal/platform/fhir"
	"github.com/ehr/fhirrepo/internal/platform/sqlbuilder"
)

const humanNameTableName = "HUMANNAME"

// nameBearing lists the resource types whose name element is a HumanName.
var nameBearing = map[string]bool{
	"Patient":       true,
	"Person":        true,
	"Practitioner":  true,
	"RelatedPerson": true,
}

var nameColumns = map[string]string{
	"name":     "NAME",
	"given":    "GIVEN",
	"family":   "FAMILY",
	"phonetic": "NAME",
}

// HumanNameTable indexes each HumanName as full text plus its given and
// family parts.
type HumanNameTable struct{}

func (t *HumanNameTable) storage() table {
	return table{name: humanNameTableName, columns: []string{"NAME", "GIVEN", "FAMILY"}}
}

func (t *HumanNameTable) Name() string { return humanNameTableName }

func (t *HumanNameTable) CreateSchema(ctx context.Context, sess db.Session) error {
	return t.storage().createSchema(ctx, sess)
}

func (t *HumanNameTable) OwnsParameter(p *fhir.SearchParameter) bool {
	_, ok := nameColumns[p.Code]
	return ok && nameBearing[p.ResourceType]
}

func (t *HumanNameTable) Reindex(ctx context.Context, sess db.Session, id uuid.UUID, r fhir.Resource) error {
	if !nameBearing[r.ResourceType()] {
		return nil
	}
	return t.storage().reindex(ctx, sess, id, humanNameRows(r))
}

func humanNameRows(r fhir.Resource) []row {
	list, _ := r["name"].([]any)
	rows := make([]row, 0, len(list))
	for _, e := range list {
		name, ok := e.(map[string]any)
		if !ok {
			continue
		}
		full := fhir.FormatHumanName(name)
		if text, ok := name["text"].(string); ok && text != "" {
			full = text
		}
		rows = append(rows, row{full, fhir.FormatGivenName(name), fhir.FormatFamilyName(name)})
	}
	return rows
}

// AddSearchCondition does a substring match, or equality with :exact.
func (t *HumanNameTable) AddSearchCondition(sel *sqlbuilder.SelectQuery, f fhir.Filter) error {
	column, ok := nameColumns[f.Code]
	if !ok {
		return fmt.Errorf("human name table cannot search %q", f.Code)
	}
	alias := t.storage().join(sel)
	cond := sqlbuilder.Condition{Column: sqlbuilder.Col(alias, column), Op: sqlbuilder.Like, Type: sqlbuilder.TypeText, Value: "%" + sqlbuilder.EscapeLike(f.Value) + "%"}
	if f.Operator == fhir.OpExact {
		cond.Op = sqlbuilder.Equals
		cond.Value = f.Value
	}
	sel.Where(cond)
	return nil
}
