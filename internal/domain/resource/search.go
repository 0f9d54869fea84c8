package resource

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhirrepo/internal/platform/fhir"
	"github.com/ehr/fhirrepo/internal/platform/sqlbuilder"
)

// Search runs req as a single SELECT against the type's current-row table.
// Results come back in storage order unless req carries sort rules.
func (r *Repository) Search(ctx context.Context, req *fhir.SearchRequest) (*fhir.Bundle, error) {
	if oo := r.store.validator.ValidateType(req.ResourceType); oo.HasErrors() {
		return nil, fhir.InvalidOutcome(oo)
	}
	if r.policy == nil || !r.policy.CanRead(req.ResourceType) {
		return nil, fhir.Security("Cannot read resource type " + req.ResourceType)
	}

	start := time.Now()
	sel, empty, err := r.buildSearch(req)
	if err != nil {
		return nil, err
	}
	var found []fhir.Resource
	if !empty {
		found, err = r.queryContent(ctx, r.sess, sel)
	}
	r.store.metrics.ObserveOperation(req.ResourceType, "search", err, time.Since(start))
	if err != nil {
		return nil, r.storageError(err, req.ResourceType, "")
	}
	return fhir.NewSearchBundle(found, nil), nil
}

// buildSearch translates req. empty reports a filter that can never match,
// such as an _id that is not a UUID.
func (r *Repository) buildSearch(req *fhir.SearchRequest) (*sqlbuilder.SelectQuery, bool, error) {
	table := TableName(req.ResourceType)
	sel := sqlbuilder.NewSelect(table).Column(sqlbuilder.Col(table, ColumnContent))

	for _, f := range req.Filters {
		param := r.store.registry.GetParameter(req.ResourceType, f.Code)
		if param == nil {
			return nil, false, fhir.Invalid("unknown search parameter %s", f.Code)
		}
		if t := r.store.lookups.TableFor(param); t != nil {
			if err := t.AddSearchCondition(sel, f); err != nil {
				return nil, false, fhir.Invalid("%s", err.Error())
			}
			continue
		}
		conds, empty, err := columnConditions(table, param, f)
		if err != nil {
			return nil, false, err
		}
		if empty {
			return nil, true, nil
		}
		for _, c := range conds {
			sel.Where(c)
		}
	}

	for _, rule := range req.SortRules {
		if col, ok := r.sortColumn(req.ResourceType, rule.Code); ok {
			sel.OrderBy(sqlbuilder.Col(table, col), rule.Descending)
		}
	}
	sel.Limit(req.Count).Offset(req.Offset())
	return sel, false, nil
}

// sortColumn resolves a sort code. Codes without a column of their own are
// skipped.
func (r *Repository) sortColumn(resourceType, code string) (string, bool) {
	switch code {
	case "_id":
		return ColumnID, true
	case "_lastUpdated", "meta.lastUpdated":
		return ColumnLastUpdated, true
	}
	param := r.store.registry.GetParameter(resourceType, code)
	if param == nil || !param.Indexable() || r.store.lookups.TableFor(param) != nil {
		return "", false
	}
	return ColumnName(code), true
}

var prefixOps = map[fhir.Operator]sqlbuilder.Operator{
	fhir.OpEquals:              sqlbuilder.Equals,
	fhir.OpNotEquals:           sqlbuilder.NotEquals,
	fhir.OpLessThan:            sqlbuilder.LessThan,
	fhir.OpLessThanOrEquals:    sqlbuilder.LessThanOrEquals,
	fhir.OpGreaterThan:         sqlbuilder.GreaterThan,
	fhir.OpGreaterThanOrEquals: sqlbuilder.GreaterThanOrEquals,
	fhir.OpStartsAfter:         sqlbuilder.GreaterThan,
	fhir.OpEndsBefore:          sqlbuilder.LessThan,
}

// columnConditions builds the WHERE terms for a parameter stored in a plain
// column of table.
func columnConditions(table string, param *fhir.SearchParameter, f fhir.Filter) ([]sqlbuilder.Condition, bool, error) {
	switch param.Code {
	case "_id":
		id, err := uuid.Parse(f.Value)
		if err != nil {
			return nil, true, nil
		}
		op := sqlbuilder.Equals
		if f.Operator == fhir.OpNotEquals {
			op = sqlbuilder.NotEquals
		}
		return []sqlbuilder.Condition{{Column: sqlbuilder.Col(table, ColumnID), Op: op, Type: sqlbuilder.TypeUUID, Value: id}}, false, nil
	case "_lastUpdated":
		conds, err := lastUpdatedConditions(table, f)
		return conds, false, err
	}
	if !param.Indexable() {
		return nil, false, fhir.Invalid("search parameter %s is not supported", param.Code)
	}

	col := sqlbuilder.Col(table, ColumnName(param.Code))
	cond := func(op sqlbuilder.Operator, v string) []sqlbuilder.Condition {
		return []sqlbuilder.Condition{{Column: col, Op: op, Type: sqlbuilder.TypeVarchar, Value: v}}
	}

	switch param.Type {
	case fhir.ParamString:
		if f.Operator == fhir.OpExact {
			return cond(sqlbuilder.Equals, f.Value), false, nil
		}
		return cond(sqlbuilder.Like, "%"+sqlbuilder.EscapeLike(f.Value)+"%"), false, nil

	case fhir.ParamToken:
		return tokenConditions(col, param, f)

	case fhir.ParamReference:
		if !strings.Contains(f.Value, "/") {
			return cond(sqlbuilder.Like, "%/"+sqlbuilder.EscapeLike(f.Value)), false, nil
		}
		return cond(sqlbuilder.Equals, f.Value), false, nil

	case fhir.ParamDate:
		conds, err := dateConditions(col, f)
		return conds, false, err

	case fhir.ParamNumber, fhir.ParamQuantity:
		conds, err := numberConditions(col, f)
		return conds, false, err
	}
	return cond(sqlbuilder.Equals, f.Value), false, nil
}

// tokenConditions matches a column holding "system|code". A bare code
// matches any system, "|code" only codes without one, and "system|" any
// code of that system.
func tokenConditions(col sqlbuilder.Column, param *fhir.SearchParameter, f fhir.Filter) ([]sqlbuilder.Condition, bool, error) {
	cond := func(op sqlbuilder.Operator, v string) []sqlbuilder.Condition {
		return []sqlbuilder.Condition{{Column: col, Op: op, Type: sqlbuilder.TypeVarchar, Value: v}}
	}
	if f.Operator == fhir.OpText {
		return cond(sqlbuilder.Like, "%"+sqlbuilder.EscapeLike(f.Value)+"%"), false, nil
	}
	if f.Operator != fhir.OpEquals && f.Operator != fhir.OpNotEquals {
		return nil, false, fhir.Invalid("modifier %s is not supported for %s", f.Operator, param.Code)
	}
	eq, like := sqlbuilder.Equals, sqlbuilder.Like
	if f.Operator == fhir.OpNotEquals {
		eq, like = sqlbuilder.NotEquals, sqlbuilder.NotLike
	}
	system, code, hasSystem := strings.Cut(f.Value, "|")
	switch {
	case !hasSystem:
		return cond(like, "%|"+sqlbuilder.EscapeLike(f.Value)), false, nil
	case code == "":
		return cond(like, sqlbuilder.EscapeLike(system)+"|%"), false, nil
	}
	return cond(eq, system+"|"+code), false, nil
}

// lastUpdatedConditions compares the timestamp column against the range a
// partial date covers.
func lastUpdatedConditions(table string, f fhir.Filter) ([]sqlbuilder.Condition, error) {
	lo, hi, err := fhir.DateRange(f.Value)
	if err != nil {
		return nil, fhir.Invalid("invalid _lastUpdated value %q", f.Value)
	}
	col := sqlbuilder.Col(table, ColumnLastUpdated)
	at := func(op sqlbuilder.Operator, t time.Time) sqlbuilder.Condition {
		return sqlbuilder.Condition{Column: col, Op: op, Type: sqlbuilder.TypeTimestamp, Value: t}
	}
	switch f.Operator {
	case fhir.OpEquals, fhir.OpApproximately:
		return []sqlbuilder.Condition{at(sqlbuilder.GreaterThanOrEquals, lo), at(sqlbuilder.LessThan, hi)}, nil
	case fhir.OpLessThan, fhir.OpEndsBefore:
		return []sqlbuilder.Condition{at(sqlbuilder.LessThan, lo)}, nil
	case fhir.OpLessThanOrEquals:
		return []sqlbuilder.Condition{at(sqlbuilder.LessThan, hi)}, nil
	case fhir.OpGreaterThan, fhir.OpStartsAfter:
		return []sqlbuilder.Condition{at(sqlbuilder.GreaterThanOrEquals, hi)}, nil
	case fhir.OpGreaterThanOrEquals:
		return []sqlbuilder.Condition{at(sqlbuilder.GreaterThanOrEquals, lo)}, nil
	}
	return nil, fhir.Invalid("operator %s is not supported for _lastUpdated", f.Operator)
}

// dateConditions compares an indexed date column against the interval the
// filter value covers. Bounds keep the value's precision, which is how
// partial dates sort against longer stored ones.
func dateConditions(col sqlbuilder.Column, f fhir.Filter) ([]sqlbuilder.Condition, error) {
	lo, hi, err := fhir.DateBounds(f.Value)
	if err != nil {
		return nil, fhir.Invalid("invalid date %q", f.Value)
	}
	at := func(op sqlbuilder.Operator, v string) sqlbuilder.Condition {
		return sqlbuilder.Condition{Column: col, Op: op, Type: sqlbuilder.TypeVarchar, Value: v}
	}
	switch f.Operator {
	case fhir.OpEquals, fhir.OpApproximately:
		return []sqlbuilder.Condition{at(sqlbuilder.GreaterThanOrEquals, lo), at(sqlbuilder.LessThan, hi)}, nil
	case fhir.OpNotEquals:
		return []sqlbuilder.Condition{at(sqlbuilder.NotLike, sqlbuilder.EscapeLike(lo)+"%")}, nil
	case fhir.OpLessThan, fhir.OpEndsBefore:
		return []sqlbuilder.Condition{at(sqlbuilder.LessThan, lo)}, nil
	case fhir.OpLessThanOrEquals:
		return []sqlbuilder.Condition{at(sqlbuilder.LessThan, hi)}, nil
	case fhir.OpGreaterThan, fhir.OpStartsAfter:
		return []sqlbuilder.Condition{at(sqlbuilder.GreaterThanOrEquals, hi)}, nil
	case fhir.OpGreaterThanOrEquals:
		return []sqlbuilder.Condition{at(sqlbuilder.GreaterThanOrEquals, lo)}, nil
	}
	return nil, fhir.Invalid("operator %s is not supported for dates", f.Operator)
}

// numberConditions compares numerically. A quantity's "|system|code" suffix
// is ignored.
func numberConditions(col sqlbuilder.Column, f fhir.Filter) ([]sqlbuilder.Condition, error) {
	raw, _, _ := strings.Cut(f.Value, "|")
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fhir.Invalid("invalid number %q", f.Value)
	}
	at := func(op sqlbuilder.Operator, v float64) sqlbuilder.Condition {
		return sqlbuilder.Condition{Column: col, Op: op, Type: sqlbuilder.TypeNumeric, Value: v}
	}
	if f.Operator == fhir.OpApproximately {
		delta := math.Abs(value) * 0.1
		return []sqlbuilder.Condition{
			at(sqlbuilder.GreaterThanOrEquals, value-delta),
			at(sqlbuilder.LessThanOrEquals, value+delta),
		}, nil
	}
	op, ok := prefixOps[f.Operator]
	if !ok {
		return nil, fhir.Invalid("operator %s is not supported for numbers", f.Operator)
	}
	return []sqlbuilder.Condition{at(op, value)}, nil
}
