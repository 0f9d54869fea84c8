package fhir

import (
	"math"
	"strconv"
	"strings"
)

// Matches reports whether r satisfies every filter of req. It mirrors the
// comparisons the repository compiles to SQL, evaluated in memory, and is
// used by subscribers deciding whether a change concerns them.
func Matches(reg *Registry, r Resource, req *SearchRequest) bool {
	if r.ResourceType() != req.ResourceType {
		return false
	}
	for _, f := range req.Filters {
		if !matchesFilter(reg, r, f) {
			return false
		}
	}
	return true
}

func matchesFilter(reg *Registry, r Resource, f Filter) bool {
	if f.Code == "_id" {
		eq := r.ID() == f.Value
		if f.Operator == OpNotEquals {
			return !eq
		}
		return eq
	}
	param := reg.GetParameter(r.ResourceType(), f.Code)
	if param == nil {
		return true
	}
	if param.Type == ParamToken && (f.Operator == OpEquals || f.Operator == OpNotEquals) {
		if system, code, ok := strings.Cut(f.Value, "|"); ok && system != "" {
			hit := hasSystemCode(Evaluate(param.Path, r), system, code)
			return hit == (f.Operator == OpEquals)
		}
	}
	values := IndexValues(param, r)
	if f.Operator == OpNotEquals {
		for _, v := range values {
			if compareValue(param.Type, v, f.Value, OpEquals) {
				return false
			}
		}
		return true
	}
	for _, v := range values {
		if compareValue(param.Type, v, f.Value, f.Operator) {
			return true
		}
	}
	return false
}

// hasSystemCode reports whether any Identifier, Coding or CodeableConcept
// in values pairs system with code. An empty code matches any code.
func hasSystemCode(values []any, system, code string) bool {
	for _, v := range values {
		obj, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if obj["system"] == system && (code == "" || obj["code"] == code || obj["value"] == code) {
			return true
		}
		if codings, ok := obj["coding"].([]any); ok && hasSystemCode(codings, system, code) {
			return true
		}
	}
	return false
}

func compareValue(t SearchParamType, actual, expected string, op Operator) bool {
	switch t {
	case ParamString:
		if op == OpExact {
			return actual == expected
		}
		return strings.Contains(strings.ToLower(actual), strings.ToLower(expected))
	case ParamToken:
		if op == OpText {
			return strings.Contains(strings.ToLower(actual), strings.ToLower(expected))
		}
		if op != OpEquals {
			return false
		}
		if !strings.Contains(expected, "|") {
			_, code, _ := strings.Cut(actual, "|")
			return code == expected
		}
		if system, code, _ := strings.Cut(expected, "|"); code == "" {
			return strings.HasPrefix(actual, system+"|")
		}
		return actual == expected
	case ParamReference:
		return actual == expected || strings.HasSuffix(actual, "/"+expected)
	case ParamNumber, ParamQuantity:
		number, _, _ := strings.Cut(expected, "|")
		a, err1 := strconv.ParseFloat(actual, 64)
		e, err2 := strconv.ParseFloat(number, 64)
		if err1 != nil || err2 != nil {
			return false
		}
		if op == OpApproximately {
			return math.Abs(a-e) <= math.Abs(e)*0.1
		}
		return ordered(op, compareFloat(a, e))
	case ParamDate:
		return dateMatches(op, actual, expected)
	default:
		return op == OpEquals && actual == expected
	}
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func ordered(op Operator, cmp int) bool {
	switch op {
	case OpEquals:
		return cmp == 0
	case OpNotEquals:
		return cmp != 0
	case OpGreaterThan, OpStartsAfter:
		return cmp > 0
	case OpGreaterThanOrEquals:
		return cmp >= 0
	case OpLessThan, OpEndsBefore:
		return cmp < 0
	case OpLessThanOrEquals:
		return cmp <= 0
	}
	return false
}
