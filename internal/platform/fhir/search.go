package fhir

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const (
	DefaultCount = 20
	MaxCount     = 1000
)

// SearchPrefix represents a FHIR search prefix for ordered values.
type SearchPrefix string

const (
	PrefixEq SearchPrefix = "eq"
	PrefixNe SearchPrefix = "ne"
	PrefixGt SearchPrefix = "gt"
	PrefixLt SearchPrefix = "lt"
	PrefixGe SearchPrefix = "ge"
	PrefixLe SearchPrefix = "le"
	PrefixSa SearchPrefix = "sa" // starts after
	PrefixEb SearchPrefix = "eb" // ends before
	PrefixAp SearchPrefix = "ap" // approximately
)

// SearchModifier represents a FHIR search modifier.
type SearchModifier string

const (
	ModifierExact    SearchModifier = "exact"
	ModifierContains SearchModifier = "contains"
	ModifierText     SearchModifier = "text"
	ModifierNot      SearchModifier = "not"
	ModifierAbove    SearchModifier = "above"
	ModifierBelow    SearchModifier = "below"
	ModifierIn       SearchModifier = "in"
	ModifierNotIn    SearchModifier = "not-in"
	ModifierOfType   SearchModifier = "of-type"
)

// Operator is the comparison a filter applies.
type Operator string

const (
	OpEquals              Operator = "EQUALS"
	OpNotEquals           Operator = "NOT_EQUALS"
	OpGreaterThan         Operator = "GREATER_THAN"
	OpGreaterThanOrEquals Operator = "GREATER_THAN_OR_EQUALS"
	OpLessThan            Operator = "LESS_THAN"
	OpLessThanOrEquals    Operator = "LESS_THAN_OR_EQUALS"
	OpStartsAfter         Operator = "STARTS_AFTER"
	OpEndsBefore          Operator = "ENDS_BEFORE"
	OpApproximately       Operator = "APPROXIMATELY"
	OpContains            Operator = "CONTAINS"
	OpExact               Operator = "EXACT"
	OpText                Operator = "TEXT"
	OpAbove               Operator = "ABOVE"
	OpBelow               Operator = "BELOW"
	OpIn                  Operator = "IN"
	OpNotIn               Operator = "NOT_IN"
	OpOfType              Operator = "OF_TYPE"
)

var prefixOperators = map[SearchPrefix]Operator{
	PrefixEq: OpEquals,
	PrefixNe: OpNotEquals,
	PrefixGt: OpGreaterThan,
	PrefixLt: OpLessThan,
	PrefixGe: OpGreaterThanOrEquals,
	PrefixLe: OpLessThanOrEquals,
	PrefixSa: OpStartsAfter,
	PrefixEb: OpEndsBefore,
	PrefixAp: OpApproximately,
}

var tokenModifiers = map[SearchModifier]Operator{
	ModifierText:   OpText,
	ModifierNot:    OpNotEquals,
	ModifierAbove:  OpAbove,
	ModifierBelow:  OpBelow,
	ModifierIn:     OpIn,
	ModifierNotIn:  OpNotIn,
	ModifierOfType: OpOfType,
}

// Filter is one parsed query condition.
type Filter struct {
	Code     string
	Operator Operator
	Value    string
}

// SortRule orders results by a search code.
type SortRule struct {
	Code       string
	Descending bool
}

// SearchRequest is a parsed search.
type SearchRequest struct {
	ResourceType string
	Filters      []Filter
	SortRules    []SortRule
	Page         int
	Count        int
}

// ParsedSearch holds a parsed search parameter value with its prefix.
type ParsedSearch struct {
	Prefix SearchPrefix
	Value  string
}

// ParseSearchValue extracts the prefix from a FHIR search value.
// Examples: "gt2023-01-01" -> (gt, "2023-01-01"), "100" -> (eq, "100")
func ParseSearchValue(raw string, allowed ...SearchPrefix) ParsedSearch {
	if len(raw) >= 2 {
		prefix := SearchPrefix(strings.ToLower(raw[:2]))
		for _, a := range allowed {
			if prefix == a {
				return ParsedSearch{Prefix: prefix, Value: raw[2:]}
			}
		}
	}
	return ParsedSearch{Prefix: PrefixEq, Value: raw}
}

// ParseParamModifier splits a parameter name from its modifier.
// Examples: "name:exact" -> ("name", "exact"), "code" -> ("code", "")
func ParseParamModifier(paramName string) (string, SearchModifier) {
	parts := strings.SplitN(paramName, ":", 2)
	if len(parts) == 2 {
		return parts[0], SearchModifier(parts[1])
	}
	return parts[0], ""
}

var (
	numberPrefixes = []SearchPrefix{PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe}
	datePrefixes   = []SearchPrefix{PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb, PrefixAp}
)

// ParseSearchURL parses "Type?key=value&..." into a request.
func ParseSearchURL(reg *Registry, raw string) (*SearchRequest, error) {
	path, query, _ := strings.Cut(raw, "?")
	path = strings.Trim(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, Invalid("malformed query string: %v", err)
	}
	return ParseSearchRequest(reg, path, values)
}

// ParseSearchRequest builds a request for resourceType from query values.
// Unknown parameters are ignored. Repeated parameters AND together.
func ParseSearchRequest(reg *Registry, resourceType string, values url.Values) (*SearchRequest, error) {
	if !reg.IsResourceType(resourceType) {
		return nil, Invalid("unknown resource type %q", resourceType)
	}
	req := &SearchRequest{ResourceType: resourceType, Count: DefaultCount}

	for _, key := range sortedKeys(values) {
		for _, value := range values[key] {
			if err := req.apply(reg, key, value); err != nil {
				return nil, err
			}
		}
	}
	return req, nil
}

func (req *SearchRequest) apply(reg *Registry, key, value string) error {
	code, modifier := ParseParamModifier(key)
	switch code {
	case "_id", "id":
		req.Filters = append(req.Filters, Filter{Code: "_id", Operator: OpEquals, Value: value})
		return nil
	case "_sort":
		for _, s := range strings.Split(value, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if strings.HasPrefix(s, "-") {
				req.SortRules = append(req.SortRules, SortRule{Code: s[1:], Descending: true})
			} else {
				req.SortRules = append(req.SortRules, SortRule{Code: s})
			}
		}
		return nil
	case "_page":
		n, err := strconv.Atoi(value)
		if err != nil {
			return Invalid("invalid _page %q", value)
		}
		if n < 0 {
			n = 0
		}
		req.Page = n
		return nil
	case "_count":
		n, err := strconv.Atoi(value)
		if err != nil {
			return Invalid("invalid _count %q", value)
		}
		req.Count = clampCount(n)
		return nil
	}

	param := reg.GetParameter(req.ResourceType, code)
	if param == nil {
		return nil
	}
	req.Filters = append(req.Filters, ParseFilter(param, modifier, value))
	return nil
}

// ParseFilter interprets value and modifier according to the parameter type.
func ParseFilter(param *SearchParameter, modifier SearchModifier, value string) Filter {
	f := Filter{Code: param.Code, Operator: OpEquals, Value: value}
	switch param.Type {
	case ParamNumber, ParamQuantity:
		parsed := ParseSearchValue(value, numberPrefixes...)
		f.Operator, f.Value = prefixOperators[parsed.Prefix], parsed.Value
	case ParamDate:
		parsed := ParseSearchValue(value, datePrefixes...)
		f.Operator, f.Value = prefixOperators[parsed.Prefix], parsed.Value
	case ParamString:
		switch modifier {
		case ModifierContains:
			f.Operator = OpContains
		case ModifierExact:
			f.Operator = OpExact
		}
	case ParamToken:
		if op, ok := tokenModifiers[modifier]; ok {
			f.Operator = op
		}
	}
	return f
}

func clampCount(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxCount {
		return MaxCount
	}
	return n
}

func sortedKeys(values url.Values) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Offset is the row offset of the requested page.
func (req *SearchRequest) Offset() int {
	return req.Count * req.Page
}

// Filter returns the first filter on code, if any.
func (req *SearchRequest) Filter(code string) (Filter, bool) {
	for _, f := range req.Filters {
		if f.Code == code {
			return f, true
		}
	}
	return Filter{}, false
}

func (req *SearchRequest) String() string {
	var parts []string
	for _, f := range req.Filters {
		parts = append(parts, fmt.Sprintf("%s %s %s", f.Code, f.Operator, f.Value))
	}
	return fmt.Sprintf("%s[%s] page=%d count=%d", req.ResourceType, strings.Join(parts, ", "), req.Page, req.Count)
}
