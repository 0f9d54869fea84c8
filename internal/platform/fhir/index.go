package fhir

import (
	"strconv"
	"strings"
)

// Indexable reports whether param is stored in a scalar column. Composite
// and special parameters, and those whose path selects the whole resource,
// are not.
func (p *SearchParameter) Indexable() bool {
	if p.Path == "" || strings.HasPrefix(p.Code, "_") {
		return false
	}
	return p.Type != ParamComposite && p.Type != ParamSpecial
}

// IndexValues extracts every searchable value of param from r. Structured
// values are reduced to the part a query compares against: a token's
// "system|code", a reference's target, a period's start.
func IndexValues(param *SearchParameter, r Resource) []string {
	matches := Evaluate(param.Path, r)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if s, ok := indexString(param.Type, m); ok {
			out = append(out, s)
		}
	}
	return out
}

// IndexValue is the first index value truncated to column width.
func IndexValue(param *SearchParameter, r Resource) (string, bool) {
	values := IndexValues(param, r)
	if len(values) == 0 {
		return "", false
	}
	return truncate(values[0], MaxIndexedLength), true
}

func indexString(t SearchParamType, v any) (string, bool) {
	obj, isObj := v.(map[string]any)
	if !isObj {
		if v == nil {
			return "", false
		}
		switch t {
		case ParamDate:
			return NormalizeDate(Stringify(v)), true
		case ParamNumber, ParamQuantity:
			return numericString(v)
		case ParamToken:
			return "|" + Stringify(v), true
		}
		return Stringify(v), true
	}
	switch t {
	case ParamToken:
		return tokenString(obj)
	case ParamReference:
		if ref, ok := obj["reference"].(string); ok {
			return ref, true
		}
	case ParamDate:
		if start, ok := obj["start"].(string); ok {
			return NormalizeDate(start), true
		}
		if end, ok := obj["end"].(string); ok {
			return NormalizeDate(end), true
		}
	case ParamNumber, ParamQuantity:
		// Numeric columns are cast on comparison, so they hold numbers only.
		return numericString(obj["value"])
	case ParamString:
		if s := displayString(obj); s != "" {
			return s, true
		}
	}
	return Stringify(v), true
}

// tokenString renders a Coding, Identifier or CodeableConcept as
// "system|code". The system is empty when the element has none.
func tokenString(obj map[string]any) (string, bool) {
	system, _ := obj["system"].(string)
	if code, ok := obj["code"].(string); ok {
		return system + "|" + code, true
	}
	if codings, ok := obj["coding"].([]any); ok && len(codings) > 0 {
		if c, ok := codings[0].(map[string]any); ok {
			if s, ok := tokenString(c); ok {
				return s, true
			}
		}
	}
	if value, ok := obj["value"]; ok && value != nil {
		return system + "|" + Stringify(value), true
	}
	if text, ok := obj["text"].(string); ok {
		return "|" + text, true
	}
	return "", false
}

func numericString(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	s := Stringify(v)
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return "", false
	}
	return s, true
}

// displayString renders HumanName and Address values as plain text.
func displayString(obj map[string]any) string {
	if text, ok := obj["text"].(string); ok && text != "" {
		return text
	}
	var parts []string
	for _, key := range []string{"prefix", "given", "family", "suffix", "line", "city", "district", "state", "postalCode", "country"} {
		switch v := obj[key].(type) {
		case string:
			if v != "" {
				parts = append(parts, v)
			}
		case []any:
			for _, e := range v {
				if s, ok := e.(string); ok && s != "" {
					parts = append(parts, s)
				}
			}
		}
	}
	return strings.Join(parts, " ")
}

// FormatHumanName renders a HumanName as "given... family".
func FormatHumanName(name map[string]any) string {
	return strings.TrimSpace(strings.Join([]string{FormatGivenName(name), FormatFamilyName(name)}, " "))
}

// FormatGivenName joins the given names with spaces.
func FormatGivenName(name map[string]any) string {
	var given []string
	if list, ok := name["given"].([]any); ok {
		for _, g := range list {
			if s, ok := g.(string); ok && s != "" {
				given = append(given, s)
			}
		}
	}
	return strings.Join(given, " ")
}

// FormatFamilyName returns the family name.
func FormatFamilyName(name map[string]any) string {
	s, _ := name["family"].(string)
	return s
}
