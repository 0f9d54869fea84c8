package fhir

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MaxIndexedLength is the longest string stored in a scalar search column.
const MaxIndexedLength = 127

// Evaluate applies a dotted path, or several joined by " | ", to root and
// returns the matched values. It never fails: components that do not apply
// simply produce no matches.
//
// A component matching an object's resourceType selects the object itself,
// so "Patient.name" and "name" agree on a Patient. Numeric components index
// arrays; other components map over array elements and concatenate.
func Evaluate(path string, root any) []any {
	var out []any
	for _, alt := range strings.Split(path, "|") {
		alt = strings.Trim(strings.TrimSpace(alt), "()")
		if alt == "" {
			continue
		}
		out = append(out, evalPath(strings.Split(alt, "."), root)...)
	}
	return out
}

// EvalFirst returns the first match, or nil.
func EvalFirst(path string, root any) any {
	matches := Evaluate(path, root)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

// EvalAsString returns the first match rendered as a string and truncated
// for column storage. ok is false when nothing matched.
func EvalAsString(path string, root any) (string, bool) {
	v := EvalFirst(path, root)
	if v == nil {
		return "", false
	}
	return truncate(Stringify(v), MaxIndexedLength), true
}

// Stringify renders a JSON value: strings verbatim, everything else as
// compact JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func evalPath(components []string, root any) []any {
	current := root
	for _, c := range components {
		current = step(current, strings.TrimSpace(c))
		if current == nil {
			return nil
		}
	}
	return asMatches(current)
}

// step applies one component. The result is a single value, which may be an
// array of matches.
func step(v any, component string) any {
	switch t := v.(type) {
	case Resource:
		return step(map[string]any(t), component)
	case map[string]any:
		if rt, ok := t["resourceType"].(string); ok && rt == component {
			return t
		}
		if v, ok := t[component]; ok {
			return v
		}
		return choiceValue(t, component)
	case []any:
		if idx, err := strconv.Atoi(component); err == nil {
			if idx < 0 || idx >= len(t) {
				return nil
			}
			return t[idx]
		}
		var out []any
		for _, elem := range t {
			out = append(out, asMatches(step(elem, component))...)
		}
		if len(out) == 0 {
			return nil
		}
		return out
	default:
		return nil
	}
}

// choiceTypes are the suffixes a polymorphic element name can carry.
var choiceTypes = map[string]bool{
	"Base64Binary": true, "Boolean": true, "Canonical": true, "Code": true, "Date": true,
	"DateTime": true, "Decimal": true, "Id": true, "Instant": true, "Integer": true,
	"Markdown": true, "Oid": true, "PositiveInt": true, "String": true, "Time": true,
	"UnsignedInt": true, "Uri": true, "Url": true, "Uuid": true, "Address": true, "Age": true,
	"Annotation": true, "Attachment": true, "CodeableConcept": true, "Coding": true,
	"ContactPoint": true, "Count": true, "Distance": true, "Duration": true, "HumanName": true,
	"Identifier": true, "Money": true, "Period": true, "Quantity": true, "Range": true,
	"Ratio": true, "Reference": true, "SampledData": true, "Signature": true, "Timing": true,
	"Dosage": true, "Expression": true,
}

// choiceValue resolves a choice element such as effective[x], so that the
// component "effective" finds effectiveDateTime or effectivePeriod.
func choiceValue(obj map[string]any, component string) any {
	for key, v := range obj {
		if strings.HasPrefix(key, component) && choiceTypes[key[len(component):]] {
			return v
		}
	}
	return nil
}

func asMatches(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]any, 0, len(t))
		for _, e := range t {
			if e != nil {
				out = append(out, e)
			}
		}
		return out
	default:
		return []any{v}
	}
}
