package fhir

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

//go:embed data/searchparameters.json
var searchParametersJSON []byte

// resourceTypesTxt lists every R4 resource type, including those such as
// Binary that have no search parameters of their own.
//
//go:embed data/resourcetypes.txt
var resourceTypesTxt string

// SearchParamType is the FHIR search parameter type.
type SearchParamType string

const (
	ParamString    SearchParamType = "string"
	ParamToken     SearchParamType = "token"
	ParamDate      SearchParamType = "date"
	ParamNumber    SearchParamType = "number"
	ParamReference SearchParamType = "reference"
	ParamComposite SearchParamType = "composite"
	ParamQuantity  SearchParamType = "quantity"
	ParamURI       SearchParamType = "uri"
	ParamSpecial   SearchParamType = "special"
)

// SearchParameter is one searchable field of one resource type.
type SearchParameter struct {
	ResourceType string
	Code         string
	Type         SearchParamType
	// Expression is the raw union expression from the definition.
	Expression string
	// Path is the single-type dotted path used for extraction.
	Path string
}

// Registry maps resource type and code to search parameter definitions. It
// is immutable after construction and safe for concurrent use.
type Registry struct {
	params map[string]map[string]*SearchParameter
	types  []string
}

type searchParameterResource struct {
	ResourceType string   `json:"resourceType"`
	Code         string   `json:"code"`
	Base         []string `json:"base"`
	Type         string   `json:"type"`
	Expression   string   `json:"expression"`
}

type searchParameterBundle struct {
	ResourceType string `json:"resourceType"`
	Entry        []struct {
		Resource searchParameterResource `json:"resource"`
	} `json:"entry"`
}

// abstractBases apply to every concrete type in the bundle.
var abstractBases = map[string]bool{"Resource": true, "DomainResource": true}

// DefaultRegistry builds the registry from the bundled R4 definitions.
func DefaultRegistry() (*Registry, error) {
	return LoadRegistry(searchParametersJSON, strings.Fields(resourceTypesTxt)...)
}

// LoadRegistry builds a registry from a Bundle of SearchParameter resources.
// The set of resource types is resourceTypes plus every concrete base named
// in the bundle.
func LoadRegistry(data []byte, resourceTypes ...string) (*Registry, error) {
	var b searchParameterBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse search parameters: %w", err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("parse search parameters: expected Bundle, got %q", b.ResourceType)
	}

	typeSet := map[string]bool{}
	for _, t := range resourceTypes {
		typeSet[t] = true
	}
	for _, e := range b.Entry {
		for _, base := range e.Resource.Base {
			if !abstractBases[base] {
				typeSet[base] = true
			}
		}
	}

	r := &Registry{params: make(map[string]map[string]*SearchParameter, len(typeSet))}
	for t := range typeSet {
		r.types = append(r.types, t)
		r.params[t] = map[string]*SearchParameter{}
	}
	sort.Strings(r.types)

	for _, e := range b.Entry {
		sp := e.Resource
		if sp.ResourceType != "SearchParameter" || sp.Code == "" {
			continue
		}
		for _, base := range sp.Base {
			targets := []string{base}
			if abstractBases[base] {
				targets = r.types
			} else if !typeSet[base] {
				continue
			}
			for _, t := range targets {
				r.params[t][sp.Code] = &SearchParameter{
					ResourceType: t,
					Code:         sp.Code,
					Type:         SearchParamType(sp.Type),
					Expression:   sp.Expression,
					Path:         CleanPath(t, sp.Expression),
				}
			}
		}
	}
	return r, nil
}

var (
	castParen = regexp.MustCompile(`\(([\w.]+) as (\w+)\)`)
	castBare  = regexp.MustCompile(`([\w.]+) as (\w+)`)
	castCall  = regexp.MustCompile(`\.as\((\w+)\)`)
	funcCall  = regexp.MustCompile(`\.\w+\(`)
)

// CleanPath derives the single-type path for resourceType from a union
// expression: the alternative naming the type, without the type prefix or
// enclosing parens. Type casts become choice element names, so
// "(Observation.value as Quantity)" gives "valueQuantity". The path is cut
// at the first function call, which drops where() conditions.
func CleanPath(resourceType, expression string) string {
	alts := strings.Split(expression, "|")
	for i, alt := range alts {
		alts[i] = normalizeAlternative(alt)
	}
	chosen := ""
	for _, alt := range alts {
		if alt == resourceType || strings.HasPrefix(alt, resourceType+".") {
			chosen = alt
			break
		}
	}
	if chosen == "" && len(alts) > 0 {
		chosen = alts[0]
	}
	if i := strings.Index(chosen, "."); i >= 0 {
		return chosen[i+1:]
	}
	// A bare type name selects the resource itself.
	return ""
}

func normalizeAlternative(alt string) string {
	cast := func(re *regexp.Regexp) func(string) string {
		return func(m string) string {
			sm := re.FindStringSubmatch(m)
			return sm[1] + upperFirst(sm[2])
		}
	}
	alt = castParen.ReplaceAllStringFunc(alt, cast(castParen))
	alt = castBare.ReplaceAllStringFunc(alt, cast(castBare))
	alt = castCall.ReplaceAllStringFunc(alt, func(m string) string {
		return upperFirst(castCall.FindStringSubmatch(m)[1])
	})
	if loc := funcCall.FindStringIndex(alt); loc != nil {
		alt = alt[:loc[0]]
	}
	return strings.Trim(strings.TrimSpace(alt), "()")
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// GetParameter returns the definition for code on resourceType, or nil.
func (r *Registry) GetParameter(resourceType, code string) *SearchParameter {
	return r.params[resourceType][code]
}

// GetParameters returns all definitions for resourceType sorted by code.
func (r *Registry) GetParameters(resourceType string) []*SearchParameter {
	byCode := r.params[resourceType]
	out := make([]*SearchParameter, 0, len(byCode))
	for _, p := range byCode {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// ResourceTypes returns the known resource types, sorted.
func (r *Registry) ResourceTypes() []string {
	return append([]string(nil), r.types...)
}

// IsResourceType reports whether resourceType is known.
func (r *Registry) IsResourceType(resourceType string) bool {
	_, ok := r.params[resourceType]
	return ok
}
