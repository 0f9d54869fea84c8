// Package validation provides the default structural checks applied before a
// resource is written.
package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ehr/fhirrepo/internal/platform/fhir"
)

// referencePattern matches FHIR references in the format "ResourceType/id".
var referencePattern = regexp.MustCompile(`^[A-Z][a-zA-Z]+/[A-Za-z0-9\-\.]{1,64}(/_history/[A-Za-z0-9\-\.]{1,64})?$`)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9\-\.]{1,64}$`)

// statusValues maps resource types to their valid status values per FHIR R4.
var statusValues = map[string][]string{
	"Encounter":      {"planned", "arrived", "triaged", "in-progress", "onleave", "finished", "cancelled", "entered-in-error", "unknown"},
	"Observation":    {"registered", "preliminary", "final", "amended", "corrected", "cancelled", "entered-in-error", "unknown"},
	"Procedure":      {"preparation", "in-progress", "not-done", "on-hold", "stopped", "completed", "entered-in-error", "unknown"},
	"RiskAssessment": {"registered", "preliminary", "final", "amended", "corrected", "cancelled", "entered-in-error", "unknown"},
}

// Validator checks resource shape against the types the registry knows.
type Validator struct {
	registry *fhir.Registry
}

// New creates a Validator.
func New(reg *fhir.Registry) *Validator {
	return &Validator{registry: reg}
}

// ValidateType checks that resourceType is known.
func (v *Validator) ValidateType(resourceType string) *fhir.OperationOutcome {
	if resourceType == "" {
		return outcome(issue(fhir.IssueTypeRequired, "resourceType is required", "resourceType"))
	}
	if !v.registry.IsResourceType(resourceType) {
		return outcome(issue(fhir.IssueTypeValue, fmt.Sprintf("unknown resourceType: %s", resourceType), "resourceType"))
	}
	return fhir.AllOK()
}

// ValidateResource checks resourceType, id format, status codes and
// reference formats.
func (v *Validator) ValidateResource(r fhir.Resource) *fhir.OperationOutcome {
	if r == nil {
		return outcome(issue(fhir.IssueTypeStructure, "resource is required", ""))
	}
	rt, ok := r["resourceType"].(string)
	if !ok {
		return outcome(issue(fhir.IssueTypeRequired, "resourceType is required", "resourceType"))
	}
	if oo := v.ValidateType(rt); oo.HasErrors() {
		return oo
	}

	var issues []fhir.OperationOutcomeIssue
	if id, present := r["id"]; present {
		s, isStr := id.(string)
		if !isStr || !idPattern.MatchString(s) {
			issues = append(issues, issue(fhir.IssueTypeValue, "id must be 1-64 characters of [A-Za-z0-9-.]", "id"))
		}
	}
	if meta, present := r["meta"]; present {
		if _, isObj := meta.(map[string]any); !isObj {
			issues = append(issues, issue(fhir.IssueTypeStructure, "meta must be an object", "meta"))
		}
	}
	issues = append(issues, validateStatus(rt, r)...)
	issues = append(issues, walkReferences(map[string]any(r), "")...)

	if len(issues) > 0 {
		return &fhir.OperationOutcome{ResourceType: "OperationOutcome", Issue: issues}
	}
	return fhir.AllOK()
}

func validateStatus(rt string, r fhir.Resource) []fhir.OperationOutcomeIssue {
	status, ok := r["status"]
	if !ok {
		return nil
	}
	statusStr, ok := status.(string)
	if !ok {
		return []fhir.OperationOutcomeIssue{issue(fhir.IssueTypeValue, "status must be a string", "status")}
	}
	valid, ok := statusValues[rt]
	if !ok {
		return nil
	}
	for _, vs := range valid {
		if vs == statusStr {
			return nil
		}
	}
	return []fhir.OperationOutcomeIssue{issue(fhir.IssueTypeValue,
		fmt.Sprintf("invalid status '%s' for %s; valid values: %s", statusStr, rt, strings.Join(valid, ", ")), "status")}
}

// walkReferences finds Reference objects and checks their format. Keys are
// visited in sorted order so issues are reported deterministically.
func walkReferences(obj map[string]any, path string) []fhir.OperationOutcomeIssue {
	var issues []fhir.OperationOutcomeIssue
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		currentPath := key
		if path != "" {
			currentPath = path + "." + key
		}
		switch typed := obj[key].(type) {
		case map[string]any:
			if ref, ok := typed["reference"].(string); ok && ref != "" && !ValidReference(ref) {
				issues = append(issues, issue(fhir.IssueTypeValue,
					fmt.Sprintf("invalid reference format '%s'; expected 'ResourceType/id'", ref), currentPath+".reference"))
			}
			issues = append(issues, walkReferences(typed, currentPath)...)
		case []any:
			for i, item := range typed {
				if m, ok := item.(map[string]any); ok {
					issues = append(issues, walkReferences(m, fmt.Sprintf("%s[%d]", currentPath, i))...)
				}
			}
		}
	}
	return issues
}

// ValidReference accepts relative, absolute, contained and placeholder
// references.
func ValidReference(ref string) bool {
	switch {
	case strings.HasPrefix(ref, "#"),
		strings.HasPrefix(ref, "urn:"),
		strings.HasPrefix(ref, "http://"),
		strings.HasPrefix(ref, "https://"):
		return true
	}
	return referencePattern.MatchString(ref)
}

func issue(code, diagnostics, expression string) fhir.OperationOutcomeIssue {
	iss := fhir.OperationOutcomeIssue{
		Severity:    fhir.IssueSeverityError,
		Code:        code,
		Diagnostics: diagnostics,
	}
	if expression != "" {
		iss.Expression = []string{expression}
	}
	return iss
}

func outcome(issues ...fhir.OperationOutcomeIssue) *fhir.OperationOutcome {
	return &fhir.OperationOutcome{ResourceType: "OperationOutcome", Issue: issues}
}
