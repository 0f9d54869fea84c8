package validation

import (
	"testing"

	"github.com/ehr/fhirrepo/internal/platform/fhir"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	reg, err := fhir.DefaultRegistry()
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return New(reg)
}

func parse(t *testing.T, data string) fhir.Resource {
	t.Helper()
	r, err := fhir.ParseResource([]byte(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return r
}

func TestValidateResource_ValidPatient(t *testing.T) {
	v := newValidator(t)
	oo := v.ValidateResource(parse(t, `{"resourceType": "Patient", "id": "123", "managingOrganization": {"reference": "Organization/1"}}`))
	if oo.HasErrors() {
		t.Errorf("expected valid, got %s", oo.Diagnostics())
	}
	if oo.ID != "allok" {
		t.Errorf("expected the all-OK outcome, got %+v", oo)
	}
}

func TestValidateResource_MissingResourceType(t *testing.T) {
	v := newValidator(t)
	oo := v.ValidateResource(parse(t, `{"id": "123"}`))
	if !oo.HasErrors() {
		t.Fatal("expected invalid for missing resourceType")
	}
	if oo.Issue[0].Code != fhir.IssueTypeRequired {
		t.Errorf("expected code 'required', got '%s'", oo.Issue[0].Code)
	}
}

func TestValidateResource_UnknownResourceType(t *testing.T) {
	v := newValidator(t)
	oo := v.ValidateResource(parse(t, `{"resourceType": "FakeResource", "id": "123"}`))
	if !oo.HasErrors() {
		t.Fatal("expected invalid for unknown resourceType")
	}
	iss := oo.Issue[0]
	if iss.Code != fhir.IssueTypeValue || len(iss.Expression) == 0 || iss.Expression[0] != "resourceType" {
		t.Errorf("unexpected issue %+v", iss)
	}
}

func TestValidateResource_BadID(t *testing.T) {
	v := newValidator(t)
	for _, data := range []string{
		`{"resourceType": "Patient", "id": "has space"}`,
		`{"resourceType": "Patient", "id": 42}`,
		`{"resourceType": "Patient", "id": ""}`,
	} {
		if !v.ValidateResource(parse(t, data)).HasErrors() {
			t.Errorf("expected invalid id in %s", data)
		}
	}
}

func TestValidateResource_MetaMustBeObject(t *testing.T) {
	v := newValidator(t)
	if !v.ValidateResource(parse(t, `{"resourceType": "Patient", "meta": "x"}`)).HasErrors() {
		t.Error("expected error for scalar meta")
	}
}

func TestValidateResource_Status(t *testing.T) {
	v := newValidator(t)
	tests := []struct {
		data  string
		valid bool
	}{
		{`{"resourceType": "Observation", "status": "final"}`, true},
		{`{"resourceType": "Observation", "status": "done"}`, false},
		{`{"resourceType": "Encounter", "status": "finished"}`, true},
		{`{"resourceType": "Procedure", "status": 1}`, false},
		{`{"resourceType": "Patient", "status": "anything"}`, true},
	}
	for _, tt := range tests {
		if got := !v.ValidateResource(parse(t, tt.data)).HasErrors(); got != tt.valid {
			t.Errorf("%s: valid = %v, want %v", tt.data, got, tt.valid)
		}
	}
}

func TestValidateResource_NestedReferences(t *testing.T) {
	v := newValidator(t)
	oo := v.ValidateResource(parse(t, `{
		"resourceType": "Encounter",
		"subject": {"reference": "bad ref"},
		"participant": [{"individual": {"reference": "also bad"}}]
	}`))
	if len(oo.Issue) != 2 {
		t.Fatalf("expected 2 issues, got %d: %s", len(oo.Issue), oo.Diagnostics())
	}
	if oo.Issue[0].Expression[0] != "participant[0].individual.reference" {
		t.Errorf("unexpected first expression %v", oo.Issue[0].Expression)
	}
	if oo.Issue[1].Expression[0] != "subject.reference" {
		t.Errorf("unexpected second expression %v", oo.Issue[1].Expression)
	}
}

func TestValidReference(t *testing.T) {
	tests := []struct {
		ref   string
		valid bool
	}{
		{"Patient/123", true},
		{"Patient/123/_history/2", true},
		{"#contained", true},
		{"urn:uuid:4f3a6b8e-0000-4000-8000-000000000000", true},
		{"https://example.org/fhir/Patient/1", true},
		{"patient/123", false},
		{"Patient", false},
		{"Patient/", false},
	}
	for _, tt := range tests {
		if got := ValidReference(tt.ref); got != tt.valid {
			t.Errorf("ValidReference(%q) = %v, want %v", tt.ref, got, tt.valid)
		}
	}
}

func TestValidateType(t *testing.T) {
	v := newValidator(t)
	if v.ValidateType("Observation").HasErrors() {
		t.Error("Observation should be valid")
	}
	if !v.ValidateType("").HasErrors() {
		t.Error("empty type should be invalid")
	}
	if !v.ValidateType("DomainResource").HasErrors() {
		t.Error("abstract type should be invalid")
	}
}
