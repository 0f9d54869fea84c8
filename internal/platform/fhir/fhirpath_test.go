package fhir

import (
	"reflect"
	"strings"
	"testing"
)

func homer() Resource {
	r, err := ParseResource([]byte(`{
		"resourceType": "Patient",
		"id": "123",
		"birthDate": "1956-05-12",
		"active": true,
		"name": [
			{"given": ["Homer", "Jay"], "family": "Simpson"},
			{"given": ["Max"], "family": "Power"}
		],
		"identifier": [{"system": "ssn", "value": "568-47-0008"}]
	}`))
	if err != nil {
		panic(err)
	}
	return r
}

func TestEvaluate_TypeNameSelectsResource(t *testing.T) {
	got := Evaluate("Patient.name.given", map[string]any{
		"resourceType": "Patient",
		"name":         []any{map[string]any{"given": []any{"Homer"}, "family": "Simpson"}},
	})
	want := []any{"Homer"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	withPrefix := Evaluate("Patient.name.family", homer())
	without := Evaluate("name.family", homer())
	if !reflect.DeepEqual(withPrefix, without) {
		t.Errorf("prefixed and bare paths differ: %v vs %v", withPrefix, without)
	}
}

func TestEvaluate_ArrayIndex(t *testing.T) {
	got := Evaluate("1", []any{"a", "b", "c"})
	if !reflect.DeepEqual(got, []any{"b"}) {
		t.Errorf("expected [b], got %v", got)
	}
	if got := Evaluate("7", []any{"a"}); len(got) != 0 {
		t.Errorf("expected no match for out of range index, got %v", got)
	}
	if got := Evaluate("name.1.family", homer()); !reflect.DeepEqual(got, []any{"Power"}) {
		t.Errorf("expected [Power], got %v", got)
	}
}

func TestEvaluate_FlattensOneLevel(t *testing.T) {
	got := Evaluate("name.given", homer())
	want := []any{"Homer", "Jay", "Max"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestEvaluate_Union(t *testing.T) {
	got := Evaluate("Person.birthDate | Patient.birthDate", homer())
	if !reflect.DeepEqual(got, []any{"1956-05-12"}) {
		t.Errorf("expected birthDate once, got %v", got)
	}
	got = Evaluate("Patient.birthDate | Patient.active", homer())
	if len(got) != 2 || got[0] != "1956-05-12" || got[1] != true {
		t.Errorf("expected alternatives in listed order, got %v", got)
	}
}

func TestEvaluate_NoMatchNeverErrors(t *testing.T) {
	tests := []struct {
		path string
		root any
	}{
		{"name.given", nil},
		{"birthDate.year", homer()},
		{"missing.path", homer()},
		{"a", "scalar"},
		{"a", 42},
	}
	for _, tt := range tests {
		if got := Evaluate(tt.path, tt.root); len(got) != 0 {
			t.Errorf("Evaluate(%q) expected no matches, got %v", tt.path, got)
		}
	}
}

func TestEvalFirst(t *testing.T) {
	if got := EvalFirst("name.family", homer()); got != "Simpson" {
		t.Errorf("expected Simpson, got %v", got)
	}
	if got := EvalFirst("deceasedBoolean", homer()); got != nil {
		t.Errorf("expected nil sentinel, got %v", got)
	}
}

func TestEvalAsString(t *testing.T) {
	if s, ok := EvalAsString("active", homer()); !ok || s != "true" {
		t.Errorf("expected true, got %q %v", s, ok)
	}
	if s, ok := EvalAsString("identifier", homer()); !ok || s != `{"system":"ssn","value":"568-47-0008"}` {
		t.Errorf("expected compact json, got %q", s)
	}
	long := map[string]any{"text": strings.Repeat("x", 300)}
	if s, _ := EvalAsString("text", long); len(s) != MaxIndexedLength {
		t.Errorf("expected truncation to %d, got %d", MaxIndexedLength, len(s))
	}
	if _, ok := EvalAsString("nothing", homer()); ok {
		t.Error("expected ok=false when nothing matches")
	}
}

func TestEvaluate_ChoiceElement(t *testing.T) {
	obs := map[string]any{
		"resourceType":      "Observation",
		"status":            "final",
		"statusReason":      "ignored",
		"effectiveDateTime": "2021-02-03",
		"prediction":        []any{map[string]any{"probabilityDecimal": 0.4}},
	}
	if got := EvalFirst("Observation.effective", obs); got != "2021-02-03" {
		t.Errorf("effective = %v", got)
	}
	if got := EvalFirst("prediction.probability", obs); got != 0.4 {
		t.Errorf("probability = %v", got)
	}
	if got := Evaluate("status", obs); !reflect.DeepEqual(got, []any{"final"}) {
		t.Errorf("status = %v", got)
	}
	if got := Evaluate("statusCode", obs); got != nil {
		t.Errorf("statusCode should not match statusReason, got %v", got)
	}
}
