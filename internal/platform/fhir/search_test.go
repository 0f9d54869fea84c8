package fhir

import (
	"errors"
	"net/url"
	"testing"
)

func parse(t *testing.T, raw string) *SearchRequest {
	t.Helper()
	req, err := ParseSearchURL(testRegistry(t), raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return req
}

func TestParseSearch_ID(t *testing.T) {
	for _, raw := range []string{"Patient?id=1", "Patient?_id=1"} {
		req := parse(t, raw)
		if len(req.Filters) != 1 {
			t.Fatalf("%s: expected 1 filter, got %d", raw, len(req.Filters))
		}
		f := req.Filters[0]
		if f.Code != "_id" || f.Operator != OpEquals || f.Value != "1" {
			t.Errorf("%s: unexpected filter %+v", raw, f)
		}
	}
}

func TestParseSearch_Paging(t *testing.T) {
	req := parse(t, "Patient?_page=3&_count=7")
	if req.Page != 3 || req.Count != 7 {
		t.Errorf("expected page 3 count 7, got %d %d", req.Page, req.Count)
	}
	if req.Offset() != 21 {
		t.Errorf("expected offset 21, got %d", req.Offset())
	}

	req = parse(t, "Patient")
	if req.Page != 0 || req.Count != DefaultCount {
		t.Errorf("unexpected defaults: page %d count %d", req.Page, req.Count)
	}

	req = parse(t, "Patient?_count=50000&_page=-4")
	if req.Count != MaxCount || req.Page != 0 {
		t.Errorf("expected clamped paging, got page %d count %d", req.Page, req.Count)
	}
}

func TestParseSearch_Sort(t *testing.T) {
	req := parse(t, "Patient?_sort=-name,birthdate")
	if len(req.SortRules) != 2 {
		t.Fatalf("expected 2 sort rules, got %d", len(req.SortRules))
	}
	if req.SortRules[0].Code != "name" || !req.SortRules[0].Descending {
		t.Errorf("unexpected first rule %+v", req.SortRules[0])
	}
	if req.SortRules[1].Code != "birthdate" || req.SortRules[1].Descending {
		t.Errorf("unexpected second rule %+v", req.SortRules[1])
	}
}

func TestParseSearch_NumberPrefixes(t *testing.T) {
	tests := []struct {
		value string
		op    Operator
		want  string
	}{
		{"0.5", OpEquals, "0.5"},
		{"eq0.5", OpEquals, "0.5"},
		{"ne0.5", OpNotEquals, "0.5"},
		{"lt0.5", OpLessThan, "0.5"},
		{"le0.5", OpLessThanOrEquals, "0.5"},
		{"gt0.5", OpGreaterThan, "0.5"},
		{"ge0.5", OpGreaterThanOrEquals, "0.5"},
		{"sa0.5", OpEquals, "sa0.5"},
	}
	for _, tt := range tests {
		req := parse(t, "RiskAssessment?probability="+tt.value)
		f := req.Filters[0]
		if f.Code != "probability" || f.Operator != tt.op || f.Value != tt.want {
			t.Errorf("probability=%s: got %+v", tt.value, f)
		}
	}
}

func TestParseSearch_DatePrefixes(t *testing.T) {
	tests := []struct {
		value string
		op    Operator
	}{
		{"1990-01-01", OpEquals},
		{"ne1990-01-01", OpNotEquals},
		{"lt1990-01-01", OpLessThan},
		{"le1990-01-01", OpLessThanOrEquals},
		{"gt1990-01-01", OpGreaterThan},
		{"ge1990-01-01", OpGreaterThanOrEquals},
		{"sa1990-01-01", OpStartsAfter},
		{"eb1990-01-01", OpEndsBefore},
		{"ap1990-01-01", OpApproximately},
	}
	for _, tt := range tests {
		req := parse(t, "Patient?birthdate="+tt.value)
		f := req.Filters[0]
		if f.Operator != tt.op || f.Value != "1990-01-01" {
			t.Errorf("birthdate=%s: got %+v", tt.value, f)
		}
	}
}

func TestParseSearch_StringModifiers(t *testing.T) {
	tests := []struct {
		query string
		op    Operator
	}{
		{"Patient?given=eve", OpEquals},
		{"Patient?given:contains=eve", OpContains},
		{"Patient?given:exact=Eve", OpExact},
	}
	for _, tt := range tests {
		f := parse(t, tt.query).Filters[0]
		if f.Code != "given" || f.Operator != tt.op {
			t.Errorf("%s: got %+v", tt.query, f)
		}
	}
}

func TestParseSearch_TokenModifiers(t *testing.T) {
	tests := []struct {
		modifier string
		op       Operator
	}{
		{"", OpEquals},
		{":text", OpText},
		{":not", OpNotEquals},
		{":above", OpAbove},
		{":below", OpBelow},
		{":in", OpIn},
		{":not-in", OpNotIn},
		{":of-type", OpOfType},
	}
	for _, tt := range tests {
		f := parse(t, "Patient?gender"+tt.modifier+"=female").Filters[0]
		if f.Operator != tt.op {
			t.Errorf("gender%s: expected %s, got %s", tt.modifier, tt.op, f.Operator)
		}
	}
}

func TestParseSearch_IgnoresUnknownKeys(t *testing.T) {
	req := parse(t, "Patient?_fields=id,name&_sort=-meta.lastUpdated&identifier=foo")
	if len(req.Filters) != 1 {
		t.Fatalf("expected 1 filter, got %d", len(req.Filters))
	}
	if req.Filters[0].Code != "identifier" || req.Filters[0].Value != "foo" {
		t.Errorf("unexpected filter %+v", req.Filters[0])
	}
	if len(req.SortRules) != 1 || req.SortRules[0].Code != "meta.lastUpdated" || !req.SortRules[0].Descending {
		t.Errorf("unexpected sort %+v", req.SortRules)
	}
}

func TestParseSearch_Errors(t *testing.T) {
	reg := testRegistry(t)
	_, err := ParseSearchRequest(reg, "Spaceship", url.Values{})
	var oe *OutcomeError
	if !errors.As(err, &oe) || oe.Kind != KindInvalid {
		t.Errorf("expected invalid outcome for unknown type, got %v", err)
	}
	if _, err := ParseSearchURL(reg, "Patient?_count=abc"); err == nil {
		t.Error("expected error for non-numeric _count")
	}
}
