package resource

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/fhirrepo/internal/platform/auth"
	"github.com/ehr/fhirrepo/internal/platform/fhir"
)

type family struct {
	repo               *Repository
	homer, marge, bart fhir.Resource
}

// simpsons stores three patients, written in the order homer, marge, bart.
func simpsons(t *testing.T) family {
	t.Helper()
	ctx := context.Background()
	repo := newTestRepo(t)

	create := func(raw string) fhir.Resource {
		res, err := repo.Create(ctx, mustParse(t, raw))
		require.NoError(t, err)
		return res
	}
	return family{
		repo:  repo,
		homer: create(`{"resourceType":"Patient","gender":"male","birthDate":"1956-05-12",
			"name":[{"given":["Homer","Jay"],"family":"Simpson"}],
			"identifier":[{"system":"ssn","value":"568-47-0008"}]}`),
		marge: create(`{"resourceType":"Patient","gender":"female","birthDate":"1956-03-19",
			"name":[{"given":["Marge"],"family":"Simpson"}],
			"identifier":[{"system":"ssn","value":"111-22-3333"}]}`),
		bart: create(`{"resourceType":"Patient","gender":"male","birthDate":"1980-04-01",
			"name":[{"given":["Bart"],"family":"Simpson"}],
			"identifier":[{"system":"school","value":"222"}]}`),
	}
}

func (f family) search(t *testing.T, query string) []string {
	t.Helper()
	req, err := fhir.ParseSearchURL(f.repo.store.Registry(), query)
	require.NoError(t, err)
	bundle, err := f.repo.Search(context.Background(), req)
	require.NoError(t, err, query)
	ids := make([]string, 0, len(bundle.Entry))
	for _, e := range bundle.Entry {
		ids = append(ids, e.Resource.ID())
	}
	return ids
}

func TestSearch_Filters(t *testing.T) {
	f := simpsons(t)
	homer, marge, bart := f.homer.ID(), f.marge.ID(), f.bart.ID()

	tests := []struct {
		query string
		want  []string
	}{
		{"Patient?identifier=568-47-0008", []string{homer}},
		{"Patient?identifier=ssn|111-22-3333", []string{marge}},
		{"Patient?identifier=school|111-22-3333", []string{}},
		{"Patient?gender=male&_sort=_lastUpdated", []string{homer, bart}},
		{"Patient?gender:not=male", []string{marge}},
		{"Patient?given=marg", []string{marge}},
		{"Patient?family=Simp&_sort=_lastUpdated", []string{homer, marge, bart}},
		{"Patient?name:exact=Bart", []string{}},
		{"Patient?birthdate=1956&_sort=_lastUpdated", []string{homer, marge}},
		{"Patient?birthdate=gt1970-01-01", []string{bart}},
		{"Patient?birthdate=gt1956", []string{bart}},
		{"Patient?birthdate=ge1956&_sort=_lastUpdated", []string{homer, marge, bart}},
		{"Patient?birthdate=le1956&_sort=_lastUpdated", []string{homer, marge}},
		{"Patient?birthdate=lt1956-05", []string{marge}},
		{"Patient?birthdate=sa1956-03&_sort=_lastUpdated", []string{homer, bart}},
		{"Patient?birthdate=eb1956-05-12", []string{marge}},
		{"Patient?birthdate=ne1956&_sort=_lastUpdated", []string{bart}},
		{"Patient?_id=" + marge, []string{marge}},
		{"Patient?id=" + bart, []string{bart}},
		{"Patient?_id=not-a-uuid", []string{}},
		{"Patient?unknown=1&gender=female", []string{marge}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got := f.search(t, tt.query)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			if len(tt.want) > 1 && !strings.Contains(tt.query, "_sort") {
				assert.ElementsMatch(t, tt.want, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSearch_SortAndPage(t *testing.T) {
	f := simpsons(t)
	homer, marge, bart := f.homer.ID(), f.marge.ID(), f.bart.ID()

	assert.Equal(t, []string{bart, marge, homer}, f.search(t, "Patient?_sort=-meta.lastUpdated"))
	assert.Equal(t, []string{homer, marge, bart}, f.search(t, "Patient?_sort=_lastUpdated"))
	assert.Equal(t, []string{marge}, f.search(t, "Patient?_sort=-_lastUpdated&_count=1&_page=1"))
	assert.Equal(t, []string{homer}, f.search(t, "Patient?_sort=-_lastUpdated&_count=1&_page=2"))
	assert.Empty(t, f.search(t, "Patient?_sort=-_lastUpdated&_count=1&_page=3"))
	assert.Equal(t, []string{bart, homer, marge}, f.search(t, "Patient?_sort=-birthdate"))
}

func TestSearch_LastUpdated(t *testing.T) {
	f := simpsons(t)
	margeAt := fhir.FormatInstant(f.marge.LastUpdated())

	assert.Equal(t, []string{f.bart.ID()}, f.search(t, "Patient?_lastUpdated=gt"+margeAt))
	assert.Equal(t, []string{f.homer.ID()}, f.search(t, "Patient?_lastUpdated=lt"+margeAt))
	assert.Equal(t, []string{f.marge.ID()}, f.search(t, "Patient?_lastUpdated="+margeAt))
	year := f.bart.LastUpdated().UTC().Year()
	assert.Len(t, f.search(t, "Patient?_lastUpdated="+strconv.Itoa(year)), 3)
	assert.Empty(t, f.search(t, "Patient?_lastUpdated=ge"+strconv.Itoa(year+1)))
}

func TestSearch_AfterUpdateSeesNewValues(t *testing.T) {
	f := simpsons(t)
	_, err := f.repo.Update(context.Background(), f.bart.ID(), mustParse(t, `{
		"resourceType": "Patient",
		"gender": "other",
		"identifier": [{"system": "ssn", "value": "999"}]
	}`))
	require.NoError(t, err)

	assert.Equal(t, []string{f.bart.ID()}, f.search(t, "Patient?gender=other"))
	assert.Equal(t, []string{f.bart.ID()}, f.search(t, "Patient?identifier=999"))
	assert.Empty(t, f.search(t, "Patient?identifier=222"))
	assert.Equal(t, []string{f.bart.ID()}, f.search(t, "Patient?given=bart"), "name kept by merge stays indexed")
}

func TestSearch_Errors(t *testing.T) {
	f := simpsons(t)
	reg := f.repo.store.Registry()
	ctx := context.Background()

	req, err := fhir.ParseSearchURL(reg, "Patient?gender=male")
	require.NoError(t, err)

	denied := f.repo.store.Open(f.repo.sess, nil)
	_, err = denied.Search(ctx, req)
	assert.Equal(t, 403, StatusCode(err))

	obsOnly := f.repo.store.Open(f.repo.sess, auth.NewPolicy([]string{"user/Observation.read"}))
	_, err = obsOnly.Search(ctx, req)
	assert.Equal(t, 403, StatusCode(err))

	_, err = f.repo.Search(ctx, &fhir.SearchRequest{ResourceType: "Spaceship", Count: 20})
	assert.Equal(t, 400, StatusCode(err))

	_, err = f.repo.Search(ctx, &fhir.SearchRequest{
		ResourceType: "Patient",
		Count:        20,
		Filters:      []fhir.Filter{{Code: "_lastUpdated", Operator: fhir.OpNotEquals, Value: "2024"}},
	})
	assert.Equal(t, 400, StatusCode(err))
}

func TestSearch_EmptyStore(t *testing.T) {
	repo := newTestRepo(t)
	req, err := fhir.ParseSearchURL(repo.store.Registry(), "Observation?status=final")
	require.NoError(t, err)

	bundle, err := repo.Search(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, fhir.BundleTypeSearchset, bundle.Type)
	assert.Empty(t, bundle.Entry)
}

func TestSearch_Observations(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	patient, err := repo.Create(ctx, homer(t))
	require.NoError(t, err)
	obs, err := repo.Create(ctx, mustParse(t, `{
		"resourceType": "Observation",
		"status": "final",
		"code": {"coding": [{"system": "http://loinc.org", "code": "8867-4"}]},
		"subject": {"reference": "Patient/`+patient.ID()+`"},
		"effectiveDateTime": "2021-02-03T10:00:00Z"
	}`))
	require.NoError(t, err)

	reg := repo.store.Registry()
	for _, q := range []string{
		"Observation?code=8867-4",
		"Observation?code=http://loinc.org|8867-4",
		"Observation?subject=Patient/" + patient.ID(),
		"Observation?subject=" + patient.ID(),
		"Observation?status=final",
	} {
		req, err := fhir.ParseSearchURL(reg, q)
		require.NoError(t, err)
		bundle, err := repo.Search(ctx, req)
		require.NoError(t, err, q)
		require.Len(t, bundle.Entry, 1, q)
		assert.Equal(t, obs.ID(), bundle.Entry[0].Resource.ID())
	}
}

func TestSearch_NumbersCompareByValue(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	obs := func(value string) string {
		res, err := repo.Create(ctx, mustParse(t, `{
			"resourceType": "Observation",
			"status": "final",
			"valueQuantity": {"value": `+value+`, "unit": "mg", "system": "http://unitsofmeasure.org", "code": "mg"}
		}`))
		require.NoError(t, err)
		return res.ID()
	}
	ten, nine, hundred := obs("10"), obs("9"), obs("100.5")

	reg := repo.store.Registry()
	tests := []struct {
		query string
		want  []string
	}{
		{"Observation?value-quantity=gt5", []string{ten, nine, hundred}},
		{"Observation?value-quantity=lt9", []string{}},
		{"Observation?value-quantity=le9", []string{nine}},
		{"Observation?value-quantity=ge10", []string{ten, hundred}},
		{"Observation?value-quantity=10", []string{ten}},
		{"Observation?value-quantity=ne10", []string{nine, hundred}},
		{"Observation?value-quantity=gt99||mg", []string{hundred}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req, err := fhir.ParseSearchURL(reg, tt.query)
			require.NoError(t, err)
			bundle, err := repo.Search(ctx, req)
			require.NoError(t, err)
			var got []string
			for _, e := range bundle.Entry {
				got = append(got, e.Resource.ID())
				assert.True(t, fhir.Matches(reg, e.Resource, req), "in-memory match disagrees for %s", e.Resource.ID())
			}
			assert.ElementsMatch(t, tt.want, got)
		})
	}

	req, err := fhir.ParseSearchURL(reg, "Observation?value-quantity=gtten")
	require.NoError(t, err)
	_, err = repo.Search(ctx, req)
	assert.Equal(t, 400, StatusCode(err))
}

func TestSearch_AgreesWithMatches(t *testing.T) {
	f := simpsons(t)
	reg := f.repo.store.Registry()
	all := []fhir.Resource{f.homer, f.marge, f.bart}

	for _, q := range []string{
		"Patient?birthdate=gt1956",
		"Patient?birthdate=le1956",
		"Patient?birthdate=1956-03",
		"Patient?birthdate=ne1956-05-12",
		"Patient?identifier=school|111-22-3333",
		"Patient?identifier=ssn|111-22-3333",
		"Patient?identifier=|111-22-3333",
		"Patient?identifier=ssn|",
		"Patient?gender=male&birthdate=ge1980",
	} {
		t.Run(q, func(t *testing.T) {
			req, err := fhir.ParseSearchURL(reg, q)
			require.NoError(t, err)
			var want []string
			for _, r := range all {
				if fhir.Matches(reg, r, req) {
					want = append(want, r.ID())
				}
			}
			got := f.search(t, q)
			if len(want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.ElementsMatch(t, want, got)
		})
	}
}

func TestSearch_TokenSystems(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	reg := repo.store.Registry()

	var all []fhir.Resource
	for _, raw := range []string{
		`{"resourceType":"Observation","status":"final","code":{"coding":[{"system":"http://loinc.org","code":"8867-4"}]}}`,
		`{"resourceType":"Observation","status":"final","code":{"coding":[{"system":"http://snomed.info/sct","code":"8867-4"}]}}`,
		`{"resourceType":"Observation","status":"final","code":{"coding":[{"code":"a_b"}]}}`,
		`{"resourceType":"Observation","status":"amended","code":{"coding":[{"code":"axb"}]}}`,
	} {
		res, err := repo.Create(ctx, mustParse(t, raw))
		require.NoError(t, err)
		all = append(all, res)
	}

	tests := []struct {
		query string
		want  int
	}{
		{"Observation?code=8867-4", 2},
		{"Observation?code=http://loinc.org|8867-4", 1},
		{"Observation?code=http://snomed.info/sct|", 1},
		{"Observation?code:not=http://loinc.org|8867-4", 3},
		{"Observation?code=|a_b", 1},
		{"Observation?code=a_b", 1},
		{"Observation?code=|8867-4", 0},
		{"Observation?status=final", 3},
		{"Observation?status:not=final", 1},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req, err := fhir.ParseSearchURL(reg, tt.query)
			require.NoError(t, err)
			bundle, err := repo.Search(ctx, req)
			require.NoError(t, err)
			var got, want []string
			for _, e := range bundle.Entry {
				got = append(got, e.Resource.ID())
			}
			for _, r := range all {
				if fhir.Matches(reg, r, req) {
					want = append(want, r.ID())
				}
			}
			assert.Len(t, got, tt.want)
			assert.ElementsMatch(t, want, got)
		})
	}
}

func TestCreate_AnyResourceType(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	for _, raw := range []string{
		`{"resourceType": "Medication", "code": {"coding": [{"system": "http://www.nlm.nih.gov/research/umls/rxnorm", "code": "1049502"}]}}`,
		`{"resourceType": "AllergyIntolerance", "patient": {"reference": "Patient/123"}, "code": {"text": "peanut"}}`,
		`{"resourceType": "Binary", "contentType": "text/plain", "data": "aGVsbG8="}`,
	} {
		res, err := repo.Create(ctx, mustParse(t, raw))
		require.NoError(t, err, raw)
		got, err := repo.Read(ctx, res.ResourceType(), res.ID())
		require.NoError(t, err)
		assert.Equal(t, res.ID(), got.ID())
	}

	req, err := fhir.ParseSearchURL(repo.store.Registry(), "Medication?code=1049502")
	require.NoError(t, err)
	bundle, err := repo.Search(ctx, req)
	require.NoError(t, err)
	assert.Len(t, bundle.Entry, 1)
}
