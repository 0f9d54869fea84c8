package resource

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhirrepo/internal/platform/db"
	"github.com/ehr/fhirrepo/internal/platform/fhir"
)

const localIDPrefix = "urn:uuid:"

// ExecuteBatch applies a batch or transaction bundle of creates and updates.
//
// Entries whose fullUrl is a urn:uuid local id get a real id, and every
// string in the bundle equal to the local id (bare or as the full urn) is
// rewritten before anything is written. Local ids are only accepted in
// transactions.
//
// A batch runs its entries independently and reports each one's outcome. A
// transaction runs in one database transaction: the first failing entry rolls
// everything back and its error is returned, and notifications are only sent
// after commit.
func (r *Repository) ExecuteBatch(ctx context.Context, bundle fhir.Resource) (*fhir.Bundle, error) {
	if bundle.ResourceType() != "Bundle" {
		return nil, fhir.Invalid("Not a bundle")
	}
	bundleType, _ := bundle["type"].(string)
	if bundleType != fhir.BundleTypeBatch && bundleType != fhir.BundleTypeTransaction {
		return nil, fhir.Invalid("Unrecognized bundle type '%s'", bundleType)
	}
	if _, ok := bundle["entry"].([]any); !ok {
		return nil, fhir.Invalid("Missing entries")
	}

	subs, assigned := localIDs(bundle)
	if len(subs) > 0 && bundleType != fhir.BundleTypeTransaction {
		return nil, fhir.Invalid("Can only use local IDs ('urn:uuid:') in transaction")
	}
	rewritten, _ := rewriteStrings(bundle.Clone(), subs).(map[string]any)
	entries, _ := rewritten["entry"].([]any)

	start := time.Now()
	var (
		out []fhir.BundleEntry
		err error
	)
	if bundleType == fhir.BundleTypeTransaction {
		out, err = r.runTransaction(ctx, entries, assigned)
	} else {
		out = r.runBatch(ctx, entries, assigned)
	}
	r.store.metrics.ObserveOperation("Bundle", bundleType, err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return fhir.NewResponseBundle(bundleType, out), nil
}

// localIDs scans fullUrls for urn:uuid ids. It returns the substitutions
// to apply and the id assigned to each entry index.
func localIDs(bundle fhir.Resource) (map[string]string, map[int]string) {
	subs := map[string]string{}
	assigned := map[int]string{}
	entries, _ := bundle["entry"].([]any)
	for i, e := range entries {
		entry, _ := e.(map[string]any)
		fullURL, _ := entry["fullUrl"].(string)
		if !strings.HasPrefix(fullURL, localIDPrefix) {
			continue
		}
		res, _ := entry["resource"].(map[string]any)
		resourceType := fhir.Resource(res).ResourceType()

		id := uuid.NewString()
		subs[strings.TrimPrefix(fullURL, localIDPrefix)] = id
		subs[fullURL] = resourceType + "/" + id
		assigned[i] = id
	}
	return subs, assigned
}

// rewriteStrings replaces every string equal to a key of subs, walking
// objects and arrays. Other values pass through.
func rewriteStrings(v any, subs map[string]string) any {
	switch t := v.(type) {
	case string:
		if s, ok := subs[t]; ok {
			return s
		}
		return t
	case map[string]any:
		for k, e := range t {
			t[k] = rewriteStrings(e, subs)
		}
		return t
	case fhir.Resource:
		return rewriteStrings(map[string]any(t), subs)
	case []any:
		for i, e := range t {
			t[i] = rewriteStrings(e, subs)
		}
		return t
	default:
		return v
	}
}

func (r *Repository) runBatch(ctx context.Context, entries []any, assigned map[int]string) []fhir.BundleEntry {
	out := make([]fhir.BundleEntry, len(entries))
	for i, e := range entries {
		resp, err := r.applyEntry(ctx, e, assigned[i])
		if err != nil {
			resp = errorEntry(err)
		}
		out[i] = resp
	}
	return out
}

func (r *Repository) runTransaction(ctx context.Context, entries []any, assigned map[int]string) ([]fhir.BundleEntry, error) {
	var (
		out     []fhir.BundleEntry
		pending []fhir.Resource
	)
	err := r.sess.Transact(ctx, func(tx db.Session) error {
		repo := r.within(tx, &pending)
		out = make([]fhir.BundleEntry, len(entries))
		for i, e := range entries {
			resp, err := repo.applyEntry(ctx, e, assigned[i])
			if err != nil {
				return err
			}
			out[i] = resp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, res := range pending {
		r.store.deliver(ctx, res)
	}
	return out, nil
}

// applyEntry creates the entry's resource, or updates it when it has an id.
func (r *Repository) applyEntry(ctx context.Context, e any, localID string) (fhir.BundleEntry, error) {
	entry, _ := e.(map[string]any)
	body, ok := entry["resource"].(map[string]any)
	if !ok {
		return fhir.BundleEntry{}, fhir.Invalid("Missing entry.resource")
	}
	res := fhir.Resource(body)
	if localID != "" {
		res["id"] = localID
	}

	var (
		written fhir.Resource
		created bool
		err     error
	)
	if res.ID() == "" {
		written, err = r.Create(ctx, res)
		created = true
	} else {
		written, created, err = r.write(ctx, res.ID(), res)
	}
	if err != nil {
		return fhir.BundleEntry{}, err
	}

	status := "200 OK"
	if created {
		status = "201 Created"
	}
	lastModified := written.LastUpdated()
	return fhir.BundleEntry{
		FullURL:  written.Reference(),
		Resource: written,
		Response: &fhir.BundleResponse{
			Status:       status,
			Location:     written.Reference(),
			LastModified: &lastModified,
		},
	}, nil
}

// errorEntry reports a failed batch entry.
func errorEntry(err error) fhir.BundleEntry {
	code := StatusCode(err)
	return fhir.BundleEntry{
		Response: &fhir.BundleResponse{
			Status:  strconv.Itoa(code) + " " + http.StatusText(code),
			Outcome: fhir.OutcomeFor(err),
		},
	}
}
