package fhir

import (
	"time"
)

// Bundle types used by the repository.
const (
	BundleTypeSearchset   = "searchset"
	BundleTypeHistory     = "history"
	BundleTypeBatch       = "batch"
	BundleTypeTransaction = "transaction"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource Resource        `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

type BundleResponse struct {
	Status       string            `json:"status"`
	Location     string            `json:"location,omitempty"`
	LastModified *time.Time        `json:"lastModified,omitempty"`
	Outcome      *OperationOutcome `json:"outcome,omitempty"`
}

// NewSearchBundle creates a searchset Bundle preserving result order.
func NewSearchBundle(resources []Resource, links []BundleLink) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(resources))
	for i, r := range resources {
		entries[i] = BundleEntry{
			FullURL:  r.Reference(),
			Resource: r,
			Search:   &BundleSearch{Mode: "match"},
		}
	}
	total := len(resources)
	return &Bundle{
		ResourceType: "Bundle",
		Type:         BundleTypeSearchset,
		Total:        &total,
		Timestamp:    &now,
		Link:         links,
		Entry:        entries,
	}
}

// NewHistoryBundle creates a history Bundle with entries in write order.
func NewHistoryBundle(versions []Resource) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(versions))
	for i, r := range versions {
		entries[i] = BundleEntry{
			FullURL:  r.Reference() + "/_history/" + r.VersionID(),
			Resource: r,
		}
	}
	total := len(versions)
	return &Bundle{
		ResourceType: "Bundle",
		Type:         BundleTypeHistory,
		Total:        &total,
		Timestamp:    &now,
		Entry:        entries,
	}
}

// NewResponseBundle creates a "<type>-response" Bundle.
func NewResponseBundle(requestType string, entries []BundleEntry) *Bundle {
	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		Type:         requestType + "-response",
		Timestamp:    &now,
		Entry:        entries,
	}
}
