package fhir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Resource is a FHIR resource held as generic JSON. Typed views are provided
// by accessor functions rather than per-type structs.
type Resource map[string]any

// ParseResource decodes a JSON object into a Resource. Numbers are kept as
// json.Number so that values round-trip without float formatting.
func ParseResource(data []byte) (Resource, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var r Resource
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("decode resource: not a JSON object")
	}
	return r, nil
}

// JSON encodes the resource.
func (r Resource) JSON() ([]byte, error) {
	return json.Marshal(map[string]any(r))
}

// ResourceType returns the resourceType property.
func (r Resource) ResourceType() string {
	s, _ := r["resourceType"].(string)
	return s
}

// ID returns the id property.
func (r Resource) ID() string {
	s, _ := r["id"].(string)
	return s
}

// Reference returns "Type/id".
func (r Resource) Reference() string {
	return r.ResourceType() + "/" + r.ID()
}

// Meta returns the meta object, or nil.
func (r Resource) Meta() map[string]any {
	m, _ := r["meta"].(map[string]any)
	return m
}

// VersionID returns meta.versionId.
func (r Resource) VersionID() string {
	s, _ := r.Meta()["versionId"].(string)
	return s
}

// LastUpdated returns meta.lastUpdated parsed, or the zero time.
func (r Resource) LastUpdated() time.Time {
	s, _ := r.Meta()["lastUpdated"].(string)
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Clone returns a deep copy so callers can mutate freely.
func (r Resource) Clone() Resource {
	if r == nil {
		return nil
	}
	return cloneValue(map[string]any(r)).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case Resource:
		return cloneValue(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// FormatInstant renders t the way meta.lastUpdated is stored.
func FormatInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseReference splits "Type/id".
func ParseReference(ref string) (resourceType, id string, err error) {
	parts := strings.Split(ref, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid reference %q", ref)
	}
	return parts[0], parts[1], nil
}
