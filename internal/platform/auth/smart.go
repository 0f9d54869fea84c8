package auth

import (
	"context"
	"fmt"
	"strings"
)

// SMARTScope represents a parsed SMART on FHIR scope.
// Format: <context>/<resourceType>.<operation>
// Examples: patient/Patient.read, user/Observation.write, patient/*.read
type SMARTScope struct {
	Context      string // "patient", "user", or "system"
	ResourceType string // e.g. "Patient", "Observation", "*"
	Operation    string // "read", "write", or "*"
}

// ParseSMARTScope parses a SMART on FHIR scope string into its components.
// Valid formats:
//   - patient/Patient.read
//   - user/Observation.write
//   - patient/*.read
//   - user/*.*
//
// Returns an error for scopes that are not resource-level SMART scopes
// (e.g. "openid", "profile", "launch").
func ParseSMARTScope(scope string) (*SMARTScope, error) {
	ctx, remainder, ok := strings.Cut(scope, "/")
	if !ok {
		return nil, fmt.Errorf("not a resource scope: %s", scope)
	}
	if ctx != "patient" && ctx != "user" && ctx != "system" {
		return nil, fmt.Errorf("invalid scope context %q: must be patient, user, or system", ctx)
	}

	dotIdx := strings.LastIndex(remainder, ".")
	if dotIdx < 0 {
		return nil, fmt.Errorf("invalid scope format %q: missing operation", scope)
	}
	resourceType := remainder[:dotIdx]
	operation := remainder[dotIdx+1:]

	if resourceType == "" {
		return nil, fmt.Errorf("invalid scope %q: empty resource type", scope)
	}
	if operation != "read" && operation != "write" && operation != "*" {
		return nil, fmt.Errorf("invalid operation %q: must be read, write, or *", operation)
	}

	return &SMARTScope{
		Context:      ctx,
		ResourceType: resourceType,
		Operation:    operation,
	}, nil
}

// ParseSMARTScopes parses a list of scope strings, returning only the valid
// SMART resource scopes. Non-resource scopes (openid, profile, launch, etc.)
// are silently skipped.
func ParseSMARTScopes(scopes []string) []SMARTScope {
	var result []SMARTScope
	for _, s := range scopes {
		parsed, err := ParseSMARTScope(s)
		if err != nil {
			continue
		}
		result = append(result, *parsed)
	}
	return result
}

// ScopeAllows checks whether a list of SMART scopes grants access for the
// given resource type and operation.
func ScopeAllows(scopes []SMARTScope, resourceType, operation string) bool {
	for _, s := range scopes {
		if resourceMatches(s.ResourceType, resourceType) && operationMatches(s.Operation, operation) {
			return true
		}
	}
	return false
}

func resourceMatches(granted, requested string) bool {
	return granted == "*" || granted == requested
}

func operationMatches(granted, requested string) bool {
	return granted == "*" || granted == requested
}

// Policy is a caller's access policy derived from its granted scopes.
type Policy struct {
	scopes []SMARTScope
}

// NewPolicy builds a policy from raw scope strings.
func NewPolicy(scopes []string) *Policy {
	return &Policy{scopes: ParseSMARTScopes(scopes)}
}

// CanRead reports whether the caller may read or search resourceType.
func (p *Policy) CanRead(resourceType string) bool {
	return p != nil && ScopeAllows(p.scopes, resourceType, "read")
}

// CanWrite reports whether the caller may create or update resourceType.
func (p *Policy) CanWrite(resourceType string) bool {
	return p != nil && ScopeAllows(p.scopes, resourceType, "write")
}

// Scopes returns the parsed scopes.
func (p *Policy) Scopes() []SMARTScope {
	if p == nil {
		return nil
	}
	return p.scopes
}

// PolicyFromContext returns the request's policy. A request without one gets
// a policy that denies everything.
func PolicyFromContext(ctx context.Context) *Policy {
	if p, ok := ctx.Value(PolicyKey).(*Policy); ok && p != nil {
		return p
	}
	return &Policy{}
}

// WithPolicy stores p on ctx.
func WithPolicy(ctx context.Context, p *Policy) context.Context {
	return context.WithValue(ctx, PolicyKey, p)
}
