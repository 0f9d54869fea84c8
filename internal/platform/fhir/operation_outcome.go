package fhir

import (
	"errors"
	"fmt"
)

// OperationOutcome severity levels defined by FHIR R4.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes defined by FHIR R4.
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeStructure    = "structure"
	IssueTypeRequired     = "required"
	IssueTypeValue        = "value"
	IssueTypeNotFound     = "not-found"
	IssueTypeProcessing   = "processing"
	IssueTypeSecurity     = "security"
	IssueTypeNotSupported = "not-supported"
	IssueTypeException    = "exception"
	IssueTypeTooCostly    = "too-costly"
)

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	ID           string                  `json:"id,omitempty"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

// AllOK is the outcome of a successful operation.
func AllOK() *OperationOutcome {
	oo := NewOperationOutcome(IssueSeverityInformation, "informational", "All OK")
	oo.ID = "allok"
	return oo
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	if o == nil {
		return false
	}
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// Diagnostics joins the diagnostics of every issue.
func (o *OperationOutcome) Diagnostics() string {
	if o == nil || len(o.Issue) == 0 {
		return ""
	}
	msg := o.Issue[0].Diagnostics
	for _, issue := range o.Issue[1:] {
		msg += "; " + issue.Diagnostics
	}
	return msg
}

// ErrorKind classifies a failed operation.
type ErrorKind int

const (
	KindInvalid ErrorKind = iota
	KindNotFound
	KindSecurity
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not-found"
	case KindSecurity:
		return "security"
	default:
		return "invalid"
	}
}

// OutcomeError is a failed operation carrying the outcome to report.
type OutcomeError struct {
	Kind    ErrorKind
	Outcome *OperationOutcome
}

func (e *OutcomeError) Error() string {
	return e.Kind.String() + ": " + e.Outcome.Diagnostics()
}

// ErrNotImplemented marks operations the repository deliberately does not
// provide.
var ErrNotImplemented = fmt.Errorf("operation not implemented: %w", errors.ErrUnsupported)

// Invalid reports bad input, including wrapped storage failures.
func Invalid(format string, args ...any) *OutcomeError {
	return &OutcomeError{
		Kind:    KindInvalid,
		Outcome: NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, fmt.Sprintf(format, args...)),
	}
}

// InvalidOutcome wraps a validator outcome.
func InvalidOutcome(oo *OperationOutcome) *OutcomeError {
	return &OutcomeError{Kind: KindInvalid, Outcome: oo}
}

// NotFound reports a missing resource.
func NotFound() *OutcomeError {
	return &OutcomeError{
		Kind:    KindNotFound,
		Outcome: NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, "Not found"),
	}
}

// Security reports a denied operation.
func Security(diagnostics string) *OutcomeError {
	return &OutcomeError{
		Kind:    KindSecurity,
		Outcome: NewOperationOutcome(IssueSeverityError, IssueTypeSecurity, diagnostics),
	}
}

// AsOutcomeError extracts an *OutcomeError from err.
func AsOutcomeError(err error) (*OutcomeError, bool) {
	var oe *OutcomeError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// IsNotFound reports whether err is a NotFound outcome.
func IsNotFound(err error) bool {
	oe, ok := AsOutcomeError(err)
	return ok && oe.Kind == KindNotFound
}

// OutcomeFor converts any error into an OperationOutcome.
func OutcomeFor(err error) *OperationOutcome {
	if oe, ok := AsOutcomeError(err); ok {
		return oe.Outcome
	}
	if errors.Is(err, errors.ErrUnsupported) {
		return NewOperationOutcome(IssueSeverityError, IssueTypeNotSupported, err.Error())
	}
	return NewOperationOutcome(IssueSeverityFatal, IssueTypeException, err.Error())
}
