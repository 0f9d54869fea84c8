// Package notification delivers change events for written resources to
// external sinks and lets consumers subscribe to them by search criteria.
package notification

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirrepo/internal/platform/fhir"
	"github.com/ehr/fhirrepo/internal/platform/telemetry"
)

// Message is the envelope published for every create or update.
type Message struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id"`
	VersionID    string        `json:"versionId"`
	LastUpdated  time.Time     `json:"lastUpdated"`
	Resource     fhir.Resource `json:"resource"`
}

// NewMessage wraps r.
func NewMessage(r fhir.Resource) Message {
	return Message{
		ResourceType: r.ResourceType(),
		ID:           r.ID(),
		VersionID:    r.VersionID(),
		LastUpdated:  r.LastUpdated(),
		Resource:     r,
	}
}

// Notifier receives every successfully written resource.
type Notifier interface {
	Notify(ctx context.Context, r fhir.Resource) error
}

// LogNotifier writes one log line per change. It never fails.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, r fhir.Resource) error {
	n.logger.Info().
		Str("resource_type", r.ResourceType()).
		Str("id", r.ID()).
		Str("version_id", r.VersionID()).
		Msg("resource changed")
	return nil
}

// Multi fans a change out to several notifiers. Every notifier is called;
// the errors are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, r fhir.Resource) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Instrumented counts deliveries of the wrapped notifier under sink.
type Instrumented struct {
	Sink    string
	Next    Notifier
	Metrics *telemetry.Metrics
}

func (n Instrumented) Notify(ctx context.Context, r fhir.Resource) error {
	err := n.Next.Notify(ctx, r)
	n.Metrics.ObserveNotification(n.Sink, err)
	return err
}

// Recorder keeps every notification in memory. It is a test double.
type Recorder struct {
	mu    sync.Mutex
	calls []fhir.Resource
	Err   error
}

// Notify records the call and optionally returns an error.
func (r *Recorder) Notify(_ context.Context, res fhir.Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, res)
	return r.Err
}

// Calls returns a copy of recorded notifications.
func (r *Recorder) Calls() []fhir.Resource {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]fhir.Resource, len(r.calls))
	copy(out, r.calls)
	return out
}
