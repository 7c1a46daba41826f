// Package incident reports security and reliability events to alerting sinks.
package incident

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"paylock/internal/snapshot"
)

// Kind classifies an incident.
type Kind string

// Incident kinds.
const (
	KindTamperDetected   Kind = "tamper_detected"
	KindSignatureInvalid Kind = "signature_invalid"
	KindDirectiveExpired Kind = "directive_expired"
	KindQueueEvicted     Kind = "queue_evicted"
	KindCoverageGap      Kind = "coverage_gap"
	KindStorageDegraded  Kind = "storage_degraded"
)

// Incident is one reportable event.
type Incident struct {
	At          time.Time         `json:"at"`
	Fields      map[string]string `json:"fields,omitempty"`
	ID          string            `json:"id"`
	Kind        Kind              `json:"kind"`
	DeviceID    string            `json:"device_id,omitempty"`
	DirectiveID string            `json:"directive_id,omitempty"`
	Detail      string            `json:"detail"`
	Severity    snapshot.Severity `json:"severity"`
}

// New returns an Incident with a fresh id.
func New(kind Kind, severity snapshot.Severity, detail string, at time.Time) Incident {
	return Incident{
		ID:       uuid.NewString(),
		Kind:     kind,
		Severity: severity,
		Detail:   detail,
		At:       at.UTC(),
	}
}

// Sink receives incidents. Report must not block for long.
type Sink interface {
	Report(ctx context.Context, inc Incident) error
}

// LogSink writes incidents to the standard logger.
type LogSink struct{}

// Report implements Sink.
func (LogSink) Report(_ context.Context, inc Incident) error {
	level := "[WARN]"
	if inc.Severity >= snapshot.SeverityHigh {
		level = "[ERROR]"
	}
	if inc.DirectiveID != "" {
		log.Printf("%s Incident %s (%s, %s) directive=%s: %s", level, inc.Kind, inc.Severity, inc.ID, inc.DirectiveID, inc.Detail)
		return nil
	}
	log.Printf("%s Incident %s (%s, %s): %s", level, inc.Kind, inc.Severity, inc.ID, inc.Detail)
	return nil
}

// Multi fans an incident out to every sink and joins their errors.
type Multi []Sink

// Report implements Sink.
func (m Multi) Report(ctx context.Context, inc Incident) error {
	var errs []error
	for _, s := range m {
		if err := s.Report(ctx, inc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps reported incidents in memory, newest last, up to a cap.
type Recorder struct {
	items []Incident
	limit int
	mu    sync.Mutex
}

// NewRecorder returns a Recorder keeping at most limit incidents (0 = unbounded).
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// Report implements Sink.
func (r *Recorder) Report(_ context.Context, inc Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, inc)
	if r.limit > 0 && len(r.items) > r.limit {
		r.items = append([]Incident(nil), r.items[len(r.items)-r.limit:]...)
	}
	return nil
}

// Incidents returns a copy of the recorded incidents.
func (r *Recorder) Incidents() []Incident {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Incident(nil), r.items...)
}

// Kinds returns the kinds of the recorded incidents in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, len(r.items))
	for i, inc := range r.items {
		kinds[i] = inc.Kind
	}
	return kinds
}

// Report sends inc to sink, logging rather than returning any failure.
// A nil sink drops the incident.
func Report(ctx context.Context, sink Sink, inc Incident) {
	if sink == nil {
		return
	}
	if err := sink.Report(ctx, inc); err != nil {
		log.Printf("[WARN] Failed to report %s incident %s: %v", inc.Kind, inc.ID, err)
	}
}
