// Package compare decides whether a fresh snapshot still matches its trusted
// reference. Comparison is pure: the same inputs always yield the same result,
// whichever mode the caller runs in.
package compare

import (
	"time"

	"paylock/internal/snapshot"
)

// Mode records which reference a result was computed against.
type Mode string

// Comparison modes.
const (
	// ModeOnline compares against the server-verified snapshot.
	ModeOnline Mode = "ONLINE"
	// ModeOffline compares against the locally cached baseline.
	ModeOffline Mode = "OFFLINE"
)

// Mismatch is one field whose value differs from the reference.
type Mismatch struct {
	Field    string              `json:"field"`
	Class    snapshot.FieldClass `json:"class"`
	Expected string              `json:"expected"`
	Actual   string              `json:"actual"`
	Severity snapshot.Severity   `json:"severity"`
}

// Result is the classified outcome of one comparison.
type Result struct {
	Timestamp  time.Time         `json:"timestamp"`
	Mode       Mode              `json:"mode"`
	Mismatches []Mismatch        `json:"mismatches"`
	Severity   snapshot.Severity `json:"overall_severity"`
	Tampered   bool              `json:"is_tampered"`
	// NoData marks that no reference existed, so nothing was compared.
	NoData bool `json:"no_data,omitempty"`
}

// Compare checks current against reference field by field. Groups are
// walked in snapshot.Classes order and fields in declaration order, so the
// mismatch list is reproducible. The result timestamp is the current
// snapshot's capture time.
func Compare(current, reference snapshot.Snapshot, mode Mode) Result {
	res := Result{
		Timestamp: current.CapturedAt,
		Mode:      mode,
		Severity:  snapshot.SeverityNone,
	}
	for _, class := range snapshot.Classes {
		res.Mismatches = append(res.Mismatches, compareClass(current, reference, class)...)
	}
	for _, m := range res.Mismatches {
		if m.Severity > res.Severity {
			res.Severity = m.Severity
		}
	}
	res.Tampered = len(res.Mismatches) > 0
	return res
}

func compareClass(current, reference snapshot.Snapshot, class snapshot.FieldClass) []Mismatch {
	var out []Mismatch
	for _, f := range snapshot.FieldsOf(class) {
		want, got := f.Value(reference), f.Value(current)
		if want == got {
			continue
		}
		out = append(out, Mismatch{
			Field:    f.Name,
			Class:    class,
			Expected: want,
			Actual:   got,
			Severity: class.Severity(),
		})
	}
	return out
}

// NoData is the sentinel returned when there is no reference to compare
// against. It is never tampered.
func NoData(mode Mode, at time.Time) Result {
	return Result{Timestamp: at, Mode: mode, Severity: snapshot.SeverityNone, NoData: true}
}

// IsCriticalTampering reports a tampered result at CRITICAL severity.
func (r Result) IsCriticalTampering() bool {
	return r.Tampered && r.Severity == snapshot.SeverityCritical
}

// Fields returns the names of the mismatched fields in result order.
func (r Result) Fields() []string {
	names := make([]string, 0, len(r.Mismatches))
	for _, m := range r.Mismatches {
		names = append(names, m.Field)
	}
	return names
}

// FieldsAtLeast returns mismatched field names with severity >= min.
func (r Result) FieldsAtLeast(min snapshot.Severity) []string {
	var names []string
	for _, m := range r.Mismatches {
		if m.Severity >= min {
			names = append(names, m.Field)
		}
	}
	return names
}
