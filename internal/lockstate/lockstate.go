// Package lockstate derives the lock-screen state from a backend response or,
// offline, from the cached payment schedule. State is always derived and
// never stored as authoritative.
package lockstate

import (
	"fmt"
	"strings"
	"time"

	"paylock/internal/compare"
	"paylock/internal/snapshot"
)

// Kind is the enforcement state shown to the device holder.
type Kind string

// Lock kinds.
const (
	KindUnlocked     Kind = "UNLOCKED"
	KindSoftReminder Kind = "SOFT_REMINDER"
	KindHardPayment  Kind = "HARD_PAYMENT"
	KindHardSecurity Kind = "HARD_SECURITY"
	KindDeactivation Kind = "DEACTIVATION"
)

// Hard reports whether the kind blocks device use.
func (k Kind) Hard() bool {
	return k == KindHardPayment || k == KindHardSecurity
}

// Source records which evaluation produced a State.
type Source string

// Evaluation sources.
const (
	SourceServer Source = "server"
	SourceCached Source = "cached"
)

// Payment describes the next due installment relative to the evaluation time.
type Payment struct {
	DueAt time.Time `json:"due_at"`
	Raw   string    `json:"raw"`
	// Credential is only set for HARD_PAYMENT.
	Credential string `json:"credential,omitempty"`
	Days       int    `json:"days"`
	Hours      int    `json:"hours"`
	Minutes    int    `json:"minutes"`
	// ParseFailed marks a due date that could not be read; it is treated
	// as due now.
	ParseFailed bool `json:"parse_failed,omitempty"`
}

// State is the derived lock state.
type State struct {
	Payment     *Payment `json:"payment,omitempty"`
	Kind        Kind     `json:"kind"`
	Reason      string   `json:"reason,omitempty"`
	ShopName    string   `json:"shop_name,omitempty"`
	Source      Source   `json:"source"`
	Kiosk       bool     `json:"kiosk"`
	Dismissible bool     `json:"dismissible"`
}

// Lock reasons.
const (
	ReasonDeactivation   = "Deactivation requested"
	ReasonManagement     = "Device locked by administrator"
	ReasonIdentityChange = "Device identity changed"
	ReasonTamper         = "Security issue"
	ReasonPaymentOverdue = "Payment overdue"
	ReasonPaymentSoon    = "Payment due tomorrow"
)

// Evaluate applies the precedence rules to a backend response and the
// latest comparison result. First match wins:
//  1. deactivation requested
//  2. management locked or an immutable field changed server-side
//  3. tamper at HIGH or above, or a security lock reason
//  4. payment schedule
//  5. server lock flag
//  6. unlocked
func Evaluate(resp *Response, result compare.Result, now time.Time) State {
	if resp == nil {
		resp = &Response{}
	}
	shop := resp.ShopName

	if resp.Deactivation.Requested() {
		reason := ReasonDeactivation
		if resp.Deactivation.AgentNotice != "" {
			reason = resp.Deactivation.AgentNotice
		}
		return State{Kind: KindDeactivation, Reason: reason, ShopName: shop, Source: SourceServer}
	}

	if resp.Management.Locked() {
		reason := ReasonManagement
		if r := strings.TrimSpace(resp.Management.Reason); r != "" {
			reason = r
		}
		return hardSecurity(reason, shop, SourceServer)
	}
	if f, ok := immutableChange(resp.ChangedFields); ok {
		return hardSecurity(fmt.Sprintf("%s: %s", ReasonIdentityChange, f), shop, SourceServer)
	}

	if st, ok := tamperState(result, shop, SourceServer); ok {
		return st
	}
	if resp.Content.IsLocked && securityReason(resp.Content.Reason) {
		return hardSecurity(resp.Content.Reason, shop, SourceServer)
	}

	c := CacheFrom(resp, now.UnixMilli())
	return evaluateSchedule(c, now, SourceServer)
}

// EvaluateCached keeps a cached security lock in force, then applies steps
// 4 to 6 to the cached payment context exactly as Evaluate would.
func EvaluateCached(c Cached, now time.Time) State {
	if c.SecurityLock {
		reason := strings.TrimSpace(c.SecurityReason)
		if reason == "" {
			reason = ReasonManagement
		}
		return hardSecurity(reason, c.ShopName, SourceCached)
	}
	return evaluateSchedule(c, now, SourceCached)
}

// EvaluateOffline applies the local tamper check and then the cached
// schedule. It is what a tick without connectivity uses.
func EvaluateOffline(c Cached, result compare.Result, now time.Time) State {
	if st, ok := tamperState(result, c.ShopName, SourceCached); ok {
		return st
	}
	return EvaluateCached(c, now)
}

func evaluateSchedule(c Cached, now time.Time, src Source) State {
	if strings.TrimSpace(c.DueAt) != "" {
		p := DaysUntilDue(c.DueAt, now)
		switch {
		case p.Days <= 0:
			p.Credential = c.Credential
			return State{Kind: KindHardPayment, Reason: ReasonPaymentOverdue, Payment: &p, ShopName: c.ShopName, Source: src}
		case p.Days == 1:
			return State{Kind: KindSoftReminder, Reason: ReasonPaymentSoon, Payment: &p, ShopName: c.ShopName, Source: src, Dismissible: true}
		default:
			return State{Kind: KindUnlocked, Payment: &p, ShopName: c.ShopName, Source: src}
		}
	}

	if c.Locked {
		reason := strings.TrimSpace(c.Reason)
		if reason == "" {
			reason = ReasonPaymentOverdue
		}
		return State{Kind: KindHardPayment, Reason: reason, ShopName: c.ShopName, Source: src}
	}

	return State{Kind: KindUnlocked, ShopName: c.ShopName, Source: src}
}

func tamperState(result compare.Result, shop string, src Source) (State, bool) {
	if compare.RecommendedAction(result) != compare.ActionHardLock {
		return State{}, false
	}
	fields := result.FieldsAtLeast(snapshot.SeverityHigh)
	if len(fields) == 0 {
		fields = result.Fields()
	}
	return hardSecurity(fmt.Sprintf("%s: %s", ReasonTamper, strings.Join(fields, ", ")), shop, src), true
}

func hardSecurity(reason, shop string, src Source) State {
	return State{Kind: KindHardSecurity, Reason: reason, ShopName: shop, Source: src, Kiosk: true}
}

func immutableChange(changed []string) (string, bool) {
	for _, f := range changed {
		if class, ok := snapshot.ClassOf(strings.TrimSpace(f)); ok && class == snapshot.ClassImmutable {
			return f, true
		}
	}
	return "", false
}

func securityReason(reason string) bool {
	r := strings.ToLower(reason)
	for _, word := range []string{"security", "tamper", "compromis", "root"} {
		if strings.Contains(r, word) {
			return true
		}
	}
	return false
}
