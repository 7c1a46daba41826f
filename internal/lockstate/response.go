package lockstate

import (
	"strings"

	"paylock/internal/directive"
)

// Response is the subset of the backend heartbeat reply the agent consumes.
type Response struct {
	Content       Content               `json:"content"`
	NextPayment   *NextPayment          `json:"next_payment,omitempty"`
	Deactivation  *Deactivation         `json:"deactivation,omitempty"`
	Management    *Management           `json:"management,omitempty"`
	Message       string                `json:"message,omitempty"`
	ServerTime    string                `json:"server_time,omitempty"`
	ShopName      string                `json:"shop_name,omitempty"`
	ChangedFields []string              `json:"changed_fields,omitempty"`
	Directives    []directive.Directive `json:"directives,omitempty"`
	Success       bool                  `json:"success"`
}

// Content carries the server's lock decision.
type Content struct {
	Reason   string `json:"reason,omitempty"`
	IsLocked bool   `json:"is_locked"`
}

// NextPayment is the next unpaid installment.
type NextPayment struct {
	DateTime       string `json:"date_time"`
	UnlockPassword string `json:"unlock_password,omitempty"`
}

// Deactivation signals that the agent should retire itself.
type Deactivation struct {
	Status      string `json:"status"`
	Command     string `json:"command,omitempty"`
	Reason      string `json:"reason,omitempty"`
	AgentNotice string `json:"agent_notice,omitempty"`
	LoanNumber  string `json:"loan_number,omitempty"`
}

// Management is the administrative lock status kept by the backend.
type Management struct {
	Status   string `json:"status"`
	Reason   string `json:"block_reason,omitempty"`
	IsLocked bool   `json:"is_locked"`
}

const (
	deactivationRequested = "requested"
	deactivateNow         = "DEACTIVATE_NOW"
	managementLocked      = "locked"
)

// Requested reports whether the backend asked for deactivation.
func (d *Deactivation) Requested() bool {
	if d == nil {
		return false
	}
	return strings.EqualFold(d.Status, deactivationRequested) || d.Command == deactivateNow
}

// Locked reports whether management status is "locked".
func (m *Management) Locked() bool {
	return m != nil && strings.EqualFold(strings.TrimSpace(m.Status), managementLocked)
}

// Cached is the context persisted for offline evaluation: the payment
// schedule plus any security lock the server had in force.
type Cached struct {
	DueAt          string `json:"due_at"`
	Credential     string `json:"credential,omitempty"`
	ShopName       string `json:"shop_name,omitempty"`
	Reason         string `json:"reason,omitempty"`
	SecurityReason string `json:"security_reason,omitempty"`
	SavedAt        int64  `json:"saved_at"`
	Locked         bool   `json:"locked"`
	SecurityLock   bool   `json:"security_lock"`
}

// CacheFrom extracts the offline payment context from a response.
func CacheFrom(resp *Response, savedAt int64) Cached {
	c := Cached{
		ShopName: resp.ShopName,
		Locked:   resp.Content.IsLocked,
		Reason:   resp.Content.Reason,
		SavedAt:  savedAt,
	}
	if resp.NextPayment != nil {
		c.DueAt = resp.NextPayment.DateTime
		c.Credential = resp.NextPayment.UnlockPassword
	}
	return c
}

// CacheState is CacheFrom plus the server-decided security lock in st, so
// an administrator or identity lock stays in force while offline.
func CacheState(resp *Response, st State, savedAt int64) Cached {
	c := CacheFrom(resp, savedAt)
	if st.Kind == KindHardSecurity && st.Source == SourceServer {
		c.SecurityLock = true
		c.SecurityReason = st.Reason
	}
	return c
}
