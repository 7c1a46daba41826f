// Package directive defines enforcement commands, their canonical signing
// payload, typed parameter parsing and signature verification.
package directive

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of enforcement command.
type Type string

// Directive types.
const (
	TypeLock          Type = "LOCK"
	TypeUnlock        Type = "UNLOCK"
	TypeWarn          Type = "WARN"
	TypePermanentLock Type = "PERMANENT_LOCK"
	TypeWipe          Type = "WIPE"
	TypeUpdateApp     Type = "UPDATE_APP"
	TypeReboot        Type = "REBOOT"
)

// Types lists every accepted directive type.
var Types = []Type{TypeLock, TypeUnlock, TypeWarn, TypePermanentLock, TypeWipe, TypeUpdateApp, TypeReboot}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a directive.
type Status string

// Directive statuses.
const (
	StatusPending   Status = "PENDING"
	StatusExecuting Status = "EXECUTING"
	StatusExecuted  Status = "EXECUTED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// Auth records how a dequeued directive was authenticated.
type Auth string

// Authentication outcomes.
const (
	AuthVerified        Auth = "VERIFIED"
	AuthUnauthenticated Auth = "UNAUTHENTICATED"
	AuthLocal           Auth = "LOCAL"
)

var (
	// ErrInvalid is returned for malformed directives or parameters.
	ErrInvalid = errors.New("invalid directive")
	// ErrBadSignature is returned when a signature does not verify.
	ErrBadSignature = errors.New("directive signature invalid")
	// ErrNoKey is returned when verification is attempted with no key installed.
	ErrNoKey = errors.New("no directive public key installed")
)

// Directive is one enforcement command. Times are unix milliseconds; an
// ExpiresAt of 0 means the directive never expires.
type Directive struct {
	Parameters     map[string]string `json:"parameters,omitempty"`
	ID             string            `json:"id"`
	Type           Type              `json:"type"`
	TargetDeviceID string            `json:"target_device_id"`
	Status         Status            `json:"status,omitempty"`
	Result         string            `json:"result,omitempty"`
	Auth           Auth              `json:"auth,omitempty"`
	Signature      []byte            `json:"signature,omitempty"`
	EnqueuedAt     int64             `json:"enqueued_at,omitempty"`
	ExpiresAt      int64             `json:"expires_at"`
	ExecutionStart int64             `json:"execution_start,omitempty"`
	ExecutionEnd   int64             `json:"execution_end,omitempty"`
}

// NewLocal builds an unsigned directive originating on the device itself.
func NewLocal(typ Type, deviceID string, params map[string]string, ttl time.Duration, now time.Time) Directive {
	d := Directive{
		ID:             "local-" + uuid.NewString(),
		Type:           typ,
		TargetDeviceID: deviceID,
		Parameters:     params,
		Status:         StatusPending,
	}
	if ttl > 0 {
		d.ExpiresAt = now.Add(ttl).UnixMilli()
	}
	return d
}

// Signed reports whether the directive carries a signature.
func (d Directive) Signed() bool {
	return len(d.Signature) > 0
}

// Expired reports whether the directive is past its expiry at now.
func (d Directive) Expired(now time.Time) bool {
	return d.ExpiresAt != 0 && now.UnixMilli() > d.ExpiresAt
}

// CanonicalPayload returns the bytes covered by the signature:
// id|type|targetDeviceId|serializedParameters|expiresAt, where the
// parameters are a JSON object with sorted keys.
func (d Directive) CanonicalPayload() []byte {
	params := d.Parameters
	if params == nil {
		params = map[string]string{}
	}
	// encoding/json sorts map keys.
	serialized, err := json.Marshal(params)
	if err != nil {
		serialized = []byte("{}")
	}

	var b strings.Builder
	b.WriteString(d.ID)
	b.WriteByte('|')
	b.WriteString(string(d.Type))
	b.WriteByte('|')
	b.WriteString(d.TargetDeviceID)
	b.WriteByte('|')
	b.Write(serialized)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(d.ExpiresAt, 10))
	return []byte(b.String())
}

// Validate checks the identity fields and the type-specific parameters.
func (d Directive) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalid)
	}
	if d.Type == "" {
		return fmt.Errorf("%w: empty type", ErrInvalid)
	}
	if !d.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, d.Type)
	}
	if d.ExpiresAt < 0 {
		return fmt.Errorf("%w: negative expiry %d", ErrInvalid, d.ExpiresAt)
	}
	if _, err := ParseAction(d.Type, d.Parameters); err != nil {
		return err
	}
	return nil
}

// Clone returns a deep copy.
func (d Directive) Clone() Directive {
	c := d
	if d.Parameters != nil {
		c.Parameters = make(map[string]string, len(d.Parameters))
		for k, v := range d.Parameters {
			c.Parameters[k] = v
		}
	}
	if d.Signature != nil {
		c.Signature = append([]byte(nil), d.Signature...)
	}
	return c
}

func (d Directive) String() string {
	return fmt.Sprintf("%s[%s]", d.Type, d.ID)
}
