// Package cmdqueue implements the durable, signed, expiring directive queue.
// Every mutation is persisted through the vault before it becomes visible;
// a failed write leaves the in-memory queue as it was.
package cmdqueue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"paylock/internal/directive"
	"paylock/internal/incident"
	"paylock/internal/snapshot"
	"paylock/internal/vault"
)

// Record names.
const (
	RecordPending   = "queue/pending"
	RecordHistory   = "queue/history"
	RecordSeen      = "queue/seen"
	RecordPublicKey = "directive/pubkey"
)

const (
	// DefaultCapacity bounds the pending list.
	DefaultCapacity = 100
	// DefaultHistorySize bounds the dequeued-directive ring.
	DefaultHistorySize = 50
	// DefaultSeenSize bounds the signed ids remembered for replay checks.
	DefaultSeenSize = 4096
)

// Drop reasons reported to the Observer.
const (
	DropEvicted   = "evicted"
	DropSignature = "signature"
	DropExpired   = "expired"
)

var (
	// ErrDuplicate is returned when a directive id is already pending, was
	// dequeued recently, or is a signed id accepted before.
	ErrDuplicate = errors.New("directive already queued")
	// ErrUnknown is returned when an id is not in the history ring.
	ErrUnknown = errors.New("directive not found")
	// ErrNotExecuting is returned when completing a directive that is not
	// in the EXECUTING state.
	ErrNotExecuting = errors.New("directive is not executing")
)

// Observer receives queue metrics. A nil Observer is allowed.
type Observer interface {
	QueueDepth(n int)
	DirectiveDropped(reason string)
	DirectiveDequeued(auth directive.Auth)
}

// Options configures a Queue.
type Options struct {
	Sink        incident.Sink
	Observer    Observer
	Now         func() time.Time
	Capacity    int
	HistorySize int
	SeenSize    int
	Debug       bool
}

// seenID remembers a signed directive id until the directive expires.
// Expired directives are refused at dequeue, so older ids need no entry.
type seenID struct {
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// Queue is the persistent directive queue. All methods are safe for
// concurrent use.
type Queue struct {
	vault    *vault.Store
	verifier *directive.Verifier
	opts     Options
	pending  []directive.Directive
	history  []directive.Directive
	seen     []seenID
	mu       sync.Mutex
}

// Open restores the queue from the vault. Unreadable pending or history
// records are logged and treated as empty; an unreadable public key is an
// error, since treating it as absent would reopen the unauthenticated
// bootstrap window.
func Open(ctx context.Context, v *vault.Store, opts Options) (*Queue, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.SeenSize <= 0 {
		opts.SeenSize = DefaultSeenSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	q := &Queue{
		vault:    v,
		verifier: directive.NewVerifier(),
		opts:     opts,
	}

	var keyPEM []byte
	switch err := v.Get(ctx, RecordPublicKey, &keyPEM); {
	case err == nil:
		if err := q.verifier.Install(keyPEM); err != nil {
			return nil, fmt.Errorf("failed to install stored public key: %w", err)
		}
		log.Printf("[INFO] Directive public key %s restored", q.verifier.Fingerprint())
	case errors.Is(err, vault.ErrNotFound):
		log.Print("[WARN] No directive public key installed; signed directives pass unauthenticated until one is provisioned")
	default:
		return nil, fmt.Errorf("failed to load public key: %w", err)
	}

	if err := v.Get(ctx, RecordPending, &q.pending); err != nil && !errors.Is(err, vault.ErrNotFound) {
		log.Printf("[ERROR] Pending directives unreadable, starting empty: %v", err)
		q.pending = nil
	}
	if err := v.Get(ctx, RecordHistory, &q.history); err != nil && !errors.Is(err, vault.ErrNotFound) {
		log.Printf("[ERROR] Directive history unreadable, starting empty: %v", err)
		q.history = nil
	}
	if err := v.Get(ctx, RecordSeen, &q.seen); err != nil && !errors.Is(err, vault.ErrNotFound) {
		log.Printf("[ERROR] Seen directive ids unreadable, replay check limited to history: %v", err)
		q.seen = nil
	}
	q.seen = q.pruneSeen(q.seen)
	if len(q.history) > opts.HistorySize {
		q.history = q.history[len(q.history)-opts.HistorySize:]
	}
	if over := len(q.pending) - opts.Capacity; over > 0 {
		evicted := cloneAll(q.pending[:over])
		q.pending = append([]directive.Directive(nil), q.pending[over:]...)
		if err := v.Put(ctx, RecordPending, q.pending); err != nil {
			log.Printf("[WARN] Failed to persist queue trimmed to capacity %d: %v", opts.Capacity, err)
		}
		q.reportEvicted(ctx, evicted)
	}

	log.Printf("[INFO] Directive queue opened: %d pending, %d in history", len(q.pending), len(q.history))
	q.observeDepth()
	return q, nil
}

// Enqueue validates d and appends it. When the queue is full the oldest
// pending directive is evicted to make room.
func (q *Queue) Enqueue(ctx context.Context, d directive.Directive) error {
	if err := d.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.known(d.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicate, d.ID)
	}

	d = d.Clone()
	d.Status = directive.StatusPending
	d.Result = ""
	d.Auth = ""
	d.ExecutionStart, d.ExecutionEnd = 0, 0
	if d.EnqueuedAt == 0 {
		d.EnqueuedAt = q.opts.Now().UnixMilli()
	}

	next := append(append([]directive.Directive(nil), q.pending...), d)
	var evicted []directive.Directive
	if over := len(next) - q.opts.Capacity; over > 0 {
		evicted = next[:over]
		next = next[over:]
	}

	seen := q.seen
	if d.Signed() {
		seen = q.pruneSeen(append(append([]seenID(nil), q.seen...), seenID{ID: d.ID, ExpiresAt: d.ExpiresAt}))
	}

	if err := q.vault.Put(ctx, RecordPending, next); err != nil {
		return fmt.Errorf("failed to persist queue: %w", err)
	}
	if d.Signed() {
		if err := q.vault.Put(ctx, RecordSeen, seen); err != nil {
			if rerr := q.vault.Put(ctx, RecordPending, q.pendingRecord()); rerr != nil {
				log.Printf("[ERROR] Failed to restore queue after seen id write failure: %v", rerr)
			}
			return fmt.Errorf("failed to persist seen directive ids: %w", err)
		}
	}
	q.pending, q.seen = next, seen

	q.reportEvicted(ctx, evicted)
	if q.opts.Debug {
		log.Printf("[DEBUG] Enqueued %s (%d pending)", d, len(q.pending))
	}
	q.observeDepth()
	return nil
}

// known reports whether id is pending, in history or a signed id accepted
// before. Callers hold mu.
func (q *Queue) known(id string) bool {
	for i := range q.pending {
		if q.pending[i].ID == id {
			return true
		}
	}
	for i := range q.history {
		if q.history[i].ID == id {
			return true
		}
	}
	for i := range q.seen {
		if q.seen[i].ID == id {
			return true
		}
	}
	return false
}

// pruneSeen drops ids whose directive has expired, then the oldest ids
// beyond SeenSize.
func (q *Queue) pruneSeen(seen []seenID) []seenID {
	now := q.opts.Now().UnixMilli()
	out := make([]seenID, 0, len(seen))
	for _, s := range seen {
		if s.ExpiresAt == 0 || s.ExpiresAt > now {
			out = append(out, s)
		}
	}
	if over := len(out) - q.opts.SeenSize; over > 0 {
		out = out[over:]
	}
	return out
}

// reportEvicted logs and reports directives dropped to stay within capacity.
func (q *Queue) reportEvicted(ctx context.Context, evicted []directive.Directive) {
	for i := range evicted {
		log.Printf("[WARN] Queue full (%d), evicted oldest directive %s", q.opts.Capacity, evicted[i])
		inc := incident.New(incident.KindQueueEvicted, snapshot.SeverityMedium,
			fmt.Sprintf("queue capacity %d reached, dropped %s", q.opts.Capacity, evicted[i]), q.opts.Now())
		inc.DirectiveID = evicted[i].ID
		inc.DeviceID = evicted[i].TargetDeviceID
		incident.Report(ctx, q.opts.Sink, inc)
		q.dropped(DropEvicted)
	}
}

// DequeueNext returns the next executable directive, now EXECUTING. Heads
// with an invalid signature or past their expiry are dropped, recorded in
// history and reported; dequeuing continues with the following head. The
// bool is false when nothing executable remains.
func (q *Queue) DequeueNext(ctx context.Context) (directive.Directive, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	pending := append([]directive.Directive(nil), q.pending...)
	history := append([]directive.Directive(nil), q.history...)

	var (
		drops    []incident.Incident
		reasons  []string
		selected *directive.Directive
	)
	for len(pending) > 0 && selected == nil {
		head := pending[0].Clone()
		pending = pending[1:]

		auth, err := q.authenticate(head)
		if err != nil {
			head.Status = directive.StatusCancelled
			head.Result = err.Error()
			head.ExecutionEnd = now.UnixMilli()
			history = q.ring(history, head)
			inc := incident.New(incident.KindSignatureInvalid, snapshot.SeverityCritical,
				fmt.Sprintf("dropped %s: %v", head, err), now)
			inc.DirectiveID = head.ID
			inc.DeviceID = head.TargetDeviceID
			drops = append(drops, inc)
			reasons = append(reasons, DropSignature)
			continue
		}
		head.Auth = auth

		if head.Expired(now) {
			head.Status = directive.StatusExpired
			head.Result = "expired before execution"
			head.ExecutionEnd = now.UnixMilli()
			history = q.ring(history, head)
			inc := incident.New(incident.KindDirectiveExpired, snapshot.SeverityMedium,
				fmt.Sprintf("dropped %s: expired at %s", head, time.UnixMilli(head.ExpiresAt).UTC().Format(time.RFC3339)), now)
			inc.DirectiveID = head.ID
			drops = append(drops, inc)
			reasons = append(reasons, DropExpired)
			continue
		}

		head.Status = directive.StatusExecuting
		head.ExecutionStart = now.UnixMilli()
		history = q.ring(history, head)
		selected = &head
	}

	if len(drops) == 0 && selected == nil {
		return directive.Directive{}, false, nil
	}

	if err := q.persist(ctx, pending, history); err != nil {
		return directive.Directive{}, false, err
	}
	q.pending, q.history = pending, history

	for i, inc := range drops {
		log.Printf("[WARN] %s", inc.Detail)
		incident.Report(ctx, q.opts.Sink, inc)
		q.dropped(reasons[i])
	}
	q.observeDepth()

	if selected == nil {
		return directive.Directive{}, false, nil
	}
	if q.opts.Observer != nil {
		q.opts.Observer.DirectiveDequeued(selected.Auth)
	}
	log.Printf("[INFO] Dequeued %s (auth %s, %d pending)", selected, selected.Auth, len(q.pending))
	return selected.Clone(), true, nil
}

// authenticate decides how d is trusted. Unsigned directives are local;
// signed ones are verified against the installed key, or pass
// unauthenticated while none is installed.
func (q *Queue) authenticate(d directive.Directive) (directive.Auth, error) {
	if !d.Signed() {
		return directive.AuthLocal, nil
	}
	err := q.verifier.Verify(d)
	switch {
	case err == nil:
		return directive.AuthVerified, nil
	case errors.Is(err, directive.ErrNoKey):
		return directive.AuthUnauthenticated, nil
	default:
		return "", err
	}
}

// MarkExecuted records a successful execution of id.
func (q *Queue) MarkExecuted(ctx context.Context, id, result string) error {
	return q.complete(ctx, id, directive.StatusExecuted, result)
}

// MarkFailed records a failed execution of id.
func (q *Queue) MarkFailed(ctx context.Context, id, reason string) error {
	return q.complete(ctx, id, directive.StatusFailed, reason)
}

func (q *Queue) complete(ctx context.Context, id string, status directive.Status, result string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.historyIndex(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	if q.history[i].Status != directive.StatusExecuting {
		return fmt.Errorf("%w: %s is %s", ErrNotExecuting, id, q.history[i].Status)
	}

	history := append([]directive.Directive(nil), q.history...)
	history[i].Status = status
	history[i].Result = result
	history[i].ExecutionEnd = q.opts.Now().UnixMilli()

	if err := q.vault.Put(ctx, RecordHistory, history); err != nil {
		return fmt.Errorf("failed to persist directive history: %w", err)
	}
	q.history = history
	log.Printf("[INFO] Directive %s %s after %s", history[i], status,
		time.Duration(history[i].ExecutionEnd-history[i].ExecutionStart)*time.Millisecond)
	return nil
}

func (q *Queue) historyIndex(id string) int {
	for i := len(q.history) - 1; i >= 0; i-- {
		if q.history[i].ID == id {
			return i
		}
	}
	return -1
}

// Size returns the number of queued directives.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// PendingCount returns the number of queued directives that have not yet
// expired.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.opts.Now()
	n := 0
	for i := range q.pending {
		if !q.pending[i].Expired(now) {
			n++
		}
	}
	return n
}

// Clear drops every queued directive. History is kept.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.vault.Put(ctx, RecordPending, []directive.Directive{}); err != nil {
		return fmt.Errorf("failed to persist queue: %w", err)
	}
	log.Printf("[INFO] Cleared %d pending directives", len(q.pending))
	q.pending = nil
	q.observeDepth()
	return nil
}

// Pending returns a copy of the queued directives, head first.
func (q *Queue) Pending() []directive.Directive {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneAll(q.pending)
}

// History returns a copy of the dequeued-directive ring, oldest first.
func (q *Queue) History() []directive.Directive {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneAll(q.history)
}

// StaleExecuting returns EXECUTING directives started more than olderThan ago.
func (q *Queue) StaleExecuting(olderThan time.Duration) []directive.Directive {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.opts.Now().Add(-olderThan).UnixMilli()
	var stale []directive.Directive
	for i := range q.history {
		if q.history[i].Status == directive.StatusExecuting && q.history[i].ExecutionStart < cutoff {
			stale = append(stale, q.history[i].Clone())
		}
	}
	return stale
}

// Requeue moves an EXECUTING directive back to the head of the queue.
// It is verified and expiry-checked again when next dequeued.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.historyIndex(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	if q.history[i].Status != directive.StatusExecuting {
		return fmt.Errorf("%w: %s is %s", ErrNotExecuting, id, q.history[i].Status)
	}

	d := q.history[i].Clone()
	d.Status = directive.StatusPending
	d.Auth = ""
	d.ExecutionStart = 0

	history := append(append([]directive.Directive(nil), q.history[:i]...), q.history[i+1:]...)
	rest := append([]directive.Directive(nil), q.pending...)
	var evicted []directive.Directive
	if over := len(rest) + 1 - q.opts.Capacity; over > 0 {
		evicted = rest[:over]
		rest = rest[over:]
	}
	pending := append([]directive.Directive{d}, rest...)

	if err := q.persist(ctx, pending, history); err != nil {
		return err
	}
	q.pending, q.history = pending, history
	q.reportEvicted(ctx, evicted)
	log.Printf("[INFO] Requeued stale directive %s", d)
	q.observeDepth()
	return nil
}

// InstallPublicKey validates and persists a new verification key, then
// makes it active. An invalid key leaves the active key untouched.
func (q *Queue) InstallPublicKey(ctx context.Context, data []byte) error {
	_, canonical, err := directive.ParsePublicKey(data)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.vault.Put(ctx, RecordPublicKey, canonical); err != nil {
		return fmt.Errorf("failed to persist public key: %w", err)
	}
	if err := q.verifier.Install(canonical); err != nil {
		return err
	}
	log.Printf("[INFO] Directive public key %s installed", q.verifier.Fingerprint())
	return nil
}

// KeyInstalled reports whether a verification key is active.
func (q *Queue) KeyInstalled() bool {
	return q.verifier.Installed()
}

// KeyFingerprint returns the active key's fingerprint, or "".
func (q *Queue) KeyFingerprint() string {
	return q.verifier.Fingerprint()
}

// persist writes both records, restoring the pending record if the history
// write fails so the two stay consistent.
func (q *Queue) persist(ctx context.Context, pending, history []directive.Directive) error {
	if pending == nil {
		pending = []directive.Directive{}
	}
	if err := q.vault.Put(ctx, RecordPending, pending); err != nil {
		return fmt.Errorf("failed to persist queue: %w", err)
	}
	if err := q.vault.Put(ctx, RecordHistory, history); err != nil {
		if rerr := q.vault.Put(ctx, RecordPending, q.pendingRecord()); rerr != nil {
			log.Printf("[ERROR] Failed to restore queue after history write failure: %v", rerr)
		}
		return fmt.Errorf("failed to persist directive history: %w", err)
	}
	return nil
}

// pendingRecord is the persisted form of the current pending list.
func (q *Queue) pendingRecord() []directive.Directive {
	if q.pending == nil {
		return []directive.Directive{}
	}
	return q.pending
}

func (q *Queue) ring(history []directive.Directive, d directive.Directive) []directive.Directive {
	history = append(history, d)
	if over := len(history) - q.opts.HistorySize; over > 0 {
		history = append([]directive.Directive(nil), history[over:]...)
	}
	return history
}

func (q *Queue) dropped(reason string) {
	if q.opts.Observer != nil {
		q.opts.Observer.DirectiveDropped(reason)
	}
}

func (q *Queue) observeDepth() {
	if q.opts.Observer != nil {
		q.opts.Observer.QueueDepth(len(q.pending))
	}
}

func cloneAll(ds []directive.Directive) []directive.Directive {
	out := make([]directive.Directive, len(ds))
	for i := range ds {
		out[i] = ds[i].Clone()
	}
	return out
}
