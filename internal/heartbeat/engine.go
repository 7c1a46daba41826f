// Package heartbeat runs the periodic compliance cycle: capture a snapshot,
// compare it against the trusted reference, derive the lock state and feed
// directives to the queue.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"paylock/internal/cmdqueue"
	"paylock/internal/compare"
	"paylock/internal/directive"
	"paylock/internal/incident"
	"paylock/internal/lockstate"
	"paylock/internal/snapshot"
	"paylock/internal/snapstore"
	"paylock/internal/vault"
)

// RecordPayment holds the last payment context seen online.
const RecordPayment = "payment/cached"

const (
	defaultBackendTimeout   = 30 * time.Second
	defaultDirectiveTimeout = 2 * time.Minute
	defaultStaleAfter       = 10 * time.Minute
	defaultLocalTTL         = 24 * time.Hour
)

// Collector gathers device facts.
type Collector interface {
	Collect(ctx context.Context) (snapshot.Facts, error)
}

// Backend reports a snapshot to the server and returns its verdict.
type Backend interface {
	Heartbeat(ctx context.Context, snap snapshot.Snapshot) (*lockstate.Response, error)
}

// Executor carries out one directive on the host and returns a result line.
type Executor interface {
	Execute(ctx context.Context, d directive.Directive, action directive.Action) (string, error)
}

// Metrics receives tick-level measurements. A nil Metrics is allowed.
type Metrics interface {
	Tick(mode string, d time.Duration)
	Comparison(mode, severity string, classes []string)
	LockState(kind string, all []string)
	BackendRequest(outcome string)
	DirectiveCompleted(typ directive.Type, status directive.Status)
}

// Options wires an Engine. Snapshots, Queue, Vault and Collector are
// required; a nil Backend means the device is always offline.
type Options struct {
	Collector        Collector
	Backend          Backend
	Sink             incident.Sink
	Metrics          Metrics
	Snapshots        *snapstore.Store
	Queue            *cmdqueue.Queue
	Vault            *vault.Store
	Now              func() time.Time
	DeviceID         string
	BackendTimeout   time.Duration
	DirectiveTimeout time.Duration
	StaleAfter       time.Duration
	LocalTTL         time.Duration
	Debug            bool
}

// Report summarizes one tick.
type Report struct {
	Snapshot snapshot.Snapshot
	State    lockstate.State
	Result   compare.Result
	Local    []directive.Directive
	Ingested int
	Rejected int
	Online   bool
}

// Engine runs ticks one at a time.
type Engine struct {
	opts       Options
	lastKind   lockstate.Kind
	lastSource lockstate.Source
	mu         sync.Mutex
}

// New validates opts and returns an Engine.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Collector == nil:
		return nil, errors.New("heartbeat: collector is required")
	case opts.Snapshots == nil:
		return nil, errors.New("heartbeat: snapshot store is required")
	case opts.Queue == nil:
		return nil, errors.New("heartbeat: directive queue is required")
	case opts.Vault == nil:
		return nil, errors.New("heartbeat: vault is required")
	case strings.TrimSpace(opts.DeviceID) == "":
		return nil, errors.New("heartbeat: device id is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BackendTimeout <= 0 {
		opts.BackendTimeout = defaultBackendTimeout
	}
	if opts.DirectiveTimeout <= 0 {
		opts.DirectiveTimeout = defaultDirectiveTimeout
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.LocalTTL <= 0 {
		opts.LocalTTL = defaultLocalTTL
	}
	return &Engine{opts: opts}, nil
}

// Tick runs one full compliance cycle.
func (e *Engine) Tick(ctx context.Context) (Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	now := e.opts.Now()

	facts, err := e.opts.Collector.Collect(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to collect device facts: %w", err)
	}
	snap := snapshot.New(e.opts.DeviceID, facts, now)
	rep := Report{Snapshot: snap}

	e.persistCapture(ctx, snap)

	resp := e.callBackend(ctx, snap)
	rep.Online = resp != nil

	mode := compare.ModeOffline
	if rep.Online {
		mode = compare.ModeOnline
	}
	rep.Result = e.compare(ctx, snap, mode)
	e.reportComparison(ctx, rep.Result)

	if rep.Online {
		rep.State = lockstate.Evaluate(resp, rep.Result, now)
		if err := e.opts.Vault.Put(ctx, RecordPayment, lockstate.CacheState(resp, rep.State, now.UnixMilli())); err != nil {
			log.Printf("[WARN] Failed to cache payment schedule: %v", err)
		}
		rep.Ingested, rep.Rejected = e.ingest(ctx, resp.Directives)
	} else {
		var cached lockstate.Cached
		if err := e.opts.Vault.Get(ctx, RecordPayment, &cached); err != nil && !errors.Is(err, vault.ErrNotFound) {
			log.Printf("[WARN] Cached payment schedule unreadable: %v", err)
		}
		rep.State = lockstate.EvaluateOffline(cached, rep.Result, now)
	}

	if e.holdServerLock(rep.State) {
		log.Printf("[WARN] Cached state %s would lift server %s lock, holding until the server is reachable",
			rep.State.Kind, e.lastKind)
	} else {
		rep.Local = e.fallback(ctx, rep.State, now)
		e.lastKind, e.lastSource = rep.State.Kind, rep.State.Source
	}

	if rep.Online && len(resp.ChangedFields) == 0 && !rep.Result.Tampered {
		if err := e.opts.Snapshots.SaveVerified(ctx, snap); err != nil {
			log.Printf("[WARN] Failed to promote snapshot to verified: %v", err)
		}
	}

	e.requeueStale(ctx)

	if m := e.opts.Metrics; m != nil {
		m.Tick(string(mode), time.Since(start))
		m.LockState(string(rep.State.Kind), allKinds)
	}
	log.Printf("[INFO] Tick complete in %v: mode=%s state=%s mismatches=%d directives=+%d/-%d",
		time.Since(start), mode, rep.State.Kind, len(rep.Result.Mismatches), rep.Ingested, rep.Rejected)
	return rep, nil
}

var allKinds = []string{
	string(lockstate.KindUnlocked),
	string(lockstate.KindSoftReminder),
	string(lockstate.KindHardPayment),
	string(lockstate.KindHardSecurity),
	string(lockstate.KindDeactivation),
}

func (e *Engine) persistCapture(ctx context.Context, snap snapshot.Snapshot) {
	if err := e.opts.Snapshots.SaveCurrent(ctx, snap); err != nil {
		log.Printf("[WARN] Failed to store current snapshot: %v", err)
	}
	if _, err := e.opts.Snapshots.EnsureBaseline(ctx, snap); err != nil {
		log.Printf("[WARN] Failed to ensure baseline: %v", err)
	}
	if err := e.opts.Snapshots.AppendHistory(ctx, snap); err != nil {
		log.Printf("[WARN] Failed to append snapshot history: %v", err)
	}
}

// callBackend returns nil when the device should be treated as offline.
func (e *Engine) callBackend(ctx context.Context, snap snapshot.Snapshot) *lockstate.Response {
	if e.opts.Backend == nil {
		e.backendOutcome("offline")
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.BackendTimeout)
	defer cancel()

	resp, err := e.opts.Backend.Heartbeat(ctx, snap)
	if err != nil {
		log.Printf("[WARN] Backend unreachable, evaluating offline: %v", err)
		e.backendOutcome("error")
		return nil
	}
	if resp == nil {
		e.backendOutcome("error")
		return nil
	}
	e.backendOutcome("ok")
	return resp
}

func (e *Engine) backendOutcome(outcome string) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.BackendRequest(outcome)
	}
}

// compare picks the reference for mode and compares. A missing or
// unreadable reference yields the NoData result.
func (e *Engine) compare(ctx context.Context, snap snapshot.Snapshot, mode compare.Mode) compare.Result {
	load := e.opts.Snapshots.Baseline
	if mode == compare.ModeOnline {
		load = e.opts.Snapshots.Verified
	}
	ref, err := load(ctx)
	if err != nil {
		if !errors.Is(err, snapstore.ErrNotFound) {
			log.Printf("[ERROR] Reference snapshot unreadable (%s): %v", mode, err)
		}
		return compare.NoData(mode, snap.CapturedAt)
	}
	return compare.Compare(snap, ref, mode)
}

func (e *Engine) reportComparison(ctx context.Context, res compare.Result) {
	if m := e.opts.Metrics; m != nil {
		classes := make([]string, len(res.Mismatches))
		for i, mm := range res.Mismatches {
			classes[i] = mm.Class.String()
		}
		m.Comparison(string(res.Mode), res.Severity.String(), classes)
	}

	switch {
	case res.NoData:
		inc := incident.New(incident.KindCoverageGap, snapshot.SeverityMedium,
			fmt.Sprintf("no %s reference snapshot to compare against", strings.ToLower(string(res.Mode))), res.Timestamp)
		inc.DeviceID = e.opts.DeviceID
		incident.Report(ctx, e.opts.Sink, inc)
	case res.Tampered:
		inc := incident.New(incident.KindTamperDetected, res.Severity,
			fmt.Sprintf("%d field(s) differ from %s reference: %s", len(res.Mismatches),
				strings.ToLower(string(res.Mode)), strings.Join(res.Fields(), ", ")), res.Timestamp)
		inc.DeviceID = e.opts.DeviceID
		inc.Fields = make(map[string]string, len(res.Mismatches))
		for _, mm := range res.Mismatches {
			inc.Fields[mm.Field] = fmt.Sprintf("%s -> %s", mm.Expected, mm.Actual)
		}
		incident.Report(ctx, e.opts.Sink, inc)
		log.Printf("[WARN] Tamper check: severity=%s action=%s", res.Severity, compare.RecommendedAction(res))
	}
}

// ingest enqueues server directives. Once a key is installed unsigned
// server directives are refused, and every directive must target this
// device.
func (e *Engine) ingest(ctx context.Context, ds []directive.Directive) (accepted, rejected int) {
	for _, d := range ds {
		if d.TargetDeviceID != e.opts.DeviceID {
			log.Printf("[WARN] Refusing %s targeted at %q", d, d.TargetDeviceID)
			rejected++
			continue
		}
		if !d.Signed() && e.opts.Queue.KeyInstalled() {
			inc := incident.New(incident.KindSignatureInvalid, snapshot.SeverityCritical,
				fmt.Sprintf("server sent unsigned %s", d), e.opts.Now())
			inc.DirectiveID = d.ID
			inc.DeviceID = e.opts.DeviceID
			incident.Report(ctx, e.opts.Sink, inc)
			rejected++
			continue
		}

		err := e.opts.Queue.Enqueue(ctx, d)
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, cmdqueue.ErrDuplicate):
			if e.opts.Debug {
				log.Printf("[DEBUG] Server resent %s, already queued or handled", d)
			}
		default:
			log.Printf("[WARN] Refusing server directive %s: %v", d, err)
			rejected++
		}
	}
	return accepted, rejected
}

// holdServerLock reports whether st, evaluated from the cache, would unlock
// a device the server last placed in a hard state. Only the server lifts
// its own locks.
func (e *Engine) holdServerLock(st lockstate.State) bool {
	return st.Source == lockstate.SourceCached && e.lastSource == lockstate.SourceServer &&
		e.lastKind.Hard() && !st.Kind.Hard()
}

// fallback enqueues local directives when the lock state changes, so the
// device enforces its state without waiting for the server.
func (e *Engine) fallback(ctx context.Context, st lockstate.State, now time.Time) []directive.Directive {
	if st.Kind == e.lastKind {
		return nil
	}

	var out []directive.Directive
	add := func(typ directive.Type, params map[string]string) {
		d := directive.NewLocal(typ, e.opts.DeviceID, params, e.opts.LocalTTL, now)
		if err := e.opts.Queue.Enqueue(ctx, d); err != nil {
			log.Printf("[ERROR] Failed to enqueue local %s: %v", d, err)
			return
		}
		out = append(out, d)
	}

	if e.lastKind.Hard() && !st.Kind.Hard() {
		add(directive.TypeUnlock, nil)
	}
	switch {
	case st.Kind.Hard():
		add(directive.TypeLock, map[string]string{
			directive.ParamReason: st.Reason,
			directive.ParamKiosk:  fmt.Sprint(st.Kiosk),
		})
	case st.Kind == lockstate.KindSoftReminder:
		add(directive.TypeWarn, map[string]string{directive.ParamMessage: reminderText(st)})
	}

	if len(out) > 0 {
		log.Printf("[INFO] Lock state %s -> %s, queued %d local directive(s)", kindOrNone(e.lastKind), st.Kind, len(out))
	}
	return out
}

func reminderText(st lockstate.State) string {
	msg := st.Reason
	if st.Payment != nil && !st.Payment.DueAt.IsZero() {
		msg = fmt.Sprintf("%s (%s)", st.Reason, st.Payment.DueAt.Format("2006-01-02 15:04 MST"))
	}
	if st.ShopName != "" {
		msg += " - " + st.ShopName
	}
	return msg
}

func kindOrNone(k lockstate.Kind) string {
	if k == "" {
		return "NONE"
	}
	return string(k)
}

func (e *Engine) requeueStale(ctx context.Context) {
	for _, d := range e.opts.Queue.StaleExecuting(e.opts.StaleAfter) {
		log.Printf("[WARN] Directive %s has been executing since %s, requeueing",
			d, time.UnixMilli(d.ExecutionStart).UTC().Format(time.RFC3339))
		if err := e.opts.Queue.Requeue(ctx, d.ID); err != nil {
			log.Printf("[ERROR] Failed to requeue %s: %v", d, err)
		}
	}
}

// Drain hands queued directives to exec one at a time until the queue is
// empty or ctx ends, and returns how many were handed over.
func (e *Engine) Drain(ctx context.Context, exec Executor) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		d, ok, err := e.opts.Queue.DequeueNext(ctx)
		if err != nil {
			return n, fmt.Errorf("failed to dequeue directive: %w", err)
		}
		if !ok {
			return n, nil
		}
		n++
		e.execute(ctx, exec, d)
	}
}

func (e *Engine) execute(ctx context.Context, exec Executor, d directive.Directive) {
	start := time.Now()
	status := directive.StatusExecuted

	action, err := d.Action()
	var result string
	if err == nil {
		dctx, cancel := context.WithTimeout(ctx, e.opts.DirectiveTimeout)
		result, err = exec.Execute(dctx, d, action)
		cancel()
	}

	if err != nil {
		status = directive.StatusFailed
		log.Printf("[ERROR] Directive %s failed after %v: %v", d, time.Since(start), err)
		if merr := e.opts.Queue.MarkFailed(ctx, d.ID, err.Error()); merr != nil {
			log.Printf("[ERROR] Failed to record failure of %s: %v", d, merr)
		}
	} else {
		log.Printf("[INFO] Directive %s executed in %v", d, time.Since(start))
		if merr := e.opts.Queue.MarkExecuted(ctx, d.ID, result); merr != nil {
			log.Printf("[ERROR] Failed to record execution of %s: %v", d, merr)
		}
	}
	if e.opts.Metrics != nil {
		e.opts.Metrics.DirectiveCompleted(d.Type, status)
	}
}
