package heartbeat

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"slices"
	"sync"
	"testing"
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

type fakeCollector struct {
	err   error
	facts snapshot.Facts
}

func (f *fakeCollector) Collect(context.Context) (snapshot.Facts, error) {
	return f.facts, f.err
}

type fakeBackend struct {
	resp  *lockstate.Response
	err   error
	calls int
}

func (f *fakeBackend) Heartbeat(context.Context, snapshot.Snapshot) (*lockstate.Response, error) {
	f.calls++
	return f.resp, f.err
}

type fakeExecutor struct {
	fail map[directive.Type]error
	ran  []directive.Type
	mu   sync.Mutex
}

func (f *fakeExecutor) Execute(_ context.Context, d directive.Directive, action directive.Action) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if action.Type() != d.Type {
		return "", errors.New("action does not match directive type")
	}
	f.ran = append(f.ran, d.Type)
	if err := f.fail[d.Type]; err != nil {
		return "", err
	}
	return "ok", nil
}

type rig struct {
	collector *fakeCollector
	backend   *fakeBackend
	recorder  *incident.Recorder
	queue     *cmdqueue.Queue
	snaps     *snapstore.Store
	store     *vault.Store
	engine    *Engine
	now       time.Time
}

func baseFacts() snapshot.Facts {
	return snapshot.Facts{
		SerialNumber: "R58N123ABC",
		IMEIs:        []string{"356938035643809", "356938035643817"},
		Manufacturer: "samsung",
		Model:        "SM-A135F",
		Bootloader:   "A135FXXU3BVJ1",
		Processor:    "exynos850",
		Fingerprint:  "samsung/a13/a13:13/TP1A/A135FXXU3BVJ1:user/release-keys",
	}
}

func newRig(t *testing.T) *rig {
	t.Helper()
	ctx := context.Background()
	sealer, err := vault.NewAEAD(bytes.Repeat([]byte{3}, vault.KeySize))
	if err != nil {
		t.Fatal(err)
	}
	v := vault.New(vault.NewMemory(), sealer, vault.Options{})
	r := &rig{
		collector: &fakeCollector{facts: baseFacts()},
		backend:   &fakeBackend{resp: &lockstate.Response{Success: true}},
		recorder:  incident.NewRecorder(0),
		snaps:     snapstore.New(v, 5),
		store:     v,
		now:       time.Date(2026, 2, 5, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return r.now }
	r.queue, err = cmdqueue.Open(ctx, v, cmdqueue.Options{Sink: r.recorder, Now: clock})
	if err != nil {
		t.Fatal(err)
	}
	r.engine, err = New(Options{
		Collector: r.collector,
		Backend:   r.backend,
		Sink:      r.recorder,
		Snapshots: r.snaps,
		Queue:     r.queue,
		Vault:     v,
		Now:       clock,
		DeviceID:  "dev-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func (r *rig) tick(t *testing.T) Report {
	t.Helper()
	rep, err := r.engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	return rep
}

func pendingTypes(q *cmdqueue.Queue) []directive.Type {
	var out []directive.Type
	for _, d := range q.Pending() {
		out = append(out, d.Type)
	}
	return out
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("New(empty options) succeeded")
	}
}

func TestFirstOnlineTickPromotesVerified(t *testing.T) {
	r := newRig(t)
	rep := r.tick(t)

	if !rep.Online || !rep.Result.NoData || rep.State.Kind != lockstate.KindUnlocked {
		t.Fatalf("first tick: online=%v nodata=%v state=%s", rep.Online, rep.Result.NoData, rep.State.Kind)
	}
	if got := r.recorder.Kinds(); !slices.Equal(got, []incident.Kind{incident.KindCoverageGap}) {
		t.Errorf("incidents = %v, want coverage_gap", got)
	}
	if _, err := r.snaps.Verified(context.Background()); err != nil {
		t.Errorf("verified not promoted: %v", err)
	}
	if _, err := r.snaps.Baseline(context.Background()); err != nil {
		t.Errorf("baseline not established: %v", err)
	}

	rep = r.tick(t)
	if rep.Result.NoData || rep.Result.Tampered {
		t.Errorf("second tick: nodata=%v tampered=%v", rep.Result.NoData, rep.Result.Tampered)
	}
	if len(rep.Local) != 0 {
		t.Errorf("unchanged state produced local directives: %v", rep.Local)
	}
}

func TestOfflineTamperLocksAndRecovers(t *testing.T) {
	r := newRig(t)
	r.tick(t)

	r.backend.err = errors.New("no route to host")
	r.collector.facts.Rooted = true
	rep := r.tick(t)

	if rep.Online || rep.Result.Mode != compare.ModeOffline {
		t.Fatalf("expected offline comparison, got online=%v mode=%s", rep.Online, rep.Result.Mode)
	}
	if !rep.Result.IsCriticalTampering() || rep.State.Kind != lockstate.KindHardSecurity || !rep.State.Kiosk {
		t.Fatalf("offline tamper: critical=%v state=%s kiosk=%v", rep.Result.IsCriticalTampering(), rep.State.Kind, rep.State.Kiosk)
	}
	if got := pendingTypes(r.queue); !slices.Equal(got, []directive.Type{directive.TypeLock}) {
		t.Errorf("pending after lock = %v, want [LOCK]", got)
	}
	if !slices.Contains(r.recorder.Kinds(), incident.KindTamperDetected) {
		t.Errorf("no tamper incident: %v", r.recorder.Kinds())
	}

	r.collector.facts.Rooted = false
	rep = r.tick(t)
	if rep.State.Kind != lockstate.KindUnlocked {
		t.Fatalf("after recovery state = %s", rep.State.Kind)
	}
	if got := pendingTypes(r.queue); !slices.Equal(got, []directive.Type{directive.TypeLock, directive.TypeUnlock}) {
		t.Errorf("pending after recovery = %v, want [LOCK UNLOCK]", got)
	}
}

func TestServerLockHeldWhileOffline(t *testing.T) {
	r := newRig(t)
	r.backend.resp = &lockstate.Response{
		Success:     true,
		Management:  &lockstate.Management{Status: "locked", Reason: "Reported stolen"},
		NextPayment: &lockstate.NextPayment{DateTime: "2026-02-15T23:59:00+03:00"},
	}
	rep := r.tick(t)
	if rep.State.Kind != lockstate.KindHardSecurity || rep.State.Source != lockstate.SourceServer {
		t.Fatalf("online state = %s from %s, want server HARD_SECURITY", rep.State.Kind, rep.State.Source)
	}
	if got := pendingTypes(r.queue); !slices.Equal(got, []directive.Type{directive.TypeLock}) {
		t.Fatalf("pending after lock = %v, want [LOCK]", got)
	}

	r.backend.err = errors.New("no route to host")
	for range 3 {
		r.now = r.now.Add(time.Hour)
		rep = r.tick(t)
		if rep.State.Kind != lockstate.KindHardSecurity || rep.State.Reason != "Reported stolen" {
			t.Errorf("offline state = %s %q, want HARD_SECURITY kept from cache", rep.State.Kind, rep.State.Reason)
		}
		if len(rep.Local) != 0 {
			t.Errorf("offline tick queued %v", rep.Local)
		}
	}
	if got := pendingTypes(r.queue); !slices.Equal(got, []directive.Type{directive.TypeLock}) {
		t.Errorf("pending while offline = %v, want [LOCK]", got)
	}

	r.backend.err = nil
	r.backend.resp = &lockstate.Response{Success: true}
	rep = r.tick(t)
	if rep.State.Kind != lockstate.KindUnlocked {
		t.Fatalf("after server release state = %s", rep.State.Kind)
	}
	if got := pendingTypes(r.queue); !slices.Equal(got, []directive.Type{directive.TypeLock, directive.TypeUnlock}) {
		t.Errorf("pending after release = %v, want [LOCK UNLOCK]", got)
	}
}

func TestLostCacheDoesNotLiftServerLock(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.backend.resp = &lockstate.Response{Success: true, Content: lockstate.Content{IsLocked: true, Reason: "Payment overdue"}}
	if rep := r.tick(t); rep.State.Kind != lockstate.KindHardPayment {
		t.Fatalf("online state = %s, want HARD_PAYMENT", rep.State.Kind)
	}
	if err := r.store.Delete(ctx, RecordPayment); err != nil {
		t.Fatal(err)
	}

	r.backend.err = errors.New("timeout")
	rep := r.tick(t)
	if rep.State.Kind != lockstate.KindUnlocked || len(rep.Local) != 0 {
		t.Errorf("offline without cache: state=%s local=%v, want held with no local directives", rep.State.Kind, rep.Local)
	}
	if got := pendingTypes(r.queue); !slices.Equal(got, []directive.Type{directive.TypeLock}) {
		t.Errorf("pending = %v, want [LOCK]", got)
	}
}

func TestOfflineUsesCachedPayment(t *testing.T) {
	r := newRig(t)
	r.backend.resp = &lockstate.Response{
		Success:     true,
		ShopName:    "Kariakoo Phones",
		NextPayment: &lockstate.NextPayment{DateTime: "2026-02-08T23:59:00+03:00", UnlockPassword: "ABC123"},
	}
	if rep := r.tick(t); rep.State.Kind != lockstate.KindUnlocked {
		t.Fatalf("online state = %s, want UNLOCKED", rep.State.Kind)
	}

	r.backend.err = errors.New("timeout")
	r.now = r.now.Add(48 * time.Hour)
	rep := r.tick(t)
	if rep.State.Kind != lockstate.KindSoftReminder || rep.State.Source != lockstate.SourceCached {
		t.Fatalf("offline day before due: %s from %s", rep.State.Kind, rep.State.Source)
	}
	if got := pendingTypes(r.queue); !slices.Equal(got, []directive.Type{directive.TypeWarn}) {
		t.Errorf("pending = %v, want [WARN]", got)
	}

	r.now = r.now.Add(48 * time.Hour)
	rep = r.tick(t)
	if rep.State.Kind != lockstate.KindHardPayment || rep.State.Payment.Credential != "ABC123" {
		t.Errorf("offline overdue: %s credential=%q", rep.State.Kind, rep.State.Payment.Credential)
	}
}

func TestServerChangedFieldsBlockPromotion(t *testing.T) {
	r := newRig(t)
	r.tick(t)
	first, _ := r.snaps.Verified(context.Background())

	r.collector.facts.Model = "SM-A146P"
	r.backend.resp = &lockstate.Response{Success: true, ChangedFields: []string{"model"}}
	r.now = r.now.Add(time.Hour)
	rep := r.tick(t)

	if rep.State.Kind != lockstate.KindHardSecurity {
		t.Errorf("identity change state = %s, want HARD_SECURITY", rep.State.Kind)
	}
	verified, _ := r.snaps.Verified(context.Background())
	if verified.Model != first.Model {
		t.Errorf("verified snapshot was replaced by a changed one: %s", verified.Model)
	}
}

func signingKey(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	return key, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func TestIngestServerDirectives(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	key, pub := signingKey(t)
	if err := r.queue.InstallPublicKey(ctx, pub); err != nil {
		t.Fatal(err)
	}

	good := directive.Directive{ID: "srv-1", Type: directive.TypeReboot, TargetDeviceID: "dev-1"}
	sig, err := directive.Sign(key, good)
	if err != nil {
		t.Fatal(err)
	}
	good.Signature = sig

	r.backend.resp = &lockstate.Response{
		Success: true,
		Directives: []directive.Directive{
			good,
			{ID: "srv-2", Type: directive.TypeWipe, TargetDeviceID: "dev-1"},
			{ID: "srv-3", Type: directive.TypeLock, TargetDeviceID: "dev-9", Signature: sig},
		},
	}
	rep := r.tick(t)
	if rep.Ingested != 1 || rep.Rejected != 2 {
		t.Errorf("ingested=%d rejected=%d, want 1/2", rep.Ingested, rep.Rejected)
	}
	if !slices.Contains(r.recorder.Kinds(), incident.KindSignatureInvalid) {
		t.Errorf("unsigned server directive not reported: %v", r.recorder.Kinds())
	}

	// A resend of the same directive is ignored.
	rep = r.tick(t)
	if rep.Ingested != 0 || rep.Rejected != 2 || r.queue.Size() != 1 {
		t.Errorf("resend: ingested=%d rejected=%d size=%d", rep.Ingested, rep.Rejected, r.queue.Size())
	}
}

func TestDrain(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	for _, d := range []directive.Directive{
		{ID: "a", Type: directive.TypeLock},
		{ID: "b", Type: directive.TypeReboot},
		{ID: "c", Type: directive.TypeWarn, Parameters: map[string]string{"message": "pay"}},
	} {
		if err := r.queue.Enqueue(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	exec := &fakeExecutor{fail: map[directive.Type]error{directive.TypeReboot: errors.New("reboot denied")}}
	n, err := r.engine.Drain(ctx, exec)
	if err != nil || n != 3 {
		t.Fatalf("Drain = %d, %v; want 3, nil", n, err)
	}

	statuses := map[string]directive.Status{}
	for _, d := range r.queue.History() {
		statuses[d.ID] = d.Status
	}
	want := map[string]directive.Status{"a": directive.StatusExecuted, "b": directive.StatusFailed, "c": directive.StatusExecuted}
	for id, s := range want {
		if statuses[id] != s {
			t.Errorf("%s status = %s, want %s", id, statuses[id], s)
		}
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := r.engine.Drain(cancelled, exec); !errors.Is(err, context.Canceled) {
		t.Errorf("Drain(cancelled) = %v, want context.Canceled", err)
	}
}

func TestCollectorFailure(t *testing.T) {
	r := newRig(t)
	r.collector.err = errors.New("permission denied")
	if _, err := r.engine.Tick(context.Background()); err == nil {
		t.Error("Tick succeeded with failing collector")
	}
	if r.backend.calls != 0 {
		t.Errorf("backend called %d times after collection failure", r.backend.calls)
	}
}
