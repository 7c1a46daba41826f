// Package snapstore keeps the current, verified, baseline and historical
// snapshots in the encrypted vault.
package snapstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"paylock/internal/snapshot"
	"paylock/internal/vault"
)

// Record names.
const (
	RecordCurrent  = "snapshot/current"
	RecordVerified = "snapshot/verified"
	RecordBaseline = "snapshot/baseline"
	RecordHistory  = "snapshot/history"
)

// DefaultHistoryCap is used when New is given a non-positive cap.
const DefaultHistoryCap = 20

// ErrNotFound is returned when a slot has never been written.
var ErrNotFound = vault.ErrNotFound

// Store reads and writes snapshot slots. It has no notion of connectivity:
// online and offline callers see the same data.
type Store struct {
	vault      *vault.Store
	historyCap int
	mu         sync.Mutex
}

// New returns a Store keeping at most historyCap snapshots in history.
func New(v *vault.Store, historyCap int) *Store {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	return &Store{vault: v, historyCap: historyCap}
}

// SaveCurrent stores the latest capture.
func (s *Store) SaveCurrent(ctx context.Context, snap snapshot.Snapshot) error {
	return s.put(ctx, RecordCurrent, snap)
}

// Current returns the latest capture.
func (s *Store) Current(ctx context.Context) (snapshot.Snapshot, error) {
	return s.get(ctx, RecordCurrent)
}

// SaveVerified stores a snapshot the server confirmed as compliant.
func (s *Store) SaveVerified(ctx context.Context, snap snapshot.Snapshot) error {
	return s.put(ctx, RecordVerified, snap)
}

// Verified returns the last server-confirmed snapshot.
func (s *Store) Verified(ctx context.Context) (snapshot.Snapshot, error) {
	return s.get(ctx, RecordVerified)
}

// SaveBaseline overwrites the baseline. Use it only when re-provisioning;
// EnsureBaseline is the normal path.
func (s *Store) SaveBaseline(ctx context.Context, snap snapshot.Snapshot) error {
	return s.put(ctx, RecordBaseline, snap)
}

// Baseline returns the first-ever capture.
func (s *Store) Baseline(ctx context.Context) (snapshot.Snapshot, error) {
	return s.get(ctx, RecordBaseline)
}

// EnsureBaseline stores snap as the baseline if none exists yet and reports
// whether it did. An unreadable baseline is left alone and reported.
func (s *Store) EnsureBaseline(ctx context.Context, snap snapshot.Snapshot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing snapshot.Snapshot
	err := s.vault.Get(ctx, RecordBaseline, &existing)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, vault.ErrNotFound):
		return false, fmt.Errorf("failed to check baseline: %w", err)
	}

	if err := s.vault.Put(ctx, RecordBaseline, snap); err != nil {
		return false, fmt.Errorf("failed to store baseline: %w", err)
	}
	log.Printf("[INFO] Baseline established for device %s (digest %s)", snap.DeviceID, snap.Digest()[:16])
	return true, nil
}

// AppendHistory adds snap to the bounded history, evicting the oldest
// entries beyond the cap.
func (s *Store) AppendHistory(ctx context.Context, snap snapshot.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hist, err := s.history(ctx)
	if err != nil && !errors.Is(err, vault.ErrNotFound) {
		// An unreadable history is restarted rather than blocking captures.
		log.Printf("[WARN] Snapshot history unreadable, starting fresh: %v", err)
		hist = nil
	}
	hist = append(hist, snap)
	if over := len(hist) - s.historyCap; over > 0 {
		hist = append([]snapshot.Snapshot(nil), hist[over:]...)
	}
	if err := s.vault.Put(ctx, RecordHistory, hist); err != nil {
		return fmt.Errorf("failed to store snapshot history: %w", err)
	}
	return nil
}

// History returns stored snapshots, oldest first.
func (s *Store) History(ctx context.Context) ([]snapshot.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist, err := s.history(ctx)
	if errors.Is(err, vault.ErrNotFound) {
		return nil, nil
	}
	return hist, err
}

func (s *Store) history(ctx context.Context) ([]snapshot.Snapshot, error) {
	var hist []snapshot.Snapshot
	if err := s.vault.Get(ctx, RecordHistory, &hist); err != nil {
		return nil, err
	}
	return hist, nil
}

// ClearAll removes every slot. It attempts all deletes and returns the
// first failure.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, name := range []string{RecordCurrent, RecordVerified, RecordBaseline, RecordHistory} {
		if err := s.vault.Delete(ctx, name); err != nil {
			log.Printf("[ERROR] Failed to clear %s: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Degraded reports whether any slot was last written unencrypted.
func (s *Store) Degraded() bool {
	for _, name := range []string{RecordCurrent, RecordVerified, RecordBaseline, RecordHistory} {
		if s.vault.Degraded(name) {
			return true
		}
	}
	return false
}

func (s *Store) put(ctx context.Context, name string, snap snapshot.Snapshot) error {
	if err := s.vault.Put(ctx, name, snap); err != nil {
		return fmt.Errorf("failed to store %s: %w", name, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, name string) (snapshot.Snapshot, error) {
	var snap snapshot.Snapshot
	if err := s.vault.Get(ctx, name, &snap); err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return snapshot.Snapshot{}, ErrNotFound
		}
		return snapshot.Snapshot{}, fmt.Errorf("failed to load %s: %w", name, err)
	}
	return snap, nil
}
