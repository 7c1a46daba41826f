// Package vault persists named records under symmetric encryption. It is the
// storage layer beneath the snapshot store and the directive queue and
// behaves the same whether or not the device has connectivity.
package vault

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotFound means the record was never written or has been deleted.
	ErrNotFound = errors.New("vault: record not found")
	// ErrCrypto means a record could not be sealed or opened.
	ErrCrypto = errors.New("vault: crypto failure")
	// ErrCorrupt means a stored blob has an unknown layout or does not decode.
	ErrCorrupt = errors.New("vault: corrupt record")
	// ErrUnavailable means the backend did not answer within the timeout.
	ErrUnavailable = errors.New("vault: backend unavailable")
)

// Backend stores opaque blobs by key. Keys are slash-separated paths such
// as "snapshot/current". Get returns ErrNotFound for missing keys.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Memory is an in-process Backend, used in tests and for ephemeral runs.
type Memory struct {
	data map[string][]byte
	mu   sync.Mutex
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get implements Backend.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Put implements Backend.
func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements Backend.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Close implements Backend.
func (*Memory) Close() error { return nil }
