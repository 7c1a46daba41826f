package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const (
	// Default bound on a single record operation, retries included.
	defaultTimeout = 5 * time.Second
	// Default retry configuration for backend I/O.
	defaultAttempts = 3
	defaultDelay    = 50 * time.Millisecond
	defaultMaxDelay = 500 * time.Millisecond
)

// Options tunes a Store. Zero values pick the defaults.
type Options struct {
	// OnDegraded is called when a record had to be written unencrypted.
	OnDegraded func(name string, err error)
	Timeout    time.Duration
	Attempts   uint
	Delay      time.Duration
	MaxDelay   time.Duration
}

// Store reads and writes typed records through a Sealer and a Backend.
// Values are CBOR-encoded before sealing.
type Store struct {
	backend  Backend
	sealer   Sealer
	degraded map[string]bool
	opts     Options
	mu       sync.Mutex
}

// New returns a Store. sealer may be nil, in which case every write takes
// the flagged plaintext path.
func New(backend Backend, sealer Sealer, opts Options) *Store {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Attempts == 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Delay <= 0 {
		opts.Delay = defaultDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	return &Store{
		backend:  backend,
		sealer:   sealer,
		opts:     opts,
		degraded: make(map[string]bool),
	}
}

// Open loads (or creates) the data key through the keyring and returns a
// Store sealing with it.
func Open(ctx context.Context, backend Backend, keyring *Keyring, opts Options) (*Store, error) {
	key, _, err := keyring.Load(ctx)
	if err != nil {
		return nil, err
	}
	sealer, err := NewAEAD(key)
	if err != nil {
		return nil, err
	}
	log.Printf("[INFO] Vault opened with data key %s", KeyID(key))
	return New(backend, sealer, opts), nil
}

// Put encodes, seals and writes v under name. If sealing fails the record is
// written in the plaintext envelope instead, the name is marked degraded and
// OnDegraded fires; losing the record would be worse.
func (s *Store) Put(ctx context.Context, name string, v any) error {
	data, err := marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", name, err)
	}

	blob, sealErr := s.seal(name, data)
	if sealErr != nil {
		log.Printf("[WARN] Sealing %s failed, writing unencrypted fallback: %v", name, sealErr)
		blob = append([]byte{envelopePlain}, data...)
	}

	if err := s.call(ctx, func(ctx context.Context) error {
		return s.backend.Put(ctx, name, blob)
	}); err != nil {
		return fmt.Errorf("failed to write record %s: %w", name, err)
	}

	s.mu.Lock()
	if sealErr != nil {
		s.degraded[name] = true
	} else {
		delete(s.degraded, name)
	}
	s.mu.Unlock()

	if sealErr != nil && s.opts.OnDegraded != nil {
		s.opts.OnDegraded(name, sealErr)
	}
	return nil
}

func (s *Store) seal(name string, data []byte) ([]byte, error) {
	if s.sealer == nil {
		return nil, fmt.Errorf("%w: no sealer configured", ErrCrypto)
	}
	return s.sealer.Seal(name, data)
}

// Get reads name into v. It returns ErrNotFound when the record is absent,
// ErrCrypto when a sealed blob fails authentication, ErrCorrupt when the blob
// cannot be decoded and ErrUnavailable when the backend timed out.
func (s *Store) Get(ctx context.Context, name string, v any) error {
	var blob []byte
	var missing bool
	err := s.call(ctx, func(ctx context.Context) error {
		b, err := s.backend.Get(ctx, name)
		if errors.Is(err, ErrNotFound) {
			missing = true
			return nil
		}
		blob = b
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to read record %s: %w", name, err)
	}
	if missing {
		return ErrNotFound
	}
	return s.decode(name, blob, v)
}

func (s *Store) decode(name string, blob []byte, v any) error {
	if len(blob) == 0 {
		return fmt.Errorf("%w: %s is empty", ErrCorrupt, name)
	}

	switch blob[0] {
	case envelopeSealed:
		if s.sealer == nil {
			return fmt.Errorf("%w: %s is sealed but no sealer is configured", ErrCrypto, name)
		}
		data, err := s.sealer.Open(name, blob)
		if err != nil {
			return err
		}
		if err := unmarshal(data, v); err != nil {
			return fmt.Errorf("%w: decoding %s: %v", ErrCorrupt, name, err)
		}
		return nil
	case envelopePlain:
		log.Printf("[WARN] Record %s was stored unencrypted", name)
		if err := unmarshal(blob[1:], v); err != nil {
			return fmt.Errorf("%w: decoding plaintext %s: %v", ErrCorrupt, name, err)
		}
		return nil
	case '{', '[':
		// Legacy records predate the envelope and were plain JSON.
		log.Printf("[INFO] Reading legacy JSON record %s", name)
		if err := json.Unmarshal(blob, v); err != nil {
			return fmt.Errorf("%w: decoding legacy %s: %v", ErrCorrupt, name, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s has unknown envelope 0x%02x", ErrCorrupt, name, blob[0])
	}
}

// Delete removes name. Removing a missing record succeeds.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := s.call(ctx, func(ctx context.Context) error {
		return s.backend.Delete(ctx, name)
	}); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", name, err)
	}
	s.mu.Lock()
	delete(s.degraded, name)
	s.mu.Unlock()
	return nil
}

// Degraded reports whether the last write of name used the plaintext path.
func (s *Store) Degraded(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded[name]
}

// call runs fn with retries under the store timeout. If the deadline passes
// first the caller gets ErrUnavailable; the backend call is abandoned.
func (s *Store) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- retry.Do(func() error {
			if err := ctx.Err(); err != nil {
				return nil //nolint:nilerr // the select below reports the timeout
			}
			return fn(ctx)
		}, retry.Attempts(s.opts.Attempts), retry.Delay(s.opts.Delay), retry.MaxDelay(s.opts.MaxDelay))
	}()

	select {
	case err := <-done:
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
}
