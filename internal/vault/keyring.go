package vault

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"filippo.io/age"
	"github.com/zeebo/blake3"
)

// KeySize is the size in bytes of the data key.
const KeySize = 32

// KeyRecord is where the data key is persisted.
const KeyRecord = "vault/key"

// Key record layouts.
const (
	keyFormatRaw     byte = 'R' // [R][32-byte key]
	keyFormatWrapped byte = 'A' // [A][age ciphertext of the key]
)

// Keyring loads the install's data key, creating it on first use.
// When a wrapping identity is set the key is stored age-encrypted to it;
// otherwise it is stored as-is next to the data it protects.
type Keyring struct {
	backend Backend
	wrap    *age.X25519Identity
}

// NewKeyring returns a Keyring. wrap may be nil.
func NewKeyring(backend Backend, wrap *age.X25519Identity) *Keyring {
	return &Keyring{backend: backend, wrap: wrap}
}

// LoadWrapIdentity reads an age X25519 identity file (AGE-SECRET-KEY-1...).
func LoadWrapIdentity(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read wrap identity: %w", err)
	}
	ids, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse wrap identity: %w", err)
	}
	for _, id := range ids {
		if x, ok := id.(*age.X25519Identity); ok {
			return x, nil
		}
	}
	return nil, errors.New("wrap identity file holds no X25519 identity")
}

// Load returns the data key, generating and persisting one if none exists.
// created reports whether a new key was generated.
func (k *Keyring) Load(ctx context.Context) (key []byte, created bool, err error) {
	blob, err := k.backend.Get(ctx, KeyRecord)
	switch {
	case errors.Is(err, ErrNotFound):
		key, err = k.generate(ctx)
		return key, err == nil, err
	case err != nil:
		return nil, false, fmt.Errorf("failed to load data key: %w", err)
	}

	key, wrapped, err := k.decode(blob)
	if err != nil {
		return nil, false, err
	}
	if !wrapped && k.wrap != nil {
		log.Print("[INFO] Wrapping previously unwrapped data key")
		if err := k.store(ctx, key); err != nil {
			log.Printf("[WARN] Failed to wrap existing data key: %v", err)
		}
	}
	return key, false, nil
}

func (k *Keyring) generate(ctx context.Context) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: generating data key: %v", ErrCrypto, err)
	}
	if err := k.store(ctx, key); err != nil {
		return nil, err
	}
	log.Printf("[INFO] Generated new data key %s (wrapped: %v)", KeyID(key), k.wrap != nil)
	return key, nil
}

func (k *Keyring) store(ctx context.Context, key []byte) error {
	var blob []byte
	if k.wrap == nil {
		log.Print("[WARN] No wrap identity configured; data key stored unwrapped")
		blob = append([]byte{keyFormatRaw}, key...)
	} else {
		var buf bytes.Buffer
		buf.WriteByte(keyFormatWrapped)
		w, err := age.Encrypt(&buf, k.wrap.Recipient())
		if err != nil {
			return fmt.Errorf("%w: creating age encryptor: %v", ErrCrypto, err)
		}
		if _, err := w.Write(key); err != nil {
			return fmt.Errorf("%w: wrapping data key: %v", ErrCrypto, err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("%w: finalizing data key wrap: %v", ErrCrypto, err)
		}
		blob = buf.Bytes()
	}
	if err := k.backend.Put(ctx, KeyRecord, blob); err != nil {
		return fmt.Errorf("failed to persist data key: %w", err)
	}
	return nil
}

func (k *Keyring) decode(blob []byte) (key []byte, wrapped bool, err error) {
	if len(blob) == 0 {
		return nil, false, fmt.Errorf("%w: empty key record", ErrCorrupt)
	}
	switch blob[0] {
	case keyFormatRaw:
		if len(blob) != 1+KeySize {
			return nil, false, fmt.Errorf("%w: raw key record is %d bytes", ErrCorrupt, len(blob))
		}
		return append([]byte(nil), blob[1:]...), false, nil
	case keyFormatWrapped:
		if k.wrap == nil {
			return nil, true, fmt.Errorf("%w: data key is wrapped but no wrap identity is configured", ErrCrypto)
		}
		r, err := age.Decrypt(bytes.NewReader(blob[1:]), k.wrap)
		if err != nil {
			return nil, true, fmt.Errorf("%w: unwrapping data key: %v", ErrCrypto, err)
		}
		key, err := io.ReadAll(r)
		if err != nil {
			return nil, true, fmt.Errorf("%w: reading unwrapped data key: %v", ErrCrypto, err)
		}
		if len(key) != KeySize {
			return nil, true, fmt.Errorf("%w: unwrapped key is %d bytes", ErrCorrupt, len(key))
		}
		return key, true, nil
	default:
		return nil, false, fmt.Errorf("%w: unknown key record format 0x%02x", ErrCorrupt, blob[0])
	}
}

// KeyID returns a short identifier for a data key, safe to log.
func KeyID(key []byte) string {
	var out [8]byte
	blake3.DeriveKey("paylock 2026 vault key id", key, out[:])
	return hex.EncodeToString(out[:])
}
