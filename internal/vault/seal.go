package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Envelope version bytes. The first byte of every stored blob says how the
// rest is laid out.
const (
	// envelopePlain is the flagged unencrypted fallback: [0x00][cbor].
	envelopePlain byte = 0x00
	// envelopeSealed is [0x01][nonce: 24][ciphertext+tag].
	envelopeSealed byte = 0x01
)

// SealedOverhead is the byte overhead of a sealed blob.
const SealedOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// Sealer encrypts and authenticates record payloads. The record name is
// bound into the ciphertext so a blob cannot be moved to another slot.
type Sealer interface {
	Seal(name string, plaintext []byte) ([]byte, error)
	Open(name string, blob []byte) ([]byte, error)
}

// AEAD is the XChaCha20-Poly1305 Sealer.
type AEAD struct {
	aead cipher.AEAD
}

// NewAEAD returns a Sealer for a KeySize-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key is %d bytes, want %d", ErrCrypto, len(key), KeySize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: creating XChaCha20-Poly1305 cipher: %v", ErrCrypto, err)
	}
	return &AEAD{aead: aead}, nil
}

// Seal implements Sealer.
func (a *AEAD) Seal(name string, plaintext []byte) ([]byte, error) {
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: generating random nonce: %v", ErrCrypto, err)
	}

	out := make([]byte, 0, SealedOverhead+len(plaintext))
	out = append(out, envelopeSealed)
	out = append(out, nonce[:]...)
	return a.aead.Seal(out, nonce[:], plaintext, buildAAD(name)), nil
}

// Open implements Sealer.
func (a *AEAD) Open(name string, blob []byte) ([]byte, error) {
	if len(blob) < SealedOverhead {
		return nil, fmt.Errorf("%w: sealed blob too short (%d bytes)", ErrCorrupt, len(blob))
	}
	if blob[0] != envelopeSealed {
		return nil, fmt.Errorf("%w: unsupported envelope version 0x%02x", ErrCorrupt, blob[0])
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := blob[1+chacha20poly1305.NonceSizeX:]

	plaintext, err := a.aead.Open(nil, nonce, ciphertext, buildAAD(name))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed for %s", ErrCrypto, name)
	}
	return plaintext, nil
}

func buildAAD(name string) []byte {
	aad := make([]byte, 0, 1+len(name))
	aad = append(aad, envelopeSealed)
	return append(aad, name...)
}
