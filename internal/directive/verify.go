package directive

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

const (
	// Smallest RSA modulus accepted for directive signing.
	minRSABits = 2048
	// Bytes of the BLAKE3 digest kept in a key fingerprint.
	fingerprintBytes = 8
)

// Verifier checks directive signatures against one installed public key.
// The zero value has no key.
type Verifier struct {
	key         crypto.PublicKey
	fingerprint string
	mu          sync.RWMutex
}

// NewVerifier returns a Verifier with no key installed.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// ParsePublicKey accepts a PEM "PUBLIC KEY" block or bare base64 PKIX DER
// and returns the key with its canonical PEM encoding. ECDSA (P-256 and
// up), RSA (2048 bits and up) and Ed25519 keys are accepted.
func ParsePublicKey(data []byte) (crypto.PublicKey, []byte, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, nil, fmt.Errorf("%w: empty public key", ErrInvalid)
	}

	var der []byte
	if block, _ := pem.Decode([]byte(text)); block != nil {
		if block.Type != "PUBLIC KEY" {
			return nil, nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalid, block.Type)
		}
		der = block.Bytes
	} else {
		decoded, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(text), ""))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: public key is neither valid PEM nor base64: %v", ErrInvalid, err)
		}
		der = decoded
	}

	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: failed to parse public key: %v", ErrInvalid, err)
	}

	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		if key.Curve.Params().BitSize < 256 {
			return nil, nil, fmt.Errorf("%w: ECDSA curve %s too small", ErrInvalid, key.Curve.Params().Name)
		}
	case *rsa.PublicKey:
		if key.N.BitLen() < minRSABits {
			return nil, nil, fmt.Errorf("%w: RSA key is %d bits (min %d)", ErrInvalid, key.N.BitLen(), minRSABits)
		}
	case ed25519.PublicKey:
	default:
		return nil, nil, fmt.Errorf("%w: unsupported public key type: %T", ErrInvalid, key)
	}

	return pub, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// Install parses data and replaces the active key. On error the active key
// is left untouched.
func (v *Verifier) Install(data []byte) error {
	pub, canonical, err := ParsePublicKey(data)
	if err != nil {
		return err
	}
	block, _ := pem.Decode(canonical)

	v.mu.Lock()
	v.key = pub
	v.fingerprint = Fingerprint(block.Bytes)
	v.mu.Unlock()
	return nil
}

// Installed reports whether a key is active.
func (v *Verifier) Installed() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key != nil
}

// Fingerprint returns the active key's fingerprint, or "" with no key.
func (v *Verifier) Fingerprint() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.fingerprint
}

// Verify checks d.Signature over d.CanonicalPayload. It returns ErrNoKey when
// no key is installed and ErrBadSignature on any mismatch.
func (v *Verifier) Verify(d Directive) error {
	v.mu.RLock()
	key := v.key
	v.mu.RUnlock()

	if key == nil {
		return ErrNoKey
	}
	if len(d.Signature) == 0 {
		return fmt.Errorf("%w: %s is unsigned", ErrBadSignature, d)
	}
	return verifyWith(key, d.CanonicalPayload(), d.Signature)
}

func verifyWith(key crypto.PublicKey, payload, signature []byte) error {
	hash := sha256.Sum256(payload)

	switch k := key.(type) {
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(k, hash[:], signature) {
			return ErrBadSignature
		}
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(k, crypto.SHA256, hash[:], signature); err != nil {
			return ErrBadSignature
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(k, payload, signature) {
			return ErrBadSignature
		}
	default:
		return fmt.Errorf("unsupported public key type: %T", k)
	}
	return nil
}

// Sign produces a signature over d.CanonicalPayload in the format Verify
// expects for the key type.
func Sign(signer crypto.Signer, d Directive) ([]byte, error) {
	payload := d.CanonicalPayload()
	switch signer.Public().(type) {
	case ed25519.PublicKey:
		return signer.Sign(rand.Reader, payload, crypto.Hash(0))
	case *ecdsa.PublicKey, *rsa.PublicKey:
		hash := sha256.Sum256(payload)
		// ecdsa.PrivateKey.Sign produces ASN.1; rsa.PrivateKey.Sign uses PKCS#1 v1.5.
		return signer.Sign(rand.Reader, hash[:], crypto.SHA256)
	default:
		return nil, errors.New("unsupported signer key type")
	}
}

// Fingerprint returns a short BLAKE3 fingerprint of DER-encoded key bytes.
func Fingerprint(der []byte) string {
	sum := blake3.Sum256(der)
	return hex.EncodeToString(sum[:fingerprintBytes])
}
