// Package main implements the paylock directive signing tool.
package main

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"paylock/internal/directive"
)

const (
	// File permissions.
	privateKeyMode = 0o600
	publicKeyMode  = 0o644
)

func usage() {
	fmt.Fprint(os.Stderr, "paylock-sign - Sign paylock directives\n\n")
	fmt.Fprint(os.Stderr, "Usage:\n")
	fmt.Fprint(os.Stderr, "  paylock-sign keygen --out <prefix> [--algorithm ecdsa|ed25519]\n")
	fmt.Fprint(os.Stderr, "  paylock-sign sign --key <private.pem> [--in directive.json] [--ttl 24h]\n")
	fmt.Fprint(os.Stderr, "  paylock-sign verify --pub <public.pem> [--in directive.json]\n\n")
	fmt.Fprint(os.Stderr, "keygen writes <prefix>.key (PKCS#8) and <prefix>.pub (PKIX).\n")
	fmt.Fprint(os.Stderr, "Install the .pub file on devices via queue.public_key.\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "keygen":
		err = runKeygen(os.Args[2:])
	case "sign":
		err = runSign(os.Args[2:], os.Stdin, os.Stdout)
	case "verify":
		err = runVerify(os.Args[2:], os.Stdin)
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", os.Args[1], err)
	}
}

func runKeygen(args []string) error {
	fs := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	out := fs.String("out", "directive", "Output path prefix")
	algorithm := fs.String("algorithm", "ecdsa", "Key algorithm: ecdsa (P-256) or ed25519")
	if err := fs.Parse(args); err != nil {
		return err
	}

	priv, err := generateKey(*algorithm)
	if err != nil {
		return err
	}
	privPEM, pubPEM, err := encodeKeyPair(priv)
	if err != nil {
		return err
	}

	if err := os.WriteFile(*out+".key", privPEM, privateKeyMode); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(*out+".pub", pubPEM, publicKeyMode); err != nil { //nolint:gosec // public key is meant to be world-readable
		return fmt.Errorf("failed to write public key: %w", err)
	}

	var v directive.Verifier
	if err := v.Install(pubPEM); err != nil {
		return err
	}
	log.Printf("[INFO] Wrote %s.key and %s.pub (fingerprint %s)", *out, *out, v.Fingerprint())
	return nil
}

func generateKey(algorithm string) (crypto.Signer, error) {
	switch algorithm {
	case "ecdsa":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ed25519":
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, err
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", algorithm)
	}
}

func encodeKeyPair(priv crypto.Signer) (privPEM, pubPEM []byte, err error) {
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(priv.Public())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	privPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privPEM, pubPEM, nil
}

func loadSigner(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("private key is not PEM encoded")
	}

	var key any
	switch block.Type {
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return signer, nil
}

func readDirective(path string, stdin io.Reader) (directive.Directive, error) {
	var data []byte
	var err error
	if path == "" || path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return directive.Directive{}, fmt.Errorf("failed to read directive: %w", err)
	}
	var d directive.Directive
	if err := json.Unmarshal(data, &d); err != nil {
		return directive.Directive{}, fmt.Errorf("failed to parse directive: %w", err)
	}
	return d, nil
}

func runSign(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := pflag.NewFlagSet("sign", pflag.ContinueOnError)
	keyPath := fs.String("key", "", "Path to the PEM private key")
	in := fs.String("in", "-", "Directive JSON file, - for stdin")
	ttl := fs.Duration("ttl", 0, "Set expires_at to now+ttl when the directive has none")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *keyPath == "" {
		return errors.New("--key is required")
	}

	signer, err := loadSigner(*keyPath)
	if err != nil {
		return err
	}
	d, err := readDirective(*in, stdin)
	if err != nil {
		return err
	}
	signed, err := signDirective(signer, d, *ttl, time.Now())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(signed)
}

// signDirective fills in a missing id and expiry, validates and signs d.
// Queue bookkeeping fields are cleared so the output is a fresh directive.
func signDirective(signer crypto.Signer, d directive.Directive, ttl time.Duration, now time.Time) (directive.Directive, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.ExpiresAt == 0 && ttl > 0 {
		d.ExpiresAt = now.Add(ttl).UnixMilli()
	}
	d.Status, d.Result, d.Auth = "", "", ""
	d.EnqueuedAt, d.ExecutionStart, d.ExecutionEnd = 0, 0, 0
	d.Signature = nil

	if err := d.Validate(); err != nil {
		return directive.Directive{}, err
	}
	if d.Expired(now) {
		return directive.Directive{}, fmt.Errorf("directive %s already expired", d.ID)
	}
	sig, err := directive.Sign(signer, d)
	if err != nil {
		return directive.Directive{}, fmt.Errorf("failed to sign: %w", err)
	}
	d.Signature = sig
	return d, nil
}

func runVerify(args []string, stdin io.Reader) error {
	fs := pflag.NewFlagSet("verify", pflag.ContinueOnError)
	pubPath := fs.String("pub", "", "Path to the PEM or base64 public key")
	in := fs.String("in", "-", "Directive JSON file, - for stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *pubPath == "" {
		return errors.New("--pub is required")
	}

	data, err := os.ReadFile(*pubPath)
	if err != nil {
		return fmt.Errorf("failed to read public key: %w", err)
	}
	var v directive.Verifier
	if err := v.Install(data); err != nil {
		return err
	}
	d, err := readDirective(*in, stdin)
	if err != nil {
		return err
	}
	if err := v.Verify(d); err != nil {
		return err
	}
	log.Printf("[INFO] %s verified with key %s", d, v.Fingerprint())
	return nil
}
