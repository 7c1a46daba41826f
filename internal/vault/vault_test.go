package vault

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"filippo.io/age"
)

type record struct {
	Name  string    `json:"name"`
	Count int       `json:"count"`
	When  time.Time `json:"when"`
}

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, KeySize)
}

func newTestStore(t *testing.T, b Backend, opts Options) *Store {
	t.Helper()
	sealer, err := NewAEAD(testKey())
	if err != nil {
		t.Fatalf("NewAEAD: %v", err)
	}
	return New(b, sealer, opts)
}

func TestSanitizeID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"normal-id", "normal-id"},
		{"../../../etc/passwd", "etc-passwd"},
		{"id/with/slashes", "id-with-slashes"},
		{"id\\with\\backslashes", "id-with-backslashes"},
		{"id:with:colons", "id-with-colons"},
		{"id with spaces", "id-with-spaces"},
		{"id<with>special*chars?", "id-with-special-chars"},
		{"", "unknown"},
		{"..", "unknown"},
		{"./", "unknown"},
		{strings.Repeat("a", 300), strings.Repeat("a", 255)},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeID(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeID(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestSealOpen(t *testing.T) {
	a, err := NewAEAD(testKey())
	if err != nil {
		t.Fatalf("NewAEAD: %v", err)
	}
	blob, err := a.Seal("snapshot/current", []byte("hello"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if len(blob) != SealedOverhead+5 {
		t.Errorf("blob length = %d, want %d", len(blob), SealedOverhead+5)
	}

	got, err := a.Open("snapshot/current", blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Open = %q, want %q", got, "hello")
	}

	// A blob moved to another slot must not open.
	if _, err := a.Open("snapshot/baseline", blob); !errors.Is(err, ErrCrypto) {
		t.Errorf("Open under wrong name: err = %v, want ErrCrypto", err)
	}

	// Any flipped byte must fail authentication.
	blob[len(blob)-1] ^= 0x01
	if _, err := a.Open("snapshot/current", blob); !errors.Is(err, ErrCrypto) {
		t.Errorf("Open of tampered blob: err = %v, want ErrCrypto", err)
	}
}

func TestNewAEADRejectsShortKey(t *testing.T) {
	if _, err := NewAEAD([]byte("short")); !errors.Is(err, ErrCrypto) {
		t.Errorf("NewAEAD(short) err = %v, want ErrCrypto", err)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	backends := map[string]func(t *testing.T) Backend{
		"memory": func(*testing.T) Backend { return NewMemory() },
		"file": func(t *testing.T) Backend {
			b, err := NewFile(t.TempDir())
			if err != nil {
				t.Fatalf("NewFile: %v", err)
			}
			return b
		},
		"sqlite": func(t *testing.T) Backend {
			b, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "vault.db"))
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
	}

	for name, mk := range backends {
		t.Run(name, func(t *testing.T) {
			b := mk(t)
			s := newTestStore(t, b, Options{})

			var missing record
			if err := s.Get(ctx, "snapshot/current", &missing); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get before Put: err = %v, want ErrNotFound", err)
			}

			in := record{Name: "current", Count: 3, When: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
			if err := s.Put(ctx, "snapshot/current", in); err != nil {
				t.Fatalf("Put: %v", err)
			}

			raw, err := b.Get(ctx, "snapshot/current")
			if err != nil {
				t.Fatalf("backend Get: %v", err)
			}
			if raw[0] != envelopeSealed {
				t.Errorf("stored envelope = 0x%02x, want sealed", raw[0])
			}
			if bytes.Contains(raw, []byte("current")) {
				t.Error("plaintext visible in stored blob")
			}

			var out record
			if err := s.Get(ctx, "snapshot/current", &out); err != nil {
				t.Fatalf("Get: %v", err)
			}
			if out.Name != in.Name || out.Count != in.Count || !out.When.Equal(in.When) {
				t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
			}

			if err := s.Delete(ctx, "snapshot/current"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := s.Get(ctx, "snapshot/current", &out); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after Delete: err = %v, want ErrNotFound", err)
			}
			if err := s.Delete(ctx, "snapshot/current"); err != nil {
				t.Errorf("second Delete: %v", err)
			}
		})
	}
}

type failingSealer struct{}

func (failingSealer) Seal(string, []byte) ([]byte, error) {
	return nil, errors.New("keystore unavailable")
}

func (failingSealer) Open(string, []byte) ([]byte, error) {
	return nil, errors.New("keystore unavailable")
}

func TestStorePlaintextFallback(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()

	var mu sync.Mutex
	var degradedNames []string
	s := New(b, failingSealer{}, Options{OnDegraded: func(name string, _ error) {
		mu.Lock()
		degradedNames = append(degradedNames, name)
		mu.Unlock()
	}})

	if err := s.Put(ctx, "queue/pending", record{Name: "x", Count: 1}); err != nil {
		t.Fatalf("Put should fall back, got %v", err)
	}
	if !s.Degraded("queue/pending") {
		t.Error("fallback write not flagged as degraded")
	}
	if len(degradedNames) != 1 || degradedNames[0] != "queue/pending" {
		t.Errorf("OnDegraded calls = %v", degradedNames)
	}

	raw, _ := b.Get(ctx, "queue/pending")
	if raw[0] != envelopePlain {
		t.Errorf("stored envelope = 0x%02x, want plain", raw[0])
	}

	var out record
	if err := s.Get(ctx, "queue/pending", &out); err != nil {
		t.Fatalf("Get of plaintext record: %v", err)
	}
	if out.Name != "x" || out.Count != 1 {
		t.Errorf("plaintext round trip: got %+v", out)
	}

	// A later sealed write clears the flag.
	good := newTestStore(t, b, Options{})
	good.degraded["queue/pending"] = true
	if err := good.Put(ctx, "queue/pending", out); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if good.Degraded("queue/pending") {
		t.Error("degraded flag not cleared after sealed write")
	}
}

func TestStoreLegacyJSON(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	if err := b.Put(ctx, "snapshot/baseline", []byte(`{"name":"legacy","count":7}`)); err != nil {
		t.Fatal(err)
	}
	s := newTestStore(t, b, Options{})

	var out record
	if err := s.Get(ctx, "snapshot/baseline", &out); err != nil {
		t.Fatalf("Get legacy: %v", err)
	}
	if out.Name != "legacy" || out.Count != 7 {
		t.Errorf("legacy decode: got %+v", out)
	}
}

func TestStoreRejectsTamperedAndUnknown(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	s := newTestStore(t, b, Options{})

	if err := s.Put(ctx, "snapshot/verified", record{Name: "v"}); err != nil {
		t.Fatal(err)
	}
	raw, _ := b.Get(ctx, "snapshot/verified")
	raw[len(raw)-2] ^= 0xff
	_ = b.Put(ctx, "snapshot/verified", raw)

	var out record
	if err := s.Get(ctx, "snapshot/verified", &out); !errors.Is(err, ErrCrypto) {
		t.Errorf("tampered Get: err = %v, want ErrCrypto", err)
	}

	_ = b.Put(ctx, "snapshot/verified", []byte{0x7f, 0x01})
	if err := s.Get(ctx, "snapshot/verified", &out); !errors.Is(err, ErrCorrupt) {
		t.Errorf("unknown envelope: err = %v, want ErrCorrupt", err)
	}
}

type slowBackend struct {
	*Memory
	delay time.Duration
}

func (s slowBackend) Get(ctx context.Context, key string) ([]byte, error) {
	time.Sleep(s.delay)
	return s.Memory.Get(ctx, key)
}

func TestStoreTimeoutFailsClosed(t *testing.T) {
	s := newTestStore(t, slowBackend{Memory: NewMemory(), delay: 300 * time.Millisecond}, Options{Timeout: 20 * time.Millisecond})

	start := time.Now()
	var out record
	err := s.Get(context.Background(), "snapshot/current", &out)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("slow Get: err = %v, want ErrUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("Get blocked for %v", elapsed)
	}
}

func TestKeyringPersistsKey(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()

	first, created, err := NewKeyring(b, nil).Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !created || len(first) != KeySize {
		t.Fatalf("first Load: created=%v len=%d", created, len(first))
	}

	second, created, err := NewKeyring(b, nil).Load(ctx)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if created || !bytes.Equal(first, second) {
		t.Error("second Load generated a different key")
	}
	if KeyID(first) != KeyID(second) || len(KeyID(first)) != 16 {
		t.Errorf("KeyID unstable: %s vs %s", KeyID(first), KeyID(second))
	}
}

func TestKeyringWrapped(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}

	key, _, err := NewKeyring(b, id).Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	raw, _ := b.Get(ctx, KeyRecord)
	if raw[0] != keyFormatWrapped || bytes.Contains(raw, key) {
		t.Error("data key not wrapped at rest")
	}

	again, _, err := NewKeyring(b, id).Load(ctx)
	if err != nil || !bytes.Equal(key, again) {
		t.Fatalf("reload wrapped key: %v", err)
	}

	if _, _, err := NewKeyring(b, nil).Load(ctx); !errors.Is(err, ErrCrypto) {
		t.Errorf("Load without identity: err = %v, want ErrCrypto", err)
	}

	other, _ := age.GenerateX25519Identity()
	if _, _, err := NewKeyring(b, other).Load(ctx); !errors.Is(err, ErrCrypto) {
		t.Errorf("Load with wrong identity: err = %v, want ErrCrypto", err)
	}
}

func TestKeyringWrapsExistingRawKey(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	raw, _, err := NewKeyring(b, nil).Load(ctx)
	if err != nil {
		t.Fatal(err)
	}

	id, _ := age.GenerateX25519Identity()
	key, _, err := NewKeyring(b, id).Load(ctx)
	if err != nil || !bytes.Equal(raw, key) {
		t.Fatalf("Load with new identity: %v", err)
	}
	stored, _ := b.Get(ctx, KeyRecord)
	if stored[0] != keyFormatWrapped {
		t.Error("existing key not rewrapped")
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	s, err := Open(ctx, b, NewKeyring(b, nil), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Put(ctx, "payment/cached", record{Name: "due"}); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(ctx, b, NewKeyring(b, nil), Options{})
	if err != nil {
		t.Fatal(err)
	}
	var out record
	if err := reopened.Get(ctx, "payment/cached", &out); err != nil || out.Name != "due" {
		t.Errorf("reopened Get: %+v, %v", out, err)
	}
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
	return &buf
}

func TestFileDebugLogging(t *testing.T) {
	ctx := context.Background()
	b, err := NewFile(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	buf := captureLog(t)

	if err := b.Put(ctx, "queue/pending", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "[DEBUG]") {
		t.Errorf("debug line logged without Debug: %q", buf.String())
	}

	b.Debug = true
	if err := b.Put(ctx, "queue/pending", []byte("y")); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "[DEBUG] Record queue/pending written") {
		t.Errorf("debug line missing with Debug: %q", buf.String())
	}
}

func TestFileBackendLayout(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	b, err := NewFile(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Put(ctx, "../../escape", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	path, err := b.pathFor("../../escape")
	if err != nil {
		t.Fatal(err)
	}
	abs, _ := filepath.Abs(root)
	if !strings.HasPrefix(path, abs) {
		t.Errorf("record escaped state dir: %s", path)
	}
}
