package snapshot

import (
	"testing"
	"time"
)

func testFacts() Facts {
	return Facts{
		SerialNumber:         "R58N123ABC",
		IMEIs:                []string{"356938035643809", " 356938035643817"},
		Manufacturer:         "samsung",
		Model:                "SM-A135F",
		Bootloader:           "A135FXXU3BVJ1",
		Processor:            "exynos850",
		Fingerprint:          "samsung/a13nsxx/a13:13/TP1A/A135FXXU3BVJ1:user/release-keys",
		InstalledAppsHash:    "apps-1",
		SystemPropertiesHash: "props-1",
	}
}

func TestNewNormalizes(t *testing.T) {
	f := testFacts()
	f.IMEIs = []string{"222", " 111 ", ""}
	f.Model = "  SM-A135F "
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("EAT", 3*3600))

	s := New(" dev-1 ", f, at)

	if s.DeviceID != "dev-1" {
		t.Errorf("DeviceID mismatch: got %q, want %q", s.DeviceID, "dev-1")
	}
	if s.Model != "SM-A135F" {
		t.Errorf("Model mismatch: got %q, want %q", s.Model, "SM-A135F")
	}
	if len(s.IMEIs) != 2 || s.IMEIs[0] != "111" || s.IMEIs[1] != "222" {
		t.Errorf("IMEIs not normalized: got %v", s.IMEIs)
	}
	if s.CapturedAt.Location() != time.UTC {
		t.Errorf("CapturedAt not UTC: %v", s.CapturedAt)
	}

	// The caller's slice must not alias the snapshot.
	f.IMEIs[0] = "999"
	if s.IMEIs[1] != "222" {
		t.Error("snapshot shares IMEI storage with caller")
	}
}

func TestDeriveIntegrity(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Facts)
		want string
	}{
		{"clean", func(*Facts) {}, IntegrityIntact},
		{"usb debugging", func(f *Facts) { f.USBDebugging = true }, IntegrityWeakened},
		{"developer mode", func(f *Facts) { f.DeveloperMode = true }, IntegrityWeakened},
		{"rooted", func(f *Facts) { f.Rooted = true }, IntegrityCompromised},
		{"rooted and debugging", func(f *Facts) { f.Rooted = true; f.USBDebugging = true }, IntegrityCompromised},
		{"custom rom", func(f *Facts) { f.CustomROM = true }, IntegrityCompromised},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := testFacts()
			tt.mut(&f)
			if got := DeriveIntegrity(f); got != tt.want {
				t.Errorf("DeriveIntegrity() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDigestIgnoresCaptureTime(t *testing.T) {
	a := New("dev-1", testFacts(), time.Unix(1000, 0))
	b := New("dev-1", testFacts(), time.Unix(2000, 0))
	if a.Digest() != b.Digest() {
		t.Error("digest changed with capture time only")
	}

	f := testFacts()
	f.Rooted = true
	c := New("dev-1", f, time.Unix(1000, 0))
	if a.Digest() == c.Digest() {
		t.Error("digest did not change with root status")
	}
}

func TestClassSeverity(t *testing.T) {
	tests := []struct {
		class FieldClass
		want  Severity
	}{
		{ClassImmutable, SeverityCritical},
		{ClassCriticalTamper, SeverityCritical},
		{ClassSecurity, SeverityHigh},
		{ClassIntegrity, SeverityMedium},
	}
	for _, tt := range tests {
		if got := tt.class.Severity(); got != tt.want {
			t.Errorf("%s.Severity() = %s, want %s", tt.class, got, tt.want)
		}
	}
}

func TestFieldLookup(t *testing.T) {
	s := New("dev-1", testFacts(), time.Unix(0, 0))
	v, ok := s.Value("is_device_rooted")
	if !ok || v != "false" {
		t.Errorf("Value(is_device_rooted) = %q, %v", v, ok)
	}
	if _, ok := s.Value("no_such_field"); ok {
		t.Error("unknown field reported as present")
	}
	class, ok := ClassOf("serial_number")
	if !ok || class != ClassImmutable {
		t.Errorf("ClassOf(serial_number) = %s, %v", class, ok)
	}

	total := 0
	for _, c := range Classes {
		total += len(FieldsOf(c))
	}
	if total != len(fields) {
		t.Errorf("classes cover %d fields, want %d", total, len(fields))
	}
}
