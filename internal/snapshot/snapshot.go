// Package snapshot defines the point-in-time device identity and security
// record that the tamper detector compares against a trusted reference.
package snapshot

import (
	"encoding/hex"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Integrity labels derived from the critical-tamper and security flags.
const (
	IntegrityIntact      = "INTACT"
	IntegrityWeakened    = "WEAKENED"
	IntegrityCompromised = "COMPROMISED"
)

// Facts is the raw device record handed over by the host platform.
// Field names follow the heartbeat payload.
type Facts struct {
	// Immutable identity.
	SerialNumber string   `json:"serial_number"`
	IMEIs        []string `json:"device_imeis"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	Bootloader   string   `json:"bootloader"`
	Processor    string   `json:"processor"`
	Fingerprint  string   `json:"device_fingerprint"`

	// Critical tamper indicators.
	Rooted               bool   `json:"is_device_rooted"`
	BootloaderUnlocked   bool   `json:"is_bootloader_unlocked"`
	CustomROM            bool   `json:"is_custom_rom"`
	InstalledAppsHash    string `json:"installed_apps_hash"`
	SystemPropertiesHash string `json:"system_properties_hash"`

	// Security posture.
	USBDebugging  bool `json:"is_usb_debugging_enabled"`
	DeveloperMode bool `json:"is_developer_mode_enabled"`
}

// Snapshot is an immutable capture of Facts for one device.
// Create it with New; a fresh capture is always a fresh value.
type Snapshot struct {
	DeviceID   string    `json:"device_id"`
	CapturedAt time.Time `json:"captured_at"`
	Facts
	Integrity string `json:"integrity_level"`
}

// New captures facts into a Snapshot. Strings are trimmed, the IMEI list is
// copied and sorted, and the integrity label is derived.
func New(deviceID string, f Facts, at time.Time) Snapshot {
	n := Facts{
		SerialNumber:         strings.TrimSpace(f.SerialNumber),
		Manufacturer:         strings.TrimSpace(f.Manufacturer),
		Model:                strings.TrimSpace(f.Model),
		Bootloader:           strings.TrimSpace(f.Bootloader),
		Processor:            strings.TrimSpace(f.Processor),
		Fingerprint:          strings.TrimSpace(f.Fingerprint),
		Rooted:               f.Rooted,
		BootloaderUnlocked:   f.BootloaderUnlocked,
		CustomROM:            f.CustomROM,
		InstalledAppsHash:    strings.TrimSpace(f.InstalledAppsHash),
		SystemPropertiesHash: strings.TrimSpace(f.SystemPropertiesHash),
		USBDebugging:         f.USBDebugging,
		DeveloperMode:        f.DeveloperMode,
	}
	for _, imei := range f.IMEIs {
		if imei = strings.TrimSpace(imei); imei != "" {
			n.IMEIs = append(n.IMEIs, imei)
		}
	}
	slices.Sort(n.IMEIs)

	return Snapshot{
		DeviceID:   strings.TrimSpace(deviceID),
		CapturedAt: at.UTC(),
		Facts:      n,
		Integrity:  DeriveIntegrity(n),
	}
}

// DeriveIntegrity computes the aggregate integrity label for a set of facts.
func DeriveIntegrity(f Facts) string {
	switch {
	case f.Rooted || f.BootloaderUnlocked || f.CustomROM:
		return IntegrityCompromised
	case f.USBDebugging || f.DeveloperMode:
		return IntegrityWeakened
	default:
		return IntegrityIntact
	}
}

// IsZero reports whether the snapshot was never captured.
func (s Snapshot) IsZero() bool {
	return s.DeviceID == "" && s.CapturedAt.IsZero()
}

// Value returns the normalized comparison value of the named field.
func (s Snapshot) Value(name string) (string, bool) {
	f, ok := fieldIndex[name]
	if !ok {
		return "", false
	}
	return f.value(&s), true
}

// Digest returns a BLAKE3 hash over the device id and every field value in
// declaration order. The capture time is excluded, so two captures of an
// unchanged device share a digest.
func (s Snapshot) Digest() string {
	h := blake3.New()
	_, _ = h.WriteString(s.DeviceID)
	for i := range fields {
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(fields[i].Name)
		_, _ = h.WriteString("=")
		_, _ = h.WriteString(fields[i].value(&s))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func formatBool(b bool) string {
	return strconv.FormatBool(b)
}
