package snapshot

import "strings"

// FieldClass groups snapshot fields by what a change in them implies.
type FieldClass int

// Field classes, in comparison order.
const (
	ClassImmutable FieldClass = iota
	ClassCriticalTamper
	ClassSecurity
	ClassIntegrity
)

// Classes lists every class in the order the comparison engine walks them.
var Classes = []FieldClass{ClassImmutable, ClassCriticalTamper, ClassSecurity, ClassIntegrity}

func (c FieldClass) String() string {
	switch c {
	case ClassImmutable:
		return "IMMUTABLE"
	case ClassCriticalTamper:
		return "CRITICAL_TAMPER"
	case ClassSecurity:
		return "SECURITY"
	case ClassIntegrity:
		return "INTEGRITY"
	default:
		return "UNKNOWN"
	}
}

// Severity orders how serious a mismatch is. Higher values are worse.
type Severity int

// Severities in ascending order.
const (
	SeverityNone Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "NONE"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name. Unknown names decode to NONE.
func (s *Severity) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "CRITICAL":
		*s = SeverityCritical
	case "HIGH":
		*s = SeverityHigh
	case "MEDIUM":
		*s = SeverityMedium
	default:
		*s = SeverityNone
	}
	return nil
}

// Severity returns the severity of a mismatch in a field of this class.
func (c FieldClass) Severity() Severity {
	switch c {
	case ClassImmutable, ClassCriticalTamper:
		return SeverityCritical
	case ClassSecurity:
		return SeverityHigh
	case ClassIntegrity:
		return SeverityMedium
	default:
		return SeverityNone
	}
}

// Field describes one comparable snapshot field.
type Field struct {
	Name  string
	Class FieldClass
	value func(*Snapshot) string
}

// fields is the declaration order used for comparison and digests.
// Reordering it changes mismatch order and every stored digest.
var fields = []Field{
	{"serial_number", ClassImmutable, func(s *Snapshot) string { return s.SerialNumber }},
	{"device_imeis", ClassImmutable, func(s *Snapshot) string { return strings.Join(s.IMEIs, ",") }},
	{"manufacturer", ClassImmutable, func(s *Snapshot) string { return s.Manufacturer }},
	{"model", ClassImmutable, func(s *Snapshot) string { return s.Model }},
	{"bootloader", ClassImmutable, func(s *Snapshot) string { return s.Bootloader }},
	{"processor", ClassImmutable, func(s *Snapshot) string { return s.Processor }},
	{"device_fingerprint", ClassImmutable, func(s *Snapshot) string { return s.Fingerprint }},

	{"is_device_rooted", ClassCriticalTamper, func(s *Snapshot) string { return formatBool(s.Rooted) }},
	{"is_bootloader_unlocked", ClassCriticalTamper, func(s *Snapshot) string { return formatBool(s.BootloaderUnlocked) }},
	{"is_custom_rom", ClassCriticalTamper, func(s *Snapshot) string { return formatBool(s.CustomROM) }},
	{"installed_apps_hash", ClassCriticalTamper, func(s *Snapshot) string { return s.InstalledAppsHash }},
	{"system_properties_hash", ClassCriticalTamper, func(s *Snapshot) string { return s.SystemPropertiesHash }},

	{"is_usb_debugging_enabled", ClassSecurity, func(s *Snapshot) string { return formatBool(s.USBDebugging) }},
	{"is_developer_mode_enabled", ClassSecurity, func(s *Snapshot) string { return formatBool(s.DeveloperMode) }},

	{"integrity_level", ClassIntegrity, func(s *Snapshot) string { return s.Integrity }},
}

var fieldIndex = func() map[string]*Field {
	m := make(map[string]*Field, len(fields))
	for i := range fields {
		m[fields[i].Name] = &fields[i]
	}
	return m
}()

// FieldsOf returns the fields of one class in declaration order.
func FieldsOf(c FieldClass) []Field {
	var out []Field
	for _, f := range fields {
		if f.Class == c {
			out = append(out, f)
		}
	}
	return out
}

// ClassOf returns the class of a named field.
func ClassOf(name string) (FieldClass, bool) {
	f, ok := fieldIndex[name]
	if !ok {
		return 0, false
	}
	return f.Class, true
}

// Value returns the field's normalized value in s.
func (f Field) Value(s Snapshot) string {
	return f.value(&s)
}
