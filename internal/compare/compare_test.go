package compare

import (
	"reflect"
	"testing"
	"time"

	"paylock/internal/snapshot"
)

func baseFacts() snapshot.Facts {
	return snapshot.Facts{
		SerialNumber:         "R58N123ABC",
		IMEIs:                []string{"356938035643809", "356938035643817"},
		Manufacturer:         "samsung",
		Model:                "SM-A135F",
		Bootloader:           "A135FXXU3BVJ1",
		Processor:            "exynos850",
		Fingerprint:          "samsung/a13nsxx/a13:13/TP1A:user/release-keys",
		InstalledAppsHash:    "apps-1",
		SystemPropertiesHash: "props-1",
	}
}

func snap(mut func(*snapshot.Facts)) snapshot.Snapshot {
	f := baseFacts()
	if mut != nil {
		mut(&f)
	}
	return snapshot.New("dev-1", f, time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
}

func TestCompareIdentical(t *testing.T) {
	res := Compare(snap(nil), snap(nil), ModeOnline)
	if res.Tampered {
		t.Errorf("identical snapshots reported tampered: %+v", res.Mismatches)
	}
	if res.Severity != snapshot.SeverityNone {
		t.Errorf("Severity = %s, want NONE", res.Severity)
	}
	if RecommendedAction(res) != ActionContinue {
		t.Errorf("RecommendedAction = %s, want CONTINUE", RecommendedAction(res))
	}
}

func TestCompareSeverityByClass(t *testing.T) {
	tests := []struct {
		name     string
		mut      func(*snapshot.Facts)
		severity snapshot.Severity
		action   Action
		fields   []string
	}{
		{
			name:     "serial swap",
			mut:      func(f *snapshot.Facts) { f.SerialNumber = "R58N999XYZ" },
			severity: snapshot.SeverityCritical,
			action:   ActionHardLock,
			fields:   []string{"serial_number"},
		},
		{
			name:     "new imei",
			mut:      func(f *snapshot.Facts) { f.IMEIs = append(f.IMEIs, "490154203237518") },
			severity: snapshot.SeverityCritical,
			action:   ActionHardLock,
			fields:   []string{"device_imeis"},
		},
		{
			name:     "model case change is a mismatch",
			mut:      func(f *snapshot.Facts) { f.Model = "sm-a135f" },
			severity: snapshot.SeverityCritical,
			action:   ActionHardLock,
			fields:   []string{"model"},
		},
		{
			name:     "rooted",
			mut:      func(f *snapshot.Facts) { f.Rooted = true },
			severity: snapshot.SeverityCritical,
			action:   ActionHardLock,
			fields:   []string{"is_device_rooted", "integrity_level"},
		},
		{
			name:     "apps hash",
			mut:      func(f *snapshot.Facts) { f.InstalledAppsHash = "apps-2" },
			severity: snapshot.SeverityCritical,
			action:   ActionHardLock,
			fields:   []string{"installed_apps_hash"},
		},
		{
			name:     "usb debugging only",
			mut:      func(f *snapshot.Facts) { f.USBDebugging = true },
			severity: snapshot.SeverityHigh,
			action:   ActionHardLock,
			fields:   []string{"is_usb_debugging_enabled", "integrity_level"},
		},
		{
			name:     "developer mode only",
			mut:      func(f *snapshot.Facts) { f.DeveloperMode = true },
			severity: snapshot.SeverityHigh,
			action:   ActionHardLock,
			fields:   []string{"is_developer_mode_enabled", "integrity_level"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Compare(snap(tt.mut), snap(nil), ModeOffline)
			if !res.Tampered {
				t.Fatal("expected tampered result")
			}
			if res.Severity != tt.severity {
				t.Errorf("Severity = %s, want %s", res.Severity, tt.severity)
			}
			if got := RecommendedAction(res); got != tt.action {
				t.Errorf("RecommendedAction = %s, want %s", got, tt.action)
			}
			if got := res.Fields(); !reflect.DeepEqual(got, tt.fields) {
				t.Errorf("Fields = %v, want %v", got, tt.fields)
			}
			wantCritical := tt.severity == snapshot.SeverityCritical
			if res.IsCriticalTampering() != wantCritical {
				t.Errorf("IsCriticalTampering = %v, want %v", res.IsCriticalTampering(), wantCritical)
			}
		})
	}
}

func TestCompareIntegrityOnly(t *testing.T) {
	ref := snap(nil)
	cur := snap(nil)
	cur.Integrity = snapshot.IntegrityWeakened

	res := Compare(cur, ref, ModeOnline)
	if res.Severity != snapshot.SeverityMedium {
		t.Errorf("Severity = %s, want MEDIUM", res.Severity)
	}
	if RecommendedAction(res) != ActionAlert {
		t.Errorf("RecommendedAction = %s, want ALERT", RecommendedAction(res))
	}
	if res.IsCriticalTampering() {
		t.Error("integrity-only drift reported as critical")
	}
}

func TestCompareGroupOrder(t *testing.T) {
	cur := snap(func(f *snapshot.Facts) {
		f.DeveloperMode = true
		f.CustomROM = true
		f.Manufacturer = "xiaomi"
	})
	res := Compare(cur, snap(nil), ModeOnline)

	want := []string{"manufacturer", "is_custom_rom", "is_developer_mode_enabled", "integrity_level"}
	if got := res.Fields(); !reflect.DeepEqual(got, want) {
		t.Errorf("Fields = %v, want %v", got, want)
	}
	if got := res.FieldsAtLeast(snapshot.SeverityCritical); !reflect.DeepEqual(got, want[:2]) {
		t.Errorf("FieldsAtLeast(CRITICAL) = %v, want %v", got, want[:2])
	}

	m := res.Mismatches[0]
	if m.Expected != "samsung" || m.Actual != "xiaomi" || m.Class != snapshot.ClassImmutable {
		t.Errorf("unexpected mismatch: %+v", m)
	}
}

func TestCompareDeterministic(t *testing.T) {
	cur := snap(func(f *snapshot.Facts) {
		f.Rooted = true
		f.USBDebugging = true
		f.Processor = "snapdragon"
	})
	ref := snap(nil)
	first := Compare(cur, ref, ModeOnline)
	for i := 0; i < 10; i++ {
		if again := Compare(cur, ref, ModeOnline); !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs:\n%+v\n%+v", i, first, again)
		}
	}
}

func TestOnlineOfflineEquivalence(t *testing.T) {
	cur := snap(func(f *snapshot.Facts) {
		f.BootloaderUnlocked = true
		f.SystemPropertiesHash = "props-9"
	})
	ref := snap(nil)

	online := Compare(cur, ref, ModeOnline)
	offline := Compare(cur, ref, ModeOffline)

	if online.Mode != ModeOnline || offline.Mode != ModeOffline {
		t.Fatalf("modes not tagged: %s / %s", online.Mode, offline.Mode)
	}
	offline.Mode = ModeOnline
	if !reflect.DeepEqual(online, offline) {
		t.Errorf("results differ beyond mode:\n%+v\n%+v", online, offline)
	}
}

func TestNoData(t *testing.T) {
	at := time.Unix(1700000000, 0)
	res := NoData(ModeOffline, at)
	if res.Tampered || !res.NoData || res.Severity != snapshot.SeverityNone {
		t.Errorf("unexpected sentinel: %+v", res)
	}
	if RecommendedAction(res) != ActionContinue {
		t.Errorf("RecommendedAction = %s, want CONTINUE", RecommendedAction(res))
	}
}
