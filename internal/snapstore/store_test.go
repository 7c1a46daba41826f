package snapstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"paylock/internal/snapshot"
	"paylock/internal/vault"
)

func newStore(t *testing.T, historyCap int) (*Store, *vault.Memory) {
	t.Helper()
	b := vault.NewMemory()
	sealer, err := vault.NewAEAD(bytes.Repeat([]byte{7}, vault.KeySize))
	if err != nil {
		t.Fatal(err)
	}
	return New(vault.New(b, sealer, vault.Options{}), historyCap), b
}

func capture(serial string, at int64) snapshot.Snapshot {
	return snapshot.New("dev-1", snapshot.Facts{
		SerialNumber: serial,
		IMEIs:        []string{"356938035643809"},
		Manufacturer: "samsung",
		Model:        "SM-A135F",
	}, time.Unix(at, 0))
}

func TestSlots(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, 5)

	slots := []struct {
		name string
		save func(context.Context, snapshot.Snapshot) error
		load func(context.Context) (snapshot.Snapshot, error)
	}{
		{"current", s.SaveCurrent, s.Current},
		{"verified", s.SaveVerified, s.Verified},
		{"baseline", s.SaveBaseline, s.Baseline},
	}

	for i, slot := range slots {
		t.Run(slot.name, func(t *testing.T) {
			if _, err := slot.load(ctx); !errors.Is(err, ErrNotFound) {
				t.Fatalf("load before save: err = %v, want ErrNotFound", err)
			}
			want := capture(fmt.Sprintf("SERIAL-%d", i), int64(1000+i))
			if err := slot.save(ctx, want); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, err := slot.load(ctx)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if got.Digest() != want.Digest() || !got.CapturedAt.Equal(want.CapturedAt) {
				t.Errorf("slot mismatch: got %+v, want %+v", got, want)
			}
		})
	}
}

func TestEnsureBaselineKeepsFirst(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, 5)

	first := capture("FIRST", 1)
	set, err := s.EnsureBaseline(ctx, first)
	if err != nil || !set {
		t.Fatalf("first EnsureBaseline: set=%v err=%v", set, err)
	}
	set, err = s.EnsureBaseline(ctx, capture("SECOND", 2))
	if err != nil || set {
		t.Fatalf("second EnsureBaseline: set=%v err=%v", set, err)
	}
	got, err := s.Baseline(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.SerialNumber != "FIRST" {
		t.Errorf("baseline serial = %s, want FIRST", got.SerialNumber)
	}
}

func TestEnsureBaselineUnreadable(t *testing.T) {
	ctx := context.Background()
	s, b := newStore(t, 5)
	_ = b.Put(ctx, RecordBaseline, []byte{0x01, 0x02, 0x03})

	if set, err := s.EnsureBaseline(ctx, capture("X", 1)); err == nil || set {
		t.Errorf("EnsureBaseline over corrupt record: set=%v err=%v", set, err)
	}
}

func TestHistoryEviction(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, 3)

	if hist, err := s.History(ctx); err != nil || len(hist) != 0 {
		t.Fatalf("empty History = %v, %v", hist, err)
	}
	for i := 1; i <= 5; i++ {
		if err := s.AppendHistory(ctx, capture(fmt.Sprintf("S%d", i), int64(i))); err != nil {
			t.Fatalf("AppendHistory %d: %v", i, err)
		}
	}

	hist, err := s.History(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var serials []string
	for _, h := range hist {
		serials = append(serials, h.SerialNumber)
	}
	if want := []string{"S3", "S4", "S5"}; !reflect.DeepEqual(serials, want) {
		t.Errorf("history = %v, want %v", serials, want)
	}
}

func TestClearAll(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, 3)
	snap := capture("S", 1)
	_ = s.SaveCurrent(ctx, snap)
	_ = s.SaveVerified(ctx, snap)
	_, _ = s.EnsureBaseline(ctx, snap)
	_ = s.AppendHistory(ctx, snap)

	if err := s.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	if _, err := s.Current(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("current after clear: %v", err)
	}
	if _, err := s.Baseline(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("baseline after clear: %v", err)
	}
	if hist, _ := s.History(ctx); len(hist) != 0 {
		t.Errorf("history after clear: %v", hist)
	}
	if s.Degraded() {
		t.Error("store reports degraded after sealed writes")
	}
}
