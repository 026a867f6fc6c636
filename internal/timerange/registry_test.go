package timerange

import (
	"testing"
	"time"
)

func TestParseClock(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Clock
		ok   bool
	}{
		{raw: "09:00", want: NewClock(9, 0, 0), ok: true},
		{raw: "23:59:30", want: NewClock(23, 59, 30), ok: true},
		{raw: " 00:05 ", want: NewClock(0, 5, 0), ok: true},
		{raw: "24:00"},
		{raw: "9"},
		{raw: "aa:bb"},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.raw)
		if tt.ok && err != nil {
			t.Fatalf("ParseClock(%q) error: %v", tt.raw, err)
		}
		if !tt.ok {
			if err == nil {
				t.Fatalf("ParseClock(%q) expected error", tt.raw)
			}
			continue
		}
		if got != tt.want {
			t.Fatalf("ParseClock(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestMinutesApartWrapsMidnight(t *testing.T) {
	t.Parallel()
	if got := MinutesApart(NewClock(0, 5, 0), NewClock(23, 58, 0)); got != 7 {
		t.Fatalf("MinutesApart across midnight = %d, want 7", got)
	}
	if got := MinutesApart(NewClock(9, 0, 0), NewClock(8, 50, 59)); got != 9 {
		t.Fatalf("MinutesApart should truncate, got %d", got)
	}
	if got := MinutesApart(NewClock(12, 0, 0), NewClock(0, 0, 0)); got != 720 {
		t.Fatalf("MinutesApart half day = %d", got)
	}
}

func TestRegistrySortedSnapshot(t *testing.T) {
	t.Parallel()
	r := NewRegistry(
		TimeRange{Name: "afternoon", Start: NewClock(14, 0, 0)},
		TimeRange{Name: "morning", Start: NewClock(9, 0, 0)},
	)
	if err := r.Put(TimeRange{Name: "night", Start: NewClock(1, 30, 0)}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got := r.TimeRanges()
	want := []string{"night", "morning", "afternoon"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Name != want[i] {
			t.Fatalf("order[%d] = %s, want %s", i, got[i].Name, want[i])
		}
	}

	// Mutating the snapshot must not leak into the registry.
	got[0].Name = "mutated"
	if r.TimeRanges()[0].Name != "night" {
		t.Fatal("snapshot aliases registry state")
	}

	v := r.Version()
	if !r.Remove("morning") {
		t.Fatal("Remove(morning) = false")
	}
	if r.Remove("morning") {
		t.Fatal("second Remove(morning) = true")
	}
	if r.Version() == v {
		t.Fatal("version not bumped on remove")
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
}

func TestRegistryRejectsEmptyName(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if err := r.Put(TimeRange{Start: NewClock(1, 0, 0)}); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := r.Replace([]TimeRange{{Name: " "}}); err == nil {
		t.Fatal("expected error for blank name in Replace")
	}

	r = NewRegistry(
		TimeRange{Name: "", Start: NewClock(1, 0, 0)},
		TimeRange{Name: "morning", Start: NewClock(9, 0, 0)},
	)
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want only the named range", r.Len())
	}
	if _, ok := r.Get("morning"); !ok {
		t.Fatal("named range dropped alongside the blank one")
	}
}

func TestClockOn(t *testing.T) {
	t.Parallel()
	ref := time.Date(2024, 3, 5, 17, 4, 0, 0, time.UTC)
	got := NewClock(8, 50, 0).On(ref)
	want := time.Date(2024, 3, 5, 8, 50, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("On = %v, want %v", got, want)
	}
}
