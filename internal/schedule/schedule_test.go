package schedule_test

import (
	"testing"
	"time"

	"medtrack/internal/domain"
	"medtrack/internal/schedule"
)

func TestParseClock12Hour(t *testing.T) {
	cases := []struct {
		label  string
		hour   int
		minute int
	}{
		{"12:00 AM", 0, 0},
		{"12:00 PM", 12, 0},
		{"01:30 PM", 13, 30},
		{"11:45 AM", 11, 45},
		{"12:30 AM", 0, 30},
		{"06:15 PM", 18, 15},
	}
	for _, c := range cases {
		h, m, err := schedule.ParseClock(c.label)
		if err != nil {
			t.Fatalf("ParseClock(%q): %v", c.label, err)
		}
		if h != c.hour || m != c.minute {
			t.Fatalf("ParseClock(%q) = (%d,%d), want (%d,%d)", c.label, h, m, c.hour, c.minute)
		}
	}
}

func TestParseClock24Hour(t *testing.T) {
	h, m, err := schedule.ParseClock("08:00")
	if err != nil {
		t.Fatalf("ParseClock: %v", err)
	}
	if h != 8 || m != 0 {
		t.Fatalf("got (%d,%d), want (8,0)", h, m)
	}
	h, m, err = schedule.ParseClock("23:59")
	if err != nil {
		t.Fatalf("ParseClock: %v", err)
	}
	if h != 23 || m != 59 {
		t.Fatalf("got (%d,%d), want (23,59)", h, m)
	}
}

func TestParseClockMalformed(t *testing.T) {
	for _, label := range []string{"", "morning", "8", "8:00PM", "ab:cd", "1:xx PM"} {
		if _, _, err := schedule.ParseClock(label); err == nil {
			t.Fatalf("ParseClock(%q): expected error", label)
		}
	}
}

func TestActiveIndefinite(t *testing.T) {
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	start := now.AddDate(0, 0, -400)
	if !schedule.Active(now, start, domain.DurationIndefinite) {
		t.Fatal("indefinite medication started 400 days ago should be active")
	}
}

func TestActiveWindowElapsed(t *testing.T) {
	now := time.Date(2025, time.June, 11, 12, 0, 0, 0, time.UTC)
	start := now.AddDate(0, 0, -10)
	if schedule.Active(now, start, 7) {
		t.Fatal("7-day medication started 10 days ago should be inactive")
	}
	if !schedule.Active(now, now.AddDate(0, 0, -3), 7) {
		t.Fatal("7-day medication started 3 days ago should be active")
	}
}

// A future start date does not exclude a medication; only the end of the
// window does. Deliberate assertion of the permissive behavior.
func TestActiveFutureStart(t *testing.T) {
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	start := now.AddDate(0, 0, 5)
	if !schedule.Active(now, start, 7) {
		t.Fatal("future-dated medication is treated as active")
	}
	if !schedule.Active(now, start, domain.DurationIndefinite) {
		t.Fatal("future-dated indefinite medication is treated as active")
	}
}

func TestInstantsForDay(t *testing.T) {
	day := time.Date(2025, time.June, 1, 17, 42, 11, 0, time.Local)
	got := schedule.InstantsForDay([]string{"08:00", "not-a-time", "09:30 PM"}, day)
	if len(got) != 2 {
		t.Fatalf("expected 2 instants, got %d", len(got))
	}
	want0 := time.Date(2025, time.June, 1, 8, 0, 0, 0, time.Local)
	want1 := time.Date(2025, time.June, 1, 21, 30, 0, 0, time.Local)
	if !got[0].Equal(want0) {
		t.Fatalf("instant 0 = %v, want %v", got[0], want0)
	}
	if !got[1].Equal(want1) {
		t.Fatalf("instant 1 = %v, want %v", got[1], want1)
	}
}

func TestSameSlot(t *testing.T) {
	a := time.Date(2025, time.June, 1, 8, 0, 0, 0, time.Local)
	b := time.Date(2025, time.June, 1, 8, 0, 59, 0, time.Local)
	if !schedule.SameSlot(a, b) {
		t.Fatal("seconds must not affect slot identity")
	}
	if schedule.SameSlot(a, a.Add(time.Minute)) {
		t.Fatal("different minutes are different slots")
	}
	if schedule.SameSlot(a, a.AddDate(0, 0, 1)) {
		t.Fatal("different days are different slots")
	}
}
