package notify

import (
	"testing"
	"time"
)

type fakeTarget struct {
	id      string
	times   []string
	enabled bool
	refill  bool
}

func (f fakeTarget) ReminderTargetID() string    { return f.id }
func (f fakeTarget) ReminderName() string        { return "Aspirin" }
func (f fakeTarget) ReminderDosage() string      { return "100mg" }
func (f fakeTarget) ReminderTimes() []string     { return f.times }
func (f fakeTarget) RemindersEnabled() bool      { return f.enabled }
func (f fakeTarget) RefillReminderEnabled() bool { return f.refill }

func TestScheduleCreatesEntryPerTime(t *testing.T) {
	s := NewCronScheduler(Config{Location: time.UTC})
	tgt := fakeTarget{id: "m1", times: []string{"08:00 AM", "08:00 PM"}, enabled: true}
	if err := s.Schedule(tgt); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got := s.ScheduledCount("m1"); got != 2 {
		t.Fatalf("expected 2 entries, got %d", got)
	}
}

func TestScheduleIncludesRefillCheck(t *testing.T) {
	s := NewCronScheduler(Config{Location: time.UTC})
	tgt := fakeTarget{id: "m1", times: []string{"08:00"}, enabled: true, refill: true}
	if err := s.Schedule(tgt); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got := s.ScheduledCount("m1"); got != 2 {
		t.Fatalf("expected dose entry plus refill entry, got %d", got)
	}
}

func TestScheduleSkipsWhenDisabled(t *testing.T) {
	s := NewCronScheduler(Config{Location: time.UTC})
	tgt := fakeTarget{id: "m1", times: []string{"08:00"}, enabled: false}
	if err := s.Schedule(tgt); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got := s.ScheduledCount("m1"); got != 0 {
		t.Fatalf("expected no entries for disabled reminders, got %d", got)
	}
}

func TestScheduleSkipsBadLabels(t *testing.T) {
	s := NewCronScheduler(Config{Location: time.UTC})
	tgt := fakeTarget{id: "m1", times: []string{"morning", "08:00"}, enabled: true}
	if err := s.Schedule(tgt); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got := s.ScheduledCount("m1"); got != 1 {
		t.Fatalf("expected bad label skipped, got %d entries", got)
	}
}

func TestScheduleSkipsOutOfRangeLabels(t *testing.T) {
	s := NewCronScheduler(Config{Location: time.UTC})
	tgt := fakeTarget{id: "m1", times: []string{"08:00", "25:00"}, enabled: true}
	if err := s.Schedule(tgt); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got := s.ScheduledCount("m1"); got != 1 {
		t.Fatalf("expected out-of-range label skipped, got %d entries", got)
	}
	// the valid entry must be tracked so Cancel removes it
	s.Cancel("m1")
	if got := len(s.cron.Entries()); got != 0 {
		t.Fatalf("expected no cron entries after cancel, got %d", got)
	}
}

func TestScheduleSkipsBadRefillCheckTime(t *testing.T) {
	s := NewCronScheduler(Config{Location: time.UTC, RefillCheckAt: "25:00"})
	tgt := fakeTarget{id: "m1", times: []string{"08:00"}, enabled: true, refill: true}
	if err := s.Schedule(tgt); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got := s.ScheduledCount("m1"); got != 1 {
		t.Fatalf("expected dose entry only, got %d", got)
	}
}

func TestScheduleReplacesExisting(t *testing.T) {
	s := NewCronScheduler(Config{Location: time.UTC})
	if err := s.Schedule(fakeTarget{id: "m1", times: []string{"08:00", "12:00", "18:00"}, enabled: true}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.Schedule(fakeTarget{id: "m1", times: []string{"09:00"}, enabled: true}); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if got := s.ScheduledCount("m1"); got != 1 {
		t.Fatalf("expected entries replaced, got %d", got)
	}
}

func TestCancelUnknownID(t *testing.T) {
	s := NewCronScheduler(Config{Location: time.UTC})
	s.Cancel("nope")
	if got := s.ScheduledCount("nope"); got != 0 {
		t.Fatalf("expected 0 entries, got %d", got)
	}
}
