// Package notify schedules local reminders for medications using cron
// entries. Medications that opt out of reminders get no entries; labels
// that fail to parse, or that the cron rejects, are skipped rather than
// failing the whole medication.
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"medtrack/internal/logger"
	"medtrack/internal/schedule"
)

// Target is what the scheduler needs to know about a medication. The
// domain type satisfies it; tests provide fakes.
type Target interface {
	ReminderTargetID() string
	ReminderName() string
	ReminderDosage() string
	ReminderTimes() []string
	RemindersEnabled() bool
	RefillReminderEnabled() bool
}

// Scheduler registers and removes reminder entries for a target.
type Scheduler interface {
	Schedule(t Target) error
	Cancel(id string)
}

// Config tunes a CronScheduler. Zero values get sensible defaults.
type Config struct {
	// RefillCheckAt is the daily supply-check time as "HH:MM".
	RefillCheckAt string
	Location      *time.Location

	// OnReminder fires for each dose-time entry; label is the original
	// time expression. Defaults to a log line.
	OnReminder func(t Target, label string)
	// OnRefillCheck fires once a day per medication with refill
	// reminders enabled. Defaults to a log line.
	OnRefillCheck func(t Target)
}

// CronScheduler maps medication IDs to cron entries. Safe for concurrent
// use.
type CronScheduler struct {
	cron *cron.Cron
	cfg  Config

	mu      sync.Mutex
	entries map[string][]cron.EntryID
}

func NewCronScheduler(cfg Config) *CronScheduler {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.RefillCheckAt == "" {
		cfg.RefillCheckAt = "09:00"
	}
	if cfg.OnReminder == nil {
		cfg.OnReminder = func(t Target, label string) {
			logger.L().Info("dose reminder",
				zap.String("medication", t.ReminderName()),
				zap.String("dosage", t.ReminderDosage()),
				zap.String("time", label))
		}
	}
	if cfg.OnRefillCheck == nil {
		cfg.OnRefillCheck = func(t Target) {
			logger.L().Info("refill check",
				zap.String("medication", t.ReminderName()))
		}
	}
	return &CronScheduler{
		cron:    cron.New(cron.WithLocation(cfg.Location)),
		cfg:     cfg,
		entries: make(map[string][]cron.EntryID),
	}
}

func (s *CronScheduler) Start() { s.cron.Start() }

// Stop halts the cron runner and waits for in-flight jobs.
func (s *CronScheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Schedule replaces any existing entries for the target with fresh ones.
func (s *CronScheduler) Schedule(t Target) error {
	s.Cancel(t.ReminderTargetID())
	if !t.RemindersEnabled() {
		return nil
	}
	var ids []cron.EntryID
	for _, label := range t.ReminderTimes() {
		hour, minute, err := schedule.ParseClock(label)
		if err != nil {
			logger.L().Warn("skipping unparseable reminder time",
				zap.String("medication", t.ReminderName()),
				zap.String("time", label))
			continue
		}
		label := label
		id, err := s.cron.AddFunc(cronSpec(hour, minute), func() {
			s.cfg.OnReminder(t, label)
		})
		if err != nil {
			// ParseClock does no range check, so a label like "25:00"
			// parses and the cron rejects it here. Skip it the same way.
			logger.L().Warn("skipping out-of-range reminder time",
				zap.String("medication", t.ReminderName()),
				zap.String("time", label),
				zap.Error(err))
			continue
		}
		ids = append(ids, id)
	}
	if t.RefillReminderEnabled() {
		id, err := s.addDaily(s.cfg.RefillCheckAt, func() {
			s.cfg.OnRefillCheck(t)
		})
		if err != nil {
			logger.L().Warn("skipping refill check",
				zap.String("medication", t.ReminderName()),
				zap.String("at", s.cfg.RefillCheckAt),
				zap.Error(err))
		} else {
			ids = append(ids, id)
		}
	}
	s.mu.Lock()
	s.entries[t.ReminderTargetID()] = ids
	s.mu.Unlock()
	return nil
}

// Cancel removes all entries for a medication ID. Unknown IDs are a no-op.
func (s *CronScheduler) Cancel(id string) {
	s.mu.Lock()
	ids := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	for _, eid := range ids {
		s.cron.Remove(eid)
	}
}

// ScheduledCount reports how many cron entries a medication currently has.
func (s *CronScheduler) ScheduledCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[id])
}

func (s *CronScheduler) addDaily(label string, job func()) (cron.EntryID, error) {
	hour, minute, err := schedule.ParseClock(label)
	if err != nil {
		return 0, err
	}
	return s.cron.AddFunc(cronSpec(hour, minute), job)
}

// AddEvery registers a recurring job, used by the daemon for periodic
// reconciliation.
func (s *CronScheduler) AddEvery(d time.Duration, job func()) (cron.EntryID, error) {
	return s.cron.AddFunc(fmt.Sprintf("@every %s", d), job)
}

func cronSpec(hour, minute int) string {
	return fmt.Sprintf("%d %d * * *", minute, hour)
}

// NopScheduler ignores all scheduling requests. Used when reminders are
// disabled and in most engine tests.
type NopScheduler struct{}

func (NopScheduler) Schedule(Target) error { return nil }
func (NopScheduler) Cancel(string)         {}
