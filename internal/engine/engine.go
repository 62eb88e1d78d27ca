package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"medtrack/internal/config"
	"medtrack/internal/domain"
	"medtrack/internal/events"
	"medtrack/internal/logger"
	"medtrack/internal/notify"
	"medtrack/internal/repo"
	"medtrack/internal/schedule"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Notify notify.Scheduler
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Notify: notify.NopScheduler{},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// List reads never fail a public operation: a broken read is logged and
// treated as an empty result, and only writes propagate errors.

func (e Engine) listMedications(ctx context.Context) []domain.Medication {
	meds, err := e.Repo.ListMedications(ctx, e.Config.Profile.ID)
	if err != nil {
		logger.L().Warn("medication list read failed", zap.Error(err))
		return nil
	}
	return meds
}

func (e Engine) listHistory(ctx context.Context) []domain.DoseEvent {
	history, err := e.Repo.ListDoseEvents(ctx)
	if err != nil {
		logger.L().Warn("dose history read failed", zap.Error(err))
		return nil
	}
	return history
}

func (e Engine) medicationHistory(ctx context.Context, medicationID string) []domain.DoseEvent {
	history, err := e.Repo.ListDoseEventsByMedication(ctx, medicationID)
	if err != nil {
		logger.L().Warn("dose history read failed",
			zap.String("medication_id", medicationID),
			zap.Error(err))
		return nil
	}
	return history
}

// Medications lists the profile's medications for the CLI and API.
func (e Engine) Medications(ctx context.Context) []domain.Medication {
	if e.Config == nil {
		return nil
	}
	return e.listMedications(ctx)
}

// DoseHistory returns dose events for one medication, oldest first, or
// the latest `limit` events across all medications, newest first.
func (e Engine) DoseHistory(ctx context.Context, medicationID string, limit int) []domain.DoseEvent {
	if medicationID != "" {
		return e.medicationHistory(ctx, medicationID)
	}
	history, err := e.Repo.LatestDoseEvents(ctx, limit)
	if err != nil {
		logger.L().Warn("dose history read failed", zap.Error(err))
		return nil
	}
	return history
}

// InitProfile creates a profile with a default config, migrations already
// run.
func (e Engine) InitProfile(ctx context.Context, profileID, name, actorID string) (domain.Profile, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Profile{}, err
	}
	defer tx.Rollback()

	p := domain.Profile{
		ID:        profileID,
		Name:      name,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertProfile(ctx, tx, p); err != nil {
		return domain.Profile{}, fmt.Errorf("insert profile: %w", err)
	}
	if err := e.Repo.UpsertProfileConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Profile{}, fmt.Errorf("insert profile config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "profile.init", p.ID, "profile", p.ID, actorID, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Profile{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Profile{}, err
	}
	return p, nil
}

// MedicationCreateOptions are parameters for adding a medication.
type MedicationCreateOptions struct {
	ID              string
	ProfileID       string
	Name            string
	Dosage          string
	Times           []string
	StartDate       string
	DurationDays    int
	Color           string
	ReminderEnabled bool
	RefillReminder  bool
	CurrentSupply   int
	TotalSupply     int
	RefillAt        int
	ActorID         string
}

func (e Engine) CreateMedication(ctx context.Context, opts MedicationCreateOptions) (domain.Medication, error) {
	if e.Config == nil {
		return domain.Medication{}, errors.New("config not loaded")
	}
	if opts.Name == "" {
		return domain.Medication{}, errors.New("name is required")
	}
	if opts.ProfileID == "" {
		return domain.Medication{}, errors.New("profile is required")
	}
	if len(opts.Times) == 0 {
		return domain.Medication{}, errors.New("at least one time is required")
	}
	if opts.DurationDays == 0 {
		opts.DurationDays = domain.DurationIndefinite
	}
	now := e.now()
	if opts.StartDate == "" {
		opts.StartDate = now.Format("2006-01-02")
	}
	if _, err := time.ParseInLocation("2006-01-02", opts.StartDate, now.Location()); err != nil {
		return domain.Medication{}, fmt.Errorf("start date: %w", err)
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	nowStr := now.UTC().Format(time.RFC3339)
	m := domain.Medication{
		ID:              id,
		ProfileID:       opts.ProfileID,
		Name:            opts.Name,
		Dosage:          opts.Dosage,
		Times:           opts.Times,
		StartDate:       opts.StartDate,
		DurationDays:    opts.DurationDays,
		Color:           opts.Color,
		ReminderEnabled: opts.ReminderEnabled,
		RefillReminder:  opts.RefillReminder,
		CurrentSupply:   opts.CurrentSupply,
		TotalSupply:     opts.TotalSupply,
		RefillAt:        opts.RefillAt,
		CreatedAt:       nowStr,
		UpdatedAt:       nowStr,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Medication{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertMedication(ctx, tx, m); err != nil {
		return domain.Medication{}, err
	}
	if err := e.Events.Append(ctx, tx, "med.created", m.ProfileID, "medication", m.ID, opts.ActorID, events.EventPayload{
		"name":  m.Name,
		"times": m.Times,
	}); err != nil {
		return domain.Medication{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Medication{}, err
	}
	if err := e.Notify.Schedule(m); err != nil {
		return m, fmt.Errorf("medication saved but reminders not scheduled: %w", err)
	}
	return m, nil
}

// MedicationUpdateOptions replaces fields wholesale; nil pointers keep the
// stored value.
type MedicationUpdateOptions struct {
	ID              string
	Name            *string
	Dosage          *string
	Times           []string
	StartDate       *string
	DurationDays    *int
	Color           *string
	ReminderEnabled *bool
	RefillReminder  *bool
	CurrentSupply   *int
	TotalSupply     *int
	RefillAt        *int
	ActorID         string
}

func (e Engine) UpdateMedication(ctx context.Context, opts MedicationUpdateOptions) (domain.Medication, error) {
	if e.Config == nil {
		return domain.Medication{}, errors.New("config not loaded")
	}
	m, err := e.Repo.GetMedication(ctx, opts.ID)
	if err != nil {
		return m, err
	}
	if opts.Name != nil {
		if *opts.Name == "" {
			return m, errors.New("name cannot be empty")
		}
		m.Name = *opts.Name
	}
	if opts.Dosage != nil {
		m.Dosage = *opts.Dosage
	}
	if len(opts.Times) > 0 {
		m.Times = opts.Times
	}
	if opts.StartDate != nil {
		if _, err := time.ParseInLocation("2006-01-02", *opts.StartDate, e.now().Location()); err != nil {
			return m, fmt.Errorf("start date: %w", err)
		}
		m.StartDate = *opts.StartDate
	}
	if opts.DurationDays != nil {
		m.DurationDays = *opts.DurationDays
	}
	if opts.Color != nil {
		m.Color = *opts.Color
	}
	if opts.ReminderEnabled != nil {
		m.ReminderEnabled = *opts.ReminderEnabled
	}
	if opts.RefillReminder != nil {
		m.RefillReminder = *opts.RefillReminder
	}
	if opts.CurrentSupply != nil {
		m.CurrentSupply = *opts.CurrentSupply
	}
	if opts.TotalSupply != nil {
		m.TotalSupply = *opts.TotalSupply
	}
	if opts.RefillAt != nil {
		m.RefillAt = *opts.RefillAt
	}
	m.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMedication(ctx, tx, m); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, "med.updated", m.ProfileID, "medication", m.ID, opts.ActorID, events.EventPayload{
		"name": m.Name,
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	// reminders are rebuilt from scratch so stale entries never linger
	e.Notify.Cancel(m.ID)
	if err := e.Notify.Schedule(m); err != nil {
		return m, fmt.Errorf("medication saved but reminders not scheduled: %w", err)
	}
	return m, nil
}

// DeleteMedication removes the medication record. Dose history is left in
// place; readers must tolerate events whose medication no longer exists.
func (e Engine) DeleteMedication(ctx context.Context, id, actorID string) error {
	m, err := e.Repo.GetMedication(ctx, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteMedication(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "med.deleted", m.ProfileID, "medication", id, actorID, events.EventPayload{
		"name": m.Name,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Notify.Cancel(id)
	return nil
}

// RecordDose records or re-records a dose outcome for a schedule slot.
// When an event for the same medication and scheduled minute already
// exists its taken flag is overwritten in place; otherwise a new event is
// inserted. A taken dose decrements the medication's supply, floored at
// zero. The scheduled instant is stored verbatim, so re-recording the same
// slot stays idempotent at the event level while each taken confirmation
// still decrements supply.
func (e Engine) RecordDose(ctx context.Context, medicationID string, taken bool, scheduledAt time.Time, actorID string) (domain.DoseEvent, error) {
	if e.Config == nil {
		return domain.DoseEvent{}, errors.New("config not loaded")
	}
	if medicationID == "" {
		return domain.DoseEvent{}, errors.New("medication is required")
	}
	history, err := e.Repo.ListDoseEvents(ctx)
	if err != nil {
		return domain.DoseEvent{}, err
	}
	existing, found := matchDose(history, medicationID, scheduledAt)
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DoseEvent{}, err
	}
	defer tx.Rollback()

	var ev domain.DoseEvent
	if found {
		ev = existing
		ev.Taken = taken
		ev.RecordedAt = now
		if err := e.Repo.SetDoseEventTaken(ctx, tx, ev.ID, taken, now); err != nil {
			return ev, err
		}
	} else {
		ev = domain.DoseEvent{
			ID:           uuid.New().String(),
			MedicationID: medicationID,
			Timestamp:    scheduledAt.Format(time.RFC3339),
			Taken:        taken,
			RecordedAt:   now,
		}
		if err := e.Repo.InsertDoseEvent(ctx, tx, ev); err != nil {
			return ev, err
		}
	}

	profileID := ""
	if taken {
		m, err := e.Repo.GetMedication(ctx, medicationID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			// orphaned history entry, nothing to decrement
		case err != nil:
			return ev, err
		default:
			profileID = m.ProfileID
			if m.CurrentSupply > 0 {
				if err := e.Repo.SetMedicationSupply(ctx, tx, m.ID, m.CurrentSupply-1, now); err != nil {
					return ev, err
				}
			}
		}
	}

	evtType := "dose.recorded"
	if !taken {
		evtType = "dose.missed"
	}
	if err := e.Events.Append(ctx, tx, evtType, profileID, "dose", ev.ID, actorID, events.EventPayload{
		"medication_id": medicationID,
		"scheduled_at":  ev.Timestamp,
		"taken":         taken,
	}); err != nil {
		return ev, err
	}
	if err := tx.Commit(); err != nil {
		return ev, err
	}
	return ev, nil
}

// matchDose linearly scans history for an event on the same medication and
// the same local calendar day, hour and minute as scheduledAt.
func matchDose(history []domain.DoseEvent, medicationID string, scheduledAt time.Time) (domain.DoseEvent, bool) {
	for _, ev := range history {
		if ev.MedicationID != medicationID {
			continue
		}
		ts, err := time.Parse(time.RFC3339, ev.Timestamp)
		if err != nil {
			continue
		}
		if schedule.SameSlot(ts.In(scheduledAt.Location()), scheduledAt) {
			return ev, true
		}
	}
	return domain.DoseEvent{}, false
}

// ReconcileSummary reports what a reconciliation pass looked at.
type ReconcileSummary struct {
	MedicationsChecked int `json:"medications_checked"`
	LabelsChecked      int `json:"labels_checked"`
	Missed             int `json:"missed"`
}

// ReconcileMissedDoses walks today's schedule for every active medication
// and records a missed dose for each slot whose grace period has fully
// elapsed with no history entry. Each synthesized record commits on its
// own, so an interrupted pass leaves earlier work in place and a repeat
// pass finds those slots already recorded.
func (e Engine) ReconcileMissedDoses(ctx context.Context, actorID string) (ReconcileSummary, error) {
	var sum ReconcileSummary
	if e.Config == nil {
		return sum, errors.New("config not loaded")
	}
	now := e.now()
	meds := e.listMedications(ctx)
	grace := e.Config.GracePeriod()
	for _, m := range meds {
		start, err := time.ParseInLocation("2006-01-02", m.StartDate, now.Location())
		if err != nil {
			continue
		}
		if !schedule.Active(now, start, m.DurationDays) {
			continue
		}
		sum.MedicationsChecked++
		for _, label := range m.Times {
			scheduled, err := schedule.InstantForDay(label, now)
			if err != nil {
				continue
			}
			sum.LabelsChecked++
			deadline := scheduled.Add(grace)
			if !deadline.Before(now) {
				continue
			}
			history := e.medicationHistory(ctx, m.ID)
			if _, found := matchDose(history, m.ID, scheduled); found {
				continue
			}
			if _, err := e.RecordDose(ctx, m.ID, false, scheduled, actorID); err != nil {
				return sum, err
			}
			sum.Missed++
		}
	}
	return sum, nil
}

// DoseStatus pairs a schedule slot with whatever history says about it.
type DoseStatus struct {
	Medication  domain.Medication `json:"medication"`
	Label       string            `json:"label"`
	ScheduledAt string            `json:"scheduled_at"`
	Recorded    bool              `json:"recorded"`
	Taken       bool              `json:"taken"`
}

// TodaysDoses expands every active medication's schedule into today's
// slots and annotates each with its recorded outcome, if any.
func (e Engine) TodaysDoses(ctx context.Context) ([]DoseStatus, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	now := e.now()
	meds := e.listMedications(ctx)
	history := e.listHistory(ctx)
	var res []DoseStatus
	for _, m := range meds {
		start, err := time.ParseInLocation("2006-01-02", m.StartDate, now.Location())
		if err != nil {
			continue
		}
		if !schedule.Active(now, start, m.DurationDays) {
			continue
		}
		for _, label := range m.Times {
			scheduled, err := schedule.InstantForDay(label, now)
			if err != nil {
				continue
			}
			st := DoseStatus{
				Medication:  m,
				Label:       label,
				ScheduledAt: scheduled.Format(time.RFC3339),
			}
			if ev, found := matchDose(history, m.ID, scheduled); found {
				st.Recorded = true
				st.Taken = ev.Taken
			}
			res = append(res, st)
		}
	}
	return res, nil
}

// RefillMedication resets the supply counter to the bottle size and stamps
// the refill date.
func (e Engine) RefillMedication(ctx context.Context, id, actorID string) (domain.Medication, error) {
	m, err := e.Repo.GetMedication(ctx, id)
	if err != nil {
		return m, err
	}
	now := e.now()
	refillDate := now.Format("2006-01-02")
	m.CurrentSupply = m.TotalSupply
	m.LastRefillDate = &refillDate
	m.UpdatedAt = now.UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMedication(ctx, tx, m); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, "med.refilled", m.ProfileID, "medication", m.ID, actorID, events.EventPayload{
		"supply": m.CurrentSupply,
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	return m, nil
}

// AdherenceStats aggregates recorded outcomes over the trailing window.
type AdherenceStats struct {
	Days      int     `json:"days"`
	Scheduled int     `json:"scheduled"`
	Taken     int     `json:"taken"`
	Missed    int     `json:"missed"`
	Pending   int     `json:"pending"`
	Rate      float64 `json:"rate"`
}

// Adherence computes taken/missed counts for each scheduled slot in the
// last `days` days, today included. Slots with no record count as pending.
func (e Engine) Adherence(ctx context.Context, days int) (AdherenceStats, error) {
	if days <= 0 {
		days = 7
	}
	stats := AdherenceStats{Days: days}
	if e.Config == nil {
		return stats, errors.New("config not loaded")
	}
	now := e.now()
	meds := e.listMedications(ctx)
	history := e.listHistory(ctx)
	for offset := 0; offset < days; offset++ {
		day := now.AddDate(0, 0, -offset)
		for _, m := range meds {
			start, err := time.ParseInLocation("2006-01-02", m.StartDate, now.Location())
			if err != nil {
				continue
			}
			// days before the course began are not missed adherence
			if day.Before(start) {
				continue
			}
			if !schedule.Active(day, start, m.DurationDays) {
				continue
			}
			for _, scheduled := range schedule.InstantsForDay(m.Times, day) {
				if scheduled.After(now) {
					continue
				}
				stats.Scheduled++
				ev, found := matchDose(history, m.ID, scheduled)
				switch {
				case !found:
					stats.Pending++
				case ev.Taken:
					stats.Taken++
				default:
					stats.Missed++
				}
			}
		}
	}
	if stats.Scheduled > 0 {
		stats.Rate = float64(stats.Taken) / float64(stats.Scheduled)
	}
	return stats, nil
}

// Status is a workspace summary for `mt status` and GET /v1/status.
type Status struct {
	Profile     domain.Profile `json:"profile"`
	Medications int            `json:"medications"`
	Active      int            `json:"active"`
	LowSupply   int            `json:"low_supply"`
	DoseEvents  int            `json:"dose_events"`
}

func (e Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	if e.Config == nil {
		return st, errors.New("config not loaded")
	}
	p, err := e.Repo.GetProfile(ctx, e.Config.Profile.ID)
	if err != nil {
		return st, err
	}
	st.Profile = p
	now := e.now()
	meds := e.listMedications(ctx)
	st.Medications = len(meds)
	for _, m := range meds {
		start, err := time.ParseInLocation("2006-01-02", m.StartDate, now.Location())
		if err == nil && schedule.Active(now, start, m.DurationDays) {
			st.Active++
		}
		if m.RefillAt > 0 && m.CurrentSupply <= m.RefillAt {
			st.LowSupply++
		}
	}
	st.DoseEvents = len(e.listHistory(ctx))
	return st, nil
}

// ScheduleAllReminders registers reminders for every medication in the
// profile, used by the daemon at startup.
func (e Engine) ScheduleAllReminders(ctx context.Context) error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	for _, m := range e.listMedications(ctx) {
		if err := e.Notify.Schedule(m); err != nil {
			return err
		}
	}
	return nil
}
