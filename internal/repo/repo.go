package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"medtrack/internal/config"
	"medtrack/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProfile(ctx context.Context, tx *sql.Tx, p domain.Profile) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO profiles(id,name,created_at) VALUES (?,?,?)`,
		p.ID, nullable(p.Name), p.CreatedAt)
	return err
}

func (r Repo) GetProfile(ctx context.Context, id string) (domain.Profile, error) {
	var p domain.Profile
	err := r.DB.QueryRowContext(ctx, `SELECT id,COALESCE(name,''),created_at FROM profiles WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// SingleProfile returns the only profile in the workspace, ErrNotFound when
// none exists yet.
func (r Repo) SingleProfile(ctx context.Context) (domain.Profile, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(name,''),created_at FROM profiles`)
	if err != nil {
		return domain.Profile{}, err
	}
	defer rows.Close()
	var profiles []domain.Profile
	for rows.Next() {
		var p domain.Profile
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return domain.Profile{}, err
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return domain.Profile{}, err
	}
	if len(profiles) == 0 {
		return domain.Profile{}, ErrNotFound
	}
	if len(profiles) > 1 {
		return domain.Profile{}, fmt.Errorf("multiple profiles exist; specify --profile")
	}
	return profiles[0], nil
}

func (r Repo) UpsertProfileConfig(ctx context.Context, profileID string, cfg *config.Config) error {
	return upsertProfileConfig(ctx, r.DB, nil, profileID, cfg)
}

func (r Repo) UpsertProfileConfigTx(ctx context.Context, tx *sql.Tx, profileID string, cfg *config.Config) error {
	return upsertProfileConfig(ctx, nil, tx, profileID, cfg)
}

func upsertProfileConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, profileID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Profile.ID = profileID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO profile_configs(profile_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(profile_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, profileID, string(payload), now, now)
	return err
}

func (r Repo) GetProfileConfig(ctx context.Context, profileID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM profile_configs WHERE profile_id=?`, profileID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Profile.ID == "" {
		cfg.Profile.ID = profileID
	}
	return &cfg, cfg.Validate()
}

const medicationColumns = `id,profile_id,name,COALESCE(dosage,''),times_json,start_date,duration_days,COALESCE(color,''),reminder_enabled,refill_reminder,current_supply,total_supply,refill_at,last_refill_date,created_at,updated_at`

func scanMedication(scan func(dest ...any) error) (domain.Medication, error) {
	var (
		m          domain.Medication
		timesJSON  string
		lastRefill sql.NullString
	)
	err := scan(&m.ID, &m.ProfileID, &m.Name, &m.Dosage, &timesJSON, &m.StartDate, &m.DurationDays,
		&m.Color, &m.ReminderEnabled, &m.RefillReminder, &m.CurrentSupply, &m.TotalSupply,
		&m.RefillAt, &lastRefill, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if timesJSON != "" {
		if err := json.Unmarshal([]byte(timesJSON), &m.Times); err != nil {
			return m, fmt.Errorf("medication %s times: %w", m.ID, err)
		}
	}
	if lastRefill.Valid {
		m.LastRefillDate = &lastRefill.String
	}
	return m, nil
}

func (r Repo) InsertMedication(ctx context.Context, tx *sql.Tx, m domain.Medication) error {
	times, err := json.Marshal(m.Times)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO medications(id,profile_id,name,dosage,times_json,start_date,duration_days,color,reminder_enabled,refill_reminder,current_supply,total_supply,refill_at,last_refill_date,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ProfileID, m.Name, nullable(m.Dosage), string(times), m.StartDate, m.DurationDays,
		nullable(m.Color), m.ReminderEnabled, m.RefillReminder, m.CurrentSupply, m.TotalSupply,
		m.RefillAt, nullableStringPtr(m.LastRefillDate), m.CreatedAt, m.UpdatedAt)
	return err
}

// UpdateMedication rewrites the whole record; edits are wholesale.
func (r Repo) UpdateMedication(ctx context.Context, tx *sql.Tx, m domain.Medication) error {
	times, err := json.Marshal(m.Times)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE medications SET name=?,dosage=?,times_json=?,start_date=?,duration_days=?,color=?,reminder_enabled=?,refill_reminder=?,current_supply=?,total_supply=?,refill_at=?,last_refill_date=?,updated_at=? WHERE id=?`,
		m.Name, nullable(m.Dosage), string(times), m.StartDate, m.DurationDays, nullable(m.Color),
		m.ReminderEnabled, m.RefillReminder, m.CurrentSupply, m.TotalSupply, m.RefillAt,
		nullableStringPtr(m.LastRefillDate), m.UpdatedAt, m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMedicationSupply adjusts only the supply counter, leaving the rest of
// the record untouched.
func (r Repo) SetMedicationSupply(ctx context.Context, tx *sql.Tx, id string, currentSupply int, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE medications SET current_supply=?, updated_at=? WHERE id=?`,
		currentSupply, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetMedication(ctx context.Context, id string) (domain.Medication, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+medicationColumns+` FROM medications WHERE id=?`, id)
	return scanMedication(row.Scan)
}

func (r Repo) ListMedications(ctx context.Context, profileID string) ([]domain.Medication, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+medicationColumns+` FROM medications WHERE profile_id=? ORDER BY created_at, id`, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Medication
	for rows.Next() {
		m, err := scanMedication(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) DeleteMedication(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM medications WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertDoseEvent(ctx context.Context, tx *sql.Tx, ev domain.DoseEvent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO dose_events(id,medication_id,timestamp,taken,recorded_at) VALUES (?,?,?,?,?)`,
		ev.ID, ev.MedicationID, ev.Timestamp, ev.Taken, ev.RecordedAt)
	return err
}

// SetDoseEventTaken overwrites the taken flag of an existing event in place.
func (r Repo) SetDoseEventTaken(ctx context.Context, tx *sql.Tx, id string, taken bool, recordedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE dose_events SET taken=?, recorded_at=? WHERE id=?`, taken, recordedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetDoseEvent(ctx context.Context, id string) (domain.DoseEvent, error) {
	var ev domain.DoseEvent
	err := r.DB.QueryRowContext(ctx, `SELECT id,medication_id,timestamp,taken,recorded_at FROM dose_events WHERE id=?`, id).
		Scan(&ev.ID, &ev.MedicationID, &ev.Timestamp, &ev.Taken, &ev.RecordedAt)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	return ev, err
}

// ListDoseEvents returns the full history, oldest first. Slot matching in
// the engine is a linear scan over this sequence.
func (r Repo) ListDoseEvents(ctx context.Context) ([]domain.DoseEvent, error) {
	return r.queryDoseEvents(ctx, `SELECT id,medication_id,timestamp,taken,recorded_at FROM dose_events ORDER BY timestamp, id`)
}

func (r Repo) ListDoseEventsByMedication(ctx context.Context, medicationID string) ([]domain.DoseEvent, error) {
	return r.queryDoseEvents(ctx, `SELECT id,medication_id,timestamp,taken,recorded_at FROM dose_events WHERE medication_id=? ORDER BY timestamp, id`, medicationID)
}

// LatestDoseEvents returns up to limit events, newest first.
func (r Repo) LatestDoseEvents(ctx context.Context, limit int) ([]domain.DoseEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.queryDoseEvents(ctx, `SELECT id,medication_id,timestamp,taken,recorded_at FROM dose_events ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
}

func (r Repo) queryDoseEvents(ctx context.Context, query string, args ...any) ([]domain.DoseEvent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DoseEvent
	for rows.Next() {
		var ev domain.DoseEvent
		if err := rows.Scan(&ev.ID, &ev.MedicationID, &ev.Timestamp, &ev.Taken, &ev.RecordedAt); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// WipeAll clears medications, dose history and the audit log. Profiles and
// their config survive so the workspace stays usable.
func (r Repo) WipeAll(ctx context.Context) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{`DELETE FROM dose_events`, `DELETE FROM medications`, `DELETE FROM events`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, profileID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id,ts,type,COALESCE(profile_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, v string) {
		if v != "" {
			clauses = append(clauses, clause)
			args = append(args, v)
		}
	}
	add("profile_id=?", profileID)
	add("type=?", evtType)
	add("entity_kind=?", entityKind)
	add("entity_id=?", entityID)
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var ev domain.Event
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.Type, &ev.ProfileID, &ev.EntityKind, &ev.EntityID, &ev.ActorID, &ev.Payload); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
