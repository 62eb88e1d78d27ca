package domain

// DurationIndefinite marks a medication taken with no end date.
const DurationIndefinite = -1

type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Medication struct {
	ID              string   `json:"id"`
	ProfileID       string   `json:"profile_id"`
	Name            string   `json:"name"`
	Dosage          string   `json:"dosage,omitempty"`
	Times           []string `json:"times"`
	StartDate       string   `json:"start_date" format:"date-time"`
	DurationDays    int      `json:"duration_days"`
	Color           string   `json:"color,omitempty"`
	ReminderEnabled bool     `json:"reminder_enabled"`
	RefillReminder  bool     `json:"refill_reminder"`
	CurrentSupply   int      `json:"current_supply"`
	TotalSupply     int      `json:"total_supply"`
	RefillAt        int      `json:"refill_at"`
	LastRefillDate  *string  `json:"last_refill_date,omitempty" format:"date-time"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
}

// Narrow reminder view consumed by the notify package. Reminder registration
// only ever needs these fields, never the supply or window state.
func (m Medication) ReminderTargetID() string    { return m.ID }
func (m Medication) ReminderName() string        { return m.Name }
func (m Medication) ReminderDosage() string      { return m.Dosage }
func (m Medication) ReminderTimes() []string     { return m.Times }
func (m Medication) RemindersEnabled() bool      { return m.ReminderEnabled }
func (m Medication) RefillReminderEnabled() bool { return m.RefillReminder }

// DoseEvent records the outcome of one scheduled dose. Timestamp is the
// scheduled instant the event answers for, not the moment it was written;
// RecordedAt carries the latter.
type DoseEvent struct {
	ID           string `json:"id"`
	MedicationID string `json:"medication_id"`
	Timestamp    string `json:"timestamp" format:"date-time"`
	Taken        bool   `json:"taken"`
	RecordedAt   string `json:"recorded_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProfileID  string `json:"profile_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
