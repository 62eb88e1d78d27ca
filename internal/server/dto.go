package server

import (
	"encoding/json"

	"medtrack/internal/domain"
	"medtrack/internal/engine"
)

// Request payloads

type CreateMedicationRequest struct {
	ID              *string  `json:"id,omitempty"`
	Name            string   `json:"name"`
	Dosage          *string  `json:"dosage,omitempty"`
	Times           []string `json:"times"`
	StartDate       *string  `json:"start_date,omitempty" format:"date"`
	DurationDays    *int     `json:"duration_days,omitempty"`
	Color           *string  `json:"color,omitempty"`
	ReminderEnabled *bool    `json:"reminder_enabled,omitempty"`
	RefillReminder  *bool    `json:"refill_reminder,omitempty"`
	CurrentSupply   *int     `json:"current_supply,omitempty"`
	TotalSupply     *int     `json:"total_supply,omitempty"`
	RefillAt        *int     `json:"refill_at,omitempty"`
}

type UpdateMedicationRequest struct {
	Name            *string  `json:"name,omitempty"`
	Dosage          *string  `json:"dosage,omitempty"`
	Times           []string `json:"times,omitempty"`
	StartDate       *string  `json:"start_date,omitempty" format:"date"`
	DurationDays    *int     `json:"duration_days,omitempty"`
	Color           *string  `json:"color,omitempty"`
	ReminderEnabled *bool    `json:"reminder_enabled,omitempty"`
	RefillReminder  *bool    `json:"refill_reminder,omitempty"`
	CurrentSupply   *int     `json:"current_supply,omitempty"`
	TotalSupply     *int     `json:"total_supply,omitempty"`
	RefillAt        *int     `json:"refill_at,omitempty"`
}

type RecordDoseRequest struct {
	MedicationID string `json:"medication_id"`
	Taken        bool   `json:"taken"`
	ScheduledAt  string `json:"scheduled_at" format:"date-time"`
}

// Response payloads

type MedicationResponse struct {
	ID              string   `json:"id"`
	ProfileID       string   `json:"profile_id"`
	Name            string   `json:"name"`
	Dosage          string   `json:"dosage,omitempty"`
	Times           []string `json:"times"`
	StartDate       string   `json:"start_date" format:"date"`
	DurationDays    int      `json:"duration_days"`
	Color           string   `json:"color,omitempty"`
	ReminderEnabled bool     `json:"reminder_enabled"`
	RefillReminder  bool     `json:"refill_reminder"`
	CurrentSupply   int      `json:"current_supply"`
	TotalSupply     int      `json:"total_supply"`
	RefillAt        int      `json:"refill_at"`
	LastRefillDate  *string  `json:"last_refill_date,omitempty" format:"date"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
}

type DoseEventResponse struct {
	ID           string `json:"id"`
	MedicationID string `json:"medication_id"`
	ScheduledAt  string `json:"scheduled_at" format:"date-time"`
	Taken        bool   `json:"taken"`
	RecordedAt   string `json:"recorded_at" format:"date-time"`
}

type DoseStatusResponse struct {
	Medication  MedicationResponse `json:"medication"`
	Label       string             `json:"label"`
	ScheduledAt string             `json:"scheduled_at" format:"date-time"`
	Recorded    bool               `json:"recorded"`
	Taken       bool               `json:"taken"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProfileID  string         `json:"profile_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func medicationResponse(m domain.Medication) MedicationResponse {
	times := m.Times
	if times == nil {
		times = []string{}
	}
	return MedicationResponse{
		ID:              m.ID,
		ProfileID:       m.ProfileID,
		Name:            m.Name,
		Dosage:          m.Dosage,
		Times:           times,
		StartDate:       m.StartDate,
		DurationDays:    m.DurationDays,
		Color:           m.Color,
		ReminderEnabled: m.ReminderEnabled,
		RefillReminder:  m.RefillReminder,
		CurrentSupply:   m.CurrentSupply,
		TotalSupply:     m.TotalSupply,
		RefillAt:        m.RefillAt,
		LastRefillDate:  m.LastRefillDate,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func mapMedications(items []domain.Medication) []MedicationResponse {
	res := []MedicationResponse{}
	for _, m := range items {
		res = append(res, medicationResponse(m))
	}
	return res
}

func doseEventResponse(ev domain.DoseEvent) DoseEventResponse {
	return DoseEventResponse{
		ID:           ev.ID,
		MedicationID: ev.MedicationID,
		ScheduledAt:  ev.Timestamp,
		Taken:        ev.Taken,
		RecordedAt:   ev.RecordedAt,
	}
}

func mapDoseEvents(items []domain.DoseEvent) []DoseEventResponse {
	res := []DoseEventResponse{}
	for _, ev := range items {
		res = append(res, doseEventResponse(ev))
	}
	return res
}

func doseStatusResponse(st engine.DoseStatus) DoseStatusResponse {
	return DoseStatusResponse{
		Medication:  medicationResponse(st.Medication),
		Label:       st.Label,
		ScheduledAt: st.ScheduledAt,
		Recorded:    st.Recorded,
		Taken:       st.Taken,
	}
}

func eventResponse(ev domain.Event) EventResponse {
	var payload map[string]any
	if ev.Payload != "" {
		_ = json.Unmarshal([]byte(ev.Payload), &payload)
	}
	return EventResponse{
		ID:         ev.ID,
		TS:         ev.TS,
		Type:       ev.Type,
		ProfileID:  ev.ProfileID,
		EntityKind: ev.EntityKind,
		EntityID:   ev.EntityID,
		ActorID:    ev.ActorID,
		Payload:    payload,
	}
}
