package medtracksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Medtrack HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v1",
		Timeout:  10 * time.Second,
	}
}

// Medication represents the API medication model.
type Medication struct {
	ID              string   `json:"id"`
	ProfileID       string   `json:"profile_id"`
	Name            string   `json:"name"`
	Dosage          string   `json:"dosage,omitempty"`
	Times           []string `json:"times"`
	StartDate       string   `json:"start_date"`
	DurationDays    int      `json:"duration_days"`
	Color           string   `json:"color,omitempty"`
	ReminderEnabled bool     `json:"reminder_enabled"`
	RefillReminder  bool     `json:"refill_reminder"`
	CurrentSupply   int      `json:"current_supply"`
	TotalSupply     int      `json:"total_supply"`
	RefillAt        int      `json:"refill_at"`
	LastRefillDate  *string  `json:"last_refill_date,omitempty"`
	CreatedAt       string   `json:"created_at"`
	UpdatedAt       string   `json:"updated_at"`
}

// DoseEvent represents a recorded dose slot.
type DoseEvent struct {
	ID           string `json:"id"`
	MedicationID string `json:"medication_id"`
	ScheduledAt  string `json:"scheduled_at"`
	Taken        bool   `json:"taken"`
	RecordedAt   string `json:"recorded_at"`
}

// DoseStatus pairs a slot with its recorded outcome.
type DoseStatus struct {
	Medication  Medication `json:"medication"`
	Label       string     `json:"label"`
	ScheduledAt string     `json:"scheduled_at"`
	Recorded    bool       `json:"recorded"`
	Taken       bool       `json:"taken"`
}

// ReconcileSummary reports what a reconcile pass did.
type ReconcileSummary struct {
	MedicationsChecked int `json:"medications_checked"`
	LabelsChecked      int `json:"labels_checked"`
	Missed             int `json:"missed"`
}

// AdherenceStats summarizes a trailing window.
type AdherenceStats struct {
	Days      int     `json:"days"`
	Scheduled int     `json:"scheduled"`
	Taken     int     `json:"taken"`
	Missed    int     `json:"missed"`
	Pending   int     `json:"pending"`
	Rate      float64 `json:"rate"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProfileID  string         `json:"profile_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateMedication adds a medication.
func (c *Client) CreateMedication(ctx context.Context, m Medication) (Medication, error) {
	body := map[string]any{
		"name":             m.Name,
		"dosage":           m.Dosage,
		"times":            m.Times,
		"start_date":       m.StartDate,
		"duration_days":    m.DurationDays,
		"color":            m.Color,
		"reminder_enabled": m.ReminderEnabled,
		"refill_reminder":  m.RefillReminder,
		"current_supply":   m.CurrentSupply,
		"total_supply":     m.TotalSupply,
		"refill_at":        m.RefillAt,
	}
	var resp Medication
	err := c.do(ctx, http.MethodPost, "medications", body, &resp)
	return resp, err
}

// Medications lists all medications for the profile.
func (c *Client) Medications(ctx context.Context) ([]Medication, error) {
	var resp []Medication
	err := c.do(ctx, http.MethodGet, "medications", nil, &resp)
	return resp, err
}

// Medication fetches one medication by id.
func (c *Client) Medication(ctx context.Context, id string) (Medication, error) {
	var resp Medication
	err := c.do(ctx, http.MethodGet, "medications/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// DeleteMedication removes a medication; its dose history is kept.
func (c *Client) DeleteMedication(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "medications/"+url.PathEscape(id), nil, nil)
}

// Refill records a refill, resetting supply to the bottle size.
func (c *Client) Refill(ctx context.Context, id string) (Medication, error) {
	var resp Medication
	err := c.do(ctx, http.MethodPost, "medications/"+url.PathEscape(id)+"/refill", nil, &resp)
	return resp, err
}

// RecordDose records a taken or skipped dose for a scheduled slot.
// scheduledAt is RFC3339.
func (c *Client) RecordDose(ctx context.Context, medicationID string, taken bool, scheduledAt string) (DoseEvent, error) {
	body := map[string]any{
		"medication_id": medicationID,
		"taken":         taken,
		"scheduled_at":  scheduledAt,
	}
	var resp DoseEvent
	err := c.do(ctx, http.MethodPost, "doses", body, &resp)
	return resp, err
}

// TodaysDoses returns today's schedule with recorded outcomes.
func (c *Client) TodaysDoses(ctx context.Context) ([]DoseStatus, error) {
	var resp []DoseStatus
	err := c.do(ctx, http.MethodGet, "doses/today", nil, &resp)
	return resp, err
}

// Doses returns dose history, newest first.
func (c *Client) Doses(ctx context.Context, medicationID string, limit int) ([]DoseEvent, error) {
	endpoint := "doses"
	q := url.Values{}
	if medicationID != "" {
		q.Set("medication_id", medicationID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []DoseEvent
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Reconcile records missed doses past their grace period.
func (c *Client) Reconcile(ctx context.Context) (ReconcileSummary, error) {
	var resp ReconcileSummary
	err := c.do(ctx, http.MethodPost, "reconcile", nil, &resp)
	return resp, err
}

// Adherence returns stats for the trailing window; days<=0 means the
// server default.
func (c *Client) Adherence(ctx context.Context, days int) (AdherenceStats, error) {
	endpoint := "stats/adherence"
	if days > 0 {
		endpoint = fmt.Sprintf("%s?days=%d", endpoint, days)
	}
	var resp AdherenceStats
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent log entries.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "log"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.Trim(c.BasePath, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
