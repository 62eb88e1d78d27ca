package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"medtrack/internal/config"
	"medtrack/internal/db"
	"medtrack/internal/engine"
	"medtrack/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

var serverNow = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("profile-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return serverNow }
	if _, err := e.InitProfile(context.Background(), cfg.Profile.ID, "Test", "tester"); err != nil {
		t.Fatalf("init profile: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{AllowLocal: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createMedication(t *testing.T, srv *testServer, body map[string]any) MedicationResponse {
	t.Helper()
	if body == nil {
		body = map[string]any{}
	}
	if _, ok := body["name"]; !ok {
		body["name"] = "Aspirin"
	}
	if _, ok := body["times"]; !ok {
		body["times"] = []string{"08:00 AM"}
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/medications", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create medication status %d: %s", res.StatusCode, string(data))
	}
	var m MedicationResponse
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal medication: %v", err)
	}
	return m
}

func TestMedicationLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	m := createMedication(t, srv, map[string]any{
		"name":           "Aspirin",
		"dosage":         "100mg",
		"times":          []string{"08:00 AM", "08:00 PM"},
		"current_supply": 30,
		"total_supply":   30,
	})
	if m.ID == "" || len(m.Times) != 2 {
		t.Fatalf("unexpected medication: %+v", m)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/medications", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list []MedicationResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 medication, got %d", len(list))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/medications/"+m.ID, map[string]any{
		"dosage": "200mg",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status %d: %s", res.StatusCode, string(data))
	}
	var updated MedicationResponse
	_ = json.Unmarshal(data, &updated)
	if updated.Dosage != "200mg" {
		t.Fatalf("expected dosage updated, got %q", updated.Dosage)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/medications/"+m.ID, nil, nil)
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/medications/"+m.ID, nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d: %s", res.StatusCode, string(data))
	}
}

func TestCreateMedicationRequiresTimes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/medications", map[string]any{
		"name": "Aspirin",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Code != "bad_request" {
		t.Fatalf("expected bad_request code, got %s in %s", envelope.Code, string(data))
	}
}

func TestRecordDoseAndHistory(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	m := createMedication(t, srv, map[string]any{"current_supply": 5, "total_supply": 30})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/doses", map[string]any{
		"medication_id": m.ID,
		"taken":         true,
		"scheduled_at":  "2024-01-15T08:00:00Z",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("record dose status %d: %s", res.StatusCode, string(data))
	}
	var ev DoseEventResponse
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if !ev.Taken {
		t.Fatalf("expected taken event: %+v", ev)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/medications/"+m.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var after MedicationResponse
	_ = json.Unmarshal(data, &after)
	if after.CurrentSupply != 4 {
		t.Fatalf("expected supply 4 after taken dose, got %d", after.CurrentSupply)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/doses?medication_id="+m.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var history []DoseEventResponse
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 event, got %d", len(history))
	}
}

func TestTodaysDosesEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	createMedication(t, srv, map[string]any{"times": []string{"08:00 AM", "08:00 PM"}})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/doses/today", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("today status %d: %s", res.StatusCode, string(data))
	}
	var doses []DoseStatusResponse
	if err := json.Unmarshal(data, &doses); err != nil {
		t.Fatalf("unmarshal doses: %v", err)
	}
	if len(doses) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(doses))
	}
}

func TestReconcileEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	createMedication(t, srv, map[string]any{"times": []string{"08:00 AM"}})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/reconcile", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reconcile status %d: %s", res.StatusCode, string(data))
	}
	var sum engine.ReconcileSummary
	if err := json.Unmarshal(data, &sum); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if sum.Missed != 1 {
		t.Fatalf("expected 1 missed dose, got %+v", sum)
	}
}

func TestRefillEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	m := createMedication(t, srv, map[string]any{"current_supply": 2, "total_supply": 30})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/medications/"+m.ID+"/refill", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("refill status %d: %s", res.StatusCode, string(data))
	}
	var after MedicationResponse
	_ = json.Unmarshal(data, &after)
	if after.CurrentSupply != 30 {
		t.Fatalf("expected supply 30 after refill, got %d", after.CurrentSupply)
	}
	if after.LastRefillDate == nil || *after.LastRefillDate != "2024-01-15" {
		t.Fatalf("expected refill date stamped, got %v", after.LastRefillDate)
	}
}

func TestAdherenceEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	m := createMedication(t, srv, map[string]any{"times": []string{"08:00 AM"}, "current_supply": 5})
	if _, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/doses", map[string]any{
		"medication_id": m.ID,
		"taken":         true,
		"scheduled_at":  "2024-01-15T08:00:00Z",
	}, nil); len(data) == 0 {
		t.Fatalf("record dose failed")
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/stats/adherence?days=1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d: %s", res.StatusCode, string(data))
	}
	var stats engine.AdherenceStats
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats.Scheduled != 1 || stats.Taken != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestHealthOpenWithoutAuth(t *testing.T) {
	srv, cleanup := newTestServerWithAuth(t, AuthConfig{JWTSecret: "secret"})
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected health open, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/medications", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
}

func newTestServerWithAuth(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("profile-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return serverNow }
	if _, err := e.InitProfile(context.Background(), cfg.Profile.ID, "Test", "tester"); err != nil {
		t.Fatalf("init profile: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}
