package engine_test

import (
	"context"
	"testing"
	"time"

	"medtrack/internal/config"
	"medtrack/internal/db"
	"medtrack/internal/engine"
	"medtrack/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

// fixed clock: 2024-01-15 10:00 UTC
var testNow = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("profile-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return testNow }
	ctx := context.Background()
	if _, err := eng.InitProfile(ctx, "profile-1", "Test", "tester"); err != nil {
		t.Fatalf("init profile: %v", err)
	}
	return &testEnv{Engine: eng, Ctx: ctx}
}

func (env *testEnv) addMedication(t *testing.T, opts engine.MedicationCreateOptions) string {
	t.Helper()
	if opts.ProfileID == "" {
		opts.ProfileID = "profile-1"
	}
	if opts.Name == "" {
		opts.Name = "Aspirin"
	}
	if len(opts.Times) == 0 {
		opts.Times = []string{"08:00"}
	}
	if opts.ActorID == "" {
		opts.ActorID = "tester"
	}
	m, err := env.Engine.CreateMedication(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create medication: %v", err)
	}
	return m.ID
}

func TestRecordDoseDecrementsSupply(t *testing.T) {
	env := newTestEnv(t)
	id := env.addMedication(t, engine.MedicationCreateOptions{CurrentSupply: 5, TotalSupply: 30})

	scheduled := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	ev, err := env.Engine.RecordDose(env.Ctx, id, true, scheduled, "tester")
	if err != nil {
		t.Fatalf("record dose: %v", err)
	}
	if !ev.Taken {
		t.Fatalf("expected taken event")
	}
	m, err := env.Engine.Repo.GetMedication(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if m.CurrentSupply != 4 {
		t.Fatalf("expected supply 4, got %d", m.CurrentSupply)
	}
}

func TestSupplyFloorsAtZero(t *testing.T) {
	env := newTestEnv(t)
	id := env.addMedication(t, engine.MedicationCreateOptions{CurrentSupply: 0, TotalSupply: 30})

	scheduled := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	if _, err := env.Engine.RecordDose(env.Ctx, id, true, scheduled, "tester"); err != nil {
		t.Fatalf("record dose: %v", err)
	}
	m, _ := env.Engine.Repo.GetMedication(env.Ctx, id)
	if m.CurrentSupply != 0 {
		t.Fatalf("expected supply floored at 0, got %d", m.CurrentSupply)
	}
}

func TestRecordDoseUpdatesSlotInPlace(t *testing.T) {
	env := newTestEnv(t)
	id := env.addMedication(t, engine.MedicationCreateOptions{CurrentSupply: 5, TotalSupply: 30})

	scheduled := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	first, err := env.Engine.RecordDose(env.Ctx, id, false, scheduled, "tester")
	if err != nil {
		t.Fatalf("record skip: %v", err)
	}
	second, err := env.Engine.RecordDose(env.Ctx, id, true, scheduled, "tester")
	if err != nil {
		t.Fatalf("re-record: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same event updated in place, got new id %s", second.ID)
	}
	history, err := env.Engine.Repo.ListDoseEventsByMedication(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 event, got %d", len(history))
	}
	if !history[0].Taken {
		t.Fatalf("expected event flipped to taken")
	}
	// only the taken confirmation decrements
	m, _ := env.Engine.Repo.GetMedication(env.Ctx, id)
	if m.CurrentSupply != 4 {
		t.Fatalf("expected supply 4, got %d", m.CurrentSupply)
	}
}

func TestRecordDoseToleratesDeletedMedication(t *testing.T) {
	env := newTestEnv(t)
	scheduled := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	ev, err := env.Engine.RecordDose(env.Ctx, "gone-med", true, scheduled, "tester")
	if err != nil {
		t.Fatalf("expected orphan record to succeed: %v", err)
	}
	got, err := env.Engine.Repo.GetDoseEvent(env.Ctx, ev.ID)
	if err != nil {
		t.Fatalf("fetch event: %v", err)
	}
	if !got.Taken {
		t.Fatalf("expected taken event stored")
	}
}

func TestReconcileRecordsMissedDose(t *testing.T) {
	env := newTestEnv(t)
	id := env.addMedication(t, engine.MedicationCreateOptions{Times: []string{"08:00 AM"}})

	sum, err := env.Engine.ReconcileMissedDoses(env.Ctx, "system")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if sum.Missed != 1 {
		t.Fatalf("expected 1 missed, got %d", sum.Missed)
	}
	history, _ := env.Engine.Repo.ListDoseEventsByMedication(env.Ctx, id)
	if len(history) != 1 || history[0].Taken {
		t.Fatalf("expected one untaken event, got %+v", history)
	}
	ts, err := time.Parse(time.RFC3339, history[0].Timestamp)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	if !ts.Equal(want) {
		t.Fatalf("expected event at scheduled instant %v, got %v", want, ts)
	}
}

func TestReconcileGraceBoundary(t *testing.T) {
	// grace is 2 minutes; a slot counts as missed only once the deadline
	// is strictly in the past
	cases := []struct {
		name   string
		now    time.Time
		missed int
	}{
		{"within grace", time.Date(2024, 1, 15, 8, 1, 0, 0, time.UTC), 0},
		{"at deadline", time.Date(2024, 1, 15, 8, 2, 0, 0, time.UTC), 0},
		{"past deadline", time.Date(2024, 1, 15, 8, 3, 0, 0, time.UTC), 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.addMedication(t, engine.MedicationCreateOptions{Times: []string{"08:00"}})
			env.Engine.Now = func() time.Time { return tc.now }
			sum, err := env.Engine.ReconcileMissedDoses(env.Ctx, "system")
			if err != nil {
				t.Fatalf("reconcile: %v", err)
			}
			if sum.Missed != tc.missed {
				t.Fatalf("expected %d missed at %v, got %d", tc.missed, tc.now, sum.Missed)
			}
		})
	}
}

func TestReconcileIdempotent(t *testing.T) {
	env := newTestEnv(t)
	id := env.addMedication(t, engine.MedicationCreateOptions{Times: []string{"08:00"}})

	if _, err := env.Engine.ReconcileMissedDoses(env.Ctx, "system"); err != nil {
		t.Fatal(err)
	}
	sum, err := env.Engine.ReconcileMissedDoses(env.Ctx, "system")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Missed != 0 {
		t.Fatalf("expected repeat pass to record nothing, got %d", sum.Missed)
	}
	history, _ := env.Engine.Repo.ListDoseEventsByMedication(env.Ctx, id)
	if len(history) != 1 {
		t.Fatalf("expected 1 event after double reconcile, got %d", len(history))
	}
}

func TestReconcileDeduplicatesRepeatedLabels(t *testing.T) {
	env := newTestEnv(t)
	id := env.addMedication(t, engine.MedicationCreateOptions{Times: []string{"08:00", "8:00", "08:00 AM"}})

	sum, err := env.Engine.ReconcileMissedDoses(env.Ctx, "system")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Missed != 1 {
		t.Fatalf("expected labels for the same minute to collapse, got %d missed", sum.Missed)
	}
	history, _ := env.Engine.Repo.ListDoseEventsByMedication(env.Ctx, id)
	if len(history) != 1 {
		t.Fatalf("expected 1 event, got %d", len(history))
	}
}

func TestReconcileSkipsRecordedSlot(t *testing.T) {
	env := newTestEnv(t)
	id := env.addMedication(t, engine.MedicationCreateOptions{Times: []string{"08:00"}, CurrentSupply: 5})

	scheduled := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	if _, err := env.Engine.RecordDose(env.Ctx, id, true, scheduled, "tester"); err != nil {
		t.Fatal(err)
	}
	sum, err := env.Engine.ReconcileMissedDoses(env.Ctx, "system")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Missed != 0 {
		t.Fatalf("expected taken slot untouched, got %d missed", sum.Missed)
	}
	history, _ := env.Engine.Repo.ListDoseEventsByMedication(env.Ctx, id)
	if len(history) != 1 || !history[0].Taken {
		t.Fatalf("expected taken event to survive reconciliation")
	}
}

func TestReconcileSkipsElapsedCourse(t *testing.T) {
	env := newTestEnv(t)
	env.addMedication(t, engine.MedicationCreateOptions{
		Times:        []string{"08:00"},
		StartDate:    "2024-01-01",
		DurationDays: 7,
	})
	sum, err := env.Engine.ReconcileMissedDoses(env.Ctx, "system")
	if err != nil {
		t.Fatal(err)
	}
	if sum.MedicationsChecked != 0 || sum.Missed != 0 {
		t.Fatalf("expected elapsed course skipped, got %+v", sum)
	}
}

func TestReconcileChecksFutureStart(t *testing.T) {
	// activity only checks the window end, so a course starting tomorrow
	// is still evaluated against today's schedule
	env := newTestEnv(t)
	env.addMedication(t, engine.MedicationCreateOptions{
		Times:        []string{"08:00"},
		StartDate:    "2024-01-16",
		DurationDays: 7,
	})
	sum, err := env.Engine.ReconcileMissedDoses(env.Ctx, "system")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Missed != 1 {
		t.Fatalf("expected future-dated course still checked, got %+v", sum)
	}
}

func TestReconcileSkipsUnparseableLabels(t *testing.T) {
	env := newTestEnv(t)
	env.addMedication(t, engine.MedicationCreateOptions{Times: []string{"morning", "08:00"}})
	sum, err := env.Engine.ReconcileMissedDoses(env.Ctx, "system")
	if err != nil {
		t.Fatal(err)
	}
	if sum.LabelsChecked != 1 || sum.Missed != 1 {
		t.Fatalf("expected only the parseable label checked, got %+v", sum)
	}
}

func TestRefillResetsSupply(t *testing.T) {
	env := newTestEnv(t)
	id := env.addMedication(t, engine.MedicationCreateOptions{CurrentSupply: 2, TotalSupply: 30})

	m, err := env.Engine.RefillMedication(env.Ctx, id, "tester")
	if err != nil {
		t.Fatalf("refill: %v", err)
	}
	if m.CurrentSupply != 30 {
		t.Fatalf("expected supply reset to 30, got %d", m.CurrentSupply)
	}
	if m.LastRefillDate == nil || *m.LastRefillDate != "2024-01-15" {
		t.Fatalf("expected refill date stamped, got %v", m.LastRefillDate)
	}
}

func TestTodaysDoses(t *testing.T) {
	env := newTestEnv(t)
	id := env.addMedication(t, engine.MedicationCreateOptions{Times: []string{"08:00 AM", "08:00 PM"}, CurrentSupply: 5})

	scheduled := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	if _, err := env.Engine.RecordDose(env.Ctx, id, true, scheduled, "tester"); err != nil {
		t.Fatal(err)
	}
	doses, err := env.Engine.TodaysDoses(env.Ctx)
	if err != nil {
		t.Fatalf("todays doses: %v", err)
	}
	if len(doses) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(doses))
	}
	if !doses[0].Recorded || !doses[0].Taken {
		t.Fatalf("expected morning slot recorded taken, got %+v", doses[0])
	}
	if doses[1].Recorded {
		t.Fatalf("expected evening slot unrecorded, got %+v", doses[1])
	}
}

func TestAdherenceCounts(t *testing.T) {
	env := newTestEnv(t)
	id := env.addMedication(t, engine.MedicationCreateOptions{
		Times:         []string{"08:00"},
		StartDate:     "2024-01-13",
		CurrentSupply: 5,
	})
	// 13th taken, 14th missed, 15th unrecorded
	if _, err := env.Engine.RecordDose(env.Ctx, id, true, time.Date(2024, 1, 13, 8, 0, 0, 0, time.UTC), "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordDose(env.Ctx, id, false, time.Date(2024, 1, 14, 8, 0, 0, 0, time.UTC), "tester"); err != nil {
		t.Fatal(err)
	}
	stats, err := env.Engine.Adherence(env.Ctx, 3)
	if err != nil {
		t.Fatalf("adherence: %v", err)
	}
	if stats.Scheduled != 3 || stats.Taken != 1 || stats.Missed != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestAdherenceClampsAtStartDate(t *testing.T) {
	env := newTestEnv(t)
	env.addMedication(t, engine.MedicationCreateOptions{
		Times:     []string{"08:00"},
		StartDate: "2024-01-15",
	})
	stats, err := env.Engine.Adherence(env.Ctx, 7)
	if err != nil {
		t.Fatalf("adherence: %v", err)
	}
	// started today: the six window days before the start date must not
	// count as pending
	if stats.Scheduled != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestDeleteMedicationKeepsHistory(t *testing.T) {
	env := newTestEnv(t)
	id := env.addMedication(t, engine.MedicationCreateOptions{CurrentSupply: 5})

	scheduled := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	if _, err := env.Engine.RecordDose(env.Ctx, id, true, scheduled, "tester"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteMedication(env.Ctx, id, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	history, err := env.Engine.Repo.ListDoseEventsByMedication(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("expected history to survive deletion, got %d events", len(history))
	}
}

func TestUpdateMedicationWholesale(t *testing.T) {
	env := newTestEnv(t)
	id := env.addMedication(t, engine.MedicationCreateOptions{Times: []string{"08:00"}})

	name := "Ibuprofen"
	days := 14
	m, err := env.Engine.UpdateMedication(env.Ctx, engine.MedicationUpdateOptions{
		ID:           id,
		Name:         &name,
		Times:        []string{"09:00", "09:00 PM"},
		DurationDays: &days,
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if m.Name != "Ibuprofen" || len(m.Times) != 2 || m.DurationDays != 14 {
		t.Fatalf("unexpected medication after update: %+v", m)
	}
	stored, _ := env.Engine.Repo.GetMedication(env.Ctx, id)
	if stored.Name != "Ibuprofen" || len(stored.Times) != 2 {
		t.Fatalf("update not persisted: %+v", stored)
	}
}

func TestStatusSummary(t *testing.T) {
	env := newTestEnv(t)
	env.addMedication(t, engine.MedicationCreateOptions{CurrentSupply: 2, TotalSupply: 30, RefillAt: 5})
	env.addMedication(t, engine.MedicationCreateOptions{
		Name:         "Old med",
		StartDate:    "2024-01-01",
		DurationDays: 7,
	})
	st, err := env.Engine.Status(env.Ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Medications != 2 || st.Active != 1 || st.LowSupply != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestListReadsDegradeToEmpty(t *testing.T) {
	env := newTestEnv(t)
	env.addMedication(t, engine.MedicationCreateOptions{CurrentSupply: 5, TotalSupply: 30})

	for _, table := range []string{"medications", "dose_events"} {
		if _, err := env.Engine.DB.Exec("DROP TABLE " + table); err != nil {
			t.Fatalf("drop %s: %v", table, err)
		}
	}
	if meds := env.Engine.Medications(env.Ctx); len(meds) != 0 {
		t.Fatalf("expected empty medication list, got %d", len(meds))
	}
	doses, err := env.Engine.TodaysDoses(env.Ctx)
	if err != nil {
		t.Fatalf("todays doses: %v", err)
	}
	if len(doses) != 0 {
		t.Fatalf("expected empty schedule, got %d", len(doses))
	}
	sum, err := env.Engine.ReconcileMissedDoses(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if sum.MedicationsChecked != 0 || sum.Missed != 0 {
		t.Fatalf("expected nothing reconciled, got %+v", sum)
	}
	if history := env.Engine.DoseHistory(env.Ctx, "", 10); len(history) != 0 {
		t.Fatalf("expected empty history, got %d", len(history))
	}
	// writes still propagate
	if _, err := env.Engine.RecordDose(env.Ctx, "m1", true, testNow, "tester"); err == nil {
		t.Fatalf("expected record dose to fail with the store broken")
	}
}
