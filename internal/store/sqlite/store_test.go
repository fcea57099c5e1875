package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"warpsurf/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func testPlan() domain.TaskPlan {
	return domain.TaskPlan{
		ID:   "plan-1",
		Task: "compare frameworks",
		Subtasks: []domain.Subtask{
			{ID: 1, Title: "survey", Prompt: "survey the field"},
			{ID: 2, Title: "write up", Prompt: "synthesize", StartCriteria: []int{1}, IsFinal: true},
		},
		Dependencies: map[int][]int{1: {}, 2: {1}},
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

func TestCreateAndGetPlan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreatePlan(ctx, testPlan()); err != nil {
		t.Fatalf("create plan: %v", err)
	}

	plan, rec, err := store.GetPlan(ctx, "plan-1")
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if plan.Task != "compare frameworks" || len(plan.Subtasks) != 2 {
		t.Fatalf("plan=%+v want original task and 2 subtasks", plan)
	}
	if plan.Dependencies[2][0] != 1 {
		t.Fatalf("dependencies=%v want 2->[1]", plan.Dependencies)
	}
	if rec.Status != domain.PlanStatusPending {
		t.Fatalf("status=%s want=pending", rec.Status)
	}
	if rec.SubtaskCount != 2 {
		t.Fatalf("subtask_count=%d want=2", rec.SubtaskCount)
	}
}

func TestStatusUpdatesRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.CreatePlan(ctx, testPlan()); err != nil {
		t.Fatalf("create plan: %v", err)
	}

	if err := store.UpdatePlanStatus(ctx, "plan-1", domain.PlanStatusFailed, "subtask 1 failed"); err != nil {
		t.Fatalf("update plan status: %v", err)
	}
	if err := store.UpdateSubtaskStatus(ctx, "plan-1", 1, domain.NodeStatusFailed, "boom"); err != nil {
		t.Fatalf("update subtask status: %v", err)
	}

	_, rec, err := store.GetPlan(ctx, "plan-1")
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if rec.Status != domain.PlanStatusFailed || rec.LastError != "subtask 1 failed" {
		t.Fatalf("record=%+v want failed with last error", rec)
	}

	subtasks, err := store.ListSubtasks(ctx, "plan-1")
	if err != nil {
		t.Fatalf("list subtasks: %v", err)
	}
	if len(subtasks) != 2 {
		t.Fatalf("subtasks=%d want=2", len(subtasks))
	}
	if subtasks[0].Status != domain.NodeStatusFailed || subtasks[0].Reason != "boom" {
		t.Fatalf("subtask 1 record=%+v want failed/boom", subtasks[0])
	}
	if subtasks[1].Status != domain.NodeStatusNotStarted {
		t.Fatalf("subtask 2 status=%s want=not_started", subtasks[1].Status)
	}
	if !subtasks[1].Subtask.IsFinal {
		t.Fatal("subtask 2 lost is_final through storage")
	}
}

func TestListPlansNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := testPlan()
	older.ID = "plan-old"
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	newer := testPlan()
	newer.ID = "plan-new"

	if err := store.CreatePlan(ctx, older); err != nil {
		t.Fatalf("create older: %v", err)
	}
	if err := store.CreatePlan(ctx, newer); err != nil {
		t.Fatalf("create newer: %v", err)
	}

	plans, err := store.ListPlans(ctx)
	if err != nil {
		t.Fatalf("list plans: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("plans=%d want=2", len(plans))
	}
	if plans[0].ID != "plan-new" || plans[1].ID != "plan-old" {
		t.Fatalf("order=[%s %s] want newest first", plans[0].ID, plans[1].ID)
	}
}

func TestOutputsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.CreatePlan(ctx, testPlan()); err != nil {
		t.Fatalf("create plan: %v", err)
	}

	out := domain.SubtaskOutput{
		SubtaskID: 1,
		Result:    "survey done",
		Payload:   json.RawMessage(`{"sources":3}`),
		TabIDs:    []int{11, 12},
	}
	if err := store.SaveSubtaskOutput(ctx, "plan-1", out); err != nil {
		t.Fatalf("save output: %v", err)
	}

	outputs, err := store.ListOutputs(ctx, "plan-1")
	if err != nil {
		t.Fatalf("list outputs: %v", err)
	}
	if len(outputs) != 1 {
		t.Fatalf("outputs=%d want=1", len(outputs))
	}
	got := outputs[0]
	if got.Result != "survey done" {
		t.Fatalf("result=%q want=%q", got.Result, "survey done")
	}
	if string(got.Payload) != `{"sources":3}` {
		t.Fatalf("payload=%s want original json", got.Payload)
	}
	if len(got.TabIDs) != 2 || got.TabIDs[0] != 11 {
		t.Fatalf("tab_ids=%v want=[11 12]", got.TabIDs)
	}
}

func TestEventsOrderedWithLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.CreatePlan(ctx, testPlan()); err != nil {
		t.Fatalf("create plan: %v", err)
	}

	for i := 1; i <= 5; i++ {
		ev := domain.Event{
			Type:      domain.EventSubtaskStarted,
			PlanID:    "plan-1",
			SubtaskID: i,
			Message:   "started",
		}
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
	}

	events, err := store.ListEvents(ctx, "plan-1", 3)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events=%d want=3", len(events))
	}
	for i, ev := range events {
		if ev.SubtaskID != i+1 {
			t.Fatalf("event %d subtask=%d want=%d", i, ev.SubtaskID, i+1)
		}
	}
}

func TestReportRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.CreatePlan(ctx, testPlan()); err != nil {
		t.Fatalf("create plan: %v", err)
	}

	report := domain.Report{
		PlanID: "plan-1",
		Status: domain.PlanStatusCompleted,
		Outcomes: []domain.SubtaskOutcome{
			{SubtaskID: 1, Status: domain.NodeStatusCompleted},
			{SubtaskID: 2, Status: domain.NodeStatusCompleted},
		},
		Schedule: domain.WorkerSchedule{0: {1, 2}},
		Metrics:  &domain.Metrics{Work: 2, Span: 2, Makespan: 2},
	}
	if err := store.SaveReport(ctx, report); err != nil {
		t.Fatalf("save report: %v", err)
	}

	got, err := store.GetReport(ctx, "plan-1")
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if got.Status != domain.PlanStatusCompleted || len(got.Outcomes) != 2 {
		t.Fatalf("report=%+v want completed with 2 outcomes", got)
	}
	if got.Metrics == nil || got.Metrics.Work != 2 {
		t.Fatalf("metrics=%+v want work=2", got.Metrics)
	}

	if _, err := store.GetReport(ctx, "plan-missing"); err == nil {
		t.Fatal("expected error for missing report")
	}
}
