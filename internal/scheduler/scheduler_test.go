package scheduler

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"warpsurf/internal/domain"
	"warpsurf/internal/eventbus"
	"warpsurf/internal/worker"
)

type memStore struct {
	mu            sync.Mutex
	plans         map[string]domain.TaskPlan
	planStatus    map[string]domain.PlanStatus
	subtaskStatus map[int]domain.NodeStatus
	reasons       map[int]string
	outputs       map[int]domain.SubtaskOutput
	events        []domain.Event
	report        *domain.Report
}

func newMemStore() *memStore {
	return &memStore{
		plans:         make(map[string]domain.TaskPlan),
		planStatus:    make(map[string]domain.PlanStatus),
		subtaskStatus: make(map[int]domain.NodeStatus),
		reasons:       make(map[int]string),
		outputs:       make(map[int]domain.SubtaskOutput),
	}
}

func (m *memStore) CreatePlan(_ context.Context, plan domain.TaskPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[plan.ID] = plan
	m.planStatus[plan.ID] = domain.PlanStatusPending
	for _, st := range plan.Subtasks {
		m.subtaskStatus[st.ID] = domain.NodeStatusNotStarted
	}
	return nil
}

func (m *memStore) UpdatePlanStatus(_ context.Context, planID string, status domain.PlanStatus, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planStatus[planID] = status
	return nil
}

func (m *memStore) UpdateSubtaskStatus(_ context.Context, _ string, subtaskID int, status domain.NodeStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subtaskStatus[subtaskID] = status
	m.reasons[subtaskID] = reason
	return nil
}

func (m *memStore) SaveSubtaskOutput(_ context.Context, _ string, out domain.SubtaskOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs[out.SubtaskID] = out
	return nil
}

func (m *memStore) AppendEvent(_ context.Context, ev domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) SaveReport(_ context.Context, report domain.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.report = &report
	return nil
}

func (m *memStore) startedOrder() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int
	for _, ev := range m.events {
		if ev.Type == domain.EventSubtaskStarted {
			ids = append(ids, ev.SubtaskID)
		}
	}
	return ids
}

func newHarness(t *testing.T, cfg Config, scripts map[int]worker.Script) (*Scheduler, *memStore) {
	t.Helper()
	store := newMemStore()
	logger := log.New(io.Discard, "", 0)
	bus := eventbus.New(logger)
	sched := New(store, bus, worker.NewScripted(scripts), cfg, logger)
	return sched, store
}

func outcomeOf(t *testing.T, report *domain.Report, id int) domain.SubtaskOutcome {
	t.Helper()
	for _, o := range report.Outcomes {
		if o.SubtaskID == id {
			return o
		}
	}
	t.Fatalf("no outcome for subtask %d", id)
	return domain.SubtaskOutcome{}
}

func diamondPlan() domain.TaskPlan {
	return domain.TaskPlan{
		ID:   "plan-diamond",
		Task: "diamond",
		Subtasks: []domain.Subtask{
			{ID: 1, Title: "root", Prompt: "r"},
			{ID: 2, Title: "left", Prompt: "l", StartCriteria: []int{1}},
			{ID: 3, Title: "right", Prompt: "r", StartCriteria: []int{1}},
			{ID: 4, Title: "join", Prompt: "j", StartCriteria: []int{2, 3}, IsFinal: true},
		},
	}
}

func TestRunCompletesDiamondPlan(t *testing.T) {
	sched, store := newHarness(t, Config{MaxWorkers: 2}, map[int]worker.Script{
		1: {Result: "one"},
		2: {Result: "two"},
		3: {Result: "three"},
		4: {Result: "four"},
	})

	run, err := sched.Start(context.Background(), diamondPlan())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	report := run.Wait()

	if report.Status != domain.PlanStatusCompleted {
		t.Fatalf("status=%s want=%s", report.Status, domain.PlanStatusCompleted)
	}
	for _, id := range []int{1, 2, 3, 4} {
		if o := outcomeOf(t, report, id); o.Status != domain.NodeStatusCompleted {
			t.Fatalf("subtask %d status=%s want=completed", id, o.Status)
		}
	}
	if len(report.Outputs) != 4 {
		t.Fatalf("outputs=%d want=4", len(report.Outputs))
	}
	if report.Outputs[4].Result != "four" {
		t.Fatalf("terminal result=%q want=%q", report.Outputs[4].Result, "four")
	}
	if report.Metrics == nil {
		t.Fatal("metrics missing on completed plan")
	}
	if report.Metrics.Work != 4 || report.Metrics.Span != 3 {
		t.Fatalf("work/span=%d/%d want=4/3", report.Metrics.Work, report.Metrics.Span)
	}
	if len(report.Schedule) != 2 {
		t.Fatalf("schedule rows=%d want=2", len(report.Schedule))
	}
	seen := make(map[int]int)
	width := -1
	for _, seq := range report.Schedule {
		if width == -1 {
			width = len(seq)
		} else if len(seq) != width {
			t.Fatalf("schedule rows have unequal length")
		}
		for _, id := range seq {
			if id != 0 {
				seen[id]++
			}
		}
	}
	for _, id := range []int{1, 2, 3, 4} {
		if seen[id] != 1 {
			t.Fatalf("subtask %d appears %d times in schedule want=1", id, seen[id])
		}
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.planStatus["plan-diamond"] != domain.PlanStatusCompleted {
		t.Fatalf("stored plan status=%s want=completed", store.planStatus["plan-diamond"])
	}
	if store.report == nil {
		t.Fatal("report not persisted")
	}
}

func TestSingleWorkerDispatchesLowestIDFirst(t *testing.T) {
	plan := domain.TaskPlan{
		ID:   "plan-order",
		Task: "ordering",
		Subtasks: []domain.Subtask{
			{ID: 5, Title: "b", Prompt: "b"},
			{ID: 2, Title: "a", Prompt: "a"},
			{ID: 9, Title: "end", Prompt: "e", StartCriteria: []int{2, 5}, IsFinal: true},
		},
	}
	sched, store := newHarness(t, Config{MaxWorkers: 1}, nil)

	run, err := sched.Start(context.Background(), plan)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	report := run.Wait()
	if report.Status != domain.PlanStatusCompleted {
		t.Fatalf("status=%s want=completed", report.Status)
	}

	order := store.startedOrder()
	if len(order) != 3 || order[0] != 2 || order[1] != 5 || order[2] != 9 {
		t.Fatalf("dispatch order=%v want=[2 5 9]", order)
	}
	if len(report.Schedule) != 1 {
		t.Fatalf("schedule rows=%d want=1", len(report.Schedule))
	}
}

func TestNonFinalFailureDoesNotFailPlan(t *testing.T) {
	plan := domain.TaskPlan{
		ID:   "plan-side-failure",
		Task: "side failure",
		Subtasks: []domain.Subtask{
			{ID: 1, Title: "root", Prompt: "r"},
			{ID: 2, Title: "side", Prompt: "s", StartCriteria: []int{1}},
			{ID: 3, Title: "final", Prompt: "f", StartCriteria: []int{1}, IsFinal: true},
		},
	}
	sched, _ := newHarness(t, Config{MaxWorkers: 2}, map[int]worker.Script{
		2: {Err: errors.New("flaky source")},
	})

	run, err := sched.Start(context.Background(), plan)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	report := run.Wait()

	if report.Status != domain.PlanStatusCompleted {
		t.Fatalf("status=%s want=completed despite side failure", report.Status)
	}
	if o := outcomeOf(t, report, 2); o.Status != domain.NodeStatusFailed {
		t.Fatalf("subtask 2 status=%s want=failed", o.Status)
	}
	if o := outcomeOf(t, report, 3); o.Status != domain.NodeStatusCompleted {
		t.Fatalf("subtask 3 status=%s want=completed", o.Status)
	}
	if report.Metrics == nil {
		t.Fatal("metrics missing on completed plan")
	}
}

func TestLoadBearingFailureFailsPlanAndCancelsDependents(t *testing.T) {
	plan := domain.TaskPlan{
		ID:   "plan-chain-failure",
		Task: "chain failure",
		Subtasks: []domain.Subtask{
			{ID: 1, Title: "root", Prompt: "r"},
			{ID: 2, Title: "mid", Prompt: "m", StartCriteria: []int{1}},
			{ID: 3, Title: "final", Prompt: "f", StartCriteria: []int{2}, IsFinal: true},
		},
	}
	sched, _ := newHarness(t, Config{MaxWorkers: 2}, map[int]worker.Script{
		1: {Err: errors.New("upstream exploded")},
	})

	run, err := sched.Start(context.Background(), plan)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	report := run.Wait()

	if report.Status != domain.PlanStatusFailed {
		t.Fatalf("status=%s want=failed", report.Status)
	}
	if o := outcomeOf(t, report, 1); o.Status != domain.NodeStatusFailed || !strings.Contains(o.Reason, "upstream exploded") {
		t.Fatalf("subtask 1 outcome=%+v want failed with reason", o)
	}
	if o := outcomeOf(t, report, 2); o.Status != domain.NodeStatusCancelled || !strings.Contains(o.Reason, "dependency 1 failed") {
		t.Fatalf("subtask 2 outcome=%+v want cancelled by dependency", o)
	}
	if o := outcomeOf(t, report, 3); o.Status != domain.NodeStatusCancelled {
		t.Fatalf("subtask 3 status=%s want=cancelled", o.Status)
	}
	if got := report.FailedSubtasks(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("failed subtasks=%v want=[1]", got)
	}
	if report.Metrics != nil {
		t.Fatal("metrics computed for failed plan")
	}
}

func TestCancelMidRun(t *testing.T) {
	plan := domain.TaskPlan{
		ID:   "plan-cancel",
		Task: "cancel",
		Subtasks: []domain.Subtask{
			{ID: 1, Title: "slow", Prompt: "s"},
			{ID: 2, Title: "final", Prompt: "f", StartCriteria: []int{1}, IsFinal: true},
		},
	}
	sched, _ := newHarness(t, Config{MaxWorkers: 1}, map[int]worker.Script{
		1: {Delay: 5 * time.Second},
	})

	run, err := sched.Start(context.Background(), plan)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	run.Cancel()
	run.Cancel() // idempotent

	select {
	case <-run.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run did not terminate after cancel")
	}
	report := run.Wait()

	if report.Status != domain.PlanStatusCancelled {
		t.Fatalf("status=%s want=cancelled", report.Status)
	}
	for _, id := range []int{1, 2} {
		if o := outcomeOf(t, report, id); o.Status != domain.NodeStatusCancelled {
			t.Fatalf("subtask %d status=%s want=cancelled", id, o.Status)
		}
	}
	if len(report.Outputs) != 0 {
		t.Fatalf("outputs=%d want=0 after cancellation", len(report.Outputs))
	}
}

func TestSubtaskTimeoutFailsPlan(t *testing.T) {
	plan := domain.TaskPlan{
		ID:   "plan-timeout",
		Task: "timeout",
		Subtasks: []domain.Subtask{
			{ID: 1, Title: "stuck", Prompt: "s", IsFinal: true},
		},
	}
	sched, _ := newHarness(t, Config{MaxWorkers: 1, SubtaskTimeout: 50 * time.Millisecond}, map[int]worker.Script{
		1: {Delay: 5 * time.Second},
	})

	run, err := sched.Start(context.Background(), plan)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	report := run.Wait()

	if report.Status != domain.PlanStatusFailed {
		t.Fatalf("status=%s want=failed", report.Status)
	}
	if o := outcomeOf(t, report, 1); o.Status != domain.NodeStatusFailed || !strings.Contains(o.Reason, "timed out") {
		t.Fatalf("outcome=%+v want failed with timeout reason", o)
	}
}

func TestStartRejectsInvalidPlan(t *testing.T) {
	plan := domain.TaskPlan{
		ID:   "plan-cycle",
		Task: "cycle",
		Subtasks: []domain.Subtask{
			{ID: 1, Title: "a", Prompt: "a", StartCriteria: []int{2}},
			{ID: 2, Title: "b", Prompt: "b", StartCriteria: []int{1}},
		},
	}
	sched, store := newHarness(t, Config{}, nil)

	if _, err := sched.Start(context.Background(), plan); err == nil {
		t.Fatal("Start accepted a cyclic plan")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.plans) != 0 {
		t.Fatal("invalid plan was persisted")
	}
}

func TestParentContextCancellationCancelsRun(t *testing.T) {
	plan := domain.TaskPlan{
		ID:   "plan-ctx",
		Task: "ctx",
		Subtasks: []domain.Subtask{
			{ID: 1, Title: "slow", Prompt: "s", IsFinal: true},
		},
	}
	sched, _ := newHarness(t, Config{MaxWorkers: 1}, map[int]worker.Script{
		1: {Delay: 5 * time.Second},
	})

	ctx, cancel := context.WithCancel(context.Background())
	run, err := sched.Start(ctx, plan)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()

	report := run.Wait()
	if report.Status != domain.PlanStatusCancelled {
		t.Fatalf("status=%s want=cancelled", report.Status)
	}
}
