package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"warpsurf/internal/domain"
	"warpsurf/internal/metrics"
	"warpsurf/internal/taskgraph"
)

// Worker executes one subtask given the immutable outputs of its
// dependencies. Implementations must observe ctx and unwind on cancellation;
// the scheduler never kills them.
type Worker interface {
	Execute(ctx context.Context, subtask domain.Subtask, prior map[int]domain.SubtaskOutput) (domain.SubtaskOutput, error)
}

type Store interface {
	CreatePlan(ctx context.Context, plan domain.TaskPlan) error
	UpdatePlanStatus(ctx context.Context, planID string, status domain.PlanStatus, lastError string) error
	UpdateSubtaskStatus(ctx context.Context, planID string, subtaskID int, status domain.NodeStatus, reason string) error
	SaveSubtaskOutput(ctx context.Context, planID string, out domain.SubtaskOutput) error
	AppendEvent(ctx context.Context, ev domain.Event) error
	SaveReport(ctx context.Context, report domain.Report) error
}

type Bus interface {
	Publish(ev domain.Event)
}

type Config struct {
	MaxWorkers     int
	SubtaskTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 3
	}
	if c.SubtaskTimeout <= 0 {
		c.SubtaskTimeout = 5 * time.Minute
	}
	return c
}

// Scheduler runs task plans over a bounded pool of worker slots. A single
// control-loop goroutine per run owns every status mutation and output
// record; workers are strictly request/response over the results channel.
type Scheduler struct {
	store  Store
	bus    Bus
	worker Worker
	cfg    Config
	logger *log.Logger
}

func New(store Store, bus Bus, worker Worker, cfg Config, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		store:  store,
		bus:    bus,
		worker: worker,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Run is a handle on one in-flight plan execution.
type Run struct {
	PlanID string

	cancel     context.CancelFunc
	cancelOnce sync.Once
	done       chan struct{}
	report     *domain.Report
}

// Cancel requests cooperative cancellation. Idempotent; workers observe the
// signal at their next checkpoint and unwind.
func (r *Run) Cancel() {
	r.cancelOnce.Do(r.cancel)
}

// Wait blocks until the run terminates and returns the final report.
func (r *Run) Wait() *domain.Report {
	<-r.done
	return r.report
}

// Done is closed when the run has terminated.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Start validates the plan and launches its control loop. Validation
// failures (cycles, unknown dependencies, missing or ambiguous terminal) are
// fatal and reported before anything executes.
func (s *Scheduler) Start(ctx context.Context, plan domain.TaskPlan) (*Run, error) {
	graph, err := taskgraph.New(plan)
	if err != nil {
		return nil, err
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now().UTC()
	}
	if err := s.store.CreatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		PlanID: plan.ID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer cancel()
		run.report = s.loop(runCtx, plan, graph)
		close(run.done)
	}()
	return run, nil
}

type workerResult struct {
	subtaskID int
	slot      int
	output    domain.SubtaskOutput
	err       error
}

type placement struct {
	slot int
	step int
	id   int
}

type runState struct {
	plan  domain.TaskPlan
	graph *taskgraph.Graph

	freeSlots  []int
	inflight   map[int]context.CancelFunc
	slotOf     map[int]int
	outputs    map[int]domain.SubtaskOutput
	reasons    map[int]string
	placements []placement
	step       int

	results chan workerResult

	failed     bool
	failReason string
	cancelled  bool
}

func (s *Scheduler) loop(ctx context.Context, plan domain.TaskPlan, graph *taskgraph.Graph) *domain.Report {
	st := &runState{
		plan:     plan,
		graph:    graph,
		inflight: make(map[int]context.CancelFunc),
		slotOf:   make(map[int]int),
		outputs:  make(map[int]domain.SubtaskOutput),
		reasons:  make(map[int]string),
		results:  make(chan workerResult, len(plan.Subtasks)),
	}
	for slot := 0; slot < s.cfg.MaxWorkers; slot++ {
		st.freeSlots = append(st.freeSlots, slot)
	}

	startedAt := time.Now().UTC()
	s.setPlanStatus(plan.ID, domain.PlanStatusRunning, "")
	s.emit(domain.Event{
		Type:    domain.EventPlanStarted,
		PlanID:  plan.ID,
		Message: fmt.Sprintf("plan started: %d subtasks, %d worker slots", len(plan.Subtasks), s.cfg.MaxWorkers),
	})

	for {
		if ctx.Err() != nil {
			s.cancelRun(st, "plan cancelled")
		}
		if !st.failed && !st.cancelled {
			s.dispatchReady(ctx, st)
		}
		if len(st.inflight) == 0 {
			break
		}

		select {
		case res := <-st.results:
			batch := []workerResult{res}
			batch = append(batch, drain(st.results)...)
			for _, r := range batch {
				s.handleResult(ctx, st, r)
			}
			st.step++
		case <-ctx.Done():
			s.cancelRun(st, "plan cancelled")
		}
	}

	report := s.finalize(st, startedAt)
	s.setPlanStatus(plan.ID, report.Status, st.failReason)
	if err := s.store.SaveReport(context.Background(), *report); err != nil {
		s.logger.Printf("save report plan=%s: %v", plan.ID, err)
	}
	s.emit(finalEvent(report))
	return report
}

// dispatchReady fills free worker slots with ready subtasks, lowest subtask
// id to lowest slot index. Only this loop goroutine touches graph state.
func (s *Scheduler) dispatchReady(ctx context.Context, st *runState) {
	ready := st.graph.Ready()
	for len(st.freeSlots) > 0 && len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		slot := st.freeSlots[0]
		st.freeSlots = st.freeSlots[1:]

		subtask, _ := st.plan.Subtask(id)
		prior := make(map[int]domain.SubtaskOutput, len(subtask.StartCriteria))
		for _, dep := range subtask.StartCriteria {
			prior[dep] = st.outputs[dep]
		}

		st.graph.MarkRunning(id)
		st.slotOf[id] = slot
		st.placements = append(st.placements, placement{slot: slot, step: st.step, id: id})
		s.setSubtaskStatus(st.plan.ID, id, domain.NodeStatusRunning, "")
		s.emit(domain.Event{
			Type:      domain.EventSubtaskStarted,
			PlanID:    st.plan.ID,
			SubtaskID: id,
			Message:   fmt.Sprintf("subtask %d (%s) dispatched to worker %d", id, subtask.Title, slot),
		})

		execCtx, cancel := context.WithTimeout(ctx, s.cfg.SubtaskTimeout)
		st.inflight[id] = cancel
		go func(subtask domain.Subtask, slot int, prior map[int]domain.SubtaskOutput) {
			out, err := s.worker.Execute(execCtx, subtask, prior)
			st.results <- workerResult{subtaskID: subtask.ID, slot: slot, output: out, err: err}
		}(subtask, slot, prior)
	}
}

func (s *Scheduler) handleResult(ctx context.Context, st *runState, res workerResult) {
	cancelExec, ok := st.inflight[res.subtaskID]
	if !ok || st.graph.Status(res.subtaskID) != domain.NodeStatusRunning {
		// Late result for an already cancelled subtask: discard, never record.
		s.logger.Printf("discarding late result plan=%s subtask=%d", st.plan.ID, res.subtaskID)
		return
	}
	cancelExec()
	delete(st.inflight, res.subtaskID)
	delete(st.slotOf, res.subtaskID)
	st.freeSlots = pushSlot(st.freeSlots, res.slot)

	if res.err != nil {
		if errors.Is(res.err, context.Canceled) {
			// The run context was cancelled underneath the worker; this is a
			// cancellation signal, not a worker failure.
			s.cancelSubtask(st, res.subtaskID, "plan cancelled")
			s.cancelRun(st, "plan cancelled")
			return
		}
		reason := res.err.Error()
		if errors.Is(res.err, context.DeadlineExceeded) {
			reason = fmt.Sprintf("timed out after %s", s.cfg.SubtaskTimeout)
		}
		s.failSubtask(st, res.subtaskID, reason)
		return
	}

	out := res.output
	out.SubtaskID = res.subtaskID
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}
	st.outputs[res.subtaskID] = out
	st.graph.MarkCompleted(res.subtaskID)
	s.setSubtaskStatus(st.plan.ID, res.subtaskID, domain.NodeStatusCompleted, "")
	if err := s.store.SaveSubtaskOutput(context.Background(), st.plan.ID, out); err != nil {
		s.logger.Printf("save output plan=%s subtask=%d: %v", st.plan.ID, res.subtaskID, err)
	}
	s.emit(domain.Event{
		Type:      domain.EventSubtaskCompleted,
		PlanID:    st.plan.ID,
		SubtaskID: res.subtaskID,
		Message:   fmt.Sprintf("subtask %d completed on worker %d", res.subtaskID, res.slot),
	})
}

// failSubtask marks the subtask failed and cancels everything that
// transitively depends on it: a dependency never silently substitutes a
// default value. If the terminal step is among the casualties the whole plan
// fails and everything still pending or running is cancelled.
func (s *Scheduler) failSubtask(st *runState, id int, reason string) {
	st.graph.MarkFailed(id)
	st.reasons[id] = reason
	s.setSubtaskStatus(st.plan.ID, id, domain.NodeStatusFailed, reason)
	s.emit(domain.Event{
		Type:      domain.EventSubtaskFailed,
		PlanID:    st.plan.ID,
		SubtaskID: id,
		Message:   fmt.Sprintf("subtask %d failed: %s", id, reason),
	})

	terminal := st.graph.Terminal()
	terminalHit := id == terminal
	for _, dep := range st.graph.Dependents(id) {
		if dep == terminal {
			terminalHit = true
		}
		if st.graph.Status(dep) == domain.NodeStatusNotStarted {
			s.cancelSubtask(st, dep, fmt.Sprintf("dependency %d failed", id))
		}
	}

	if terminalHit && !st.failed {
		st.failed = true
		st.failReason = fmt.Sprintf("subtask %d failed: %s", id, reason)
		s.cancelRemaining(st, fmt.Sprintf("plan failed: subtask %d failed", id))
	}
}

// cancelRun handles an external cancellation signal: every subtask that has
// not finished transitions to cancelled, in-flight workers are told to stop,
// and their eventual results are discarded.
func (s *Scheduler) cancelRun(st *runState, reason string) {
	if st.cancelled || st.failed {
		return
	}
	st.cancelled = true
	s.cancelRemaining(st, reason)
}

func (s *Scheduler) cancelRemaining(st *runState, reason string) {
	statuses := st.graph.Statuses()
	ids := make([]int, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		switch statuses[id] {
		case domain.NodeStatusNotStarted:
			s.cancelSubtask(st, id, reason)
		case domain.NodeStatusRunning:
			if cancelExec, ok := st.inflight[id]; ok {
				cancelExec()
				delete(st.inflight, id)
			}
			if slot, ok := st.slotOf[id]; ok {
				st.freeSlots = pushSlot(st.freeSlots, slot)
				delete(st.slotOf, id)
			}
			s.cancelSubtask(st, id, reason)
		}
	}
	// In-flight workers still send their (now unwanted) results; the results
	// channel is buffered for one send per subtask, so nothing ever blocks.
}

func (s *Scheduler) cancelSubtask(st *runState, id int, reason string) {
	st.graph.MarkCancelled(id)
	st.reasons[id] = reason
	s.setSubtaskStatus(st.plan.ID, id, domain.NodeStatusCancelled, reason)
	s.emit(domain.Event{
		Type:      domain.EventSubtaskCancelled,
		PlanID:    st.plan.ID,
		SubtaskID: id,
		Message:   fmt.Sprintf("subtask %d cancelled: %s", id, reason),
	})
}

func (s *Scheduler) finalize(st *runState, startedAt time.Time) *domain.Report {
	status := domain.PlanStatusCompleted
	switch {
	case st.cancelled:
		status = domain.PlanStatusCancelled
	case st.failed:
		status = domain.PlanStatusFailed
	case st.graph.Status(st.graph.Terminal()) != domain.NodeStatusCompleted:
		// Terminal never ran; treat as failed even if no single subtask
		// tripped the eager plan-failure path.
		status = domain.PlanStatusFailed
		if st.failReason == "" {
			st.failReason = "terminal subtask never completed"
		}
	}

	statuses := st.graph.Statuses()
	ids := make([]int, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	outcomes := make([]domain.SubtaskOutcome, 0, len(ids))
	for _, id := range ids {
		outcomes = append(outcomes, domain.SubtaskOutcome{
			SubtaskID: id,
			Status:    statuses[id],
			Reason:    st.reasons[id],
		})
	}

	report := &domain.Report{
		PlanID:     st.plan.ID,
		Status:     status,
		Outcomes:   outcomes,
		Outputs:    st.outputs,
		Schedule:   buildSchedule(st.placements, s.cfg.MaxWorkers),
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
	}
	if status == domain.PlanStatusCompleted {
		deps := make(map[int][]int, len(ids))
		for _, id := range ids {
			deps[id] = st.graph.Dependencies(id)
		}
		m := metrics.Compute(report.Schedule, deps)
		report.Metrics = &m
	}
	return report
}

// buildSchedule turns the recorded (slot, timestep, id) placements into the
// analytical worker schedule: one equal-length sequence per slot, 0 = idle.
func buildSchedule(placements []placement, maxWorkers int) domain.WorkerSchedule {
	makespan := 0
	for _, p := range placements {
		if p.step+1 > makespan {
			makespan = p.step + 1
		}
	}
	schedule := make(domain.WorkerSchedule, maxWorkers)
	for slot := 0; slot < maxWorkers; slot++ {
		schedule[slot] = make([]int, makespan)
	}
	for _, p := range placements {
		schedule[p.slot][p.step] = p.id
	}
	return schedule
}

func (s *Scheduler) setPlanStatus(planID string, status domain.PlanStatus, lastError string) {
	if err := s.store.UpdatePlanStatus(context.Background(), planID, status, lastError); err != nil {
		s.logger.Printf("update plan status plan=%s status=%s: %v", planID, status, err)
	}
}

func (s *Scheduler) setSubtaskStatus(planID string, subtaskID int, status domain.NodeStatus, reason string) {
	if err := s.store.UpdateSubtaskStatus(context.Background(), planID, subtaskID, status, reason); err != nil {
		s.logger.Printf("update subtask status plan=%s subtask=%d status=%s: %v", planID, subtaskID, status, err)
	}
}

func (s *Scheduler) emit(ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := s.store.AppendEvent(context.Background(), ev); err != nil {
		s.logger.Printf("append event plan=%s type=%s: %v", ev.PlanID, ev.Type, err)
	}
	s.bus.Publish(ev)
}

func finalEvent(report *domain.Report) domain.Event {
	ev := domain.Event{
		PlanID: report.PlanID,
		Report: report,
	}
	switch report.Status {
	case domain.PlanStatusCompleted:
		ev.Type = domain.EventPlanCompleted
		ev.Message = "plan completed"
	case domain.PlanStatusCancelled:
		ev.Type = domain.EventPlanCancelled
		ev.Message = "plan cancelled"
	default:
		ev.Type = domain.EventPlanFailed
		ev.Message = "plan failed"
		if failed := report.FailedSubtasks(); len(failed) > 0 {
			ev.Message = fmt.Sprintf("plan failed: subtasks %v failed", failed)
		}
	}
	return ev
}

func pushSlot(slots []int, slot int) []int {
	slots = append(slots, slot)
	sort.Ints(slots)
	return slots
}

func drain(ch chan workerResult) []workerResult {
	var out []workerResult
	for {
		select {
		case res := <-ch:
			out = append(out, res)
		default:
			return out
		}
	}
}
