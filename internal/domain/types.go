package domain

import (
	"encoding/json"
	"time"
)

type NodeStatus string

const (
	NodeStatusNotStarted NodeStatus = "not_started"
	NodeStatusRunning    NodeStatus = "running"
	NodeStatusCompleted  NodeStatus = "completed"
	NodeStatusFailed     NodeStatus = "failed"
	NodeStatusCancelled  NodeStatus = "cancelled"
)

type PlanStatus string

const (
	PlanStatusPending   PlanStatus = "pending"
	PlanStatusRunning   PlanStatus = "running"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusFailed    PlanStatus = "failed"
	PlanStatusCancelled PlanStatus = "cancelled"
)

func (s PlanStatus) Final() bool {
	return s == PlanStatusCompleted || s == PlanStatusFailed || s == PlanStatusCancelled
}

// Subtask is one atomic unit of work inside a plan. Everything except the
// runtime status is fixed at plan-creation time.
type Subtask struct {
	ID            int      `json:"id"`
	Title         string   `json:"title"`
	Prompt        string   `json:"prompt"`
	StartCriteria []int    `json:"start_criteria,omitempty"`
	IsFinal       bool     `json:"is_final,omitempty"`
	NoBrowse      bool     `json:"no_browse,omitempty"`
	SuggestedURLs []string `json:"suggested_urls,omitempty"`
	SearchQueries []string `json:"search_queries,omitempty"`
}

// TaskPlan is the full dependency-annotated set of subtasks for one request.
// Dependencies duplicates the subtasks' StartCriteria keyed by id for O(1)
// lookup. Durations holds optional per-subtask estimates used only by the
// metrics engine.
type TaskPlan struct {
	ID           string        `json:"id"`
	Task         string        `json:"task"`
	Subtasks     []Subtask     `json:"subtasks"`
	Dependencies map[int][]int `json:"dependencies"`
	Durations    map[int]int   `json:"durations,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Subtask returns the subtask with the given id, or false.
func (p TaskPlan) Subtask(id int) (Subtask, bool) {
	for _, st := range p.Subtasks {
		if st.ID == id {
			return st, true
		}
	}
	return Subtask{}, false
}

// SubtaskOutput is written exactly once when a subtask completes and is the
// only thing dependents ever see of it.
type SubtaskOutput struct {
	SubtaskID int             `json:"subtask_id"`
	Result    string          `json:"result"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TabIDs    []int           `json:"tab_ids,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// WorkerSchedule maps a worker slot index to the ordered subtask ids it
// executed per discrete timestep, 0 marking an idle slot. It is reconstructed
// from the realized execution order, never used as a scheduling input.
type WorkerSchedule map[int][]int

type EventType string

const (
	EventPlanStarted      EventType = "plan_started"
	EventPlanCompleted    EventType = "plan_completed"
	EventPlanFailed       EventType = "plan_failed"
	EventPlanCancelled    EventType = "plan_cancelled"
	EventSubtaskStarted   EventType = "subtask_started"
	EventSubtaskCompleted EventType = "subtask_completed"
	EventSubtaskFailed    EventType = "subtask_failed"
	EventSubtaskCancelled EventType = "subtask_cancelled"
)

// Event is a lifecycle notification. SubtaskID is zero for plan-scoped
// events; Report is set only on the final plan outcome.
type Event struct {
	Type      EventType `json:"type"`
	PlanID    string    `json:"plan_id"`
	SubtaskID int       `json:"subtask_id,omitempty"`
	Message   string    `json:"message"`
	Report    *Report   `json:"report,omitempty"`
	At        time.Time `json:"at"`
}

// SubtaskOutcome is the terminal state of one subtask. Reason is non-empty
// for every non-completed outcome.
type SubtaskOutcome struct {
	SubtaskID int        `json:"subtask_id"`
	Status    NodeStatus `json:"status"`
	Reason    string     `json:"reason,omitempty"`
}

// Report is the final result of one plan execution.
type Report struct {
	PlanID     string                `json:"plan_id"`
	Status     PlanStatus            `json:"status"`
	Outcomes   []SubtaskOutcome      `json:"outcomes"`
	Outputs    map[int]SubtaskOutput `json:"outputs,omitempty"`
	Schedule   WorkerSchedule        `json:"schedule,omitempty"`
	Metrics    *Metrics              `json:"metrics,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
}

// FailedSubtasks lists the ids of subtasks that ended failed.
func (r Report) FailedSubtasks() []int {
	var ids []int
	for _, o := range r.Outcomes {
		if o.Status == NodeStatusFailed {
			ids = append(ids, o.SubtaskID)
		}
	}
	return ids
}

// PlanRecord is the stored runtime view of a plan.
type PlanRecord struct {
	ID           string     `json:"id"`
	Task         string     `json:"task"`
	Status       PlanStatus `json:"status"`
	LastError    string     `json:"last_error,omitempty"`
	SubtaskCount int        `json:"subtask_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// SubtaskRecord is the stored runtime view of one subtask.
type SubtaskRecord struct {
	PlanID  string     `json:"plan_id"`
	Subtask Subtask    `json:"subtask"`
	Status  NodeStatus `json:"status"`
	Reason  string     `json:"reason,omitempty"`
}

// Metrics scores a realized worker schedule against its dependency map.
type Metrics struct {
	Work                   int     `json:"work"`
	Span                   int     `json:"span"`
	Makespan               int     `json:"makespan"`
	Parallelism            float64 `json:"parallelism"`
	Speedup                float64 `json:"speedup"`
	Efficiency             float64 `json:"efficiency"`
	AvgUtilization         float64 `json:"avg_utilization"`
	MinUtilization         float64 `json:"min_utilization"`
	MaxUtilization         float64 `json:"max_utilization"`
	LoadImbalance          float64 `json:"load_imbalance"`
	LoadVariance           float64 `json:"load_variance"`
	WorkersUsed            int     `json:"workers_used"`
	IdleTime               int     `json:"idle_time"`
	IdlePercentage         float64 `json:"idle_percentage"`
	CommunicationVolume    int     `json:"communication_volume"`
	LocalityScore          float64 `json:"locality_score"`
	TheoreticalMinMakespan int     `json:"theoretical_min_makespan"`
	ApproximationRatio     float64 `json:"approximation_ratio"`
}
