package taskgraph

import (
	"fmt"
	"sort"

	"warpsurf/internal/domain"
)

type ConfigErrorKind string

const (
	KindCyclicGraph       ConfigErrorKind = "cyclic_graph"
	KindUnknownDependency ConfigErrorKind = "unknown_dependency"
	KindNoTerminalNode    ConfigErrorKind = "no_terminal_node"
	KindAmbiguousTerminal ConfigErrorKind = "ambiguous_terminal"
	KindInvalidSubtask    ConfigErrorKind = "invalid_subtask"
)

// ConfigError is a fatal plan-validation failure. It is surfaced before any
// subtask executes and is never retried.
type ConfigError struct {
	Kind   ConfigErrorKind
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid plan (%s): %s", e.Kind, e.Detail)
}

// Graph is the validated in-memory form of a TaskPlan: the dependency DAG
// plus per-subtask runtime status. Readiness is maintained incrementally via
// in-degree counters. Graph itself does no locking; the scheduler's control
// loop is its single writer.
type Graph struct {
	plan       domain.TaskPlan
	deps       map[int][]int
	dependents map[int][]int
	indegree   map[int]int
	status     map[int]domain.NodeStatus
	ready      []int
	completed  map[int]bool
	terminal   int
	order      []int
}

// New validates the plan and builds the graph. Dependency ids must exist,
// the relation must be acyclic, and exactly one subtask must be the unique
// sink of the DAG. Violations return a *ConfigError and are never repaired.
func New(plan domain.TaskPlan) (*Graph, error) {
	if len(plan.Subtasks) == 0 {
		return nil, &ConfigError{Kind: KindNoTerminalNode, Detail: "plan has no subtasks"}
	}

	deps := make(map[int][]int, len(plan.Subtasks))
	for _, st := range plan.Subtasks {
		if st.ID <= 0 {
			return nil, &ConfigError{Kind: KindInvalidSubtask, Detail: fmt.Sprintf("subtask id %d must be positive", st.ID)}
		}
		if _, dup := deps[st.ID]; dup {
			return nil, &ConfigError{Kind: KindInvalidSubtask, Detail: fmt.Sprintf("duplicate subtask id %d", st.ID)}
		}
		deps[st.ID] = append([]int(nil), st.StartCriteria...)
	}
	for id, criteria := range deps {
		for _, dep := range criteria {
			if dep == id {
				return nil, &ConfigError{Kind: KindCyclicGraph, Detail: fmt.Sprintf("subtask %d depends on itself", id)}
			}
			if _, ok := deps[dep]; !ok {
				return nil, &ConfigError{Kind: KindUnknownDependency, Detail: fmt.Sprintf("subtask %d depends on unknown subtask %d", id, dep)}
			}
		}
	}

	dependents := make(map[int][]int, len(deps))
	indegree := make(map[int]int, len(deps))
	for id, criteria := range deps {
		indegree[id] = len(criteria)
		for _, dep := range criteria {
			dependents[dep] = append(dependents[dep], id)
		}
	}
	for id := range dependents {
		sort.Ints(dependents[id])
	}

	order, err := kahnOrder(deps, dependents)
	if err != nil {
		return nil, err
	}

	// Resolve the terminal step. An explicit is_final flag wins as long as
	// exactly one subtask carries it and nothing depends on it; otherwise the
	// DAG must have a single sink. Anything else is ambiguous and is the
	// planner's mistake, not ours to fix.
	var sinks []int
	for id := range deps {
		if len(dependents[id]) == 0 {
			sinks = append(sinks, id)
		}
	}
	sort.Ints(sinks)

	var finals []int
	for _, st := range plan.Subtasks {
		if st.IsFinal {
			finals = append(finals, st.ID)
		}
	}
	sort.Ints(finals)

	var terminal int
	switch {
	case len(finals) > 1:
		return nil, &ConfigError{Kind: KindAmbiguousTerminal, Detail: fmt.Sprintf("multiple subtasks marked final: %v", finals)}
	case len(finals) == 1:
		terminal = finals[0]
		if len(dependents[terminal]) > 0 {
			return nil, &ConfigError{
				Kind:   KindAmbiguousTerminal,
				Detail: fmt.Sprintf("final subtask %d has dependents %v", terminal, dependents[terminal]),
			}
		}
	case len(sinks) == 0:
		return nil, &ConfigError{Kind: KindNoTerminalNode, Detail: "no terminal subtask"}
	case len(sinks) > 1:
		return nil, &ConfigError{Kind: KindAmbiguousTerminal, Detail: fmt.Sprintf("multiple terminal subtasks %v and none marked final", sinks)}
	default:
		terminal = sinks[0]
	}

	status := make(map[int]domain.NodeStatus, len(deps))
	var ready []int
	for id := range deps {
		status[id] = domain.NodeStatusNotStarted
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Ints(ready)

	return &Graph{
		plan:       plan,
		deps:       deps,
		dependents: dependents,
		indegree:   indegree,
		status:     status,
		ready:      ready,
		completed:  make(map[int]bool, len(deps)),
		terminal:   terminal,
		order:      order,
	}, nil
}

// kahnOrder returns a deterministic (lowest id first) topological order, or a
// cycle error if one is impossible.
func kahnOrder(deps map[int][]int, dependents map[int][]int) ([]int, error) {
	indegree := make(map[int]int, len(deps))
	var queue []int
	for id, criteria := range deps {
		indegree[id] = len(criteria)
		if len(criteria) == 0 {
			queue = append(queue, id)
		}
	}
	sort.Ints(queue)

	order := make([]int, 0, len(deps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		var freed []int
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				freed = append(freed, next)
			}
		}
		sort.Ints(freed)
		queue = append(queue, freed...)
	}
	if len(order) != len(deps) {
		return nil, &ConfigError{
			Kind:   KindCyclicGraph,
			Detail: fmt.Sprintf("dependency cycle: only %d of %d subtasks orderable", len(order), len(deps)),
		}
	}
	return order, nil
}

// Ready returns the not_started subtasks whose dependencies are all
// completed, in ascending id order. Lowest id first is the dispatch
// tie-break; it is a fixed policy, not map iteration luck.
func (g *Graph) Ready() []int {
	out := make([]int, len(g.ready))
	copy(out, g.ready)
	return out
}

func (g *Graph) MarkRunning(id int) {
	g.status[id] = domain.NodeStatusRunning
	g.removeReady(id)
}

// MarkCompleted records a completion and advances readiness: every dependent
// whose in-degree counter hits zero joins the ready set.
func (g *Graph) MarkCompleted(id int) {
	g.status[id] = domain.NodeStatusCompleted
	g.completed[id] = true
	for _, next := range g.dependents[id] {
		g.indegree[next]--
		if g.indegree[next] == 0 && g.status[next] == domain.NodeStatusNotStarted {
			g.ready = append(g.ready, next)
		}
	}
	sort.Ints(g.ready)
}

func (g *Graph) MarkFailed(id int) {
	g.status[id] = domain.NodeStatusFailed
	g.removeReady(id)
}

func (g *Graph) MarkCancelled(id int) {
	g.status[id] = domain.NodeStatusCancelled
	g.removeReady(id)
}

func (g *Graph) removeReady(id int) {
	for i, v := range g.ready {
		if v == id {
			g.ready = append(g.ready[:i], g.ready[i+1:]...)
			return
		}
	}
}

func (g *Graph) Status(id int) domain.NodeStatus {
	return g.status[id]
}

// IsComplete is true iff every subtask has completed.
func (g *Graph) IsComplete() bool {
	return len(g.completed) == len(g.deps)
}

// Terminal returns the id of the unique sink subtask.
func (g *Graph) Terminal() int {
	return g.terminal
}

// TopoOrder returns the deterministic topological order computed at
// validation time.
func (g *Graph) TopoOrder() []int {
	out := make([]int, len(g.order))
	copy(out, g.order)
	return out
}

// Dependencies returns the direct dependency ids of a subtask.
func (g *Graph) Dependencies(id int) []int {
	out := make([]int, len(g.deps[id]))
	copy(out, g.deps[id])
	return out
}

// Dependents returns every subtask that transitively depends on id, in
// ascending order.
func (g *Graph) Dependents(id int) []int {
	seen := make(map[int]bool)
	stack := append([]int(nil), g.dependents[id]...)
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[next] {
			continue
		}
		seen[next] = true
		stack = append(stack, g.dependents[next]...)
	}
	out := make([]int, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Statuses returns a copy of the current status map.
func (g *Graph) Statuses() map[int]domain.NodeStatus {
	out := make(map[int]domain.NodeStatus, len(g.status))
	for id, s := range g.status {
		out[id] = s
	}
	return out
}

// Size returns the number of subtasks in the graph.
func (g *Graph) Size() int {
	return len(g.deps)
}
