// Package metrics scores a realized worker schedule against the plan's
// dependency map. Everything here is a pure function of its inputs; the
// caller guarantees the dependency relation is acyclic (plan validation runs
// before anything is scheduled, let alone measured).
package metrics

import (
	"math"

	"warpsurf/internal/domain"
)

// Compute derives schedule-quality statistics from a worker schedule
// (worker slot -> ordered subtask ids per timestep, 0 = idle) and the
// dependency map (subtask id -> dependency ids).
func Compute(schedule domain.WorkerSchedule, deps map[int][]int) domain.Metrics {
	numWorkers := len(schedule)
	if numWorkers == 0 {
		return domain.Metrics{
			LocalityScore:      100,
			ApproximationRatio: 1,
		}
	}

	makespan := 0
	scheduled := make(map[int]bool)
	assignedWorker := make(map[int]int)
	loads := make(map[int]int, numWorkers)
	for worker, seq := range schedule {
		if len(seq) > makespan {
			makespan = len(seq)
		}
		for _, id := range seq {
			if id == 0 {
				continue
			}
			loads[worker]++
			scheduled[id] = true
			assignedWorker[id] = worker
		}
	}
	work := len(scheduled)

	span := criticalPath(scheduled, deps)

	m := domain.Metrics{
		Work:     work,
		Span:     span,
		Makespan: makespan,
	}
	if span > 0 {
		m.Parallelism = float64(work) / float64(span)
	}
	if makespan > 0 {
		m.Speedup = float64(work) / float64(makespan)
	}
	m.Efficiency = m.Speedup / float64(numWorkers)

	minUtil := math.Inf(1)
	maxUtil := 0.0
	sumLoad := 0
	for worker := range schedule {
		load := loads[worker]
		sumLoad += load
		util := 0.0
		if makespan > 0 {
			util = float64(load) / float64(makespan)
		}
		if util < minUtil {
			minUtil = util
		}
		if util > maxUtil {
			maxUtil = util
		}
		if load > 0 {
			m.WorkersUsed++
		}
	}
	if math.IsInf(minUtil, 1) {
		minUtil = 0
	}
	avgLoad := float64(sumLoad) / float64(numWorkers)
	if makespan > 0 {
		m.AvgUtilization = avgLoad / float64(makespan)
	}
	m.MinUtilization = minUtil
	m.MaxUtilization = maxUtil

	maxLoad := 0
	variance := 0.0
	for worker := range schedule {
		load := loads[worker]
		if load > maxLoad {
			maxLoad = load
		}
		diff := float64(load) - avgLoad
		variance += diff * diff
	}
	m.LoadVariance = variance / float64(numWorkers)
	if avgLoad > 0 {
		m.LoadImbalance = float64(maxLoad) / avgLoad
	}

	m.IdleTime = numWorkers*makespan - work
	if numWorkers*makespan > 0 {
		m.IdlePercentage = float64(m.IdleTime) / float64(numWorkers*makespan) * 100
	}

	// Communication: a dependency edge crossing workers means the dependent
	// had to consume an output produced elsewhere.
	crossEdges := 0
	totalEdges := 0
	for id, criteria := range deps {
		if !scheduled[id] {
			continue
		}
		for _, dep := range criteria {
			if !scheduled[dep] {
				continue
			}
			totalEdges++
			if assignedWorker[id] != assignedWorker[dep] {
				crossEdges++
			}
		}
	}
	m.CommunicationVolume = crossEdges
	if totalEdges > 0 {
		m.LocalityScore = 100 * float64(totalEdges-crossEdges) / float64(totalEdges)
	} else {
		m.LocalityScore = 100
	}

	bound := span
	if ceil := (work + numWorkers - 1) / numWorkers; ceil > bound {
		bound = ceil
	}
	m.TheoreticalMinMakespan = bound
	if bound > 0 {
		m.ApproximationRatio = float64(makespan) / float64(bound)
	} else {
		m.ApproximationRatio = 1
	}
	return m
}

// criticalPath is the longest chain through the dependency DAG restricted to
// scheduled subtasks, each node counting 1. Memoized longest-path-to-sink
// recursion; safe because validation has already rejected cycles.
func criticalPath(scheduled map[int]bool, deps map[int][]int) int {
	dependents := make(map[int][]int)
	for id, criteria := range deps {
		if !scheduled[id] {
			continue
		}
		for _, dep := range criteria {
			if scheduled[dep] {
				dependents[dep] = append(dependents[dep], id)
			}
		}
	}

	memo := make(map[int]int, len(scheduled))
	var toSink func(id int) int
	toSink = func(id int) int {
		if v, ok := memo[id]; ok {
			return v
		}
		longest := 0
		for _, next := range dependents[id] {
			if l := toSink(next); l > longest {
				longest = l
			}
		}
		memo[id] = 1 + longest
		return memo[id]
	}

	span := 0
	for id := range scheduled {
		if l := toSink(id); l > span {
			span = l
		}
	}
	return span
}
