package metrics

import (
	"math"
	"testing"

	"warpsurf/internal/domain"
)

func almost(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestComputeTwoWorkerFixture(t *testing.T) {
	// Worker 0 runs 1 then 2; worker 1 runs 0 (id 3 in our numbering is a
	// later timestep left idle). Dependency: 3 needs 2.
	schedule := domain.WorkerSchedule{
		0: {1, 2},
		1: {3, 0},
	}
	deps := map[int][]int{
		1: {},
		2: {1},
		3: {},
	}

	m := Compute(schedule, deps)

	if m.Makespan != 2 {
		t.Fatalf("makespan=%d want=2", m.Makespan)
	}
	if m.Work != 3 {
		t.Fatalf("work=%d want=3", m.Work)
	}
	if m.Span != 2 {
		t.Fatalf("span=%d want=2", m.Span)
	}
	if !almost(m.Parallelism, 1.5) {
		t.Fatalf("parallelism=%v want=1.5", m.Parallelism)
	}
	if !almost(m.Speedup, 1.5) {
		t.Fatalf("speedup=%v want=1.5", m.Speedup)
	}
	if !almost(m.Efficiency, 0.75) {
		t.Fatalf("efficiency=%v want=0.75", m.Efficiency)
	}
	if !almost(m.AvgUtilization, 0.75) {
		t.Fatalf("avg_utilization=%v want=0.75", m.AvgUtilization)
	}
	if !almost(m.MinUtilization, 0.5) || !almost(m.MaxUtilization, 1.0) {
		t.Fatalf("util min/max=%v/%v want=0.5/1.0", m.MinUtilization, m.MaxUtilization)
	}
	if !almost(m.LoadImbalance, 4.0/3.0) {
		t.Fatalf("load_imbalance=%v want=4/3", m.LoadImbalance)
	}
	if !almost(m.LoadVariance, 0.25) {
		t.Fatalf("load_variance=%v want=0.25", m.LoadVariance)
	}
	if m.WorkersUsed != 2 {
		t.Fatalf("workers_used=%d want=2", m.WorkersUsed)
	}
	if m.IdleTime != 1 {
		t.Fatalf("idle_time=%d want=1", m.IdleTime)
	}
	if !almost(m.IdlePercentage, 25) {
		t.Fatalf("idle_percentage=%v want=25", m.IdlePercentage)
	}
	if m.CommunicationVolume != 0 {
		t.Fatalf("communication_volume=%d want=0", m.CommunicationVolume)
	}
	if !almost(m.LocalityScore, 100) {
		t.Fatalf("locality_score=%v want=100", m.LocalityScore)
	}
	if m.TheoreticalMinMakespan != 2 {
		t.Fatalf("theoretical_min=%d want=2", m.TheoreticalMinMakespan)
	}
	if !almost(m.ApproximationRatio, 1.0) {
		t.Fatalf("approximation_ratio=%v want=1.0", m.ApproximationRatio)
	}
}

func TestComputeEmptySchedule(t *testing.T) {
	m := Compute(domain.WorkerSchedule{}, nil)
	if m.Work != 0 || m.Span != 0 || m.Makespan != 0 {
		t.Fatalf("work/span/makespan=%d/%d/%d want zeros", m.Work, m.Span, m.Makespan)
	}
	if !almost(m.LocalityScore, 100) {
		t.Fatalf("locality_score=%v want=100", m.LocalityScore)
	}
	if !almost(m.ApproximationRatio, 1) {
		t.Fatalf("approximation_ratio=%v want=1", m.ApproximationRatio)
	}
}

func TestComputeCrossWorkerCommunication(t *testing.T) {
	// 2 depends on 1 but runs on the other worker: one cross edge out of one.
	schedule := domain.WorkerSchedule{
		0: {1, 0},
		1: {0, 2},
	}
	deps := map[int][]int{
		1: {},
		2: {1},
	}
	m := Compute(schedule, deps)
	if m.CommunicationVolume != 1 {
		t.Fatalf("communication_volume=%d want=1", m.CommunicationVolume)
	}
	if !almost(m.LocalityScore, 0) {
		t.Fatalf("locality_score=%v want=0", m.LocalityScore)
	}
}

func TestComputeSequentialChain(t *testing.T) {
	schedule := domain.WorkerSchedule{
		0: {1, 2, 3},
	}
	deps := map[int][]int{
		1: {},
		2: {1},
		3: {2},
	}
	m := Compute(schedule, deps)
	if m.Span != 3 {
		t.Fatalf("span=%d want=3", m.Span)
	}
	if !almost(m.Parallelism, 1) {
		t.Fatalf("parallelism=%v want=1", m.Parallelism)
	}
	if !almost(m.Efficiency, 1) {
		t.Fatalf("efficiency=%v want=1", m.Efficiency)
	}
	if m.TheoreticalMinMakespan != 3 {
		t.Fatalf("theoretical_min=%d want=3", m.TheoreticalMinMakespan)
	}
}

func TestComputeIgnoresEdgestoUnscheduled(t *testing.T) {
	// 2's dependency on 9 is outside the schedule and must not count.
	schedule := domain.WorkerSchedule{
		0: {2},
	}
	deps := map[int][]int{
		2: {9},
	}
	m := Compute(schedule, deps)
	if m.Span != 1 {
		t.Fatalf("span=%d want=1", m.Span)
	}
	if m.CommunicationVolume != 0 {
		t.Fatalf("communication_volume=%d want=0", m.CommunicationVolume)
	}
	if !almost(m.LocalityScore, 100) {
		t.Fatalf("locality_score=%v want=100", m.LocalityScore)
	}
}
