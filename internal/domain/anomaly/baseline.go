package anomaly

import (
	"math"
	"sync"
)

// Baseline holds learned normal-operation statistics for one (agent type,
// phase) pair.
type Baseline struct {
	LatencyMeanMS float64
	LatencyStdMS  float64
	ErrorRate     float64
	CPUPercent    float64
	MemoryMB      float64
	Samples       int
}

// Sample is one healthy observation fed into baseline learning.
type Sample struct {
	LatencyMS  float64
	ErrorRate  float64
	CPUPercent float64
	MemoryMB   float64
}

// BaselineTable learns and serves baselines partitioned by (agent type,
// phase). Each partition has its own lock, so one agent type's evaluation
// never stalls another's.
type BaselineTable struct {
	mu         sync.RWMutex // guards the partition map only
	partitions map[baselineKey]*partition
}

type baselineKey struct {
	agentType string
	phase     string
}

type partition struct {
	mu sync.Mutex
	b  Baseline
	m2 float64 // Welford running sum of squared latency deviations
}

// NewBaselineTable creates an empty baseline table.
func NewBaselineTable() *BaselineTable {
	return &BaselineTable{partitions: make(map[baselineKey]*partition)}
}

func (t *BaselineTable) partitionFor(agentType, phase string) *partition {
	key := baselineKey{agentType: agentType, phase: phase}

	t.mu.RLock()
	p, ok := t.partitions[key]
	t.mu.RUnlock()
	if ok {
		return p
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok = t.partitions[key]; ok {
		return p
	}
	p = &partition{}
	t.partitions[key] = p
	return p
}

// Learn folds a healthy sample into the (agentType, phase) baseline using
// Welford's online update for latency mean/std and running means for the rest.
func (t *BaselineTable) Learn(agentType, phase string, s Sample) {
	p := t.partitionFor(agentType, phase)
	p.mu.Lock()
	defer p.mu.Unlock()

	p.b.Samples++
	n := float64(p.b.Samples)

	delta := s.LatencyMS - p.b.LatencyMeanMS
	p.b.LatencyMeanMS += delta / n
	p.m2 += delta * (s.LatencyMS - p.b.LatencyMeanMS)
	if p.b.Samples > 1 {
		p.b.LatencyStdMS = math.Sqrt(p.m2 / (n - 1))
	}

	p.b.ErrorRate += (s.ErrorRate - p.b.ErrorRate) / n
	p.b.CPUPercent += (s.CPUPercent - p.b.CPUPercent) / n
	p.b.MemoryMB += (s.MemoryMB - p.b.MemoryMB) / n
}

// Get returns the baseline for (agentType, phase). ok is false until at least
// one sample has been learned.
func (t *BaselineTable) Get(agentType, phase string) (Baseline, bool) {
	p := t.partitionFor(agentType, phase)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.b, p.b.Samples > 0
}

// Decay discounts the sample weight of a partition after an agent of that
// class is resurrected, so stale baselines regain plasticity instead of
// flagging the fresh instance as anomalous.
func (t *BaselineTable) Decay(agentType, phase string, factor float64) {
	if factor <= 0 || factor >= 1 {
		return
	}
	p := t.partitionFor(agentType, phase)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.b.Samples = int(float64(p.b.Samples) * factor)
	p.m2 *= factor
}
