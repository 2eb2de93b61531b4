package monitor

import (
	"math"
	"slices"
	"sync"
	"time"

	"PluginRuntime/pkg/plugin"
	"PluginRuntime/pkg/plugin/sandbox"
)

// Sampler measures a loaded instance.
type Sampler interface {
	Sample(inst *plugin.Instance) (plugin.PerformanceMetrics, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(inst *plugin.Instance) (plugin.PerformanceMetrics, error)

// Sample implements Sampler.
func (f SamplerFunc) Sample(inst *plugin.Instance) (plugin.PerformanceMetrics, error) { return f(inst) }

// InstanceSampler derives metrics from the instance call window and the
// sandbox usage counters. Instances without a sandbox fall back to the
// process sampler.
type InstanceSampler struct {
	process sandbox.ResourceSampler
	now     func() time.Time
	size    int

	mu    sync.Mutex
	state map[string]*sampleState
}

type sampleState struct {
	loadTime time.Time
	memory   []uint64
	cpu      []float64
	lastCPU  time.Duration
	lastAt   time.Time
}

// NewInstanceSampler keeps historySize readings per plugin for averages
// and peaks. A nil process sampler uses the host process.
func NewInstanceSampler(historySize int, process sandbox.ResourceSampler, now func() time.Time) *InstanceSampler {
	if historySize <= 0 {
		historySize = DefaultConfig().HistorySize
	}
	if process == nil {
		process = sandbox.NewProcessSampler()
	}
	if now == nil {
		now = time.Now
	}
	return &InstanceSampler{process: process, now: now, size: historySize, state: make(map[string]*sampleState)}
}

// Sample implements Sampler.
func (s *InstanceSampler) Sample(inst *plugin.Instance) (plugin.PerformanceMetrics, error) {
	var (
		mem uint64
		cpu time.Duration
	)
	if inst.Sandbox != nil {
		u := inst.Sandbox.ResourceUsage()
		mem, cpu = u.Memory, u.CPU
	} else {
		sample, err := s.process.Sample()
		if err != nil {
			return plugin.PerformanceMetrics{}, err
		}
		mem, cpu = sample.Memory, sample.CPU
	}
	now := s.now()
	calls, errs := inst.Counters()

	m := plugin.PerformanceMetrics{
		PluginID:        inst.ID,
		ExecutionTime:   executionStats(inst.CallDurations()),
		Calls:           calls,
		LastMeasurement: now,
	}
	if calls > 0 {
		m.ErrorRate = float64(errs) / float64(calls)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[inst.ID]
	if !ok || !st.loadTime.Equal(inst.LoadTime) {
		// A new load cycle restarts the history.
		st = &sampleState{loadTime: inst.LoadTime, lastAt: inst.LoadTime}
		if inst.Sandbox == nil {
			st.lastCPU, st.lastAt = cpu, now
		}
		s.state[inst.ID] = st
	}
	var pct float64
	if wall := now.Sub(st.lastAt); wall > 0 && cpu >= st.lastCPU {
		pct = float64(cpu-st.lastCPU) / float64(wall) * 100
	}
	st.lastCPU, st.lastAt = cpu, now
	st.memory = appendBounded(st.memory, mem, s.size)
	st.cpu = appendBounded(st.cpu, pct, s.size)

	m.Memory = plugin.MemoryStats{Current: mem, Peak: slices.Max(st.memory), Average: averageUint(st.memory)}
	m.CPU = plugin.CPUStats{Current: pct, Peak: slices.Max(st.cpu), Average: averageFloat(st.cpu)}
	return m, nil
}

// Forget drops the history of pluginID.
func (s *InstanceSampler) Forget(pluginID string) {
	s.mu.Lock()
	delete(s.state, pluginID)
	s.mu.Unlock()
}

func executionStats(ds []time.Duration) plugin.ExecutionStats {
	if len(ds) == 0 {
		return plugin.ExecutionStats{}
	}
	sorted := slices.Clone(ds)
	slices.Sort(sorted)
	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	return plugin.ExecutionStats{
		Average: total / time.Duration(len(sorted)),
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
		P95:     percentile(sorted, 0.95),
		P99:     percentile(sorted, 0.99),
	}
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	return sorted[max(0, min(rank, len(sorted)-1))]
}

func appendBounded[T any](s []T, v T, size int) []T {
	s = append(s, v)
	if len(s) > size {
		s = slices.Delete(s, 0, len(s)-size)
	}
	return s
}

func averageUint(vs []uint64) uint64 {
	if len(vs) == 0 {
		return 0
	}
	var total uint64
	for _, v := range vs {
		total += v
	}
	return total / uint64(len(vs))
}

func averageFloat(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var total float64
	for _, v := range vs {
		total += v
	}
	return total / float64(len(vs))
}
