package monitor

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"

	apperrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/plugin"
)

// Comparison thresholds in percent.
const (
	compareTimeThreshold   = 10
	compareMemoryThreshold = 20
	compareCPUThreshold    = 15
	trendStableBand        = 0.05
)

// DetectEnvironment reports the host platform. The memory ceiling is the
// Go memory limit when one is set, otherwise physical memory.
func DetectEnvironment() Environment {
	env := Environment{
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		CPUCores:  runtime.NumCPU(),
		GoVersion: runtime.Version(),
	}
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
		env.MemoryLimit = uint64(limit)
	} else if vm, err := mem.VirtualMemory(); err == nil {
		env.MemoryLimit = vm.Total
	}
	return env
}

// RunBenchmark runs suite against id. When suite names a method of the
// plugin it is invoked through the runtime, otherwise a synthetic compute
// loop runs. Iterations stop early when ctx is done.
func (m *Monitor) RunBenchmark(ctx context.Context, id, suite string) (Benchmark, error) {
	inst, ok := m.rt.GetPlugin(id)
	if !ok {
		return Benchmark{}, apperrors.New(plugin.CodeNotLoaded, fmt.Sprintf("plugin %s is not loaded", id), apperrors.WithMetadata("plugin", id))
	}
	if suite == "" {
		suite = "synthetic"
	}
	viaPlugin := inst.Handle != nil && slices.Contains(inst.Handle.Methods(), suite)

	start := m.now()
	wallStart := time.Now()

	n, failures := 0, 0
	for ; n < m.cfg.BenchmarkIterations; n++ {
		if ctx.Err() != nil {
			break
		}
		if viaPlugin {
			if _, err := m.rt.ExecutePluginMethod(ctx, id, suite, nil); err != nil {
				failures++
			}
			continue
		}
		syntheticWork(1000)
	}
	elapsed := time.Since(wallStart)

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	b := Benchmark{
		ID:            uuid.NewString(),
		PluginID:      id,
		Suite:         suite,
		Iterations:    n,
		ExecutionTime: elapsed,
		MemoryUsage:   ms.HeapAlloc,
		Environment:   m.environment(),
		Timestamp:     start,
	}
	if metrics, ok := m.Metrics(id); ok {
		b.CPUUsage = metrics.CPU.Current
		if metrics.Memory.Current > 0 {
			b.MemoryUsage = metrics.Memory.Current
		}
	}
	if elapsed > 0 {
		b.Throughput = float64(n) / elapsed.Seconds()
	}
	if n > 0 {
		b.ErrorRate = float64(failures) / float64(n)
	}

	m.mu.Lock()
	m.benches[id] = append(m.benches[id], b)
	m.mu.Unlock()
	m.log.Info("benchmark completed", "plugin_id", id, "suite", suite, "iterations", n, "elapsed", elapsed)
	m.bus.Emit(plugin.EventBenchmarkCompleted, id, b)
	if ctx.Err() != nil {
		return b, ctx.Err()
	}
	return b, nil
}

var benchSink uint64

func syntheticWork(rounds int) {
	var acc uint64 = 1469598103934665603
	for i := 0; i < rounds; i++ {
		acc ^= uint64(i)
		acc *= 1099511628211
	}
	benchSink = acc
}

// Benchmarks returns the benchmarks recorded for id.
func (m *Monitor) Benchmarks(id string) []Benchmark {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.benches[id])
}

// ComparePerformance computes percentage deltas of comparison against
// baseline. Both plugins must have metrics.
func (m *Monitor) ComparePerformance(baselineID, comparisonID string) (Comparison, error) {
	base, ok := m.Metrics(baselineID)
	if !ok {
		return Comparison{}, unavailable(baselineID)
	}
	cmp, ok := m.Metrics(comparisonID)
	if !ok {
		return Comparison{}, unavailable(comparisonID)
	}
	c := Comparison{
		BaselineID:    baselineID,
		ComparisonID:  comparisonID,
		ExecutionTime: percentDelta(float64(base.ExecutionTime.Average), float64(cmp.ExecutionTime.Average)),
		Memory:        percentDelta(float64(base.Memory.Current), float64(cmp.Memory.Current)),
		CPU:           percentDelta(base.CPU.Current, cmp.CPU.Current),
		ErrorRate:     percentDelta(base.ErrorRate, cmp.ErrorRate),
		Timestamp:     m.now(),
	}
	switch {
	case c.ExecutionTime > compareTimeThreshold:
		c.Recommendation = fmt.Sprintf("%s is %.1f%% slower than %s; profile its hot methods", comparisonID, c.ExecutionTime, baselineID)
	case c.Memory > compareMemoryThreshold:
		c.Recommendation = fmt.Sprintf("%s uses %.1f%% more memory than %s; review allocations", comparisonID, c.Memory, baselineID)
	case c.CPU > compareCPUThreshold:
		c.Recommendation = fmt.Sprintf("%s uses %.1f%% more cpu than %s; review compute-heavy paths", comparisonID, c.CPU, baselineID)
	default:
		c.Recommendation = fmt.Sprintf("%s performs on par with %s", comparisonID, baselineID)
	}
	m.bus.Emit(plugin.EventPerformanceCompared, comparisonID, c)
	return c, nil
}

func percentDelta(base, value float64) float64 {
	if base == 0 {
		if value == 0 {
			return 0
		}
		return 100
	}
	return (value - base) / base * 100
}

// Trend classifies the series of metric for id. Every trended metric is
// worse when higher, so growth above the stable band is degrading.
func (m *Monitor) Trend(id, metric string) (TrendReport, error) {
	m.mu.Lock()
	points := slices.Clone(m.trends[id][metric])
	m.mu.Unlock()
	if len(points) == 0 {
		return TrendReport{}, unavailable(id)
	}
	r := TrendReport{PluginID: id, Metric: metric, Direction: TrendStable, Points: points}
	if len(points) < 2 {
		return r, nil
	}
	half := len(points) / 2
	first := meanOf(points[:half])
	second := meanOf(points[len(points)-half:])
	switch {
	case first == 0 && second == 0:
		r.ChangeRate = 0
	case first == 0:
		r.ChangeRate = 1
	default:
		r.ChangeRate = (second - first) / first
	}
	switch {
	case r.ChangeRate > trendStableBand:
		r.Direction = TrendDegrading
	case r.ChangeRate < -trendStableBand:
		r.Direction = TrendImproving
	}
	return r, nil
}

func meanOf(points []TrendPoint) float64 {
	var total float64
	for _, p := range points {
		total += p.Value
	}
	return total / float64(len(points))
}
