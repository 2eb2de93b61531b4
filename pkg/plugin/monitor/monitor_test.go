package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/plugin"
)

type scriptedSampler struct {
	mu      sync.Mutex
	metrics map[string]plugin.PerformanceMetrics
	err     error
}

func (s *scriptedSampler) set(id string, m plugin.PerformanceMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics == nil {
		s.metrics = make(map[string]plugin.PerformanceMetrics)
	}
	s.metrics[id] = m
}

func (s *scriptedSampler) Sample(inst *plugin.Instance) (plugin.PerformanceMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return plugin.PerformanceMetrics{}, s.err
	}
	return s.metrics[inst.ID], nil
}

type fixture struct {
	loader    *plugin.Loader
	monitor   *Monitor
	scheduler *ManualScheduler
	sampler   *scriptedSampler
	events    *[]plugin.Event
}

func newFixture(t *testing.T, cfg Config, ids ...string) fixture {
	t.Helper()
	resolvers := plugin.NewResolvers()
	for _, id := range ids {
		resolvers.RegisterBuiltin(id, &plugin.MethodTable{Funcs: map[string]plugin.Method{
			"work": func(context.Context, []any) (any, error) { return "ok", nil },
			"fail": func(context.Context, []any) (any, error) { return nil, errors.New("boom") },
		}})
	}
	bus := plugin.NewBus()
	loader := plugin.NewLoader(plugin.WithResolver(resolvers), plugin.WithBus(bus))
	for _, id := range ids {
		_, err := loader.LoadPlugin(context.Background(), plugin.RegistryEntry{
			ID:       id,
			Source:   plugin.SourceBuiltin,
			Metadata: plugin.Metadata{ID: id, Name: id, Version: "1.0.0", Author: "test"},
		})
		require.NoError(t, err)
	}

	var (
		mu     sync.Mutex
		events []plugin.Event
	)
	bus.Subscribe(func(evt plugin.Event) {
		mu.Lock()
		events = append(events, evt)
		mu.Unlock()
	})
	sched := NewManualScheduler()
	sampler := &scriptedSampler{}
	mon := New(loader, cfg,
		WithScheduler(sched),
		WithSampler(sampler),
		WithBus(bus),
		WithEnvironment(func() Environment { return Environment{Platform: "test/amd64", CPUCores: 4, MemoryLimit: 1 << 30} }),
	)
	return fixture{loader: loader, monitor: mon, scheduler: sched, sampler: sampler, events: &events}
}

func (f fixture) count(t plugin.EventType) int {
	n := 0
	for _, evt := range *f.events {
		if evt.Type == t {
			n++
		}
	}
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MemoryThreshold = 100
	cfg.CPUThreshold = 50
	cfg.ErrorRateThreshold = 0.5
	cfg.RecommendationEvery = 0
	return cfg
}

func TestDefaultConfigSamplesEveryFewSeconds(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5*time.Second, cfg.Interval)
	assert.Positive(t, cfg.HistorySize)
}

func TestStartMonitoringRequiresLoadedPlugin(t *testing.T) {
	f := newFixture(t, testConfig())
	err := f.monitor.StartMonitoring("ghost")
	require.Error(t, err)
	assert.True(t, plugin.IsNotLoaded(err))
	assert.Zero(t, f.scheduler.Active())
}

func TestMonitoringLifecycle(t *testing.T) {
	f := newFixture(t, testConfig(), "p")
	f.sampler.set("p", plugin.PerformanceMetrics{Memory: plugin.MemoryStats{Current: 10}, Calls: 3})

	require.NoError(t, f.monitor.StartMonitoring("p"))
	require.NoError(t, f.monitor.StartMonitoring("p"))
	assert.Equal(t, 1, f.scheduler.Active())
	assert.True(t, f.monitor.Monitoring("p"))

	f.scheduler.Tick(context.Background())
	m, ok := f.monitor.Metrics("p")
	require.True(t, ok)
	assert.Equal(t, uint64(10), m.Memory.Current)
	assert.Equal(t, "p", m.PluginID)

	inst, _ := f.loader.GetPlugin("p")
	perf, ok := inst.Performance()
	require.True(t, ok)
	assert.Equal(t, uint64(3), perf.Calls)

	assert.True(t, f.monitor.StopMonitoring("p"))
	assert.False(t, f.monitor.StopMonitoring("p"))
	assert.Zero(t, f.scheduler.Active())
	assert.Equal(t, 2, f.count(plugin.EventMonitoringStarted))
	assert.Equal(t, 1, f.count(plugin.EventMonitoringStopped))
	assert.Equal(t, 1, f.count(plugin.EventMetricsCollected))
}

func TestAlertSeverity(t *testing.T) {
	tests := []struct {
		name     string
		metrics  plugin.PerformanceMetrics
		metric   string
		severity string
	}{
		{"memory critical", plugin.PerformanceMetrics{Memory: plugin.MemoryStats{Current: 160}}, MetricMemory, AlertCritical},
		{"memory warning", plugin.PerformanceMetrics{Memory: plugin.MemoryStats{Current: 120}}, MetricMemory, AlertWarning},
		{"memory at 1.5x", plugin.PerformanceMetrics{Memory: plugin.MemoryStats{Current: 150}}, MetricMemory, AlertWarning},
		{"cpu critical", plugin.PerformanceMetrics{CPU: plugin.CPUStats{Current: 61}}, MetricCPU, AlertCritical},
		{"cpu warning", plugin.PerformanceMetrics{CPU: plugin.CPUStats{Current: 55}}, MetricCPU, AlertWarning},
		{"error rate", plugin.PerformanceMetrics{ErrorRate: 0.75}, MetricErrorRate, AlertWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testConfig(), "p")
			f.sampler.set("p", tt.metrics)
			_, err := f.monitor.Collect(context.Background(), "p")
			require.NoError(t, err)

			alerts := f.monitor.Alerts("p")
			require.Len(t, alerts, 1)
			assert.Equal(t, tt.metric, alerts[0].Metric)
			assert.Equal(t, tt.severity, alerts[0].Severity)
			assert.NotEmpty(t, alerts[0].ID)
			assert.Equal(t, 1, f.count(plugin.EventAlertTriggered))
		})
	}
}

func TestNoAlertWithinThresholds(t *testing.T) {
	f := newFixture(t, testConfig(), "p")
	f.sampler.set("p", plugin.PerformanceMetrics{Memory: plugin.MemoryStats{Current: 100}, CPU: plugin.CPUStats{Current: 50}})
	_, err := f.monitor.Collect(context.Background(), "p")
	require.NoError(t, err)
	assert.Empty(t, f.monitor.Alerts("p"))
}

func TestSamplingErrorKeepsPreviousMetrics(t *testing.T) {
	f := newFixture(t, testConfig(), "p")
	f.sampler.set("p", plugin.PerformanceMetrics{Memory: plugin.MemoryStats{Current: 42}})
	require.NoError(t, f.monitor.StartMonitoring("p"))
	f.scheduler.Tick(context.Background())

	f.sampler.err = errors.New("procfs unavailable")
	assert.NotPanics(t, func() { f.scheduler.Tick(context.Background()) })

	m, ok := f.monitor.Metrics("p")
	require.True(t, ok)
	assert.Equal(t, uint64(42), m.Memory.Current)
	assert.True(t, f.monitor.Monitoring("p"))
}

func TestGenerateRecommendationsUsesAverages(t *testing.T) {
	f := newFixture(t, testConfig(), "p")
	_, err := f.monitor.GenerateRecommendations("p")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, CodeMetricsUnavailable))

	f.sampler.set("p", plugin.PerformanceMetrics{
		Memory: plugin.MemoryStats{Current: 10, Average: 200},
		CPU:    plugin.CPUStats{Current: 1, Average: 60},
	})
	_, err = f.monitor.Collect(context.Background(), "p")
	require.NoError(t, err)
	assert.Empty(t, f.monitor.Alerts("p"))

	recs, err := f.monitor.GenerateRecommendations("p")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, MetricMemory, recs[0].Metric)
	assert.Equal(t, "high", recs[0].Priority)
	assert.Equal(t, MetricCPU, recs[1].Metric)
	assert.Equal(t, "medium", recs[1].Priority)
	for _, r := range recs {
		assert.NotEmpty(t, r.Steps)
		assert.NotEmpty(t, r.EstimatedImpact)
	}
	assert.Equal(t, 2, f.count(plugin.EventRecommendation))
	assert.Len(t, f.monitor.Recommendations("p"), 2)
}

func TestPeriodicRecommendations(t *testing.T) {
	cfg := testConfig()
	cfg.RecommendationEvery = 2
	f := newFixture(t, cfg, "p")
	f.sampler.set("p", plugin.PerformanceMetrics{Memory: plugin.MemoryStats{Average: 120}})
	require.NoError(t, f.monitor.StartMonitoring("p"))

	f.scheduler.Tick(context.Background())
	assert.Empty(t, f.monitor.Recommendations("p"))
	f.scheduler.Tick(context.Background())
	assert.Len(t, f.monitor.Recommendations("p"), 1)
}

func TestComparePerformance(t *testing.T) {
	f := newFixture(t, testConfig(), "base", "cand")
	_, err := f.monitor.ComparePerformance("base", "cand")
	require.Error(t, err)

	f.sampler.set("base", plugin.PerformanceMetrics{
		ExecutionTime: plugin.ExecutionStats{Average: 100 * time.Millisecond},
		Memory:        plugin.MemoryStats{Current: 100},
		CPU:           plugin.CPUStats{Current: 10},
	})
	f.sampler.set("cand", plugin.PerformanceMetrics{
		ExecutionTime: plugin.ExecutionStats{Average: 105 * time.Millisecond},
		Memory:        plugin.MemoryStats{Current: 150},
		CPU:           plugin.CPUStats{Current: 10},
	})
	ctx := context.Background()
	_, err = f.monitor.Collect(ctx, "base")
	require.NoError(t, err)
	_, err = f.monitor.Collect(ctx, "cand")
	require.NoError(t, err)

	c, err := f.monitor.ComparePerformance("base", "cand")
	require.NoError(t, err)
	assert.InDelta(t, 5, c.ExecutionTime, 0.001)
	assert.InDelta(t, 50, c.Memory, 0.001)
	assert.InDelta(t, 0, c.CPU, 0.001)
	assert.True(t, strings.Contains(c.Recommendation, "more memory"), c.Recommendation)

	same, err := f.monitor.ComparePerformance("base", "base")
	require.NoError(t, err)
	assert.Contains(t, same.Recommendation, "on par")
}

func TestTrend(t *testing.T) {
	f := newFixture(t, testConfig(), "p")
	ctx := context.Background()
	for _, v := range []uint64{10, 10, 20, 20} {
		f.sampler.set("p", plugin.PerformanceMetrics{Memory: plugin.MemoryStats{Current: v}})
		_, err := f.monitor.Collect(ctx, "p")
		require.NoError(t, err)
	}
	r, err := f.monitor.Trend("p", MetricMemory)
	require.NoError(t, err)
	assert.Equal(t, TrendDegrading, r.Direction)
	assert.InDelta(t, 1.0, r.ChangeRate, 0.001)
	assert.Len(t, r.Points, 4)

	cpu, err := f.monitor.Trend("p", MetricCPU)
	require.NoError(t, err)
	assert.Equal(t, TrendStable, cpu.Direction)

	_, err = f.monitor.Trend("ghost", MetricMemory)
	require.Error(t, err)
}

func TestTrendImproving(t *testing.T) {
	f := newFixture(t, testConfig(), "p")
	for _, v := range []float64{40, 30, 20, 10} {
		f.sampler.set("p", plugin.PerformanceMetrics{CPU: plugin.CPUStats{Current: v}})
		_, err := f.monitor.Collect(context.Background(), "p")
		require.NoError(t, err)
	}
	r, err := f.monitor.Trend("p", MetricCPU)
	require.NoError(t, err)
	assert.Equal(t, TrendImproving, r.Direction)
}

func TestRunBenchmark(t *testing.T) {
	cfg := testConfig()
	cfg.BenchmarkIterations = 20
	f := newFixture(t, cfg, "p")
	ctx := context.Background()

	b, err := f.monitor.RunBenchmark(ctx, "p", "work")
	require.NoError(t, err)
	assert.Equal(t, 20, b.Iterations)
	assert.Zero(t, b.ErrorRate)
	assert.Equal(t, "test/amd64", b.Environment.Platform)
	assert.Equal(t, 4, b.Environment.CPUCores)

	inst, _ := f.loader.GetPlugin("p")
	calls, _ := inst.Counters()
	assert.Equal(t, uint64(20), calls)

	failing, err := f.monitor.RunBenchmark(ctx, "p", "fail")
	require.NoError(t, err)
	assert.Equal(t, 1.0, failing.ErrorRate)

	synthetic, err := f.monitor.RunBenchmark(ctx, "p", "")
	require.NoError(t, err)
	assert.Equal(t, "synthetic", synthetic.Suite)
	assert.Equal(t, 20, synthetic.Iterations)

	assert.Len(t, f.monitor.Benchmarks("p"), 3)
	assert.Equal(t, 3, f.count(plugin.EventBenchmarkCompleted))

	_, err = f.monitor.RunBenchmark(ctx, "ghost", "work")
	require.Error(t, err)
}

func TestRunBenchmarkHonoursCancellation(t *testing.T) {
	f := newFixture(t, testConfig(), "p")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b, err := f.monitor.RunBenchmark(ctx, "p", "work")
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, b.Iterations)
}

func TestStopAll(t *testing.T) {
	f := newFixture(t, testConfig(), "a", "b")
	require.NoError(t, f.monitor.StartMonitoring("a"))
	require.NoError(t, f.monitor.StartMonitoring("b"))
	f.monitor.StopAll()
	assert.Zero(t, f.scheduler.Active())
}

func TestTickerSchedulerCancelStopsTask(t *testing.T) {
	var (
		mu    sync.Mutex
		count int
	)
	cancel := TickerScheduler{}.Every(time.Millisecond, func(context.Context) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 2
	}, time.Second, time.Millisecond)
	cancel()
	mu.Lock()
	stopped := count
	mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, stopped, count)
	cancel()
}
