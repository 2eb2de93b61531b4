package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PluginRuntime/pkg/plugin"
	"PluginRuntime/pkg/plugin/sandbox"
)

func TestExecutionStatsPercentiles(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	stats := executionStats(ds)
	assert.Equal(t, time.Millisecond, stats.Min)
	assert.Equal(t, 100*time.Millisecond, stats.Max)
	assert.Equal(t, 95*time.Millisecond, stats.P95)
	assert.Equal(t, 99*time.Millisecond, stats.P99)
	assert.Equal(t, 50500*time.Microsecond, stats.Average)

	assert.Equal(t, plugin.ExecutionStats{}, executionStats(nil))
	single := executionStats([]time.Duration{7 * time.Millisecond})
	assert.Equal(t, 7*time.Millisecond, single.P99)
}

func TestInstanceSamplerProcessFallback(t *testing.T) {
	resolvers := plugin.NewResolvers()
	resolvers.RegisterBuiltin("p", &plugin.MethodTable{Funcs: map[string]plugin.Method{
		"ok": func(context.Context, []any) (any, error) { return nil, nil },
	}})
	loader := plugin.NewLoader(plugin.WithResolver(resolvers))
	inst, err := loader.LoadPlugin(context.Background(), plugin.RegistryEntry{ID: "p", Source: plugin.SourceBuiltin})
	require.NoError(t, err)
	_, err = loader.ExecutePluginMethod(context.Background(), "p", "ok", nil)
	require.NoError(t, err)
	_, err = loader.ExecutePluginMethod(context.Background(), "p", "missing", nil)
	require.Error(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	readings := []sandbox.Sample{
		{Memory: 100, CPU: time.Second},
		{Memory: 300, CPU: 1500 * time.Millisecond},
	}
	proc := sandbox.SamplerFunc(func() (sandbox.Sample, error) {
		s := readings[0]
		readings = readings[1:]
		return s, nil
	})
	sampler := NewInstanceSampler(10, proc, func() time.Time { return now })

	first, err := sampler.Sample(inst)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), first.Memory.Current)
	assert.Zero(t, first.CPU.Current)
	assert.Equal(t, uint64(2), first.Calls)
	assert.InDelta(t, 0.5, first.ErrorRate, 0.0001)

	now = now.Add(time.Second)
	second, err := sampler.Sample(inst)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), second.Memory.Current)
	assert.Equal(t, uint64(300), second.Memory.Peak)
	assert.Equal(t, uint64(200), second.Memory.Average)
	assert.InDelta(t, 50, second.CPU.Current, 0.001)
	assert.InDelta(t, 25, second.CPU.Average, 0.001)
	assert.InDelta(t, 50, second.CPU.Peak, 0.001)
}

func TestAppendBounded(t *testing.T) {
	var s []int
	for i := range 5 {
		s = appendBounded(s, i, 3)
	}
	assert.Equal(t, []int{2, 3, 4}, s)
}
