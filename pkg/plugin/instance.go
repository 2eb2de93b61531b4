package plugin

import (
	"slices"
	"sync"
	"time"

	"PluginRuntime/pkg/plugin/sandbox"
)

// durationWindow bounds how many recent call durations an instance keeps.
const durationWindow = 512

// Instance is a live, loaded plugin. Identity fields are immutable after
// load; counters are guarded by the instance mutex and read via Snapshot.
type Instance struct {
	ID       string
	Entry    RegistryEntry
	Metadata Metadata
	Handle   Handle
	Sandbox  *sandbox.Executor
	LoadTime time.Time

	mu           sync.Mutex
	lastAccessed time.Time
	accessCount  uint64
	apiCalls     uint64
	errors       uint64
	durations    []time.Duration
	next         int
	performance  *PerformanceMetrics
}

// InstanceSnapshot is a consistent copy of an instance's mutable state.
type InstanceSnapshot struct {
	ID           string              `json:"id"`
	Metadata     Metadata            `json:"metadata"`
	Source       Source              `json:"source"`
	Methods      []string            `json:"methods"`
	Sandboxed    bool                `json:"sandboxed"`
	LoadTime     time.Time           `json:"load_time"`
	LastAccessed time.Time           `json:"last_accessed"`
	AccessCount  uint64              `json:"access_count"`
	APICalls     uint64              `json:"api_calls"`
	Errors       uint64              `json:"errors"`
	Performance  *PerformanceMetrics `json:"performance,omitempty"`
	Resources    *sandbox.Usage      `json:"resources,omitempty"`
}

func newInstance(entry RegistryEntry, h Handle, now time.Time) *Instance {
	return &Instance{
		ID:           entry.ID,
		Entry:        entry,
		Metadata:     entry.Metadata.Clone(),
		Handle:       h,
		LoadTime:     now,
		lastAccessed: now,
		accessCount:  1,
	}
}

func (i *Instance) touch(now time.Time) {
	i.mu.Lock()
	i.lastAccessed = now
	i.accessCount++
	i.mu.Unlock()
}

func (i *Instance) beginCall(now time.Time) {
	i.mu.Lock()
	i.apiCalls++
	i.lastAccessed = now
	i.mu.Unlock()
}

func (i *Instance) endCall(d time.Duration, failed bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if failed {
		i.errors++
	}
	if len(i.durations) < durationWindow {
		i.durations = append(i.durations, d)
		return
	}
	i.durations[i.next] = d
	i.next = (i.next + 1) % durationWindow
}

// CallDurations returns the recent call durations, oldest first.
func (i *Instance) CallDurations() []time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.durations) < durationWindow {
		return slices.Clone(i.durations)
	}
	out := make([]time.Duration, 0, durationWindow)
	out = append(out, i.durations[i.next:]...)
	return append(out, i.durations[:i.next]...)
}

// Counters returns the api call and error counts.
func (i *Instance) Counters() (calls, errs uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.apiCalls, i.errors
}

// Performance returns the last recorded metrics, if any.
func (i *Instance) Performance() (PerformanceMetrics, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.performance == nil {
		return PerformanceMetrics{}, false
	}
	return *i.performance, true
}

func (i *Instance) setPerformance(m PerformanceMetrics) {
	i.mu.Lock()
	i.performance = &m
	i.mu.Unlock()
}

// Snapshot returns a copy of the instance state.
func (i *Instance) Snapshot() InstanceSnapshot {
	i.mu.Lock()
	snap := InstanceSnapshot{
		ID:           i.ID,
		Metadata:     i.Metadata.Clone(),
		Source:       i.Entry.Source,
		Sandboxed:    i.Sandbox != nil,
		LoadTime:     i.LoadTime,
		LastAccessed: i.lastAccessed,
		AccessCount:  i.accessCount,
		APICalls:     i.apiCalls,
		Errors:       i.errors,
	}
	if i.performance != nil {
		perf := *i.performance
		snap.Performance = &perf
	}
	i.mu.Unlock()
	if i.Handle != nil {
		snap.Methods = i.Handle.Methods()
	}
	if i.Sandbox != nil {
		usage := i.Sandbox.ResourceUsage()
		snap.Resources = &usage
	}
	return snap
}
