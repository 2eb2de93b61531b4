package plugin

import (
	"sync"
	"time"
)

// EventType names an observable runtime signal.
type EventType string

const (
	EventLoading             EventType = "plugin.loading"
	EventLoaded              EventType = "plugin.loaded"
	EventUnloaded            EventType = "plugin.unloaded"
	EventReloaded            EventType = "plugin.reloaded"
	EventError               EventType = "plugin.error"
	EventQuarantined         EventType = "plugin.quarantined"
	EventAuthorized          EventType = "plugin.authorized"
	EventHotReloadEnabled    EventType = "hotreload.enabled"
	EventHotReloadDisabled   EventType = "hotreload.disabled"
	EventHotReloadDetected   EventType = "hotreload.detected"
	EventViolationDetected   EventType = "violation.detected"
	EventViolationBlocked    EventType = "violation.blocked"
	EventPolicyUpdated       EventType = "policy.updated"
	EventMonitoringStarted   EventType = "monitoring.started"
	EventMonitoringStopped   EventType = "monitoring.stopped"
	EventAlertTriggered      EventType = "alert.triggered"
	EventRecommendation      EventType = "recommendation.generated"
	EventBenchmarkCompleted  EventType = "benchmark.completed"
	EventPerformanceCompared EventType = "performance.compared"
	EventMetricsCollected    EventType = "metrics.collected"
	EventValidationSucceeded EventType = "validation.succeeded"
	EventMethodExecuted      EventType = "method.executed"
)

// Event is a single runtime signal. Payload carries a type specific value:
// *Instance for load events, Violation for violation events,
// QuarantineStatus for quarantine events, error for EventError, and the
// monitor's Alert, Recommendation, Benchmark or Comparison values.
type Event struct {
	Type      EventType `json:"type"`
	PluginID  string    `json:"plugin_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Listener receives events synchronously on the publishing goroutine.
type Listener func(Event)

// Bus is a synchronous observer list. Listeners must not block.
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]subscription
}

type subscription struct {
	types    map[EventType]struct{}
	listener Listener
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[int]subscription)}
}

// Subscribe registers fn for the given types, or for every type when none
// are given. The returned function removes the subscription.
func (b *Bus) Subscribe(fn Listener, types ...EventType) func() {
	if b == nil || fn == nil {
		return func() {}
	}
	sub := subscription{listener: fn}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = sub
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Publish delivers evt to matching listeners. A nil bus discards events.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	targets := make([]Listener, 0, len(b.listeners))
	for _, sub := range b.listeners {
		if sub.types != nil {
			if _, ok := sub.types[evt.Type]; !ok {
				continue
			}
		}
		targets = append(targets, sub.listener)
	}
	b.mu.RUnlock()
	for _, fn := range targets {
		fn(evt)
	}
}

// Emit is shorthand for Publish with the current time.
func (b *Bus) Emit(t EventType, pluginID string, payload any) {
	b.Publish(Event{Type: t, PluginID: pluginID, Timestamp: time.Now(), Payload: payload})
}
