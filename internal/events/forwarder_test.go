package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"PluginRuntime/pkg/plugin"
)

type recordingPublisher struct {
	mu      sync.Mutex
	got     []Envelope
	err     error
	block   chan struct{}
	closed  bool
	publish chan struct{}
}

func (p *recordingPublisher) Publish(ctx context.Context, env Envelope) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publish != nil {
		defer func() { p.publish <- struct{}{} }()
	}
	if p.err != nil {
		return p.err
	}
	p.got = append(p.got, env)
	return nil
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *recordingPublisher) envelopes() []Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Envelope(nil), p.got...)
}

func TestForwarderDeliversFilteredEvents(t *testing.T) {
	bus := plugin.NewBus()
	pub := &recordingPublisher{}
	fwd, err := NewForwarder(bus, pub, WithEventTypes(plugin.EventError, plugin.EventQuarantined))
	if err != nil {
		t.Fatalf("创建转发器失败: %v", err)
	}

	bus.Emit(plugin.EventLoaded, "alpha", nil)
	bus.Emit(plugin.EventError, "alpha", errors.New("boom"))
	bus.Emit(plugin.EventQuarantined, "beta", plugin.QuarantineStatus{PluginID: "beta", Quarantined: true})

	if err := fwd.Close(); err != nil {
		t.Fatalf("关闭转发器失败: %v", err)
	}
	got := pub.envelopes()
	if len(got) != 2 {
		t.Fatalf("expected 2 forwarded events, got %d", len(got))
	}
	if got[0].Type != plugin.EventError || got[1].PluginID != "beta" {
		t.Fatalf("unexpected envelopes: %+v", got)
	}
	raw, err := got[0].Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	payload, _ := decoded["payload"].(map[string]any)
	if payload["error"] != "boom" {
		t.Fatalf("error payload not flattened: %s", raw)
	}
	if !pub.closed {
		t.Fatalf("publisher should be closed with the forwarder")
	}
	if s := fwd.Stats(); s.Delivered != 2 || s.Dropped != 0 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestForwarderDropsWhenBufferFull(t *testing.T) {
	bus := plugin.NewBus()
	pub := &recordingPublisher{block: make(chan struct{})}
	fwd, err := NewForwarder(bus, pub, WithBufferSize(2))
	if err != nil {
		t.Fatalf("创建转发器失败: %v", err)
	}

	for i := 0; i < 10; i++ {
		bus.Emit(plugin.EventMethodExecuted, "alpha", nil)
	}
	stats := fwd.Stats()
	// 一条正在投递，两条在缓冲区，其余丢弃
	if stats.Dropped < 7 {
		t.Fatalf("expected at least 7 dropped events, got %+v", stats)
	}
	close(pub.block)
	if err := fwd.Close(); err != nil {
		t.Fatalf("关闭转发器失败: %v", err)
	}
	if n := len(pub.envelopes()); uint64(n)+fwd.Stats().Dropped != 10 {
		t.Fatalf("delivered %d plus dropped %d should equal 10", n, fwd.Stats().Dropped)
	}
}

func TestForwarderBreakerStopsCallingFailingPublisher(t *testing.T) {
	bus := plugin.NewBus()
	pub := &recordingPublisher{err: errors.New("broker down"), publish: make(chan struct{}, 32)}
	fwd, err := NewForwarder(bus, pub)
	if err != nil {
		t.Fatalf("创建转发器失败: %v", err)
	}
	for i := 0; i < 8; i++ {
		bus.Emit(plugin.EventAlertTriggered, "alpha", nil)
	}
	if err := fwd.Close(); err != nil {
		t.Fatalf("关闭转发器失败: %v", err)
	}
	if calls := len(pub.publish); calls != 5 {
		t.Fatalf("expected breaker to open after 5 calls, publisher called %d times", calls)
	}
	if s := fwd.Stats(); s.Failed != 8 || s.Delivered != 0 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestForwarderRequiresBusAndPublisher(t *testing.T) {
	if _, err := NewForwarder(nil, &recordingPublisher{}); err == nil {
		t.Fatalf("expected error for nil bus")
	}
	if _, err := NewForwarder(plugin.NewBus(), nil); err == nil {
		t.Fatalf("expected error for nil publisher")
	}
}

func TestMemoryQueueRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q := NewMemoryQueue(4)
	env := Envelope{Type: plugin.EventLoaded, PluginID: "alpha", Timestamp: time.Now()}
	if err := q.Publish(ctx, env); err != nil {
		t.Fatalf("发布失败: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 queued event, got %d", q.Len())
	}

	received := make(chan Envelope, 1)
	consumeCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(consumeCtx, func(_ context.Context, e Envelope) error {
			received <- e
			return nil
		})
	}()
	select {
	case e := <-received:
		if e.PluginID != "alpha" {
			t.Fatalf("unexpected envelope: %+v", e)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for event")
	}
	stop()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}

	_ = q.Close()
	if err := q.Publish(ctx, env); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func TestMemoryQueueStopsAfterHandlerCancels(t *testing.T) {
	for round := 0; round < 50; round++ {
		q := NewMemoryQueue(8)
		for _, id := range []string{"a", "b", "c", "d", "e"} {
			if err := q.Publish(context.Background(), Envelope{Type: plugin.EventLoaded, PluginID: id}); err != nil {
				t.Fatalf("发布失败: %v", err)
			}
		}
		ctx, cancel := context.WithCancel(context.Background())
		seen := 0
		err := q.Consume(ctx, func(context.Context, Envelope) error {
			seen++
			if seen == 2 {
				cancel()
			}
			return nil
		})
		cancel()
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("round %d: expected context cancellation, got %v", round, err)
		}
		if seen != 2 || q.Len() != 3 {
			t.Fatalf("round %d: handled %d events, %d left queued", round, seen, q.Len())
		}
	}
}

func TestMemoryQueueReturnsHandlerError(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := q.Publish(ctx, Envelope{Type: plugin.EventError, PluginID: id}); err != nil {
			t.Fatalf("发布失败: %v", err)
		}
	}
	boom := errors.New("encode failed")
	err := q.Consume(ctx, func(context.Context, Envelope) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("consumption should stop at the failing event, %d left", q.Len())
	}
}

func TestRabbitMQPublishingCarriesEventType(t *testing.T) {
	ts := time.Unix(1_700_000_000, 0)
	msg := publishing(Envelope{Type: plugin.EventViolationBlocked, PluginID: "alpha", Timestamp: ts}, []byte("{}"))
	if msg.Type != string(plugin.EventViolationBlocked) || msg.Headers["plugin_id"] != "alpha" {
		t.Fatalf("unexpected publishing: %+v", msg)
	}
	if msg.ContentType != "application/json" || !msg.Timestamp.Equal(ts) {
		t.Fatalf("unexpected publishing metadata: %+v", msg)
	}
}

func TestRedisQueueDefaults(t *testing.T) {
	q := newRedisQueue(nil, RedisConfig{})
	if q.key != "pluginhost:events" || q.maxLen != 10000 || q.wait != 5*time.Second {
		t.Fatalf("unexpected defaults: %+v", q)
	}
}
