package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	apperrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/logger"
	"PluginRuntime/pkg/plugin"
)

// Forwarder 订阅事件总线并异步投递到 Publisher。
// 总线监听器不能阻塞，因此事件先进入有界缓冲区，满时丢弃并计数。
type Forwarder struct {
	publisher Publisher
	breaker   *gobreaker.CircuitBreaker
	buffer    chan Envelope
	timeout   time.Duration
	types     []plugin.EventType
	logger    *slog.Logger

	unsubscribe func()
	wg          sync.WaitGroup
	closeOnce   sync.Once
	mu          sync.RWMutex
	closed      bool

	dropped   atomic.Uint64
	failed    atomic.Uint64
	delivered atomic.Uint64
}

// ForwarderOption 定义可选配置。
type ForwarderOption func(*Forwarder)

// WithBufferSize 设置缓冲区容量。
func WithBufferSize(size int) ForwarderOption {
	return func(f *Forwarder) {
		if size > 0 {
			f.buffer = make(chan Envelope, size)
		}
	}
}

// WithPublishTimeout 设置单次投递的超时时间。
func WithPublishTimeout(d time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithEventTypes 只转发指定类型的事件，默认转发全部。
func WithEventTypes(types ...plugin.EventType) ForwarderOption {
	return func(f *Forwarder) {
		f.types = append([]plugin.EventType(nil), types...)
	}
}

// WithForwarderLogger 指定日志输出。
func WithForwarderLogger(l *slog.Logger) ForwarderOption {
	return func(f *Forwarder) {
		if l != nil {
			f.logger = l
		}
	}
}

// Stats 是转发器的累计计数。
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
	Pending   int    `json:"pending"`
}

// NewForwarder 创建转发器并订阅总线。
func NewForwarder(bus *plugin.Bus, publisher Publisher, opts ...ForwarderOption) (*Forwarder, error) {
	if bus == nil || publisher == nil {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "事件总线与发布器不能为空")
	}
	f := &Forwarder{
		publisher: publisher,
		buffer:    make(chan Envelope, 1024),
		timeout:   5 * time.Second,
		logger:    logger.Named("events"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "event-publisher",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn("事件发布熔断状态变化", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	f.wg.Add(1)
	go f.run()
	f.unsubscribe = bus.Subscribe(f.enqueue, f.types...)
	return f, nil
}

func (f *Forwarder) enqueue(evt plugin.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	select {
	case f.buffer <- NewEnvelope(evt):
	default:
		if n := f.dropped.Add(1); n == 1 || n%100 == 0 {
			f.logger.Warn("事件缓冲区已满，丢弃事件", "type", evt.Type, "plugin_id", evt.PluginID, "dropped", n)
		}
	}
}

func (f *Forwarder) run() {
	defer f.wg.Done()
	for env := range f.buffer {
		f.deliver(env)
	}
}

func (f *Forwarder) deliver(env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	_, err := f.breaker.Execute(func() (interface{}, error) {
		return nil, f.publisher.Publish(ctx, env)
	})
	if err == nil {
		f.delivered.Add(1)
		return
	}
	f.failed.Add(1)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return
	}
	f.logger.Error("事件投递失败", "type", env.Type, "plugin_id", env.PluginID, "error", err)
}

// Stats 返回当前计数。
func (f *Forwarder) Stats() Stats {
	return Stats{
		Delivered: f.delivered.Load(),
		Dropped:   f.dropped.Load(),
		Failed:    f.failed.Load(),
		Pending:   len(f.buffer),
	}
}

// Close 取消订阅，投递完缓冲区中剩余事件后关闭发布器。
func (f *Forwarder) Close() error {
	var err error
	f.closeOnce.Do(func() {
		if f.unsubscribe != nil {
			f.unsubscribe()
		}
		f.mu.Lock()
		f.closed = true
		close(f.buffer)
		f.mu.Unlock()
		f.wg.Wait()
		err = f.publisher.Close()
	})
	return err
}
