package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	xerrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/logger"
	"PluginRuntime/pkg/plugin"
	"PluginRuntime/pkg/plugin/monitor"
)

// Bridge 订阅事件总线，将性能告警、拦截的违规与隔离事件转换为告警并异步派发。
type Bridge struct {
	dispatcher Dispatcher
	queue      chan Event
	timeout    time.Duration
	logger     *slog.Logger

	unsubscribe func()
	wg          sync.WaitGroup
	mu          sync.RWMutex
	closed      bool
}

// NewBridge 创建桥接器。dispatcher 为空时返回 nil。
func NewBridge(bus *plugin.Bus, dispatcher Dispatcher) *Bridge {
	if bus == nil || dispatcher == nil {
		return nil
	}
	b := &Bridge{
		dispatcher: dispatcher,
		queue:      make(chan Event, 256),
		timeout:    10 * time.Second,
		logger:     logger.Named("alerting"),
	}
	b.wg.Add(1)
	go b.run()
	b.unsubscribe = bus.Subscribe(b.handle,
		plugin.EventAlertTriggered,
		plugin.EventViolationBlocked,
		plugin.EventQuarantined,
	)
	return b
}

func (b *Bridge) handle(evt plugin.Event) {
	alert, ok := FromPluginEvent(evt)
	if !ok {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- alert:
	default:
		b.logger.Warn("告警队列已满，丢弃告警", "code", alert.Code, "plugin_id", alert.PluginID)
	}
}

func (b *Bridge) run() {
	defer b.wg.Done()
	for alert := range b.queue {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		if err := b.dispatcher.Notify(ctx, alert); err != nil {
			b.logger.Error("告警派发失败", "code", alert.Code, "plugin_id", alert.PluginID, "error", err)
		}
		cancel()
	}
}

// Close 取消订阅并等待剩余告警派发完成。
func (b *Bridge) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.unsubscribe()
	close(b.queue)
	b.mu.Unlock()
	b.wg.Wait()
}

// FromPluginEvent 将总线事件转换为告警事件。
func FromPluginEvent(evt plugin.Event) (Event, bool) {
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	switch p := evt.Payload.(type) {
	case monitor.Alert:
		sev := xerrors.SeverityWarning
		if p.Severity == monitor.AlertCritical {
			sev = xerrors.SeverityCritical
		}
		return Event{
			Kind:     KindPerformance,
			Code:     "PERFORMANCE_" + p.Metric,
			Message:  p.Message,
			Severity: sev,
			PluginID: p.PluginID,
			Metadata: map[string]string{
				"metric":    p.Metric,
				"value":     strconv.FormatFloat(p.Value, 'f', 2, 64),
				"threshold": strconv.FormatFloat(p.Threshold, 'f', 2, 64),
			},
			OccurredAt: ts,
		}, true
	case plugin.Violation:
		sev := xerrors.SeverityWarning
		if p.Severity.AtLeast(plugin.SeverityHigh) {
			sev = xerrors.SeverityCritical
		}
		md := map[string]string{"violation_id": p.ID, "type": string(p.Type), "severity": string(p.Severity)}
		for k, v := range p.Context {
			md["ctx."+k] = v
		}
		return Event{
			Kind:       KindViolation,
			Code:       "VIOLATION_BLOCKED",
			Message:    p.Description,
			Severity:   sev,
			PluginID:   p.PluginID,
			Metadata:   md,
			OccurredAt: ts,
		}, true
	case plugin.QuarantineStatus:
		md := map[string]string{"review_required": strconv.FormatBool(p.ReviewRequired)}
		if p.AutoRelease != nil {
			md["auto_release"] = p.AutoRelease.Format(time.RFC3339)
		}
		return Event{
			Kind:       KindQuarantine,
			Code:       "PLUGIN_QUARANTINED",
			Message:    fmt.Sprintf("插件已隔离: %s", p.Reason),
			Severity:   xerrors.SeverityCritical,
			PluginID:   p.PluginID,
			Metadata:   md,
			OccurredAt: ts,
		}, true
	}
	return Event{}, false
}
