package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	xerrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/plugin"
	"PluginRuntime/pkg/plugin/monitor"
)

type captureNotifier struct {
	channel Channel
	mu      sync.Mutex
	events  []Event
	err     error
}

func (c *captureNotifier) Channel() Channel { return c.channel }

func (c *captureNotifier) Notify(_ context.Context, e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return c.err
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestFanoutJoinsErrorsAndFiltersSeverity(t *testing.T) {
	ok := &captureNotifier{channel: ChannelLog}
	bad := &captureNotifier{channel: ChannelSlack, err: errors.New("rate limited")}
	d := NewFanout(ok, bad, nil).WithMinSeverity(xerrors.SeverityWarning)

	if err := d.Notify(context.Background(), Event{Severity: xerrors.SeverityInfo}); err != nil {
		t.Fatalf("info event should be filtered, got %v", err)
	}
	if ok.count() != 0 {
		t.Fatalf("filtered event reached notifier")
	}
	err := d.Notify(context.Background(), Event{Severity: xerrors.SeverityCritical, Code: "X"})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if ok.count() != 1 || bad.count() != 1 {
		t.Fatalf("expected both notifiers called")
	}
	if got := d.Channels(); len(got) != 2 || got[0] != ChannelLog {
		t.Fatalf("unexpected channels: %v", got)
	}
}

func TestFromPluginEventMapsPayloads(t *testing.T) {
	release := time.Unix(1_700_000_000, 0).UTC()
	cases := []struct {
		name string
		evt  plugin.Event
		kind Kind
		sev  xerrors.Severity
	}{
		{"performance", plugin.Event{Payload: monitor.Alert{PluginID: "a", Metric: "cpu", Severity: monitor.AlertWarning, Value: 91, Threshold: 80}}, KindPerformance, xerrors.SeverityWarning},
		{"critical performance", plugin.Event{Payload: monitor.Alert{PluginID: "a", Metric: "memory", Severity: monitor.AlertCritical}}, KindPerformance, xerrors.SeverityCritical},
		{"violation", plugin.Event{Payload: plugin.Violation{PluginID: "a", Severity: plugin.SeverityHigh, Context: map[string]string{"method": "run"}}}, KindViolation, xerrors.SeverityCritical},
		{"low violation", plugin.Event{Payload: plugin.Violation{PluginID: "a", Severity: plugin.SeverityLow}}, KindViolation, xerrors.SeverityWarning},
		{"quarantine", plugin.Event{Payload: plugin.QuarantineStatus{PluginID: "a", Reason: "malware", AutoRelease: &release}}, KindQuarantine, xerrors.SeverityCritical},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := FromPluginEvent(tc.evt)
			if !ok {
				t.Fatalf("expected event to map")
			}
			if got.Kind != tc.kind || got.Severity != tc.sev || got.PluginID != "a" {
				t.Fatalf("unexpected alert: %+v", got)
			}
			if got.OccurredAt.IsZero() {
				t.Fatalf("occurred_at should default to now")
			}
		})
	}
	if _, ok := FromPluginEvent(plugin.Event{Payload: "noise"}); ok {
		t.Fatalf("unknown payloads should be ignored")
	}
}

func TestBridgeDispatchesBusEvents(t *testing.T) {
	bus := plugin.NewBus()
	capture := &captureNotifier{channel: ChannelLog}
	bridge := NewBridge(bus, NewFanout(capture))

	bus.Emit(plugin.EventQuarantined, "alpha", plugin.QuarantineStatus{PluginID: "alpha", Quarantined: true, Reason: "critical"})
	bus.Emit(plugin.EventLoaded, "alpha", nil)
	bus.Emit(plugin.EventViolationBlocked, "alpha", plugin.Violation{PluginID: "alpha", Severity: plugin.SeverityMedium})
	bridge.Close()

	if capture.count() != 2 {
		t.Fatalf("expected 2 alerts, got %d", capture.count())
	}
	// 关闭后的事件不再派发
	bus.Emit(plugin.EventQuarantined, "beta", plugin.QuarantineStatus{PluginID: "beta"})
	if capture.count() != 2 {
		t.Fatalf("closed bridge still dispatching")
	}
}

func TestWebhookSenderBodies(t *testing.T) {
	var bodies []map[string]any
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		if body["text"] == "fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	if err := NewDingTalkWebhook(srv.URL).Send(ctx, "hello"); err != nil {
		t.Fatalf("dingtalk send: %v", err)
	}
	slack := SlackWebhook{NewSlackWebhook(srv.URL)}
	if err := slack.Send(ctx, "#ops", "hi"); err != nil {
		t.Fatalf("slack send: %v", err)
	}
	if err := slack.Send(ctx, "", "fail"); err == nil {
		t.Fatalf("expected error on 502")
	}

	mu.Lock()
	defer mu.Unlock()
	if bodies[0]["msgtype"] != "text" {
		t.Fatalf("unexpected dingtalk body: %v", bodies[0])
	}
	if bodies[1]["channel"] != "#ops" || bodies[1]["text"] != "hi" {
		t.Fatalf("unexpected slack body: %v", bodies[1])
	}
}
