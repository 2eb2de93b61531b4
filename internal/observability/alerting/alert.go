package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	xerrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog      Channel = "log"
	ChannelDingTalk Channel = "dingtalk"
	ChannelSlack    Channel = "slack"
)

// Kind 区分告警来源。
type Kind string

const (
	KindPerformance Kind = "performance"
	KindViolation   Kind = "violation"
	KindQuarantine  Kind = "quarantine"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Kind       Kind
	Code       string
	Message    string
	Severity   xerrors.Severity
	PluginID   string
	Metadata   map[string]string
	OccurredAt time.Time
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers   map[Channel]Notifier
	minSeverity xerrors.Severity
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// WithMinSeverity 过滤低于指定级别的事件。
func (d *FanoutDispatcher) WithMinSeverity(sev xerrors.Severity) *FanoutDispatcher {
	d.minSeverity = sev
	return d
}

// Channels 返回已注册的渠道。
func (d *FanoutDispatcher) Channels() []Channel {
	if d == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(d.notifiers))
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if severityRank(event.Severity) < severityRank(d.minSeverity) {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func severityRank(sev xerrors.Severity) int {
	switch sev {
	case xerrors.SeverityCritical:
		return 2
	case xerrors.SeverityWarning:
		return 1
	default:
		return 0
	}
}

// LogNotifier 将告警写入审计日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写日志。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	l := logger.Audit()
	if n != nil && n.Logger != nil {
		l = n.Logger
	}
	attrs := []any{
		slog.String("kind", string(event.Kind)),
		slog.String("code", event.Code),
		slog.String("severity", string(event.Severity)),
		slog.String("plugin_id", event.PluginID),
		slog.Time("occurred_at", event.OccurredAt),
	}
	for _, k := range slices.Sorted(maps.Keys(event.Metadata)) {
		attrs = append(attrs, slog.String(k, event.Metadata[k]))
	}
	l.Warn(event.Message, attrs...)
	return nil
}

// DingTalkSender 负责向钉钉机器人发送消息。
type DingTalkSender interface {
	Send(ctx context.Context, content string) error
}

// DingTalkNotifier 通过钉钉机器人发送告警。
type DingTalkNotifier struct {
	Sender DingTalkSender
}

// Channel 返回钉钉渠道。
func (n *DingTalkNotifier) Channel() Channel { return ChannelDingTalk }

// Notify 发送钉钉消息。
func (n *DingTalkNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		logger.L().Warn("DingTalkNotifier 未正确配置，跳过发送", slog.String("plugin_id", event.PluginID))
		return nil
	}
	payload := fmt.Sprintf("[%s] %s\n插件: %s\n%s%s",
		event.Severity, event.Code, event.PluginID, event.Message, formatMetadata(event.Metadata))
	return n.Sender.Send(ctx, payload)
}

// SlackSender 负责向 Slack 渠道发送消息。
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

// SlackNotifier 通过 Slack 发送告警。
type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("plugin_id", event.PluginID))
		return nil
	}
	content := fmt.Sprintf("*[%s]* %s `%s` - %s", event.Severity, event.Code, event.PluginID, event.Message)
	return n.Sender.Send(ctx, n.ChannelID, content)
}

func formatMetadata(md map[string]string) string {
	if len(md) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n详情:\n")
	for _, k := range slices.Sorted(maps.Keys(md)) {
		fmt.Fprintf(&b, "- %s: %s\n", k, md[k])
	}
	return b.String()
}
