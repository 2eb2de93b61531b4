package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"PluginRuntime/internal/auth"
	"PluginRuntime/internal/config"
	xerrors "PluginRuntime/internal/errors"
	"PluginRuntime/internal/events"
	"PluginRuntime/internal/observability/alerting"
	"PluginRuntime/internal/storage/mysql"
	"PluginRuntime/internal/storage/redis"
	"PluginRuntime/pkg/host"
	"PluginRuntime/pkg/logger"
	"PluginRuntime/pkg/plugin"
)

// closerStack 按注册的逆序关闭资源。
type closerStack struct {
	names []string
	fns   []func() error
}

func (c *closerStack) push(name string, fn func() error) {
	c.names = append(c.names, name)
	c.fns = append(c.fns, fn)
}

func (c *closerStack) closeAll(l *slog.Logger) {
	for i := len(c.fns) - 1; i >= 0; i-- {
		if err := c.fns[i](); err != nil {
			l.Warn("关闭资源失败", "resource", c.names[i], "error", err)
		}
	}
}

func mysqlConfig(cfg *config.Config) mysql.Config {
	a := cfg.Storage.Audit
	return mysql.Config{
		DSN:             a.DSN,
		MaxOpenConns:    a.MaxOpenConns,
		MaxIdleConns:    a.MaxIdleConns,
		ConnMaxLifetime: time.Duration(a.ConnMaxLifetimeSeconds) * time.Second,
		ConnMaxIdleTime: time.Duration(a.ConnMaxIdleTimeSeconds) * time.Second,
	}
}

func openAuditStore(ctx context.Context, cfg *config.Config) (*mysql.AuditStore, error) {
	return mysql.NewAuditStore(ctx, mysqlConfig(cfg))
}

func openSeriesStore(ctx context.Context, cfg *config.Config) (*redis.SeriesStore, error) {
	s := cfg.Metrics.Series
	return redis.NewSeriesStore(ctx, redis.Config{
		Address:   s.Address,
		Password:  s.Password,
		DB:        s.DB,
		KeyPrefix: s.KeyPrefix,
		Retention: time.Duration(s.RetentionSeconds) * time.Second,
	})
}

// newAuthService 在 MySQL 审计存储启用时复用同一数据库保存账号，否则使用内存账号。
func newAuthService(ctx context.Context, cfg *config.Config, closers *closerStack) (*auth.Service, error) {
	if !strings.EqualFold(string(cfg.Auth.Mode), string(auth.ModeJWT)) {
		return auth.NewService(ctx, cfg.Auth, nil)
	}
	var store auth.Store
	if cfg.Storage.Audit.Driver == "mysql" {
		sqlStore, err := mysql.NewSQLAuthStore(ctx, mysqlConfig(cfg))
		if err != nil {
			return nil, err
		}
		closers.push("auth store", sqlStore.Close)
		store = sqlStore
	} else {
		memStore, err := auth.NewMemoryStore(nil)
		if err != nil {
			return nil, err
		}
		store = memStore
	}
	return auth.NewService(ctx, cfg.Auth, store)
}

func newPublisher(ctx context.Context, cfg config.EventsConfig) (events.Publisher, error) {
	switch cfg.Driver {
	case "none":
		return nil, nil
	case "memory":
		q := events.NewMemoryQueue(cfg.Buffer)
		go drainMemoryQueue(ctx, q)
		return q, nil
	case "redis":
		return events.NewRedisQueue(ctx, events.RedisConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Key:       cfg.Redis.Key,
			MaxLen:    cfg.Redis.MaxLen,
			BlockWait: time.Duration(cfg.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return events.NewRabbitMQQueue(events.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Driver)
	}
}

// drainMemoryQueue 将内存队列中的事件写入日志，便于单机部署时观察。
func drainMemoryQueue(ctx context.Context, q *events.MemoryQueue) {
	l := logger.Named("events")
	err := q.Consume(ctx, func(_ context.Context, env events.Envelope) error {
		l.Debug("runtime event", "type", env.Type, "plugin_id", env.PluginID, "timestamp", env.Timestamp)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, events.ErrQueueClosed) {
		l.Warn("内存事件队列退出", "error", err)
	}
}

func startForwarder(ctx context.Context, cfg *config.Config, bus *plugin.Bus) (*events.Forwarder, error) {
	pub, err := newPublisher(ctx, cfg.Events)
	if err != nil || pub == nil {
		return nil, err
	}
	opts := []events.ForwarderOption{events.WithBufferSize(cfg.Events.Buffer)}
	if len(cfg.Events.Types) > 0 {
		types := make([]plugin.EventType, 0, len(cfg.Events.Types))
		for _, t := range cfg.Events.Types {
			types = append(types, plugin.EventType(t))
		}
		opts = append(opts, events.WithEventTypes(types...))
	}
	fwd, err := events.NewForwarder(bus, pub, opts...)
	if err != nil {
		_ = pub.Close()
		return nil, err
	}
	return fwd, nil
}

func startAlerting(cfg *config.Config, bus *plugin.Bus) *alerting.Bridge {
	a := cfg.Alerting
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if a.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{Sender: alerting.NewDingTalkWebhook(a.DingTalkWebhook)})
	}
	if a.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.SlackWebhook{WebhookSender: alerting.NewSlackWebhook(a.SlackWebhook)},
			ChannelID: a.SlackChannel,
		})
	}
	dispatcher := alerting.NewFanout(notifiers...).WithMinSeverity(xerrors.Severity(a.MinSeverity))
	return alerting.NewBridge(bus, dispatcher)
}

// watchRegistry 在注册表文件变化时重新读取，并加载新增的 active 插件。
func watchRegistry(ctx context.Context, registry *plugin.FileRegistry, h *host.Host) (func() error, error) {
	w, err := plugin.NewFSWatcher(plugin.DefaultDebounce)
	if err != nil {
		return nil, err
	}
	l := logger.Named("registry")
	cancel, err := w.Watch(registry.Path(), func() {
		if err := registry.Reload(); err != nil {
			l.Warn("重新读取注册表失败", "error", err)
			return
		}
		for _, entry := range registry.Active() {
			if _, loaded := h.GetPlugin(entry.ID); loaded {
				continue
			}
			if _, err := h.LoadPlugin(ctx, entry); err != nil {
				l.Warn("加载新增插件失败", "plugin_id", entry.ID, "error", err)
			}
		}
	})
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	return func() error {
		cancel()
		return w.Close()
	}, nil
}
