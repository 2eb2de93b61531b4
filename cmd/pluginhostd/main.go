package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PluginRuntime/internal/api"
	"PluginRuntime/internal/config"
	"PluginRuntime/internal/observability/metrics"
	"PluginRuntime/pkg/host"
	"PluginRuntime/pkg/logger"
	"PluginRuntime/pkg/plugin"
)

// main 是插件宿主守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("pluginhostd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("pluginhostd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	hostCfg, err := cfg.HostConfig()
	if err != nil {
		return err
	}

	var closers closerStack
	defer closers.closeAll(lg)

	opts := []host.Option{}
	if cfg.Storage.Audit.Driver == "mysql" {
		store, err := openAuditStore(ctx, cfg)
		if err != nil {
			return err
		}
		closers.push("audit store", store.Close)
		opts = append(opts, host.WithAuditSink(store))
	}
	if cfg.Metrics.Series.Address != "" {
		series, err := openSeriesStore(ctx, cfg)
		if err != nil {
			return err
		}
		closers.push("series store", series.Close)
		opts = append(opts, host.WithSeriesStore(series))
	}

	var registry *plugin.FileRegistry
	if cfg.Runtime.RegistryFile != "" {
		registry, err = plugin.LoadRegistry(cfg.Runtime.RegistryFile)
		if err != nil {
			return err
		}
		opts = append(opts, host.WithRegistry(registry))
	}

	h, err := host.New(ctx, hostCfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := h.Close(closeCtx); err != nil {
			lg.Error("关闭插件宿主失败", "error", err)
		}
	}()

	var recorder *metrics.Recorder
	if cfg.Metrics.Enabled {
		recorder = metrics.NewRecorder()
		unsubscribe := recorder.Attach(h.Bus())
		closers.push("metrics subscription", func() error { unsubscribe(); return nil })
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address, recorder); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("指标服务异常退出", "error", err)
			}
		}()
	}

	forwarder, err := startForwarder(ctx, cfg, h.Bus())
	if err != nil {
		return err
	}
	if forwarder != nil {
		closers.push("event forwarder", forwarder.Close)
	}

	if bridge := startAlerting(cfg, h.Bus()); bridge != nil {
		closers.push("alert bridge", func() error { bridge.Close(); return nil })
	}

	if registry != nil {
		if cfg.Runtime.AutoLoad {
			if err := h.LoadRegistry(ctx); err != nil {
				lg.Warn("部分插件加载失败", "error", err)
			}
		}
		stopWatch, err := watchRegistry(ctx, registry, h)
		if err != nil {
			lg.Warn("注册表监听失败", "error", err)
		} else {
			closers.push("registry watcher", stopWatch)
		}
	}

	authSvc, err := newAuthService(ctx, cfg, &closers)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, h,
		api.WithAuth(authSvc),
		api.WithMetrics(recorder),
		api.WithTimeouts(time.Duration(cfg.Server.ReadTimeoutSeconds)*time.Second, time.Duration(cfg.Server.WriteTimeoutSeconds)*time.Second),
	)
	lg.Info("插件宿主已启动", "address", cfg.Server.Address, "plugins", len(h.GetLoadedPlugins()), "auth", authSvc.Mode())
	return server.Start(ctx)
}
