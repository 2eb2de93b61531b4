// Package logger configures the structured loggers used by the plugin host.
//
// Two loggers are maintained: the application logger returned by L and an
// audit logger returned by Audit. Security decisions (validation outcomes,
// violations, quarantine changes) are written to the audit logger, which can
// be routed to a size-rotated JSON file independent of application output.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig controls audit log output behaviour.
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
	auditLogger   *slog.Logger
	closers       []io.Closer
)

// Init configures the global logger instances. Calling Init again replaces
// the previous loggers and closes their files.
func Init(cfg Config) error {
	level := parseLevel(cfg.Level)
	handler, files, err := buildHandler(cfg.Format, cfg.OutputPaths, &slog.HandlerOptions{Level: level, AddSource: true})
	if err != nil {
		return err
	}
	app := slog.New(handler)
	audit := app
	if cfg.Audit.Enabled {
		var closer io.Closer
		audit, closer, err = buildAuditLogger(cfg.Audit)
		if err != nil {
			closeAll(files)
			return err
		}
		files = append(files, closer)
	}

	mu.Lock()
	previous := closers
	defaultLogger, auditLogger, closers = app, audit, files
	mu.Unlock()
	return closeAll(previous)
}

// SetOutput points both loggers at w. Tests use it to capture output.
func SetOutput(w io.Writer, level string) {
	l := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)}))
	mu.Lock()
	defaultLogger, auditLogger = l, l
	mu.Unlock()
}

func buildHandler(format string, outputs []string, opts *slog.HandlerOptions) (slog.Handler, []io.Closer, error) {
	var (
		writers []io.Writer
		files   []io.Closer
	)
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	for _, out := range outputs {
		writer, closer, err := openWriter(out)
		if err != nil {
			closeAll(files)
			return nil, nil, err
		}
		if closer != nil {
			files = append(files, closer)
		}
		writers = append(writers, writer)
	}

	writer := writers[0]
	if len(writers) > 1 {
		writer = io.MultiWriter(writers...)
	}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(writer, opts), files, nil
	}
	return slog.NewJSONHandler(writer, opts), files, nil
}

func buildAuditLogger(cfg AuditConfig) (*slog.Logger, io.Closer, error) {
	if cfg.Path == "" {
		return nil, nil, errors.New("audit log path cannot be empty when enabled")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create audit log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    orDefault(cfg.MaxSizeMB, 100),
		MaxBackups: orDefault(cfg.MaxBackups, 7),
		MaxAge:     orDefault(cfg.MaxAgeDays, 30),
		Compress:   cfg.Compress,
	}
	handler := slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler).With("stream", "audit"), rotator, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func openWriter(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		return file, file, nil
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func closeAll(cs []io.Closer) error {
	var err error
	for _, c := range cs {
		err = errors.Join(err, c.Close())
	}
	return err
}

// L returns the structured logger instance.
func L() *slog.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l != nil {
		return l
	}
	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return defaultLogger
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	mu.RLock()
	l := auditLogger
	mu.RUnlock()
	if l == nil {
		return L()
	}
	return l
}

// Sync flushes and closes file backed outputs.
func Sync() error {
	mu.Lock()
	cs := closers
	closers = nil
	mu.Unlock()
	return closeAll(cs)
}

// Named returns a child logger tagged with the component name.
func Named(name string) *slog.Logger {
	return L().With("component", name)
}

// ForPlugin returns a component logger scoped to a single plugin.
func ForPlugin(component, pluginID string) *slog.Logger {
	return Named(component).With("plugin_id", pluginID)
}
