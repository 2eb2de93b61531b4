package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"PluginRuntime/internal/auth"
	"PluginRuntime/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "PLUGINHOST_CONFIG"

// DefaultPath 是未设置环境变量时的配置文件路径。
var DefaultPath = filepath.Join("configs", "pluginhost.json")

// Config 描述了插件宿主在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  logger.Config  `json:"logging"`
	Auth     auth.Config    `json:"auth"`
	Storage  StorageConfig  `json:"storage"`
	Metrics  MetricsConfig  `json:"metrics"`
	Events   EventsConfig   `json:"events"`
	Alerting AlertingConfig `json:"alerting"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制管理 API 的监听地址。
type ServerConfig struct {
	Address             string `json:"address"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`
}

// StorageConfig 描述审计存储后端。
type StorageConfig struct {
	Audit AuditStoreConfig `json:"audit"`
}

// AuditStoreConfig 选择违规、审计与隔离记录的持久化方式。driver 为 memory 时仅保存在进程内。
type AuditStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// MetricsConfig 控制 Prometheus 暴露地址与 Redis 指标序列存储。
type MetricsConfig struct {
	Enabled bool              `json:"enabled"`
	Address string            `json:"address"`
	Series  SeriesStoreConfig `json:"series"`
}

// SeriesStoreConfig 配置 Redis 指标序列。address 为空时不启用。
type SeriesStoreConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	KeyPrefix        string `json:"key_prefix"`
	RetentionSeconds int    `json:"retention_seconds"`
}

// EventsConfig 配置事件转发。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	Buffer   int            `json:"buffer"`
	Types    []string       `json:"types"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 是 Redis 事件队列参数，block_wait 单位为秒。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Key       string `json:"key"`
	MaxLen    int64  `json:"max_len"`
	BlockWait int    `json:"block_wait"`
}

// RabbitMQConfig 是 RabbitMQ 事件队列参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// AlertingConfig 配置告警渠道。
type AlertingConfig struct {
	MinSeverity     string `json:"min_severity"`
	DingTalkWebhook string `json:"dingtalk_webhook"`
	SlackWebhook    string `json:"slack_webhook"`
	SlackChannel    string `json:"slack_channel"`
}

// RuntimeConfig 描述插件运行时参数。
type RuntimeConfig struct {
	RegistryFile string `json:"registry_file"`
	PolicyFile   string `json:"policy_file"`
	HotReload    bool   `json:"hot_reload"`
	// AutoLoad 为 true 时启动后加载注册表中全部 active 插件。
	AutoLoad bool   `json:"auto_load"`
	DataDir  string `json:"data_dir"`
}

// PathFromEnv 返回配置文件路径。
func PathFromEnv() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回不依赖配置文件的默认配置，相对路径以 baseDir 为基准。
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyDefaults(baseDir)
	return &cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 30
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = auth.ModeDisabled
	}

	if c.Storage.Audit.Driver == "" {
		c.Storage.Audit.Driver = "memory"
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 1024
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)
	}
	if c.Runtime.RegistryFile != "" {
		c.Runtime.RegistryFile = resolve(baseDir, c.Runtime.RegistryFile)
	}
	if c.Runtime.PolicyFile != "" {
		c.Runtime.PolicyFile = resolve(baseDir, c.Runtime.PolicyFile)
	}
}

// Validate 检查驱动名称与必填字段。
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Audit.Driver {
	case "memory":
	case "mysql":
		if c.Storage.Audit.DSN == "" {
			errs = append(errs, errors.New("storage.audit.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的审计存储驱动: %s", c.Storage.Audit.Driver))
	}
	switch c.Events.Driver {
	case "none", "memory":
	case "redis":
		if c.Events.Redis.Address == "" {
			errs = append(errs, errors.New("events.redis.address 不能为空"))
		}
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("events.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的事件驱动: %s", c.Events.Driver))
	}
	switch c.Auth.Mode {
	case auth.ModeDisabled, auth.ModeJWT:
	default:
		errs = append(errs, fmt.Errorf("未知的认证模式: %s", c.Auth.Mode))
	}
	return errors.Join(errs...)
}

func resolve(baseDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
