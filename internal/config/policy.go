package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"PluginRuntime/pkg/host"
)

// HostConfig 以默认策略为基础叠加策略文件中的字段，并应用 runtime.hot_reload。
// 策略文件中的时长使用 "30s" 形式。
func (c *Config) HostConfig() (host.Config, error) {
	cfg := host.DefaultConfig()
	if c.Runtime.PolicyFile != "" {
		raw, err := os.ReadFile(c.Runtime.PolicyFile)
		if err != nil {
			return host.Config{}, fmt.Errorf("读取策略文件失败: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return host.Config{}, fmt.Errorf("解析策略文件失败: %w", err)
		}
	}
	cfg.HotReload = cfg.HotReload || c.Runtime.HotReload
	return cfg, nil
}
