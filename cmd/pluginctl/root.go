package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"PluginRuntime/pkg/logger"
	"PluginRuntime/pkg/plugin"
)

type rootOptions struct {
	logLevel string
	output   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "pluginctl",
		Short: "插件运行时运维工具",
		Long: `pluginctl 在不启动宿主的情况下扫描、校验与签名插件，并可订阅宿主转发的运行时事件。

示例:
  pluginctl scan ./plugins/report.lua
  pluginctl validate --registry configs/registry.yaml --policy configs/policy.yaml
  pluginctl sign --registry configs/registry.yaml --id report --key-env PLUGINCTL_SIGNING_KEY`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return logger.Init(logger.Config{Level: opts.logLevel, Format: "text", OutputPaths: []string{"stderr"}})
		},
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "日志级别 (debug, info, warn, error)")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "输出格式 (table, json)")

	cmd.AddCommand(
		newScanCmd(opts),
		newValidateCmd(opts),
		newSignCmd(),
		newKeygenCmd(),
		newEventsCmd(),
	)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// findEntry 读取注册表并返回指定插件。
func findEntry(registryPath, id string) (plugin.RegistryEntry, error) {
	reg, err := plugin.LoadRegistry(registryPath)
	if err != nil {
		return plugin.RegistryEntry{}, err
	}
	entry, ok := reg.Get(id)
	if !ok {
		return plugin.RegistryEntry{}, fmt.Errorf("注册表中没有插件 %s", id)
	}
	return entry, nil
}
