package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"PluginRuntime/internal/config"
	"PluginRuntime/pkg/host"
	"PluginRuntime/pkg/plugin"
	"PluginRuntime/pkg/plugin/security"
)

type validation struct {
	ID        string            `json:"id"`
	Valid     bool              `json:"valid"`
	Violation *plugin.Violation `json:"violation,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

func newValidateCmd(root *rootOptions) *cobra.Command {
	var registryPath, policyPath string
	var ids []string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "按安全策略校验注册表中的插件",
		Long:  `使用策略文件构造安全引擎，对注册表中的插件执行元数据、签名、权限与源码扫描检查。任一插件未通过时以非零状态退出。`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hostCfg, err := (&config.Config{Runtime: config.RuntimeConfig{PolicyFile: policyPath}}).HostConfig()
			if err != nil {
				return err
			}
			results, err := validateRegistry(cmd, registryPath, hostCfg.Security, ids)
			if err != nil {
				return err
			}
			if root.output == "json" {
				if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			} else {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tVALID\tREASON")
				for _, r := range results {
					fmt.Fprintf(w, "%s\t%t\t%s\n", r.ID, r.Valid, r.Reason)
				}
				_ = w.Flush()
			}
			failed := 0
			for _, r := range results {
				if !r.Valid {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d 个插件未通过校验", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&registryPath, "registry", "configs/registry.yaml", "注册表文件")
	cmd.Flags().StringVar(&policyPath, "policy", "", "策略文件，为空时使用默认严格策略")
	cmd.Flags().StringSliceVar(&ids, "id", nil, "只校验指定插件")
	return cmd
}

func validateRegistry(cmd *cobra.Command, registryPath string, policy security.Policy, ids []string) ([]validation, error) {
	reg, err := plugin.LoadRegistry(registryPath)
	if err != nil {
		return nil, err
	}
	engine, err := security.NewEngine(policy, security.NewLedger())
	if err != nil {
		return nil, err
	}
	entries := reg.List()
	if len(ids) > 0 {
		entries = entries[:0]
		for _, id := range ids {
			entry, ok := reg.Get(id)
			if !ok {
				return nil, fmt.Errorf("注册表中没有插件 %s", id)
			}
			entries = append(entries, entry)
		}
	}

	ctx := cmd.Context()
	resolvers := host.DefaultResolvers()
	results := make([]validation, 0, len(entries))
	for _, entry := range entries {
		res := validation{ID: entry.ID}
		src, err := resolvers.Source(ctx, entry)
		if err != nil {
			res.Reason = err.Error()
			results = append(results, res)
			continue
		}
		ok, err := engine.Validate(ctx, entry, src)
		res.Valid = ok
		if err != nil {
			res.Reason = err.Error()
			if v, found := security.ViolationOf(err); found {
				res.Violation = &v
				res.Reason = v.Description
			}
		}
		results = append(results, res)
	}
	return results, nil
}
