package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"PluginRuntime/pkg/plugin/security"
)

func newScanCmd(root *rootOptions) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "scan <file>",
		Short: "静态扫描插件源码",
		Long:  `对插件源码执行与宿主加载前相同的静态分析，输出漏洞、网络调用与文件访问。存在漏洞时以非零状态退出。`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if id == "" {
				id = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}
			res := security.NewScanner().Analyze(id, src)
			out := cmd.OutOrStdout()
			if root.output == "json" {
				if err := writeJSON(out, res); err != nil {
					return err
				}
			} else {
				printScan(cmd, res)
			}
			if !res.Safe {
				return fmt.Errorf("%s 存在 %d 个问题", id, len(res.Vulnerabilities))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "插件 ID，默认取文件名")
	return cmd
}

func printScan(cmd *cobra.Command, res security.CodeAnalysisResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "插件: %s  安全: %t  评分: %d\n", res.PluginID, res.Safe, res.Score)
	if len(res.NetworkCalls) > 0 {
		fmt.Fprintf(out, "网络调用: %s\n", strings.Join(res.NetworkCalls, ", "))
	}
	if len(res.FileSystemAccess) > 0 {
		fmt.Fprintf(out, "文件访问: %s\n", strings.Join(res.FileSystemAccess, ", "))
	}
	if len(res.Vulnerabilities) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LINE\tSEVERITY\tTYPE\tRULE\tDESCRIPTION")
	for _, f := range res.Vulnerabilities {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", f.Line, f.Severity, f.Type, f.Rule, f.Description)
	}
	_ = w.Flush()
}
