package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"PluginRuntime/sdk/go/pluginhost"
)

// 连接本地 pluginhostd，加载注册表中的 report 插件并调用一次。
func main() {
	addr := os.Getenv("PLUGINHOST_URL")
	if addr == "" {
		addr = "http://127.0.0.1:8080"
	}
	client, err := pluginhost.NewClient(addr, nil)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if user := os.Getenv("PLUGINHOST_USER"); user != "" {
		if _, err := client.Authenticate(ctx, pluginhost.Credentials{Username: user, Password: os.Getenv("PLUGINHOST_PASSWORD")}); err != nil {
			log.Fatalf("authenticate: %v", err)
		}
	}

	if _, err := client.GetPlugin(ctx, "report"); err != nil {
		snap, err := client.LoadPlugin(ctx, "report")
		if err != nil {
			log.Fatalf("load report: %v", err)
		}
		fmt.Printf("loaded %s with methods %v\n", snap.ID, snap.Methods)
	}

	out, err := client.Execute(ctx, "report", "summarize", []float64{3, 1, 4, 1, 5})
	if err != nil {
		log.Fatalf("execute: %v", err)
	}
	fmt.Printf("summary: %v\n", out)

	perf, err := client.Performance(ctx, "report")
	if err == nil {
		fmt.Printf("calls=%d avg=%s\n", perf.Calls, perf.ExecutionTime.Average)
	}
}
