// Package config 负责加载插件宿主守护进程的 JSON 配置，
// 并从 YAML 策略文件构造运行时安全、沙箱与监控策略。
package config
