// Package api 通过 REST 接口暴露插件宿主的管理能力：插件加载与调用、
// 安全审计与隔离、性能监控，以及可选的 JWT 认证。
package api
