// Package mysql 持久化插件运行时的审计记录、违规记录与隔离状态，
// 包含连接池配置、内嵌迁移以及带熔断保护的写入。
package mysql
