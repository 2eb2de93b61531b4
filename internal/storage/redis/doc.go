// Package redis 提供基于 Redis 的插件性能指标时间序列存储，
// 每个插件的每项指标对应一个以时间戳为分值的有序集合。
package redis
