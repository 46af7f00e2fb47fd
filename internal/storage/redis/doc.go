// Package redis 提供分布式编排锁。
//
// 单个 Redis 键标记编排正在执行，共享同一钱包的多个编排进程不会提交交错的交易。
package redis
