// Package ledger 维护编排器提交或尝试提交的每笔链上交易的只追加记录。
//
// 记录从 pending 转入唯一的终态。Ledger 包装层会把生命周期事件发布到
// 可选的 Notifier（进程内 broker、Redis 或 RabbitMQ）。
package ledger
