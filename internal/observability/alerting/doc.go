// Package alerting 分发由失败分配、回滚批量与高风险借贷操作触发的告警事件。
package alerting
