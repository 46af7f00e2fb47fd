// Package metrics 为交易步骤、编排执行与 HTTP 接口提供 Prometheus 计数器和直方图。
package metrics
