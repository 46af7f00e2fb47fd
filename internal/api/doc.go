// Package api 提供守护进程的 REST 接口：提交买入与存款编排、执行单笔借贷操作，
// 以及查询交易账本和当前借贷仓位。
package api
