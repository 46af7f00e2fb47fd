// Package sequencer 将“兑换并存款”的意图转换为有序的链上调用。
//
// 调用既可以逐笔提交并等待确认，也可以打包成一笔 Multicall3 批量交易，
// 编排结束后报告每个分配的执行结果。
package sequencer
