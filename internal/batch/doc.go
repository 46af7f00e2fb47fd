// Package batch 编排“兑换并存款”的调用列表，并以单笔 Multicall3 交易提交，
// 每个调用可单独声明是否容忍失败。
package batch
