// Package lending 向借贷池提交单笔存款、借款、还款与取款调用，
// 并预估执行后的健康因子。
package lending
