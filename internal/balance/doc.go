// Package balance 读取实际可操作的代币余额。
package balance
