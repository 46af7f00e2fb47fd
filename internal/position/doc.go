// Package position 读取账户的借贷仓位，并据此计算美元价值与健康因子。
package position
