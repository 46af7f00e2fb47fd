// Package allowance 确保依赖调用执行前 spender 已获得授权，
// 现有授权额度充足时不重复授权。
package allowance
