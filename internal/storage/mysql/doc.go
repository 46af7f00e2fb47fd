// Package mysql 将交易账本持久化到 MySQL。
//
// 包内负责连接池参数，启动时执行嵌入式迁移，并以十进制字符串保存金额实现 ledger.Store。
package mysql
