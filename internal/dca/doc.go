// Package dca 按固定周期把同一笔源资产按分配换成目标资产并存入借贷池。
package dca
