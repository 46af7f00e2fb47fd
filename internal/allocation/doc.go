// Package allocation 校验目标资产分配，并将源数量拆分到各个分配。
package allocation
