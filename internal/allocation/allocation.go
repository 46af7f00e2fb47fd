package allocation

import (
	"math/big"
	"strings"

	xerrors "bbdfi/internal/errors"
)

// TotalWeight 是合法分配的权重总和。
const TotalWeight = 100

// Leg 是一条分配：逻辑资产与百分比权重。
type Leg struct {
	Asset  string `json:"asset"`
	Weight int    `json:"weight"`
}

// Allocation 是有序的分配列表，顺序即执行顺序。
type Allocation []Leg

// Share 是一条分配按比例拆出的源资产数量。
type Share struct {
	Asset  string
	Weight int
	Amount *big.Int
}

// Validate 校验权重为非负整数且总和恰好为 100。非法分配直接拒绝，不做归一化。
func (a Allocation) Validate() error {
	if len(a) == 0 {
		return xerrors.New(xerrors.CodeInvalidAllocation, "分配列表不能为空")
	}
	seen := make(map[string]struct{}, len(a))
	sum := 0
	for i, leg := range a {
		asset := strings.TrimSpace(leg.Asset)
		if asset == "" {
			return xerrors.Newf(xerrors.CodeInvalidAllocation, "第 %d 条分配缺少资产", i+1)
		}
		key := strings.ToUpper(asset)
		if _, ok := seen[key]; ok {
			return xerrors.Newf(xerrors.CodeInvalidAllocation, "资产 %s 重复出现", asset)
		}
		seen[key] = struct{}{}
		if leg.Weight < 0 {
			return xerrors.Newf(xerrors.CodeInvalidAllocation, "资产 %s 的权重不能为负数", asset)
		}
		sum += leg.Weight
	}
	if sum != TotalWeight {
		return xerrors.New(xerrors.CodeInvalidAllocation, "分配权重之和必须为 100",
			xerrors.WithMetadata("sum", big.NewInt(int64(sum)).String()))
	}
	return nil
}

// Split 按权重拆分 amount，结果向下取整，零权重的分配被省略。
// 取整产生的余数留在钱包中，不会被重新分配。
func (a Allocation) Split(amount *big.Int) []Share {
	shares := make([]Share, 0, len(a))
	if amount == nil || amount.Sign() <= 0 {
		return shares
	}
	hundred := big.NewInt(TotalWeight)
	for _, leg := range a {
		if leg.Weight == 0 {
			continue
		}
		value := new(big.Int).Mul(amount, big.NewInt(int64(leg.Weight)))
		value.Quo(value, hundred)
		shares = append(shares, Share{Asset: leg.Asset, Weight: leg.Weight, Amount: value})
	}
	return shares
}

// Assets 返回权重大于零的资产，按列表顺序。
func (a Allocation) Assets() []string {
	assets := make([]string, 0, len(a))
	for _, leg := range a {
		if leg.Weight > 0 {
			assets = append(assets, leg.Asset)
		}
	}
	return assets
}
