package sequencer

import (
	"math/big"
	"strings"

	"bbdfi/internal/allocation"
	xerrors "bbdfi/internal/errors"
)

// Mode 决定兑换调用如何上链。
type Mode string

const (
	// ModeSequential 逐笔提交，每笔确认后再发送依赖它的调用。
	ModeSequential Mode = "sequential"
	// ModeBatched 将全部调用打包为一笔 Multicall3 交易。
	ModeBatched Mode = "batched"
)

// ParseMode 解析编排模式，空字符串返回空模式由调用方取默认值。
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return "", nil
	case ModeSequential:
		return ModeSequential, nil
	case ModeBatched:
		return ModeBatched, nil
	default:
		return "", xerrors.Newf(xerrors.CodeInvalidArgument, "不支持的编排模式: %s", raw)
	}
}

// Origin 标识编排的发起方。
type Origin string

const (
	OriginManual Origin = "manual"
	OriginDCA    Origin = "dca"
)

// Intent 请求将 SourceAmount 数量的源资产按分配比例兑换，并把所得存入借贷池。
type Intent struct {
	SourceAmount *big.Int
	Allocation   allocation.Allocation
	Mode         Mode
	Origin       Origin
	// LegAmounts 非空时只执行列出的资产，并使用给定的源数量而不是按比例拆分。
	// 重试依赖它保留原始分配数量。
	LegAmounts map[string]*big.Int
}

// Validate 在任何网络调用之前校验意图。
func (i Intent) Validate() error {
	if err := i.Allocation.Validate(); err != nil {
		return err
	}
	if i.SourceAmount == nil || i.SourceAmount.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "源资产数量必须大于0")
	}
	if _, err := ParseMode(string(i.Mode)); err != nil {
		return err
	}
	if len(i.LegAmounts) == 0 {
		return nil
	}

	weights := make(map[string]int, len(i.Allocation))
	for _, leg := range i.Allocation {
		weights[leg.Asset] = leg.Weight
	}
	total := new(big.Int)
	for asset, amount := range i.LegAmounts {
		if weights[asset] <= 0 {
			return xerrors.Newf(xerrors.CodeInvalidAllocation, "资产 %s 不在分配列表中", asset)
		}
		if amount == nil || amount.Sign() <= 0 {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "资产 %s 的数量必须大于0", asset)
		}
		total.Add(total, amount)
	}
	if total.Cmp(i.SourceAmount) > 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "各分配数量之和超过源资产数量")
	}
	return nil
}

// Shares 按分配顺序返回每个分配的源数量。
func (i Intent) Shares() []allocation.Share {
	if len(i.LegAmounts) == 0 {
		return i.Allocation.Split(i.SourceAmount)
	}
	shares := make([]allocation.Share, 0, len(i.LegAmounts))
	for _, leg := range i.Allocation {
		amount, ok := i.LegAmounts[leg.Asset]
		if !ok || leg.Weight <= 0 {
			continue
		}
		shares = append(shares, allocation.Share{Asset: leg.Asset, Weight: leg.Weight, Amount: new(big.Int).Set(amount)})
	}
	return shares
}
