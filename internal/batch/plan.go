package batch

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/multierr"

	"bbdfi/internal/allowance"
	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/execution"
	"bbdfi/internal/quote"
	"bbdfi/internal/web3"
	"bbdfi/internal/web3/contracts"
)

const bpsDenominator = 10000

// Policy 定义在执行前确定授权与存款数量时，对预期兑换输出施加的缓冲比例。
type Policy struct {
	ApproveBps int64
	DepositBps int64
}

// DefaultPolicy 按预期输出的 110% 授权、90% 存款。
func DefaultPolicy() Policy {
	return Policy{ApproveBps: 11000, DepositBps: 9000}
}

// Validate 确保缓冲比例为正且授权比例不低于存款比例。
func (p Policy) Validate() error {
	if p.ApproveBps <= 0 || p.DepositBps <= 0 {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "批量缓冲比例必须为正: approve=%d deposit=%d", p.ApproveBps, p.DepositBps)
	}
	if p.ApproveBps < p.DepositBps {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "approve 比例 %d 不能小于 deposit 比例 %d", p.ApproveBps, p.DepositBps)
	}
	return nil
}

// Amounts 返回 floor(E × approveBps / 10000) 与 floor(E × depositBps / 10000)。
// 策略有效时授权数量总不小于存款数量。
func Amounts(expected *big.Int, p Policy) (approve, deposit *big.Int) {
	if expected == nil || expected.Sign() <= 0 {
		return new(big.Int), new(big.Int)
	}
	return scale(expected, p.ApproveBps), scale(expected, p.DepositBps)
}

func scale(amount *big.Int, bps int64) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(bps))
	return out.Quo(out, big.NewInt(bpsDenominator))
}

// PlanInput 是编排“兑换并存款”批量所需的全部输入。
type PlanInput struct {
	Source     web3.Token
	Quotes     []*quote.SwapQuote
	Pool       common.Address
	OnBehalfOf common.Address
	// Covered 列出现有授权已覆盖其全部兑换额度的 spender，省略其开头授权。
	Covered map[common.Address]bool
}

// PlannedLeg 定位单个分配在批量中的各个调用。
type PlannedLeg struct {
	Asset         string
	Quote         *quote.SwapQuote
	SwapIndex     int
	ApproveIndex  int
	DepositIndex  int
	ApproveAmount *big.Int
	DepositAmount *big.Int
}

// Plan 是有序的 multicall 批量。
type Plan struct {
	Steps []execution.Step
	Legs  []PlannedLeg
	// RouterApprovals 是开头不容忍失败的授权数量。
	RouterApprovals int
}

// Build 编排批量：每个报价 spender 先获得一次源代币的无限授权（不容忍失败），
// 随后每个分配依次为兑换、按授权缓冲授权借贷池、按存款缓冲存入，均容忍失败。
// 缺少预期输出的分配无法编排，返回 QuoteUnavailable。
func Build(in PlanInput, policy Policy) (*Plan, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if len(in.Quotes) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidBatch, "没有可执行的兑换报价")
	}

	plan := &Plan{}
	seen := make(map[common.Address]bool)
	for _, q := range in.Quotes {
		if q == nil {
			return nil, xerrors.New(xerrors.CodeInvalidBatch, "报价为空")
		}
		if q.ExpectedDestinationAmount == nil || q.ExpectedDestinationAmount.Sign() <= 0 {
			return nil, xerrors.New(xerrors.CodeQuoteUnavailable, "报价缺少预期输出数量，无法计算批量存款额度",
				xerrors.WithMetadata("asset", q.Destination.Asset),
				xerrors.WithMetadata("to", q.Destination.Symbol))
		}
		spender := q.Spender()
		if seen[spender] {
			continue
		}
		seen[spender] = true
		if in.Covered[spender] {
			continue
		}
		step, err := allowance.UnlimitedStep(in.Source, spender)
		if err != nil {
			return nil, err
		}
		plan.Steps = append(plan.Steps, step)
		plan.RouterApprovals++
	}

	for _, q := range in.Quotes {
		approveAmount, depositAmount := Amounts(q.ExpectedDestinationAmount, policy)
		leg := PlannedLeg{
			Asset:         q.Destination.Asset,
			Quote:         q,
			ApproveAmount: approveAmount,
			DepositAmount: depositAmount,
		}

		leg.SwapIndex = len(plan.Steps)
		plan.Steps = append(plan.Steps, execution.Step{
			Target:       q.Call.To,
			CallData:     q.Call.Data,
			Value:        q.Call.Value,
			AllowFailure: true,
			Intent:       execution.IntentSwap,
			Asset:        q.Destination.Asset,
			Token:        q.Source.Symbol,
			Amount:       q.SourceAmount,
		})

		approve, err := allowance.ApproveStep(q.Destination, in.Pool, approveAmount, true)
		if err != nil {
			return nil, err
		}
		leg.ApproveIndex = len(plan.Steps)
		plan.Steps = append(plan.Steps, approve)

		supply, err := contracts.PackSupply(q.Destination.Address, depositAmount, in.OnBehalfOf)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidBatch, err, "构造存款调用失败")
		}
		leg.DepositIndex = len(plan.Steps)
		plan.Steps = append(plan.Steps, execution.Step{
			Target:       in.Pool,
			CallData:     supply,
			AllowFailure: true,
			Intent:       execution.IntentDeposit,
			Asset:        q.Destination.Asset,
			Token:        q.Destination.Symbol,
			Amount:       depositAmount,
		})
		plan.Legs = append(plan.Legs, leg)
	}

	if err := Validate(plan.Steps); err != nil {
		return nil, err
	}
	return plan, nil
}

// Validate 拒绝空批量以及缺少目标或调用数据的调用，
// 所有问题汇总在一个 InvalidBatch 错误中。
func Validate(steps []execution.Step) error {
	if len(steps) == 0 {
		return xerrors.New(xerrors.CodeInvalidBatch, "批量调用列表为空")
	}
	var errs error
	for i, step := range steps {
		if step.Target == (common.Address{}) {
			errs = multierr.Append(errs, fmt.Errorf("第 %d 个调用缺少 target", i))
		}
		if len(step.CallData) == 0 {
			errs = multierr.Append(errs, fmt.Errorf("第 %d 个调用缺少 callData", i))
		}
		if step.Value != nil && step.Value.Sign() < 0 {
			errs = multierr.Append(errs, fmt.Errorf("第 %d 个调用 value 为负", i))
		}
		if step.Intent == "" {
			errs = multierr.Append(errs, fmt.Errorf("第 %d 个调用缺少意图标签", i))
		}
	}
	if errs != nil {
		return xerrors.Wrap(xerrors.CodeInvalidBatch, errs, "批量调用校验失败",
			xerrors.WithMetadata("problems", fmt.Sprint(len(multierr.Errors(errs)))))
	}
	return nil
}
