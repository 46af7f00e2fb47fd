package allowance

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/execution"
	"bbdfi/internal/web3"
	"bbdfi/internal/web3/contracts"
	"bbdfi/pkg/logger"
)

// Requirement 描述依赖调用执行前必须存在的授权。
type Requirement struct {
	Token   web3.Token
	Spender common.Address
	Amount  *big.Int
	// Approval 是预构造的授权调用，通常来自兑换报价。
	// 为 nil 时提交普通的 approve(spender, Amount)。
	Approval *web3.CallRequest
}

// Decision 记录 Ensure 的处理结果。
type Decision struct {
	Skipped bool
	Current *big.Int
	Outcome *execution.Outcome
}

// Manager 读取授权额度，并通过 runner 提交授权交易。
type Manager struct {
	runner *execution.Runner
	reader web3.Reader
	logger *slog.Logger
}

// Option 定义 Manager 的可选配置。
type Option func(*Manager)

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.logger = log
		}
	}
}

// NewManager 创建 Manager。
func NewManager(runner *execution.Runner, opts ...Option) *Manager {
	m := &Manager{runner: runner, reader: runner.Chain(), logger: logger.Named("allowance")}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Allowance 返回账户当前授予 spender 的额度。
func (m *Manager) Allowance(ctx context.Context, token web3.Token, spender common.Address) (*big.Int, error) {
	data, err := contracts.PackAllowance(m.runner.Account(), spender)
	if err != nil {
		return nil, err
	}
	out, err := m.reader.Call(ctx, web3.CallRequest{To: token.Address, Data: data}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取授权额度失败",
			xerrors.WithMetadata("token", token.Symbol),
			xerrors.WithMetadata("spender", spender.Hex()))
	}
	value, err := contracts.UnpackUint256("allowance", out)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "解析授权额度失败",
			xerrors.WithMetadata("token", token.Symbol))
	}
	return value, nil
}

// Needed 判断当前额度是否低于 amount。
func (m *Manager) Needed(ctx context.Context, token web3.Token, spender common.Address, amount *big.Int) (bool, error) {
	current, err := m.Allowance(ctx, token, spender)
	if err != nil {
		return false, err
	}
	return current.Cmp(amount) < 0, nil
}

// Ensure 确保 spender 至少可转移 req.Amount。额度充足时不提交任何交易，
// 否则提交授权并等待确认。任何失败都报告为 ApprovalFailed。
func (m *Manager) Ensure(ctx context.Context, sequenceID string, req Requirement) (Decision, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return Decision{}, xerrors.New(xerrors.CodeInvalidArgument, "授权数量必须大于0")
	}

	spender := req.spender()
	current, err := m.Allowance(ctx, req.Token, spender)
	if err != nil {
		return Decision{}, xerrors.Wrap(xerrors.CodeApprovalFailed, err, "无法确认授权额度",
			xerrors.WithMetadata("token", req.Token.Symbol))
	}
	if current.Cmp(req.Amount) >= 0 {
		m.logger.Debug("授权额度充足，跳过授权",
			slog.String("token", req.Token.Symbol),
			slog.String("spender", spender.Hex()),
			slog.String("current", current.String()),
			slog.String("required", req.Amount.String()),
		)
		return Decision{Skipped: true, Current: current}, nil
	}

	step, err := m.stepFor(req)
	if err != nil {
		return Decision{Current: current}, err
	}
	outcome := m.runner.Run(ctx, sequenceID, step)
	decision := Decision{Current: current, Outcome: &outcome}
	if outcome.Err != nil {
		return decision, xerrors.Wrap(xerrors.CodeApprovalFailed, outcome.Err, "授权交易失败",
			xerrors.WithMetadata("token", req.Token.Symbol),
			xerrors.WithMetadata("spender", spender.Hex()))
	}
	return decision, nil
}

// spender 返回授权实际生效的地址。预构造的授权调用以其 approve 参数为准，
// 聚合器可能要求授权给路由器以外的合约。
func (r Requirement) spender() common.Address {
	if r.Approval != nil {
		if spender, _, err := contracts.DecodeApprove(r.Approval.Data); err == nil {
			return spender
		}
	}
	return r.Spender
}

func (m *Manager) stepFor(req Requirement) (execution.Step, error) {
	if req.Approval != nil {
		step := execution.Step{
			Target:   req.Approval.To,
			CallData: req.Approval.Data,
			Value:    req.Approval.Value,
			Intent:   execution.IntentApprove,
			Asset:    req.Token.Asset,
			Token:    req.Token.Symbol,
			Amount:   req.Amount,
		}
		if _, amount, err := contracts.DecodeApprove(req.Approval.Data); err == nil {
			step.Amount = amount
		}
		return step, nil
	}
	return ApproveStep(req.Token, req.Spender, req.Amount, false)
}

// ApproveStep 构造 approve(spender, amount) 步骤。
func ApproveStep(token web3.Token, spender common.Address, amount *big.Int, allowFailure bool) (execution.Step, error) {
	data, err := contracts.PackApprove(spender, amount)
	if err != nil {
		return execution.Step{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造授权调用失败")
	}
	return execution.Step{
		Target:       token.Address,
		CallData:     data,
		AllowFailure: allowFailure,
		Intent:       execution.IntentApprove,
		Asset:        token.Asset,
		Token:        token.Symbol,
		Amount:       new(big.Int).Set(amount),
	}, nil
}

// UnlimitedStep 构造批量开头不容忍失败的 approve(spender, 2^256-1) 步骤。
func UnlimitedStep(token web3.Token, spender common.Address) (execution.Step, error) {
	return ApproveStep(token, spender, contracts.MaxUint256, false)
}
