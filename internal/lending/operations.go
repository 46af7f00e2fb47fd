package lending

import (
	"context"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bbdfi/internal/allowance"
	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/execution"
	"bbdfi/internal/observability/alerting"
	"bbdfi/internal/observability/metrics"
	"bbdfi/internal/position"
	"bbdfi/internal/web3"
	"bbdfi/internal/web3/contracts"
	"bbdfi/pkg/logger"
)

// Operation 表示一种借贷池操作。
type Operation string

const (
	OperationSupply   Operation = "supply"
	OperationBorrow   Operation = "borrow"
	OperationRepay    Operation = "repay"
	OperationWithdraw Operation = "withdraw"
)

// ParseOperation 解析操作名称，不区分大小写。
func ParseOperation(raw string) (Operation, error) {
	switch op := Operation(strings.ToLower(strings.TrimSpace(raw))); op {
	case OperationSupply, OperationBorrow, OperationRepay, OperationWithdraw:
		return op, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, "不支持的借贷操作",
			xerrors.WithMetadata("operation", raw))
	}
}

func (op Operation) intent() execution.Intent {
	switch op {
	case OperationSupply:
		return execution.IntentDeposit
	case OperationBorrow:
		return execution.IntentBorrow
	case OperationRepay:
		return execution.IntentRepay
	default:
		return execution.IntentWithdraw
	}
}

// Guard 串行化针对同一账户的写操作。
type Guard interface {
	Acquire(ctx context.Context) (func(), error)
}

// Result 是单次借贷操作的结果。只有借款与取款且仓位可读时才设置
// ProjectedHealthFactor。
type Result struct {
	SequenceID            string                    `json:"sequence_id"`
	Operation             Operation                 `json:"operation"`
	Asset                 string                    `json:"asset"`
	Token                 string                    `json:"token"`
	Amount                *big.Int                  `json:"amount"`
	Approved              bool                      `json:"approved"`
	TxHash                string                    `json:"tx_hash,omitempty"`
	RecordIDs             []string                  `json:"record_ids"`
	ProjectedHealthFactor string                    `json:"projected_health_factor,omitempty"`
	HighRisk              bool                      `json:"high_risk"`
	Position              *position.AccountSnapshot `json:"position,omitempty"`
	StartedAt             time.Time                 `json:"started_at"`
	FinishedAt            time.Time                 `json:"finished_at"`
}

// Operations 向借贷池提交存款、借款、还款与取款调用。
type Operations struct {
	profile    web3.Profile
	runner     *execution.Runner
	allowances *allowance.Manager
	positions  *position.Accessor
	guard      Guard
	alerter    alerting.Dispatcher
	metrics    *metrics.Registry
	floor      float64
	logger     *slog.Logger
	newID      func() string
}

// Option 定义 Operations 的可选配置。
type Option func(*Operations)

// WithGuard 指定与编排共享的互斥实现。
func WithGuard(guard Guard) Option {
	return func(o *Operations) { o.guard = guard }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(o *Operations) { o.alerter = dispatcher }
}

// WithMetrics 配置指标注册表。
func WithMetrics(registry *metrics.Registry) Option {
	return func(o *Operations) { o.metrics = registry }
}

// WithHealthFactorFloor 设置健康因子下限，低于该值的操作标记为高风险。
func WithHealthFactorFloor(floor float64) Option {
	return func(o *Operations) {
		if floor > 0 {
			o.floor = floor
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(o *Operations) {
		if log != nil {
			o.logger = log
		}
	}
}

// WithIDGenerator 替换编排 ID 生成器。
func WithIDGenerator(gen func() string) Option {
	return func(o *Operations) {
		if gen != nil {
			o.newID = gen
		}
	}
}

// New 创建 Operations。
func New(profile web3.Profile, runner *execution.Runner, opts ...Option) *Operations {
	o := &Operations{
		profile: profile,
		runner:  runner,
		floor:   1.5,
		logger:  logger.Named("lending"),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.allowances = allowance.NewManager(runner, allowance.WithLogger(o.logger))
	o.positions = position.NewAccessor(runner.Chain(), profile.Contracts, position.WithLogger(o.logger))
	return o
}

// Supply 存入 amount 数量的资产作为抵押。
func (o *Operations) Supply(ctx context.Context, asset string, amount *big.Int) (*Result, error) {
	return o.Execute(ctx, OperationSupply, asset, amount)
}

// Borrow 以浮动利率借出 amount 数量的资产。
func (o *Operations) Borrow(ctx context.Context, asset string, amount *big.Int) (*Result, error) {
	return o.Execute(ctx, OperationBorrow, asset, amount)
}

// Repay 偿还最多 amount 数量的浮动利率债务。
func (o *Operations) Repay(ctx context.Context, asset string, amount *big.Int) (*Result, error) {
	return o.Execute(ctx, OperationRepay, asset, amount)
}

// Withdraw 取回 amount 数量的已存资产，contracts.MaxUint256 表示全部取回。
func (o *Operations) Withdraw(ctx context.Context, asset string, amount *big.Int) (*Result, error) {
	return o.Execute(ctx, OperationWithdraw, asset, amount)
}

// Execute 执行 op：借贷池需要划转代币时（存款、还款）先授权，再调用借贷池。
// 预估健康因子低于下限时记录并告警，但不会阻止调用。
func (o *Operations) Execute(ctx context.Context, op Operation, asset string, amount *big.Int) (*Result, error) {
	op, err := ParseOperation(string(op))
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "借贷数量必须大于0")
	}
	tok, terr := o.profile.Token(asset)
	if terr != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, terr, "资产在当前链上不可用",
			xerrors.WithMetadata("asset", asset))
	}
	if o.guard != nil {
		release, err := o.guard.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	result := &Result{
		SequenceID: o.newID(),
		Operation:  op,
		Asset:      tok.Asset,
		Token:      tok.Symbol,
		Amount:     new(big.Int).Set(amount),
		StartedAt:  time.Now().UTC(),
	}
	audit := logger.Sequence(result.SequenceID)
	audit.Info("开始借贷操作",
		slog.String("operation", string(op)),
		slog.String("asset", tok.Asset),
		slog.String("amount", amount.String()),
	)

	if op == OperationBorrow || op == OperationWithdraw {
		o.project(ctx, result, tok, amount)
	}

	err = o.submit(ctx, result, op, tok, amount)
	result.FinishedAt = time.Now().UTC()
	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
	}
	o.metrics.ObserveSequence(string(op), outcome, result.FinishedAt.Sub(result.StartedAt))
	if err != nil {
		audit.Error("借贷操作失败", slog.String("operation", string(op)), slog.Any("error", err))
		o.alert(ctx, result.SequenceID, tok.Asset, err)
		return result, err
	}

	if snapshot, serr := o.positions.Snapshot(ctx, o.runner.Account()); serr == nil {
		result.Position = &snapshot
	}
	audit.Info("借贷操作完成",
		slog.String("operation", string(op)),
		slog.String("tx_hash", result.TxHash),
		slog.Bool("high_risk", result.HighRisk),
	)
	return result, nil
}

func (o *Operations) submit(ctx context.Context, result *Result, op Operation, tok web3.Token, amount *big.Int) error {
	pool := o.profile.Contracts.LendingPool
	account := o.runner.Account()

	if op == OperationSupply || op == OperationRepay {
		decision, err := o.allowances.Ensure(ctx, result.SequenceID, allowance.Requirement{
			Token:   tok,
			Spender: pool,
			Amount:  amount,
		})
		if decision.Outcome != nil && decision.Outcome.RecordID != "" {
			result.RecordIDs = append(result.RecordIDs, decision.Outcome.RecordID)
		}
		if err != nil {
			return err
		}
		result.Approved = !decision.Skipped
	}

	var (
		data []byte
		err  error
	)
	switch op {
	case OperationSupply:
		data, err = contracts.PackSupply(tok.Address, amount, account)
	case OperationBorrow:
		data, err = contracts.PackBorrow(tok.Address, amount, account)
	case OperationRepay:
		data, err = contracts.PackRepay(tok.Address, amount, account)
	case OperationWithdraw:
		data, err = contracts.PackWithdraw(tok.Address, amount, account)
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的借贷操作",
			xerrors.WithMetadata("operation", string(op)))
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeLendingFailed, err, "构造借贷调用失败")
	}

	outcome := o.runner.Run(ctx, result.SequenceID, execution.Step{
		Target:   pool,
		CallData: data,
		Intent:   op.intent(),
		Asset:    tok.Asset,
		Token:    tok.Symbol,
		Amount:   amount,
	})
	if outcome.RecordID != "" {
		result.RecordIDs = append(result.RecordIDs, outcome.RecordID)
	}
	if outcome.TxHash != (common.Hash{}) {
		result.TxHash = outcome.TxHash.Hex()
	}
	if outcome.Err != nil {
		if xerrors.HasCode(outcome.Err, xerrors.CodeTransactionTimedOut) {
			return outcome.Err
		}
		return xerrors.Wrap(xerrors.CodeLendingFailed, outcome.Err, "借贷交易失败",
			xerrors.WithMetadata("operation", string(op)),
			xerrors.WithMetadata("asset", tok.Asset))
	}
	return nil
}

// project 预估借款或取款后的健康因子。读取失败只记录日志，预估留空。
func (o *Operations) project(ctx context.Context, result *Result, tok web3.Token, amount *big.Int) {
	audit := logger.Sequence(result.SequenceID)
	snapshot, err := o.positions.Snapshot(ctx, o.runner.Account())
	if err != nil {
		audit.Warn("无法读取仓位，跳过健康因子预估", slog.Any("error", err))
		return
	}

	var hf float64
	if result.Operation == OperationWithdraw && amount.Cmp(contracts.MaxUint256) == 0 {
		hf = snapshot.ProjectWithdraw(snapshot.TotalCollateralValue())
	} else {
		value, err := o.positions.Value(ctx, tok, amount)
		if err != nil {
			audit.Warn("无法读取资产价格，跳过健康因子预估", slog.Any("error", err))
			return
		}
		if result.Operation == OperationBorrow {
			hf = snapshot.ProjectBorrow(value)
		} else {
			hf = snapshot.ProjectWithdraw(value)
		}
	}

	formatted := position.FormatHealthFactor(hf)
	result.ProjectedHealthFactor = formatted
	if math.IsInf(hf, 1) || hf >= o.floor {
		return
	}
	result.HighRisk = true
	audit.Warn("操作后健康因子低于安全阈值",
		slog.String("operation", string(result.Operation)),
		slog.String("health_factor", formatted),
		slog.String("floor", decimal.NewFromFloat(o.floor).String()),
	)
	o.alert(ctx, result.SequenceID, tok.Asset, xerrors.New(xerrors.CodeHealthFactorLow, "操作后健康因子低于安全阈值",
		xerrors.WithMetadata("operation", string(result.Operation)),
		xerrors.WithMetadata("health_factor", formatted)))
}

func (o *Operations) alert(ctx context.Context, sequenceID, asset string, err error) {
	if o.alerter == nil || !xerrors.ShouldAlert(err) {
		return
	}
	if nerr := o.alerter.Notify(ctx, alerting.FromError(sequenceID, asset, err)); nerr != nil {
		o.logger.Error("告警通知失败",
			slog.Any("error", nerr),
			slog.String("sequence_id", sequenceID),
		)
	}
}
