package sequencer

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"bbdfi/internal/allowance"
	"bbdfi/internal/balance"
	"bbdfi/internal/batch"
	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/execution"
	"bbdfi/internal/ledger"
	"bbdfi/internal/observability/alerting"
	"bbdfi/internal/observability/metrics"
	"bbdfi/internal/position"
	"bbdfi/internal/quote"
	"bbdfi/internal/web3"
	"bbdfi/pkg/logger"
)

// Settings 是编排的可调金额参数，基点以 10000 为分母。
type Settings struct {
	Mode Mode
	// MinLegAmount 源数量低于该值的分配会被跳过。
	MinLegAmount *big.Int
	// DepositBalanceBps 是存款阶段按观察余额存入的比例。
	DepositBalanceBps int64
	Batch             batch.Policy
	HealthFactorFloor float64
	PreviewBatch      bool
}

// DefaultSettings 存入观察余额的 95%，批量授权与存款缓冲为 110%/90%，
// 健康因子低于 1.5 时标记风险。
func DefaultSettings() Settings {
	return Settings{
		Mode:              ModeSequential,
		MinLegAmount:      big.NewInt(10_000),
		DepositBalanceBps: 9500,
		Batch:             batch.DefaultPolicy(),
		HealthFactorFloor: 1.5,
		PreviewBatch:      true,
	}
}

// Sequencer 将意图转换为有序的链上调用并报告每个分配的结果。
// 同一时间只允许一个编排执行。
type Sequencer struct {
	profile    web3.Profile
	runner     *execution.Runner
	quotes     quote.Provider
	allowances *allowance.Manager
	balances   *balance.Oracle
	batches    *batch.Executor
	positions  *position.Accessor
	guard      Guard
	alerter    alerting.Dispatcher
	metrics    *metrics.Registry
	settings   Settings
	logger     *slog.Logger
	newID      func() string
}

// Option 定义 Sequencer 的可选配置。
type Option func(*Sequencer)

// WithSettings 覆盖默认的金额参数。
func WithSettings(settings Settings) Option {
	return func(s *Sequencer) { s.settings = settings }
}

// WithGuard 替换互斥实现，例如跨进程的 Redis 锁。
func WithGuard(guard Guard) Option {
	return func(s *Sequencer) {
		if guard != nil {
			s.guard = guard
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(s *Sequencer) { s.alerter = dispatcher }
}

// WithMetrics 配置指标注册表。
func WithMetrics(registry *metrics.Registry) Option {
	return func(s *Sequencer) { s.metrics = registry }
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(s *Sequencer) {
		if log != nil {
			s.logger = log
		}
	}
}

// WithIDGenerator 替换编排 ID 生成器。
func WithIDGenerator(gen func() string) Option {
	return func(s *Sequencer) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithBalanceOracle 替换基于 runner 构造的余额查询。
func WithBalanceOracle(oracle *balance.Oracle) Option {
	return func(s *Sequencer) {
		if oracle != nil {
			s.balances = oracle
		}
	}
}

// New 创建 Sequencer。只依赖链访问的组件由 runner 与链配置构造。
func New(profile web3.Profile, runner *execution.Runner, quotes quote.Provider, opts ...Option) *Sequencer {
	s := &Sequencer{
		profile:  profile,
		runner:   runner,
		quotes:   quotes,
		guard:    NewLocalGuard(),
		settings: DefaultSettings(),
		logger:   logger.Named("sequencer"),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.allowances = allowance.NewManager(runner, allowance.WithLogger(s.logger))
	if s.balances == nil {
		s.balances = balance.NewOracle(runner.Chain(), runner.Account(), balance.WithLogger(s.logger))
	}
	s.batches = batch.NewExecutor(runner, profile.Contracts.Multicall3, batch.WithLogger(s.logger))
	s.positions = position.NewAccessor(runner.Chain(), profile.Contracts, position.WithLogger(s.logger))
	if s.settings.Mode == "" {
		s.settings.Mode = ModeSequential
	}
	if s.settings.MinLegAmount == nil {
		s.settings.MinLegAmount = new(big.Int)
	}
	return s
}

// Positions 返回绑定当前链配置的仓位读取器。
func (s *Sequencer) Positions() *position.Accessor { return s.positions }

// Execute 校验意图与源余额，并按指定模式执行兑换和存款阶段。
// 提交前的问题以错误返回，分配失败记录在结果中。
func (s *Sequencer) Execute(ctx context.Context, intent Intent) (*Result, error) {
	run, err := s.prepare(ctx, intent)
	if err != nil {
		return nil, err
	}
	defer run.release()

	result := run.result
	switch result.Mode {
	case ModeBatched:
		err = s.runBatched(ctx, run)
	default:
		s.runSequential(ctx, run)
		if len(result.Succeeded()) > 0 {
			result.Deposits, result.DepositErr = s.depositPhase(ctx, result.SequenceID, run.tokens)
		}
	}
	s.finish(ctx, result)
	return result, err
}

// Swap 只执行逐笔兑换阶段。
func (s *Sequencer) Swap(ctx context.Context, intent Intent) (*Result, error) {
	intent.Mode = ModeSequential
	run, err := s.prepare(ctx, intent)
	if err != nil {
		return nil, err
	}
	defer run.release()

	s.runSequential(ctx, run)
	s.finish(ctx, run.result)
	return run.result, nil
}

// Deposit 对列出的每个正余额资产存入 floor(balance × DepositBalanceBps / 10000)，
// 未列出资产时处理全部跟踪资产。没有任何余额时返回 NoDepositableBalance。
func (s *Sequencer) Deposit(ctx context.Context, assets ...string) (*Result, error) {
	if len(assets) == 0 {
		assets = s.profile.TrackedAssets
	}
	tokens, err := s.tokens(assets)
	if err != nil {
		return nil, err
	}
	release, err := s.guard.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	result := &Result{
		SequenceID: s.newID(),
		Mode:       s.settings.Mode,
		Origin:     OriginManual,
		StartedAt:  time.Now().UTC(),
	}
	deposits, err := s.depositPhase(ctx, result.SequenceID, tokens)
	if err != nil {
		s.metrics.ObserveSequence("deposit", "failed", time.Since(result.StartedAt))
		return nil, err
	}
	result.Deposits = deposits
	s.finish(ctx, result)
	return result, nil
}

type run struct {
	intent  Intent
	source  web3.Token
	tokens  []web3.Token
	shares  []shareToken
	result  *Result
	release func()
}

type shareToken struct {
	asset  string
	token  web3.Token
	amount *big.Int
}

// prepare 完成发送前的全部检查：意图校验、资产解析、互斥锁与源余额。
func (s *Sequencer) prepare(ctx context.Context, intent Intent) (*run, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	if intent.Mode == "" {
		intent.Mode = s.settings.Mode
	}
	if intent.Origin == "" {
		intent.Origin = OriginManual
	}

	source, err := s.profile.SourceToken()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "源资产未配置")
	}
	shares := intent.Shares()
	r := &run{intent: intent, source: source}
	for _, share := range shares {
		tok, err := s.profile.Token(share.Asset)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidAllocation, err, "分配中的资产在当前链上不可用",
				xerrors.WithMetadata("asset", share.Asset))
		}
		r.shares = append(r.shares, shareToken{asset: share.Asset, token: tok, amount: share.Amount})
		r.tokens = append(r.tokens, tok)
	}

	release, err := s.guard.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	held, err := s.balances.Balance(ctx, source)
	if err != nil {
		release()
		return nil, err
	}
	if held.Cmp(intent.SourceAmount) < 0 {
		release()
		return nil, xerrors.New(xerrors.CodeInsufficientSourceBalance, "源资产余额不足",
			xerrors.WithMetadata("token", source.Symbol),
			xerrors.WithMetadata("balance", held.String()),
			xerrors.WithMetadata("requested", intent.SourceAmount.String()))
	}

	r.release = release
	r.result = &Result{
		SequenceID: s.newID(),
		Mode:       intent.Mode,
		Origin:     intent.Origin,
		StartedAt:  time.Now().UTC(),
		intent:     intent,
	}
	logger.Sequence(r.result.SequenceID).Info("开始执行编排",
		slog.String("mode", string(intent.Mode)),
		slog.String("origin", string(intent.Origin)),
		slog.String("source", source.Symbol),
		slog.String("amount", intent.SourceAmount.String()),
		slog.Int("legs", len(r.shares)),
	)
	return r, nil
}

func (s *Sequencer) tokens(assets []string) ([]web3.Token, error) {
	tokens := make([]web3.Token, 0, len(assets))
	for _, asset := range assets {
		tok, err := s.profile.Token(asset)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "资产在当前链上不可用",
				xerrors.WithMetadata("asset", asset))
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

func (s *Sequencer) belowMinimum(amount *big.Int) bool {
	return amount.Cmp(s.settings.MinLegAmount) < 0 || amount.Sign() <= 0
}

func (s *Sequencer) swapKind(origin Origin) ledger.Kind {
	if origin == OriginDCA {
		return ledger.KindDCA
	}
	return ledger.KindSwap
}

// finish 读取执行后的仓位，记录指标并触发告警。
func (s *Sequencer) finish(ctx context.Context, result *Result) {
	result.FinishedAt = time.Now().UTC()
	audit := logger.Sequence(result.SequenceID)

	snapshot, err := s.positions.Snapshot(ctx, s.runner.Account())
	if err != nil {
		audit.Warn("读取借贷仓位失败", slog.Any("error", err))
	} else {
		result.Position = &snapshot
		result.HighRisk = snapshot.IsHighRisk(s.settings.HealthFactorFloor)
	}

	outcome := result.Outcome()
	s.metrics.ObserveSequence(string(result.Mode), outcome, result.FinishedAt.Sub(result.StartedAt))

	for _, leg := range result.Legs {
		if leg.Err != nil && leg.Status == StatusFailed {
			s.alert(ctx, result.SequenceID, leg.Asset, leg.Err)
		}
	}
	for _, dep := range result.Deposits {
		if dep.Err != nil && dep.Status == StatusFailed {
			s.alert(ctx, result.SequenceID, dep.Asset, dep.Err)
		}
	}
	if result.Batch != nil && result.Batch.Err != nil {
		s.alert(ctx, result.SequenceID, "", result.Batch.Err)
	}
	if result.HighRisk {
		hf := position.FormatHealthFactor(snapshot.HealthFactor())
		audit.Warn("健康因子低于安全阈值", slog.String("health_factor", hf))
		s.alert(ctx, result.SequenceID, "", xerrors.New(xerrors.CodeHealthFactorLow, "健康因子低于安全阈值",
			xerrors.WithMetadata("health_factor", hf)))
	}

	attrs := []any{
		slog.String("mode", string(result.Mode)),
		slog.String("outcome", outcome),
		slog.Int("succeeded", len(result.Succeeded())),
		slog.Int("failed", len(result.Failed())),
		slog.Int("skipped", len(result.Skipped())),
		slog.Int("deposits", len(result.Deposits)),
		slog.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)),
	}
	if result.Position != nil {
		attrs = append(attrs, slog.String("health_factor", position.FormatHealthFactor(result.Position.HealthFactor())))
	}
	audit.Info("编排执行结束", attrs...)
}

func (s *Sequencer) alert(ctx context.Context, sequenceID, asset string, err error) {
	if s.alerter == nil || !xerrors.ShouldAlert(err) {
		return
	}
	if nerr := s.alerter.Notify(ctx, alerting.FromError(sequenceID, asset, err)); nerr != nil {
		s.logger.Error("告警通知失败",
			slog.Any("error", nerr),
			slog.String("sequence_id", sequenceID),
		)
	}
}
