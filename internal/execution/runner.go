package execution

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/ledger"
	"bbdfi/internal/observability/metrics"
	"bbdfi/internal/web3"
	"bbdfi/pkg/logger"
)

// Outcome 是单个步骤的最终结果。
type Outcome struct {
	RecordID string
	Step     Step
	TxHash   common.Hash
	Receipt  *types.Receipt
	Err      error
}

// Succeeded 判断步骤是否已在链上确认。
func (o Outcome) Succeeded() bool { return o.Err == nil }

// Submission 是节点已接受的交易及其需要结算的账本记录。
// 批量交易中多个步骤共享同一个 Submission。
type Submission struct {
	SequenceID string
	Hash       common.Hash
	Steps      []Step
	RecordIDs  []string

	confirmation *web3.Confirmation
}

// Confirmation 返回交易的待确认句柄。
func (s *Submission) Confirmation() *web3.Confirmation { return s.confirmation }

// Runner 提交步骤、同步账本并等待确认，是唯一发送交易的组件。
type Runner struct {
	chain   web3.Chain
	ledger  *ledger.Ledger
	watch   web3.WatchOptions
	metrics *metrics.Registry
	logger  *slog.Logger
	newID   func() string
}

// Option 定义 Runner 的可选配置。
type Option func(*Runner)

// WithWatchOptions 限定确认等待的轮询间隔与超时。
func WithWatchOptions(opts web3.WatchOptions) Option {
	return func(r *Runner) { r.watch = opts }
}

// WithMetrics 配置指标注册表。
func WithMetrics(registry *metrics.Registry) Option {
	return func(r *Runner) { r.metrics = registry }
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.logger = log
		}
	}
}

// WithIDGenerator 替换记录 ID 生成器。
func WithIDGenerator(gen func() string) Option {
	return func(r *Runner) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// NewRunner 创建 Runner。
func NewRunner(chain web3.Chain, l *ledger.Ledger, opts ...Option) *Runner {
	r := &Runner{
		chain:  chain,
		ledger: l,
		logger: logger.Named("execution"),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Chain 返回提交步骤的链。
func (r *Runner) Chain() web3.Chain { return r.chain }

// Account 返回提交交易的账户。
func (r *Runner) Account() common.Address { return r.chain.Account() }

// Run 提交步骤、等待确认并结算其记录。
func (r *Runner) Run(ctx context.Context, sequenceID string, step Step) Outcome {
	sub, err := r.Submit(ctx, sequenceID, step.Call(), step)
	if err != nil {
		outcome := Outcome{Step: step, Err: err}
		if sub != nil {
			outcome.RecordID = sub.RecordIDs[0]
		}
		return outcome
	}
	receipt, err := r.Await(ctx, sub)
	r.Settle(ctx, sub, 0, err)
	return Outcome{
		RecordID: sub.RecordIDs[0],
		Step:     step,
		TxHash:   sub.Hash,
		Receipt:  receipt,
		Err:      err,
	}
}

// Submit 为每个步骤追加一条待确认记录，只发送一次调用并把哈希写入每条记录。
// 发送失败时记录以 SubmissionFailed 结算，仍返回 Submission 以便调用方获取记录 ID。
func (r *Runner) Submit(ctx context.Context, sequenceID string, call web3.CallRequest, steps ...Step) (*Submission, error) {
	if len(steps) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "提交时至少需要一个步骤")
	}
	for _, step := range steps {
		if err := step.validate(); err != nil {
			return nil, err
		}
	}

	sub := &Submission{SequenceID: sequenceID, Steps: steps}
	for _, step := range steps {
		record := &ledger.TransactionRecord{
			ID:         r.newID(),
			SequenceID: sequenceID,
			Kind:       step.LedgerKind(),
			Asset:      step.Asset,
			Token:      step.Token,
			Amount:     cloneAmount(step.Amount),
		}
		if err := r.ledger.Append(ctx, record); err != nil {
			r.failAll(ctx, sub, err)
			return nil, err
		}
		sub.RecordIDs = append(sub.RecordIDs, record.ID)
	}

	hash, err := r.chain.Send(ctx, call)
	if err != nil {
		if !xerrors.HasCode(err, xerrors.CodeSubmissionFailed) {
			err = xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "交易提交失败",
				xerrors.WithMetadata("intent", string(steps[0].Intent)),
				xerrors.WithMetadata("target", call.To.Hex()))
		}
		r.failAll(ctx, sub, err)
		return sub, err
	}
	sub.Hash = hash

	// 交易已经上链，后续记账不能因调用方取消而中断。
	persist := context.WithoutCancel(ctx)
	for _, id := range sub.RecordIDs {
		if err := r.ledger.SetHash(persist, id, hash.Hex()); err != nil {
			r.logger.Error("写入交易哈希失败",
				slog.String("record_id", id),
				slog.String("tx_hash", hash.Hex()),
				slog.Any("error", err),
			)
		}
	}
	for _, step := range steps {
		logger.Sequence(sequenceID).Info("交易已提交",
			slog.String("intent", string(step.Intent)),
			slog.String("asset", step.Asset),
			slog.String("amount", amountString(step.Amount)),
			slog.Bool("allow_failure", step.AllowFailure),
			slog.String("tx_hash", hash.Hex()),
		)
	}
	sub.confirmation = web3.Watch(ctx, r.chain, hash, r.watch)
	return sub, nil
}

// Await 阻塞直到交易确认、回滚或超时。取消 ctx 只会停止等待，
// 此时结果未知，返回 TransactionTimedOut。
func (r *Runner) Await(ctx context.Context, sub *Submission) (*types.Receipt, error) {
	if sub == nil || sub.confirmation == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "提交记录无效")
	}
	return sub.confirmation.Wait(ctx)
}

// Settle 结算第 i 个步骤的记录：err 为 nil 时确认，否则以其错误码记为失败。
func (r *Runner) Settle(ctx context.Context, sub *Submission, i int, err error) {
	if sub == nil || i < 0 || i >= len(sub.RecordIDs) {
		return
	}
	persist := context.WithoutCancel(ctx)
	id := sub.RecordIDs[i]
	step := sub.Steps[i]

	if err == nil {
		if lerr := r.ledger.Confirm(persist, id); lerr != nil {
			r.logger.Error("确认交易记录失败", slog.String("record_id", id), slog.Any("error", lerr))
		}
		r.metrics.ObserveStep(string(step.Intent), string(ledger.StatusConfirmed))
		return
	}

	code := xerrors.CodeOf(err)
	if lerr := r.ledger.Fail(persist, id, string(code), err.Error()); lerr != nil {
		r.logger.Error("标记交易记录失败出错", slog.String("record_id", id), slog.Any("error", lerr))
	}
	r.metrics.ObserveStep(string(step.Intent), string(ledger.StatusFailed))
	r.logger.Warn("交易步骤失败",
		slog.String("sequence_id", sub.SequenceID),
		slog.String("intent", string(step.Intent)),
		slog.String("asset", step.Asset),
		slog.String("tx_hash", hashString(sub.Hash)),
		slog.String("code", string(code)),
		slog.Any("error", err),
	)
}

func (r *Runner) failAll(ctx context.Context, sub *Submission, err error) {
	for i := range sub.RecordIDs {
		r.Settle(ctx, sub, i, err)
	}
}

func cloneAmount(amount *big.Int) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(amount)
}

func amountString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func hashString(hash common.Hash) string {
	if hash == (common.Hash{}) {
		return ""
	}
	return hash.Hex()
}
