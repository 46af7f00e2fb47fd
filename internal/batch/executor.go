package batch

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/execution"
	"bbdfi/internal/web3"
	"bbdfi/internal/web3/contracts"
	"bbdfi/pkg/logger"
)

const (
	methodAggregate3      = "aggregate3"
	methodAggregate3Value = "aggregate3Value"
)

// CallOutcome 是批量内单个调用的最终结果。
type CallOutcome struct {
	Step     execution.Step
	RecordID string
	Success  bool
	Err      error
}

// Outcome 是一次批量提交的结果。
type Outcome struct {
	SequenceID string
	TxHash     common.Hash
	Calls      []CallOutcome
	// ResultsKnown 为 false 表示确认后无法回放逐项结果，
	// 此时每个调用都以 CALL_RESULT_UNKNOWN 记为未成功。
	ResultsKnown bool
	// Err 非空表示整笔交易失败：未提交、已回滚或未能按时确认。
	Err error
}

// Succeeded 判断交易本身是否已确认。
func (o *Outcome) Succeeded() bool { return o != nil && o.Err == nil }

// Failed 返回未成功的调用。
func (o *Outcome) Failed() []CallOutcome {
	if o == nil {
		return nil
	}
	var out []CallOutcome
	for _, call := range o.Calls {
		if !call.Success {
			out = append(out, call)
		}
	}
	return out
}

// Pending 是已提交、等待确认的批量。
type Pending struct {
	submission *execution.Submission
	call       web3.CallRequest
	method     string
}

// Hash 返回批量交易哈希。
func (p *Pending) Hash() common.Hash { return p.submission.Hash }

// Executor 将有序调用列表作为一笔 Multicall3 交易提交。
type Executor struct {
	runner    *execution.Runner
	reader    web3.Reader
	multicall common.Address
	logger    *slog.Logger
}

// Option 定义 Executor 的可选配置。
type Option func(*Executor)

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(e *Executor) {
		if log != nil {
			e.logger = log
		}
	}
}

// NewExecutor 创建 Executor。
func NewExecutor(runner *execution.Runner, multicall common.Address, opts ...Option) *Executor {
	e := &Executor{
		runner:    runner,
		reader:    runner.Chain(),
		multicall: multicall,
		logger:    logger.Named("batch"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Pack 将调用编码为 aggregate3；任一调用附带原生币时使用 aggregate3Value。
func (e *Executor) Pack(steps []execution.Step) (web3.CallRequest, string, error) {
	if err := Validate(steps); err != nil {
		return web3.CallRequest{}, "", err
	}
	if e.multicall == (common.Address{}) {
		return web3.CallRequest{}, "", xerrors.New(xerrors.CodeInvalidBatch, "未配置 Multicall3 合约地址")
	}

	withValue := false
	for _, step := range steps {
		if step.HasValue() {
			withValue = true
			break
		}
	}

	if !withValue {
		calls := make([]contracts.Call3, len(steps))
		for i, step := range steps {
			calls[i] = contracts.Call3{Target: step.Target, AllowFailure: step.AllowFailure, CallData: step.CallData}
		}
		data, err := contracts.PackAggregate3(calls)
		if err != nil {
			return web3.CallRequest{}, "", xerrors.Wrap(xerrors.CodeInvalidBatch, err, "编码 aggregate3 失败")
		}
		return web3.CallRequest{To: e.multicall, Data: data, Value: new(big.Int)}, methodAggregate3, nil
	}

	total := new(big.Int)
	calls := make([]contracts.Call3Value, len(steps))
	for i, step := range steps {
		value := step.Call().Value
		total.Add(total, value)
		calls[i] = contracts.Call3Value{Target: step.Target, AllowFailure: step.AllowFailure, Value: value, CallData: step.CallData}
	}
	data, err := contracts.PackAggregate3Value(calls)
	if err != nil {
		return web3.CallRequest{}, "", xerrors.Wrap(xerrors.CodeInvalidBatch, err, "编码 aggregate3Value 失败")
	}
	return web3.CallRequest{To: e.multicall, Data: data, Value: total}, methodAggregate3Value, nil
}

// Preview 基于最新状态模拟批量。回滚说明某个不容忍失败的调用会失败，
// 这类调用只有授权，因此报告为 ApprovalFailed。
func (e *Executor) Preview(ctx context.Context, steps []execution.Step) ([]contracts.Result, error) {
	call, method, err := e.Pack(steps)
	if err != nil {
		return nil, err
	}
	return e.preview(ctx, call, method)
}

func (e *Executor) preview(ctx context.Context, call web3.CallRequest, method string) ([]contracts.Result, error) {
	out, err := e.reader.Call(ctx, call, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeApprovalFailed, err, "批量交易预执行失败")
	}
	results, err := contracts.UnpackAggregate3(method, out)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "解析预执行结果失败")
	}
	return results, nil
}

// Submit 校验并发送批量。每个调用各自生成一条待确认记录，共享同一交易哈希。
func (e *Executor) Submit(ctx context.Context, sequenceID string, steps []execution.Step, preview bool) (*Pending, error) {
	call, method, err := e.Pack(steps)
	if err != nil {
		return nil, err
	}

	pending := &Pending{call: call, method: method}
	if preview {
		if _, err := e.preview(ctx, call, method); err != nil {
			logger.Sequence(sequenceID).Warn("批量交易预执行失败，未提交", slog.Any("error", err))
			return nil, err
		}
	}

	sub, err := e.runner.Submit(ctx, sequenceID, call, steps...)
	if err != nil {
		return nil, err
	}
	pending.submission = sub
	e.logger.Info("批量交易已提交",
		slog.String("sequence_id", sequenceID),
		slog.String("tx_hash", sub.Hash.Hex()),
		slog.String("method", method),
		slog.Int("calls", len(steps)),
	)
	return pending, nil
}

// Confirm 等待批量确认，并按逐调用的成功标志结算每条记录。
// 交易回滚或未确认时所有记录均记为失败。
func (e *Executor) Confirm(ctx context.Context, pending *Pending) *Outcome {
	sub := pending.submission
	outcome := &Outcome{SequenceID: sub.SequenceID, TxHash: sub.Hash}

	receipt, err := e.runner.Await(ctx, sub)
	if err != nil {
		outcome.Err = err
		for i, step := range sub.Steps {
			e.runner.Settle(ctx, sub, i, err)
			outcome.Calls = append(outcome.Calls, CallOutcome{Step: step, RecordID: sub.RecordIDs[i], Err: err})
		}
		return outcome
	}

	results := e.replay(ctx, pending, receipt.BlockNumber)
	outcome.ResultsKnown = len(results) == len(sub.Steps)
	if !outcome.ResultsKnown {
		e.logger.Warn("无法获取批量调用的逐项结果，按结果未知记录",
			slog.String("sequence_id", sub.SequenceID),
			slog.String("tx_hash", sub.Hash.Hex()),
		)
	}

	for i, step := range sub.Steps {
		call := CallOutcome{Step: step, RecordID: sub.RecordIDs[i]}
		switch {
		case !outcome.ResultsKnown:
			call.Err = xerrors.New(xerrors.CodeCallResultUnknown, fmt.Sprintf("批量内第 %d 个调用结果未知，需核对链上余额", i),
				callMetadata(step, sub.Hash)...)
		case !results[i].Success:
			call.Err = xerrors.New(failureCode(step.Intent), fmt.Sprintf("批量内第 %d 个调用失败", i),
				callMetadata(step, sub.Hash)...)
		default:
			call.Success = true
		}
		e.runner.Settle(ctx, sub, i, call.Err)
		outcome.Calls = append(outcome.Calls, call)
	}
	return outcome
}

// Execute 提交调用并等待结果。只有未提交任何交易时才返回错误。
func (e *Executor) Execute(ctx context.Context, sequenceID string, steps []execution.Step, preview bool) (*Outcome, error) {
	pending, err := e.Submit(ctx, sequenceID, steps, preview)
	if err != nil {
		return nil, err
	}
	return e.Confirm(ctx, pending), nil
}

// replay 在交易所在区块的前一状态上重放批量，读取逐调用的成功标志。
// 提交前的预执行基于不同状态，不能代替最终结果。
func (e *Executor) replay(ctx context.Context, pending *Pending, block *big.Int) []contracts.Result {
	if block == nil || block.Sign() <= 0 {
		return nil
	}
	parent := new(big.Int).Sub(block, big.NewInt(1))
	out, err := e.reader.Call(context.WithoutCancel(ctx), pending.call, parent)
	if err != nil {
		e.logger.Warn("回放批量交易失败", slog.String("tx_hash", pending.Hash().Hex()), slog.Any("error", err))
		return nil
	}
	results, err := contracts.UnpackAggregate3(pending.method, out)
	if err != nil {
		e.logger.Warn("解析回放结果失败", slog.String("tx_hash", pending.Hash().Hex()), slog.Any("error", err))
		return nil
	}
	return results
}

func callMetadata(step execution.Step, hash common.Hash) []xerrors.Option {
	return []xerrors.Option{
		xerrors.WithMetadata("intent", string(step.Intent)),
		xerrors.WithMetadata("asset", step.Asset),
		xerrors.WithMetadata("tx_hash", hash.Hex()),
	}
}

func failureCode(intent execution.Intent) xerrors.Code {
	switch intent {
	case execution.IntentApprove:
		return xerrors.CodeApprovalFailed
	case execution.IntentSwap:
		return xerrors.CodeSwapFailed
	case execution.IntentDeposit:
		return xerrors.CodeDepositFailed
	default:
		return xerrors.CodeTransactionReverted
	}
}
