package sequencer

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"bbdfi/internal/batch"
	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/execution"
	"bbdfi/internal/quote"
	"bbdfi/pkg/logger"
)

// runBatched 先为每个分配获取报价，再在一笔 Multicall3 交易中完成全部兑换与存款。
// 缺少任一报价时批量无法构造，直接中止且不发送任何交易。
func (s *Sequencer) runBatched(ctx context.Context, r *run) error {
	seqID := r.result.SequenceID
	audit := logger.Sequence(seqID)

	var (
		quotes  []*quote.SwapQuote
		indexes = make(map[string]int)
	)
	for _, share := range r.shares {
		leg := LegResult{Asset: share.asset, Token: share.token.Symbol, SourceAmount: share.amount, Status: StatusSkipped}
		if s.belowMinimum(share.amount) {
			r.result.Legs = append(r.result.Legs, leg)
			continue
		}
		q, err := s.quotes.Quote(ctx, quote.Request{
			From:        s.runner.Account(),
			Source:      r.source,
			Destination: share.token,
			Amount:      share.amount,
		})
		if err == nil && (q.ExpectedDestinationAmount == nil || q.ExpectedDestinationAmount.Sign() <= 0) {
			err = xerrors.New(xerrors.CodeQuoteUnavailable, "报价缺少预期输出数量")
		}
		if err != nil {
			if !xerrors.HasCode(err, xerrors.CodeQuoteUnavailable) {
				err = xerrors.Wrap(xerrors.CodeQuoteUnavailable, err, "获取兑换报价失败")
			}
			leg.Err = err
			r.result.Legs = append(r.result.Legs, leg)
			audit.Warn("报价不可用，放弃构建批量交易", slog.String("asset", share.asset), slog.Any("error", err))
			return s.abortBatch(r, err)
		}
		leg.Expected = q.ExpectedDestinationAmount
		indexes[share.asset] = len(r.result.Legs)
		r.result.Legs = append(r.result.Legs, leg)
		quotes = append(quotes, q)
	}
	if len(quotes) == 0 {
		return xerrors.New(xerrors.CodeInvalidBatch, "没有达到最小数量的分配，批量为空")
	}

	covered, err := s.coveredRouters(ctx, r, quotes)
	if err != nil {
		return s.abortBatch(r, err)
	}
	plan, err := batch.Build(batch.PlanInput{
		Source:     r.source,
		Quotes:     quotes,
		Pool:       s.profile.Contracts.LendingPool,
		OnBehalfOf: s.runner.Account(),
		Covered:    covered,
	}, s.settings.Batch)
	if err != nil {
		return s.abortBatch(r, err)
	}
	for i := range plan.Steps {
		if plan.Steps[i].Intent == execution.IntentSwap {
			plan.Steps[i].Kind = s.swapKind(r.intent.Origin)
		}
	}

	outcome, err := s.batches.Execute(ctx, seqID, plan.Steps, s.settings.PreviewBatch)
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeInvalidBatch) {
			return s.abortBatch(r, err)
		}
		// 预执行失败或提交失败：整批未上链，所有分配记为失败。
		s.failLegs(r, quotes, err)
		return nil
	}
	r.result.Batch = outcome
	s.applyBatch(r, plan, indexes, outcome)
	return nil
}

// coveredRouters 标记现有授权已覆盖其全部兑换额度的 spender，
// 这些 spender 不再追加无限授权。
func (s *Sequencer) coveredRouters(ctx context.Context, r *run, quotes []*quote.SwapQuote) (map[common.Address]bool, error) {
	totals := make(map[common.Address]*big.Int)
	for _, q := range quotes {
		total, ok := totals[q.Spender()]
		if !ok {
			total = new(big.Int)
			totals[q.Spender()] = total
		}
		total.Add(total, q.SourceAmount)
	}
	covered := make(map[common.Address]bool, len(totals))
	for router, total := range totals {
		needed, err := s.allowances.Needed(ctx, r.source, router, total)
		if err != nil {
			return nil, err
		}
		covered[router] = !needed
	}
	return covered, nil
}

func (s *Sequencer) abortBatch(r *run, err error) error {
	for i := range r.result.Legs {
		if r.result.Legs[i].Err == nil {
			r.result.Legs[i].Status = StatusSkipped
			r.result.Legs[i].Err = err
		}
	}
	return err
}

func (s *Sequencer) failLegs(r *run, quotes []*quote.SwapQuote, err error) {
	quoted := make(map[string]bool, len(quotes))
	for _, q := range quotes {
		quoted[q.Destination.Asset] = true
	}
	for i := range r.result.Legs {
		if quoted[r.result.Legs[i].Asset] {
			r.result.Legs[i].Status = StatusFailed
			r.result.Legs[i].Err = err
		}
	}
}

// applyBatch 将逐调用结果映射回各分配与存款。
func (s *Sequencer) applyBatch(r *run, plan *batch.Plan, indexes map[string]int, outcome *batch.Outcome) {
	for _, planned := range plan.Legs {
		idx, ok := indexes[planned.Asset]
		if !ok {
			continue
		}
		leg := &r.result.Legs[idx]
		leg.TxHash = outcome.TxHash
		leg.Approved = plan.RouterApprovals > 0

		swap := callAt(outcome, planned.SwapIndex)
		approve := callAt(outcome, planned.ApproveIndex)
		supply := callAt(outcome, planned.DepositIndex)
		leg.RecordIDs = append(leg.RecordIDs, swap.RecordID, approve.RecordID, supply.RecordID)

		if outcome.Err != nil {
			leg.Status = StatusFailed
			leg.Err = outcome.Err
		} else if !swap.Success {
			leg.Status = StatusFailed
			leg.Err = swap.Err
		} else {
			leg.Status = StatusSucceeded
		}

		dep := DepositResult{
			Asset:     planned.Asset,
			Token:     planned.Quote.Destination.Symbol,
			Amount:    planned.DepositAmount,
			TxHash:    outcome.TxHash,
			RecordIDs: []string{approve.RecordID, supply.RecordID},
		}
		switch {
		case outcome.Err != nil:
			dep.Status, dep.Err = StatusFailed, outcome.Err
		case !approve.Success:
			dep.Status, dep.Err = StatusFailed, approve.Err
		case !supply.Success:
			dep.Status, dep.Err = StatusFailed, supply.Err
		default:
			dep.Status = StatusSucceeded
		}
		r.result.Deposits = append(r.result.Deposits, dep)
	}
}

func callAt(outcome *batch.Outcome, i int) batch.CallOutcome {
	if i < 0 || i >= len(outcome.Calls) {
		return batch.CallOutcome{}
	}
	return outcome.Calls[i]
}
