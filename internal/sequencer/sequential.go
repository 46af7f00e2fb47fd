package sequencer

import (
	"context"
	"log/slog"

	"bbdfi/internal/allowance"
	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/execution"
	"bbdfi/internal/quote"
	"bbdfi/pkg/logger"
)

// runSequential 按分配顺序逐个兑换，单个分配失败不影响后续分配。
func (s *Sequencer) runSequential(ctx context.Context, r *run) {
	for _, share := range r.shares {
		leg := s.swapLeg(ctx, r, share)
		r.result.Legs = append(r.result.Legs, leg)
	}
}

// swapLeg 为单个分配报价、授权并兑换，每笔交易确认后才发送依赖它的交易。
func (s *Sequencer) swapLeg(ctx context.Context, r *run, share shareToken) LegResult {
	seqID := r.result.SequenceID
	audit := logger.Sequence(seqID)
	leg := LegResult{Asset: share.asset, Token: share.token.Symbol, SourceAmount: share.amount}

	if s.belowMinimum(share.amount) {
		leg.Status = StatusSkipped
		audit.Info("分配数量低于最小值，跳过",
			slog.String("asset", share.asset),
			slog.String("amount", share.amount.String()),
			slog.String("minimum", s.settings.MinLegAmount.String()),
		)
		return leg
	}

	q, err := s.quotes.Quote(ctx, quote.Request{
		From:        s.runner.Account(),
		Source:      r.source,
		Destination: share.token,
		Amount:      share.amount,
	})
	if err != nil {
		if !xerrors.HasCode(err, xerrors.CodeQuoteUnavailable) {
			err = xerrors.Wrap(xerrors.CodeQuoteUnavailable, err, "获取兑换报价失败",
				xerrors.WithMetadata("asset", share.asset))
		}
		leg.Status = StatusSkipped
		leg.Err = err
		audit.Warn("报价不可用，跳过该分配", slog.String("asset", share.asset), slog.Any("error", err))
		return leg
	}
	leg.Expected = q.ExpectedDestinationAmount
	if q.Warning != "" {
		audit.Warn("报价附带警告", slog.String("asset", share.asset), slog.String("warning", q.Warning))
	}

	decision, err := s.allowances.Ensure(ctx, seqID, allowance.Requirement{
		Token:    r.source,
		Spender:  q.Spender(),
		Amount:   share.amount,
		Approval: q.Approval,
	})
	if decision.Outcome != nil && decision.Outcome.RecordID != "" {
		leg.RecordIDs = append(leg.RecordIDs, decision.Outcome.RecordID)
	}
	if err != nil {
		leg.Status = StatusFailed
		leg.Err = err
		return leg
	}
	leg.Approved = !decision.Skipped

	outcome := s.runner.Run(ctx, seqID, execution.Step{
		Target:   q.Call.To,
		CallData: q.Call.Data,
		Value:    q.Call.Value,
		Intent:   execution.IntentSwap,
		Kind:     s.swapKind(r.intent.Origin),
		Asset:    share.asset,
		Token:    r.source.Symbol,
		Amount:   share.amount,
	})
	if outcome.RecordID != "" {
		leg.RecordIDs = append(leg.RecordIDs, outcome.RecordID)
	}
	leg.TxHash = outcome.TxHash
	if outcome.Err != nil {
		leg.Status = StatusFailed
		leg.Err = outcome.Err
		if !xerrors.HasCode(outcome.Err, xerrors.CodeTransactionTimedOut) {
			leg.Err = xerrors.Wrap(xerrors.CodeSwapFailed, outcome.Err, "兑换交易失败",
				xerrors.WithMetadata("asset", share.asset))
		}
		return leg
	}

	leg.Status = StatusSucceeded
	audit.Info("兑换完成",
		slog.String("asset", share.asset),
		slog.String("source_amount", share.amount.String()),
		slog.String("tx_hash", outcome.TxHash.Hex()),
	)
	return leg
}
