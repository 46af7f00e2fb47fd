package sequencer

import (
	"context"
	"log/slog"
	"math/big"

	"bbdfi/internal/allowance"
	"bbdfi/internal/balance"
	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/execution"
	"bbdfi/internal/web3"
	"bbdfi/internal/web3/contracts"
	"bbdfi/pkg/logger"
)

// Haircut 返回 floor(observed × bps / 10000)，结果不超过 observed。
func Haircut(observed *big.Int, bps int64) *big.Int {
	if observed == nil || observed.Sign() <= 0 || bps <= 0 {
		return new(big.Int)
	}
	amount := new(big.Int).Mul(observed, big.NewInt(bps))
	amount.Quo(amount, big.NewInt(10000))
	if amount.Cmp(observed) > 0 {
		return new(big.Int).Set(observed)
	}
	return amount
}

// depositPhase 重新读取余额，对每个正余额按比例存入借贷池。
// 金额始终取自链上，重复执行不会重复花费同一笔余额。
func (s *Sequencer) depositPhase(ctx context.Context, seqID string, tokens []web3.Token) ([]DepositResult, error) {
	holdings, err := s.balances.Balances(ctx, tokens)
	if err != nil {
		return nil, err
	}
	positive := 0
	for _, h := range holdings {
		if h.Positive() {
			positive++
		}
	}
	if positive == 0 {
		logger.Sequence(seqID).Info("没有可存入的余额")
		return nil, xerrors.New(xerrors.CodeNoDepositableBalance, "所有跟踪资产余额为零，无需存款")
	}

	results := make([]DepositResult, 0, len(holdings))
	for _, h := range holdings {
		results = append(results, s.depositOne(ctx, seqID, h))
	}
	return results, nil
}

func (s *Sequencer) depositOne(ctx context.Context, seqID string, h balance.Holding) DepositResult {
	audit := logger.Sequence(seqID)
	dep := DepositResult{Asset: h.Token.Asset, Token: h.Token.Symbol, Observed: h.Amount, Amount: new(big.Int)}
	if !h.Positive() {
		dep.Status = StatusSkipped
		return dep
	}
	dep.Amount = Haircut(h.Amount, s.settings.DepositBalanceBps)
	if dep.Amount.Sign() == 0 {
		dep.Status = StatusSkipped
		return dep
	}

	pool := s.profile.Contracts.LendingPool
	decision, err := s.allowances.Ensure(ctx, seqID, allowance.Requirement{
		Token:   h.Token,
		Spender: pool,
		Amount:  dep.Amount,
	})
	if decision.Outcome != nil && decision.Outcome.RecordID != "" {
		dep.RecordIDs = append(dep.RecordIDs, decision.Outcome.RecordID)
	}
	if err != nil {
		dep.Status = StatusFailed
		dep.Err = err
		return dep
	}

	data, err := contracts.PackSupply(h.Token.Address, dep.Amount, s.runner.Account())
	if err != nil {
		dep.Status = StatusFailed
		dep.Err = xerrors.Wrap(xerrors.CodeDepositFailed, err, "构造存款调用失败")
		return dep
	}
	outcome := s.runner.Run(ctx, seqID, execution.Step{
		Target:   pool,
		CallData: data,
		Intent:   execution.IntentDeposit,
		Asset:    h.Token.Asset,
		Token:    h.Token.Symbol,
		Amount:   dep.Amount,
	})
	if outcome.RecordID != "" {
		dep.RecordIDs = append(dep.RecordIDs, outcome.RecordID)
	}
	dep.TxHash = outcome.TxHash
	if outcome.Err != nil {
		dep.Status = StatusFailed
		dep.Err = outcome.Err
		if !xerrors.HasCode(outcome.Err, xerrors.CodeTransactionTimedOut) {
			dep.Err = xerrors.Wrap(xerrors.CodeDepositFailed, outcome.Err, "存款交易失败",
				xerrors.WithMetadata("asset", h.Token.Asset))
		}
		return dep
	}

	dep.Status = StatusSucceeded
	audit.Info("存款完成",
		slog.String("asset", h.Token.Asset),
		slog.String("observed", h.Amount.String()),
		slog.String("amount", dep.Amount.String()),
		slog.String("tx_hash", outcome.TxHash.Hex()),
	)
	return dep
}
