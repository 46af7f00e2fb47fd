package sequencer

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"bbdfi/internal/batch"
	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/position"
)

// Status 表示单个分配或存款的执行状态。
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// LegResult 记录单个分配的兑换结果。
type LegResult struct {
	Asset        string      `json:"asset"`
	Token        string      `json:"token,omitempty"`
	SourceAmount *big.Int    `json:"source_amount"`
	Expected     *big.Int    `json:"expected_amount,omitempty"`
	Status       Status      `json:"status"`
	Approved     bool        `json:"approved"`
	TxHash       common.Hash `json:"tx_hash"`
	RecordIDs    []string    `json:"record_ids,omitempty"`
	Err          error       `json:"-"`
}

// DepositResult 记录单个资产存入借贷池的结果。
type DepositResult struct {
	Asset     string      `json:"asset"`
	Token     string      `json:"token"`
	Observed  *big.Int    `json:"observed_balance"`
	Amount    *big.Int    `json:"amount"`
	Status    Status      `json:"status"`
	TxHash    common.Hash `json:"tx_hash"`
	RecordIDs []string    `json:"record_ids,omitempty"`
	Err       error       `json:"-"`
}

// errorFields 将分配或存款的错误写入 JSON。
type errorFields struct {
	ErrorCode xerrors.Code `json:"error_code,omitempty"`
	Error     string       `json:"error,omitempty"`
}

func errorFieldsOf(err error) errorFields {
	if err == nil {
		return errorFields{}
	}
	return errorFields{ErrorCode: xerrors.CodeOf(err), Error: err.Error()}
}

// MarshalJSON 为失败或跳过的分配附加错误码与错误信息。
func (l LegResult) MarshalJSON() ([]byte, error) {
	type plain LegResult
	return json.Marshal(struct {
		plain
		errorFields
	}{plain(l), errorFieldsOf(l.Err)})
}

// MarshalJSON 为失败的存款附加错误码与错误信息。
func (d DepositResult) MarshalJSON() ([]byte, error) {
	type plain DepositResult
	return json.Marshal(struct {
		plain
		errorFields
	}{plain(d), errorFieldsOf(d.Err)})
}

// Result 汇报一次编排中每个分配的结果，用于区分部分成功与全部失败。
type Result struct {
	SequenceID string                    `json:"sequence_id"`
	Mode       Mode                      `json:"mode"`
	Origin     Origin                    `json:"origin"`
	Legs       []LegResult               `json:"legs"`
	Deposits   []DepositResult           `json:"deposits"`
	DepositErr error                     `json:"-"`
	Batch      *batch.Outcome            `json:"-"`
	Position   *position.AccountSnapshot `json:"position,omitempty"`
	HighRisk   bool                      `json:"high_risk"`
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt time.Time                 `json:"finished_at"`

	intent Intent
}

// Succeeded 返回兑换已确认的分配。
func (r *Result) Succeeded() []LegResult { return r.legs(StatusSucceeded) }

// Failed 返回已尝试但失败的分配。
func (r *Result) Failed() []LegResult { return r.legs(StatusFailed) }

// Skipped 返回从未提交的分配。
func (r *Result) Skipped() []LegResult { return r.legs(StatusSkipped) }

// Partial 判断是否部分分配成功、部分未成功。
func (r *Result) Partial() bool {
	ok := len(r.Succeeded())
	return ok > 0 && ok < len(r.Legs)
}

// Outcome 汇总编排结果，用于指标与日志。
func (r *Result) Outcome() string {
	switch {
	case len(r.Legs) == 0 && len(r.Deposits) == 0:
		return "empty"
	case len(r.Legs) == 0:
		if r.DepositErr != nil || r.depositFailures() > 0 {
			return "failed"
		}
		return "succeeded"
	case r.Partial():
		return "partial"
	case len(r.Succeeded()) == 0:
		return "failed"
	case r.depositFailures() > 0:
		return "partial"
	default:
		return "succeeded"
	}
}

// RetryIntent 只为失败和跳过的分配构造新意图，并沿用原始源数量。
// 没有可重试的分配时返回 false。重试基于届时观察到的余额与授权执行。
func (r *Result) RetryIntent() (Intent, bool) {
	amounts := make(map[string]*big.Int)
	total := new(big.Int)
	for _, leg := range r.Legs {
		if leg.Status == StatusSucceeded || leg.SourceAmount == nil || leg.SourceAmount.Sign() <= 0 {
			continue
		}
		amounts[leg.Asset] = new(big.Int).Set(leg.SourceAmount)
		total.Add(total, leg.SourceAmount)
	}
	if len(amounts) == 0 {
		return Intent{}, false
	}
	return Intent{
		SourceAmount: total,
		Allocation:   r.intent.Allocation,
		Mode:         r.Mode,
		Origin:       r.Origin,
		LegAmounts:   amounts,
	}, true
}

func (r *Result) legs(status Status) []LegResult {
	var out []LegResult
	for _, leg := range r.Legs {
		if leg.Status == status {
			out = append(out, leg)
		}
	}
	return out
}

func (r *Result) depositFailures() int {
	n := 0
	for _, d := range r.Deposits {
		if d.Status == StatusFailed {
			n++
		}
	}
	return n
}
