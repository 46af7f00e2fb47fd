package ledger

import (
	"math/big"

	xerrors "bbdfi/internal/errors"
)

// Kind 表示交易记录的业务类型。
type Kind string

const (
	KindApprove  Kind = "approve"
	KindSwap     Kind = "swap"
	KindDeposit  Kind = "deposit"
	KindBorrow   Kind = "borrow"
	KindRepay    Kind = "repay"
	KindWithdraw Kind = "withdraw"
	// KindDCA 标记由定投计划发起的兑换。
	KindDCA Kind = "dca"
)

// Status 表示交易记录的生命周期状态，只允许 pending → confirmed|failed。
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// IsValidStatus 判断 status 是否为已知状态。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusConfirmed, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal 判断 status 是否为终态。
func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// TransactionRecord 是一次提交（或尝试提交）的链上交易的追加式记录。
type TransactionRecord struct {
	ID         string   `json:"id"`
	SequenceID string   `json:"sequence_id,omitempty"`
	Kind       Kind     `json:"kind"`
	Asset      string   `json:"asset"`
	Token      string   `json:"token,omitempty"`
	Amount     *big.Int `json:"amount"`
	TxHash     string   `json:"tx_hash,omitempty"`
	Status     Status   `json:"status"`
	Error      string   `json:"error,omitempty"`
	ErrorCode  string   `json:"error_code,omitempty"`
	CreatedAt  int64    `json:"created_at"`
	UpdatedAt  int64    `json:"updated_at"`
}

// Clone 返回深拷贝，调用方不会与存储共享 Amount。
func (r *TransactionRecord) Clone() *TransactionRecord {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Amount != nil {
		clone.Amount = new(big.Int).Set(r.Amount)
	}
	return &clone
}

const (
	CodeRecordNotFound xerrors.Code = "RECORD_NOT_FOUND"
	CodeRecordInvalid  xerrors.Code = "RECORD_INVALID"
)

var (
	// ErrRecordNotFound 表示指定的交易记录不存在。
	ErrRecordNotFound = xerrors.New(CodeRecordNotFound, "transaction record not found")
	// ErrRecordFinalized 表示记录已处于终态，不可再修改。
	ErrRecordFinalized = xerrors.New(xerrors.CodeRecordFinalized, "transaction record already finalized")
	// ErrRecordConflict 表示记录 ID 重复。
	ErrRecordConflict = xerrors.New(xerrors.CodeConflict, "transaction record already exists")
)

func init() {
	xerrors.Register(CodeRecordNotFound, xerrors.Attributes{
		Message:  "transaction record not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRecordInvalid, xerrors.Attributes{
		Message:  "transaction record invalid",
		Severity: xerrors.SeverityWarning,
	})
}

func validateNew(record *TransactionRecord) error {
	if record == nil {
		return xerrors.New(CodeRecordInvalid, "record 不能为空")
	}
	if record.ID == "" {
		return xerrors.New(CodeRecordInvalid, "记录 ID 不能为空")
	}
	if record.Kind == "" {
		return xerrors.New(CodeRecordInvalid, "记录类型不能为空")
	}
	if record.Status == "" {
		record.Status = StatusPending
	}
	if record.Status != StatusPending {
		return xerrors.New(CodeRecordInvalid, "新记录必须处于 pending 状态")
	}
	return nil
}

func validateFinal(status Status) error {
	if !status.IsTerminal() {
		return xerrors.Newf(CodeRecordInvalid, "无效的终态: %s", status)
	}
	return nil
}
