package execution

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/ledger"
	"bbdfi/internal/web3"
)

// Intent 是步骤的可读用途。
type Intent string

const (
	IntentApprove  Intent = "approve"
	IntentSwap     Intent = "swap"
	IntentDeposit  Intent = "deposit"
	IntentBorrow   Intent = "borrow"
	IntentRepay    Intent = "repay"
	IntentWithdraw Intent = "withdraw"
)

// Step 是编排中的单个待执行合约调用。
type Step struct {
	Target       common.Address
	CallData     []byte
	Value        *big.Int
	AllowFailure bool
	Intent       Intent
	// Kind 覆盖由 Intent 推导的账本类型。
	Kind   ledger.Kind
	Asset  string
	Token  string
	Amount *big.Int
}

// Call 返回执行该步骤的调用请求。
func (s Step) Call() web3.CallRequest {
	value := s.Value
	if value == nil {
		value = new(big.Int)
	}
	return web3.CallRequest{To: s.Target, Data: s.CallData, Value: value}
}

// LedgerKind 返回该步骤写入账本的记录类型。
func (s Step) LedgerKind() ledger.Kind {
	if s.Kind != "" {
		return s.Kind
	}
	switch s.Intent {
	case IntentApprove:
		return ledger.KindApprove
	case IntentSwap:
		return ledger.KindSwap
	case IntentDeposit:
		return ledger.KindDeposit
	case IntentBorrow:
		return ledger.KindBorrow
	case IntentRepay:
		return ledger.KindRepay
	case IntentWithdraw:
		return ledger.KindWithdraw
	default:
		return ledger.Kind(s.Intent)
	}
}

// HasValue 判断步骤是否附带原生币。
func (s Step) HasValue() bool {
	return s.Value != nil && s.Value.Sign() > 0
}

func (s Step) validate() error {
	if s.Target == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "步骤缺少调用目标")
	}
	if len(s.CallData) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "步骤缺少调用数据")
	}
	if s.Intent == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "步骤缺少意图标签")
	}
	return nil
}
