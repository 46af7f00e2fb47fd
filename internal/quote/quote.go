package quote

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"bbdfi/internal/web3"
	"bbdfi/internal/web3/contracts"
)

// Request 描述一次兑换报价请求。
type Request struct {
	From        common.Address
	Source      web3.Token
	Destination web3.Token
	Amount      *big.Int
}

// SwapQuote 是聚合器返回的可执行兑换描述。报价仅供参考，每次编排都重新获取，不缓存。
type SwapQuote struct {
	Source       web3.Token
	Destination  web3.Token
	SourceAmount *big.Int
	// ExpectedDestinationAmount 为 nil 表示聚合器没有给出预估输出。
	ExpectedDestinationAmount *big.Int
	Call                      web3.CallRequest
	Gas                       uint64
	Approval                  *web3.CallRequest
	Warning                   string
	FetchedAt                 time.Time
}

// Target 返回兑换调用的目标合约（路由器）。
func (q *SwapQuote) Target() common.Address { return q.Call.To }

// Spender 返回需要获得源代币授权的地址。报价带有授权调用时取其 approve 的
// spender，否则为路由器。
func (q *SwapQuote) Spender() common.Address {
	if q.Approval != nil {
		if spender, _, err := contracts.DecodeApprove(q.Approval.Data); err == nil {
			return spender
		}
	}
	return q.Target()
}

// Provider 提供兑换报价。
type Provider interface {
	Quote(ctx context.Context, req Request) (*SwapQuote, error)
}
