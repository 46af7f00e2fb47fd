package contracts

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Call3 is one aggregate3 entry.
type Call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// Call3Value is one aggregate3Value entry.
type Call3Value struct {
	Target       common.Address
	AllowFailure bool
	Value        *big.Int
	CallData     []byte
}

// Result is the per-call outcome returned by aggregate3 and aggregate3Value.
type Result struct {
	Success    bool
	ReturnData []byte
}

// PackAggregate3 encodes aggregate3(calls).
func PackAggregate3(calls []Call3) ([]byte, error) {
	return Multicall3ABI.Pack("aggregate3", calls)
}

// PackAggregate3Value encodes aggregate3Value(calls).
func PackAggregate3Value(calls []Call3Value) ([]byte, error) {
	return Multicall3ABI.Pack("aggregate3Value", calls)
}

// UnpackAggregate3 decodes the result of aggregate3 or aggregate3Value.
func UnpackAggregate3(method string, data []byte) ([]Result, error) {
	values, err := Multicall3ABI.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("解析 %s 返回值失败: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s 返回值数量异常: %d", method, len(values))
	}
	results := *abi.ConvertType(values[0], new([]Result)).(*[]Result)
	return results, nil
}
