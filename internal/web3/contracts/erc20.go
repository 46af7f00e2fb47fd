package contracts

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

// MaxUint256 is the unlimited approval amount.
var MaxUint256 = new(big.Int).Set(math.MaxBig256)

// PackBalanceOf encodes balanceOf(owner).
func PackBalanceOf(owner common.Address) ([]byte, error) {
	return ERC20ABI.Pack("balanceOf", owner)
}

// PackAllowance encodes allowance(owner, spender).
func PackAllowance(owner, spender common.Address) ([]byte, error) {
	return ERC20ABI.Pack("allowance", owner, spender)
}

// PackApprove encodes approve(spender, amount).
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("授权额度无效: %v", amount)
	}
	return ERC20ABI.Pack("approve", spender, amount)
}

// UnpackUint256 decodes a single uint256 return value of an ERC-20 view.
func UnpackUint256(method string, data []byte) (*big.Int, error) {
	return unpackUint(ERC20ABI.Unpack, method, data)
}

// DecodeApprove extracts spender and amount from approve call data.
func DecodeApprove(data []byte) (common.Address, *big.Int, error) {
	method := ERC20ABI.Methods["approve"]
	if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return common.Address{}, nil, fmt.Errorf("不是 approve 调用")
	}
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("解析 approve 参数失败: %w", err)
	}
	spender, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("approve spender 类型异常: %T", values[0])
	}
	amount, ok := values[1].(*big.Int)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("approve amount 类型异常: %T", values[1])
	}
	return spender, amount, nil
}

func unpackUint(unpack func(string, []byte) ([]any, error), method string, data []byte) (*big.Int, error) {
	values, err := unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("解析 %s 返回值失败: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s 无返回值", method)
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s 返回值类型异常: %T", method, values[0])
	}
	return value, nil
}
