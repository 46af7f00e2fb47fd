package contracts

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// InterestRateVariable is the variable borrow rate mode of the pool.
var InterestRateVariable = big.NewInt(2)

const referralCode uint16 = 0

// AccountData mirrors getUserAccountData. Base values carry 8 decimals,
// thresholds are basis points and the health factor has 18 decimals.
type AccountData struct {
	TotalCollateralBase         *big.Int
	TotalDebtBase               *big.Int
	AvailableBorrowsBase        *big.Int
	CurrentLiquidationThreshold *big.Int
	LTV                         *big.Int
	HealthFactor                *big.Int
}

// PackSupply encodes supply(asset, amount, onBehalfOf, 0).
func PackSupply(asset common.Address, amount *big.Int, onBehalfOf common.Address) ([]byte, error) {
	return PoolABI.Pack("supply", asset, amount, onBehalfOf, referralCode)
}

// PackBorrow encodes a variable-rate borrow.
func PackBorrow(asset common.Address, amount *big.Int, onBehalfOf common.Address) ([]byte, error) {
	return PoolABI.Pack("borrow", asset, amount, InterestRateVariable, referralCode, onBehalfOf)
}

// PackRepay encodes a variable-rate repay.
func PackRepay(asset common.Address, amount *big.Int, onBehalfOf common.Address) ([]byte, error) {
	return PoolABI.Pack("repay", asset, amount, InterestRateVariable, onBehalfOf)
}

// PackWithdraw encodes withdraw(asset, amount, to).
func PackWithdraw(asset common.Address, amount *big.Int, to common.Address) ([]byte, error) {
	return PoolABI.Pack("withdraw", asset, amount, to)
}

// PackGetUserAccountData encodes getUserAccountData(user).
func PackGetUserAccountData(user common.Address) ([]byte, error) {
	return PoolABI.Pack("getUserAccountData", user)
}

// UnpackUserAccountData decodes getUserAccountData output.
func UnpackUserAccountData(data []byte) (AccountData, error) {
	values, err := PoolABI.Unpack("getUserAccountData", data)
	if err != nil {
		return AccountData{}, fmt.Errorf("解析 getUserAccountData 返回值失败: %w", err)
	}
	if len(values) != 6 {
		return AccountData{}, fmt.Errorf("getUserAccountData 返回值数量异常: %d", len(values))
	}
	ints := make([]*big.Int, len(values))
	for i, v := range values {
		n, ok := v.(*big.Int)
		if !ok {
			return AccountData{}, fmt.Errorf("getUserAccountData 第 %d 个返回值类型异常: %T", i, v)
		}
		ints[i] = n
	}
	return AccountData{
		TotalCollateralBase:         ints[0],
		TotalDebtBase:               ints[1],
		AvailableBorrowsBase:        ints[2],
		CurrentLiquidationThreshold: ints[3],
		LTV:                         ints[4],
		HealthFactor:                ints[5],
	}, nil
}

// PackGetAssetPrice encodes getAssetPrice(asset).
func PackGetAssetPrice(asset common.Address) ([]byte, error) {
	return OracleABI.Pack("getAssetPrice", asset)
}

// UnpackAssetPrice decodes an oracle price in base currency units (8 decimals).
func UnpackAssetPrice(data []byte) (*big.Int, error) {
	return unpackUint(OracleABI.Unpack, "getAssetPrice", data)
}
