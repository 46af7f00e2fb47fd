package position

import (
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	// BaseDecimals 是借贷池美元计价数值的精度。
	BaseDecimals = 8
	// HealthFactorDecimals 是健康因子的精度。
	HealthFactorDecimals = 18
	bpsDenominator       = 10000
)

// AccountSnapshot 是用户在某一时刻的借贷仓位。
type AccountSnapshot struct {
	User                    common.Address `json:"user"`
	TotalCollateralBase     *big.Int       `json:"total_collateral_base"`
	TotalDebtBase           *big.Int       `json:"total_debt_base"`
	AvailableBorrowsBase    *big.Int       `json:"available_borrows_base"`
	LiquidationThresholdBps int64          `json:"liquidation_threshold_bps"`
	LTVBps                  int64          `json:"ltv_bps"`
	HealthFactorRaw         *big.Int       `json:"health_factor_raw"`
	ObservedAt              time.Time      `json:"observed_at"`
}

// Empty 返回没有任何仓位的用户快照。
func Empty(user common.Address) AccountSnapshot {
	return AccountSnapshot{
		User:                 user,
		TotalCollateralBase:  new(big.Int),
		TotalDebtBase:        new(big.Int),
		AvailableBorrowsBase: new(big.Int),
		HealthFactorRaw:      new(big.Int),
		ObservedAt:           time.Now().UTC(),
	}
}

// TotalCollateralValue 返回以美元计的抵押价值。
func (s AccountSnapshot) TotalCollateralValue() decimal.Decimal { return baseValue(s.TotalCollateralBase) }

// TotalDebtValue 返回以美元计的债务。
func (s AccountSnapshot) TotalDebtValue() decimal.Decimal { return baseValue(s.TotalDebtBase) }

// AvailableToBorrow 返回以美元计的剩余可借额度。
func (s AccountSnapshot) AvailableToBorrow() decimal.Decimal { return baseValue(s.AvailableBorrowsBase) }

// LiquidationThreshold 返回加权清算阈值，取值范围 [0, 1]。
func (s AccountSnapshot) LiquidationThreshold() decimal.Decimal {
	return decimal.New(s.LiquidationThresholdBps, 0).Div(decimal.New(bpsDenominator, 0))
}

// HealthFactor 计算 collateral × threshold / debt，无债务时为 +Inf。
func (s AccountSnapshot) HealthFactor() float64 {
	return HealthFactor(s.TotalCollateralValue(), s.TotalDebtValue(), s.LiquidationThreshold())
}

// HasPosition 判断用户是否有抵押或债务。
func (s AccountSnapshot) HasPosition() bool {
	return sign(s.TotalCollateralBase) > 0 || sign(s.TotalDebtBase) > 0
}

// IsHighRisk 判断健康因子是否低于 floor。
func (s AccountSnapshot) IsHighRisk(floor float64) bool {
	return s.HealthFactor() < floor
}

// ProjectBorrow 返回再借入 value 美元后的健康因子。
func (s AccountSnapshot) ProjectBorrow(value decimal.Decimal) float64 {
	return HealthFactor(s.TotalCollateralValue(), s.TotalDebtValue().Add(value), s.LiquidationThreshold())
}

// ProjectWithdraw 返回取出 value 美元抵押后的健康因子，假设清算阈值不变。
func (s AccountSnapshot) ProjectWithdraw(value decimal.Decimal) float64 {
	collateral := s.TotalCollateralValue().Sub(value)
	if collateral.IsNegative() {
		collateral = decimal.Zero
	}
	return HealthFactor(collateral, s.TotalDebtValue(), s.LiquidationThreshold())
}

// HealthFactor 计算 collateral × threshold / debt。没有债务的仓位不会被清算，返回 +Inf。
func HealthFactor(collateral, debt, threshold decimal.Decimal) float64 {
	if !debt.IsPositive() {
		return math.Inf(1)
	}
	return collateral.Mul(threshold).DivRound(debt, 18).InexactFloat64()
}

// FormatHealthFactor 将健康因子格式化用于日志与 JSON。
func FormatHealthFactor(hf float64) string {
	if math.IsInf(hf, 1) {
		return "inf"
	}
	return decimal.NewFromFloat(hf).StringFixed(4)
}

func baseValue(amount *big.Int) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -BaseDecimals)
}

func sign(amount *big.Int) int {
	if amount == nil {
		return 0
	}
	return amount.Sign()
}
