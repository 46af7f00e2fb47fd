package position

import (
	"context"
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/web3"
	"bbdfi/internal/web3/chaintest"
	"bbdfi/internal/web3/contracts"
	"bbdfi/pkg/logger"
)

var (
	user  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	cbBTC = web3.Token{Asset: "BTC", Symbol: "cbBTC", Address: common.HexToAddress("0xcbB7C0000aB88B473b1f5aFd9ef808440eed33Bf"), Decimals: 8}
	addrs = web3.Contracts{
		LendingPool: common.HexToAddress("0xA238Dd80C259a72e81d7e4664a9801593F98d1c5"),
		PriceOracle: common.HexToAddress("0x2Cc0Fc26eD4563A5ce5e8bdcfe1A2878676Ae156"),
	}
)

func usd(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), big.NewInt(100_000_000))
}

func TestHealthFactor(t *testing.T) {
	hf := HealthFactor(decimal.NewFromInt(10000), decimal.Zero, decimal.RequireFromString("0.8"))
	assert.True(t, math.IsInf(hf, 1))

	hf = HealthFactor(decimal.NewFromInt(10000), decimal.NewFromInt(5000), decimal.RequireFromString("0.8"))
	assert.InDelta(t, 1.6, hf, 1e-12)

	assert.Equal(t, "inf", FormatHealthFactor(math.Inf(1)))
	assert.Equal(t, "1.6000", FormatHealthFactor(1.6))
}

func TestSnapshotDerivedValues(t *testing.T) {
	chain := chaintest.New(user, addrs)
	chain.SetAccountData(contracts.AccountData{
		TotalCollateralBase:         usd(10000),
		TotalDebtBase:               usd(5000),
		AvailableBorrowsBase:        usd(2500),
		CurrentLiquidationThreshold: big.NewInt(8000),
		LTV:                         big.NewInt(7500),
		HealthFactor:                big.NewInt(1_600_000_000_000_000_000),
	})
	accessor := NewAccessor(chain, addrs, WithLogger(logger.Discard()))

	snapshot, err := accessor.Snapshot(context.Background(), user)
	require.NoError(t, err)
	assert.True(t, snapshot.HasPosition())
	assert.Equal(t, "10000", snapshot.TotalCollateralValue().String())
	assert.Equal(t, "5000", snapshot.TotalDebtValue().String())
	assert.Equal(t, "2500", snapshot.AvailableToBorrow().String())
	assert.Equal(t, "0.8", snapshot.LiquidationThreshold().String())
	assert.Equal(t, int64(7500), snapshot.LTVBps)
	assert.InDelta(t, 1.6, snapshot.HealthFactor(), 1e-12)
	assert.False(t, snapshot.IsHighRisk(1.5))
	assert.True(t, snapshot.IsHighRisk(2))

	// 再借 1000 USD: 8000 / 6000
	assert.InDelta(t, 1.3333, snapshot.ProjectBorrow(decimal.NewFromInt(1000)), 1e-4)
	// 取出 2500 USD 抵押: 7500*0.8 / 5000
	assert.InDelta(t, 1.2, snapshot.ProjectWithdraw(decimal.NewFromInt(2500)), 1e-12)
	assert.Equal(t, 0.0, snapshot.ProjectWithdraw(decimal.NewFromInt(20000)))
}

func TestSnapshotWithoutPosition(t *testing.T) {
	chain := chaintest.New(user, addrs)
	accessor := NewAccessor(chain, addrs, WithLogger(logger.Discard()))

	snapshot, err := accessor.Snapshot(context.Background(), user)
	require.NoError(t, err)
	assert.False(t, snapshot.HasPosition())
	assert.True(t, snapshot.TotalCollateralValue().IsZero())
	assert.True(t, math.IsInf(snapshot.HealthFactor(), 1))
	assert.False(t, snapshot.IsHighRisk(1.5))

	chain.SetAccountData(contracts.AccountData{
		TotalCollateralBase:         new(big.Int),
		TotalDebtBase:               new(big.Int),
		AvailableBorrowsBase:        new(big.Int),
		CurrentLiquidationThreshold: new(big.Int),
		LTV:                         new(big.Int),
		HealthFactor:                new(big.Int).Set(contracts.MaxUint256),
	})
	snapshot, err = accessor.Snapshot(context.Background(), user)
	require.NoError(t, err)
	assert.True(t, math.IsInf(snapshot.HealthFactor(), 1))
}

func TestSnapshotReadFailure(t *testing.T) {
	chain := chaintest.New(user, addrs)
	chain.FailCalls(errors.New("timeout"))
	_, err := NewAccessor(chain, addrs).Snapshot(context.Background(), user)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeChainFailure, xerrors.CodeOf(err))
}

func TestValueUsesOraclePrice(t *testing.T) {
	chain := chaintest.New(user, addrs)
	chain.SetPrice(cbBTC.Address, usd(60000))
	accessor := NewAccessor(chain, addrs)

	price, err := accessor.AssetPrice(context.Background(), cbBTC)
	require.NoError(t, err)
	assert.Equal(t, "60000", price.String())

	value, err := accessor.Value(context.Background(), cbBTC, big.NewInt(50_000_000))
	require.NoError(t, err)
	assert.Equal(t, "30000", value.String())
}
