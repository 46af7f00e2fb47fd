package position

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/web3"
	"bbdfi/internal/web3/contracts"
	"bbdfi/pkg/logger"
)

// Accessor 从借贷池读取仓位与预言机价格。
type Accessor struct {
	reader web3.Reader
	pool   common.Address
	oracle common.Address
	logger *slog.Logger
}

// Option 定义 Accessor 的可选配置。
type Option func(*Accessor)

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(a *Accessor) {
		if log != nil {
			a.logger = log
		}
	}
}

// NewAccessor 创建 Accessor。
func NewAccessor(reader web3.Reader, addrs web3.Contracts, opts ...Option) *Accessor {
	a := &Accessor{
		reader: reader,
		pool:   addrs.LendingPool,
		oracle: addrs.PriceOracle,
		logger: logger.Named("position"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Snapshot 读取 user 的 getUserAccountData。没有仓位的用户（包括借贷池返回空数据）
// 得到零值快照与无穷大健康因子，而不是错误。
func (a *Accessor) Snapshot(ctx context.Context, user common.Address) (AccountSnapshot, error) {
	data, err := contracts.PackGetUserAccountData(user)
	if err != nil {
		return AccountSnapshot{}, err
	}
	out, err := a.reader.Call(ctx, web3.CallRequest{To: a.pool, Data: data}, nil)
	if err != nil {
		return AccountSnapshot{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取借贷仓位失败",
			xerrors.WithMetadata("user", user.Hex()))
	}
	if len(out) == 0 {
		return Empty(user), nil
	}
	account, err := contracts.UnpackUserAccountData(out)
	if err != nil {
		return AccountSnapshot{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "解析借贷仓位失败",
			xerrors.WithMetadata("user", user.Hex()))
	}

	snapshot := AccountSnapshot{
		User:                    user,
		TotalCollateralBase:     account.TotalCollateralBase,
		TotalDebtBase:           account.TotalDebtBase,
		AvailableBorrowsBase:    account.AvailableBorrowsBase,
		LiquidationThresholdBps: bpsOf(account.CurrentLiquidationThreshold),
		LTVBps:                  bpsOf(account.LTV),
		HealthFactorRaw:         account.HealthFactor,
		ObservedAt:              time.Now().UTC(),
	}
	a.logger.Debug("读取借贷仓位",
		slog.String("user", user.Hex()),
		slog.String("collateral_usd", snapshot.TotalCollateralValue().StringFixed(2)),
		slog.String("debt_usd", snapshot.TotalDebtValue().StringFixed(2)),
		slog.String("health_factor", FormatHealthFactor(snapshot.HealthFactor())),
	)
	return snapshot, nil
}

// AssetPrice 返回 token 的预言机美元价格。
func (a *Accessor) AssetPrice(ctx context.Context, token web3.Token) (decimal.Decimal, error) {
	data, err := contracts.PackGetAssetPrice(token.Address)
	if err != nil {
		return decimal.Zero, err
	}
	out, err := a.reader.Call(ctx, web3.CallRequest{To: a.oracle, Data: data}, nil)
	if err != nil {
		return decimal.Zero, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取资产价格失败",
			xerrors.WithMetadata("token", token.Symbol))
	}
	price, err := contracts.UnpackAssetPrice(out)
	if err != nil {
		return decimal.Zero, xerrors.Wrap(xerrors.CodeChainFailure, err, "解析资产价格失败",
			xerrors.WithMetadata("token", token.Symbol))
	}
	return decimal.NewFromBigInt(price, -BaseDecimals), nil
}

// Value 按预言机价格将 token 的最小单位数量换算为美元。
func (a *Accessor) Value(ctx context.Context, token web3.Token, amount *big.Int) (decimal.Decimal, error) {
	price, err := a.AssetPrice(ctx, token)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(amount, -int32(token.Decimals)).Mul(price), nil
}

func bpsOf(value *big.Int) int64 {
	if value == nil || !value.IsInt64() {
		return 0
	}
	return value.Int64()
}
