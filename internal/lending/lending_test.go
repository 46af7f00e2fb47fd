package lending

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/execution"
	"bbdfi/internal/ledger"
	"bbdfi/internal/observability/alerting"
	"bbdfi/internal/web3"
	"bbdfi/internal/web3/chaintest"
	"bbdfi/internal/web3/contracts"
	"bbdfi/pkg/logger"
)

var (
	account = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	addrs   = web3.Contracts{
		LendingPool: common.HexToAddress("0xA238Dd80C259a72e81d7e4664a9801593F98d1c5"),
		PriceOracle: common.HexToAddress("0x2Cc0Fc26eD4563A5ce5e8bdcfe1A2878676Ae156"),
	}
	usdc  = web3.Token{Asset: "USDC", Symbol: "USDC", Address: common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"), Decimals: 6}
	cbBTC = web3.Token{Asset: "BTC", Symbol: "cbBTC", Address: common.HexToAddress("0xcbB7C0000aB88B473b1f5aFd9ef808440eed33Bf"), Decimals: 8}
)

func usd(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), big.NewInt(100_000_000))
}

func usdcAmount(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), big.NewInt(1_000_000))
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingDispatcher) codes() []xerrors.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]xerrors.Code, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Code)
	}
	return out
}

type fixture struct {
	chain  *chaintest.Chain
	store  *ledger.MemoryStore
	alerts *recordingDispatcher
	ops    *Operations
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	chain := chaintest.New(account, addrs)
	chain.SetBalance(usdc.Address, account, usdcAmount(1000))
	chain.SetPrice(usdc.Address, big.NewInt(100_000_000))

	profile := web3.Profile{
		Name:      "base",
		ChainID:   8453,
		Contracts: addrs,
		Tokens: map[string]web3.Token{
			usdc.Symbol:  usdc,
			cbBTC.Symbol: cbBTC,
		},
		Assets:      map[string]string{"USDC": "USDC", "BTC": "cbBTC"},
		SourceAsset: "USDC",
	}
	store := ledger.NewMemoryStore()
	runner := execution.NewRunner(chain, ledger.New(store, ledger.WithLogger(logger.Discard())),
		execution.WithWatchOptions(web3.WatchOptions{PollInterval: 2 * time.Millisecond, Timeout: time.Second}),
		execution.WithLogger(logger.Discard()),
	)
	alerts := &recordingDispatcher{}
	ops := New(profile, runner,
		WithAlertDispatcher(alerts),
		WithLogger(logger.Discard()),
	)
	return &fixture{chain: chain, store: store, alerts: alerts, ops: ops}
}

func (f *fixture) kinds(t *testing.T, sequenceID string) []ledger.Kind {
	t.Helper()
	records, err := f.store.List(context.Background(), ledger.BuildListOptions(
		ledger.WithSequence(sequenceID),
		ledger.WithSortOrder(ledger.SortByCreatedAsc),
	))
	require.NoError(t, err)
	out := make([]ledger.Kind, 0, len(records))
	for _, r := range records {
		out = append(out, r.Kind)
	}
	return out
}

// 仓位为 1 万 USD 抵押，5000 USD 负债，清算阈值 80%，健康因子 1.6。
func (f *fixture) withPosition() {
	f.chain.SetAccountData(contracts.AccountData{
		TotalCollateralBase:         usd(10000),
		TotalDebtBase:               usd(5000),
		AvailableBorrowsBase:        usd(2500),
		CurrentLiquidationThreshold: big.NewInt(8000),
		LTV:                         big.NewInt(7500),
		HealthFactor:                big.NewInt(1_600_000_000_000_000_000),
	})
}

func TestSupplyApprovesThenSupplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.ops.Supply(ctx, "USDC", usdcAmount(400))
	require.NoError(t, err)
	assert.True(t, result.Approved)
	assert.Len(t, result.RecordIDs, 2)
	assert.NotEmpty(t, result.TxHash)
	assert.Equal(t, []ledger.Kind{ledger.KindApprove, ledger.KindDeposit}, f.kinds(t, result.SequenceID))
	assert.Equal(t, usdcAmount(400), f.chain.Supplied(usdc.Address, account))
	assert.Equal(t, usdcAmount(600), f.chain.Balance(usdc.Address, account))

	// 授权已被消耗完，第二次存款需要重新授权。
	again, err := f.ops.Supply(ctx, "USDC", usdcAmount(100))
	require.NoError(t, err)
	assert.True(t, again.Approved)
	assert.Equal(t, usdcAmount(500), f.chain.Supplied(usdc.Address, account))
}

func TestSupplySkipsApprovalWhenAllowanceSuffices(t *testing.T) {
	f := newFixture(t)
	f.chain.SetAllowance(usdc.Address, account, addrs.LendingPool, contracts.MaxUint256)

	result, err := f.ops.Supply(context.Background(), "USDC", usdcAmount(100))
	require.NoError(t, err)
	assert.False(t, result.Approved)
	assert.Equal(t, []ledger.Kind{ledger.KindDeposit}, f.kinds(t, result.SequenceID))
}

func TestBorrowRepayAndWithdraw(t *testing.T) {
	f := newFixture(t)
	f.withPosition()
	ctx := context.Background()

	_, err := f.ops.Supply(ctx, "USDC", usdcAmount(500))
	require.NoError(t, err)

	borrowed, err := f.ops.Borrow(ctx, "USDC", usdcAmount(100))
	require.NoError(t, err)
	assert.Equal(t, []ledger.Kind{ledger.KindBorrow}, f.kinds(t, borrowed.SequenceID))
	assert.Equal(t, usdcAmount(100), f.chain.Debt(usdc.Address, account))
	assert.Equal(t, usdcAmount(600), f.chain.Balance(usdc.Address, account))
	assert.Equal(t, "1.5686", borrowed.ProjectedHealthFactor)
	assert.False(t, borrowed.HighRisk)

	repaid, err := f.ops.Repay(ctx, "USDC", usdcAmount(40))
	require.NoError(t, err)
	assert.Equal(t, []ledger.Kind{ledger.KindApprove, ledger.KindRepay}, f.kinds(t, repaid.SequenceID))
	assert.Equal(t, usdcAmount(60), f.chain.Debt(usdc.Address, account))

	withdrawn, err := f.ops.Withdraw(ctx, "USDC", contracts.MaxUint256)
	require.NoError(t, err)
	assert.Equal(t, []ledger.Kind{ledger.KindWithdraw}, f.kinds(t, withdrawn.SequenceID))
	assert.Equal(t, 0, f.chain.Supplied(usdc.Address, account).Sign())
	assert.Equal(t, usdcAmount(1060), f.chain.Balance(usdc.Address, account))
}

func TestBorrowFlagsHighRiskWithoutBlocking(t *testing.T) {
	f := newFixture(t)
	f.withPosition()

	// 再借 1000 USD: 10000*0.8/6000 ≈ 1.33
	result, err := f.ops.Borrow(context.Background(), "USDC", usdcAmount(1000))
	require.NoError(t, err)
	assert.True(t, result.HighRisk)
	assert.Equal(t, "1.3333", result.ProjectedHealthFactor)
	assert.Equal(t, usdcAmount(1000), f.chain.Debt(usdc.Address, account))
	assert.Equal(t, []xerrors.Code{xerrors.CodeHealthFactorLow}, f.alerts.codes())
}

func TestBorrowWithinFloorIsNotHighRisk(t *testing.T) {
	f := newFixture(t)
	f.withPosition()

	// 再借 100 USD: 10000*0.8/5100 ≈ 1.5686
	result, err := f.ops.Borrow(context.Background(), "USDC", usdcAmount(100))
	require.NoError(t, err)
	assert.False(t, result.HighRisk)
	assert.Equal(t, "1.5686", result.ProjectedHealthFactor)
	assert.Empty(t, f.alerts.codes())
}

func TestWithdrawProjectsHealthFactor(t *testing.T) {
	f := newFixture(t)
	f.withPosition()
	f.chain.SetAllowance(usdc.Address, account, addrs.LendingPool, contracts.MaxUint256)
	_, err := f.ops.Supply(context.Background(), "USDC", usdcAmount(800))
	require.NoError(t, err)

	// 取出 800 USD 抵押: 9200*0.8/5000 = 1.472
	result, err := f.ops.Withdraw(context.Background(), "USDC", usdcAmount(800))
	require.NoError(t, err)
	assert.True(t, result.HighRisk)
	assert.Equal(t, "1.4720", result.ProjectedHealthFactor)
}

func TestRevertIsLendingFailed(t *testing.T) {
	f := newFixture(t)

	// 没有存款时取出会回滚。
	result, err := f.ops.Withdraw(context.Background(), "USDC", usdcAmount(10))
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeLendingFailed))
	require.NotNil(t, result)
	assert.Len(t, result.RecordIDs, 1)

	record, gerr := f.store.Get(context.Background(), result.RecordIDs[0])
	require.NoError(t, gerr)
	assert.Equal(t, ledger.StatusFailed, record.Status)
	assert.Contains(t, f.alerts.codes(), xerrors.CodeLendingFailed)
}

func TestApprovalFailureKeepsItsCode(t *testing.T) {
	f := newFixture(t)
	f.chain.FailCalls(assert.AnError)

	_, err := f.ops.Supply(context.Background(), "USDC", usdcAmount(10))
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeApprovalFailed))
	assert.Empty(t, f.chain.Sent())
}

func TestExecuteRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ops.Supply(ctx, "USDC", big.NewInt(0))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = f.ops.Borrow(ctx, "DOGE", big.NewInt(1))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = f.ops.Execute(ctx, Operation("flashloan"), "USDC", big.NewInt(1))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
	assert.Empty(t, f.chain.Sent())
}

type busyGuard struct{}

func (busyGuard) Acquire(context.Context) (func(), error) {
	return nil, xerrors.New(xerrors.CodeSequenceInFlight, "已有编排在执行")
}

func TestGuardRejectsConcurrentWriter(t *testing.T) {
	f := newFixture(t)
	f.ops.guard = busyGuard{}

	_, err := f.ops.Supply(context.Background(), "USDC", usdcAmount(1))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeSequenceInFlight))
	assert.Empty(t, f.chain.Sent())
}

func TestParseOperation(t *testing.T) {
	op, err := ParseOperation(" Borrow ")
	require.NoError(t, err)
	assert.Equal(t, OperationBorrow, op)

	_, err = ParseOperation("liquidate")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}
