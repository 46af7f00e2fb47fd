package execution

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/ledger"
	"bbdfi/internal/observability/metrics"
	"bbdfi/internal/web3"
	"bbdfi/internal/web3/chaintest"
	"bbdfi/internal/web3/contracts"
	"bbdfi/pkg/logger"
)

var (
	account = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	usdc    = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	router  = common.HexToAddress("0x6Cb442acF35158D5eDa88fe602221b67B400Be3E")
	addrs   = web3.Contracts{
		LendingPool: common.HexToAddress("0xA238Dd80C259a72e81d7e4664a9801593F98d1c5"),
		PriceOracle: common.HexToAddress("0x2Cc0Fc26eD4563A5ce5e8bdcfe1A2878676Ae156"),
		Multicall3:  common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11"),
	}
)

type fixture struct {
	chain   *chaintest.Chain
	store   *ledger.MemoryStore
	metrics *metrics.Registry
	runner  *Runner
}

func newFixture(t *testing.T, watch web3.WatchOptions) *fixture {
	t.Helper()
	chain := chaintest.New(account, addrs)
	chain.AddRouter(router)
	store := ledger.NewMemoryStore()
	reg := metrics.New()
	if watch.PollInterval == 0 {
		watch = web3.WatchOptions{PollInterval: 5 * time.Millisecond, Timeout: time.Second}
	}
	runner := NewRunner(chain, ledger.New(store, ledger.WithLogger(logger.Discard())),
		WithWatchOptions(watch),
		WithMetrics(reg),
		WithLogger(logger.Discard()),
	)
	return &fixture{chain: chain, store: store, metrics: reg, runner: runner}
}

func approveStep(t *testing.T, amount int64) Step {
	t.Helper()
	data, err := contracts.PackApprove(router, big.NewInt(amount))
	require.NoError(t, err)
	return Step{Target: usdc, CallData: data, Intent: IntentApprove, Asset: "USDC", Token: "USDC", Amount: big.NewInt(amount)}
}

func TestRunConfirmsStep(t *testing.T) {
	f := newFixture(t, web3.WatchOptions{})

	outcome := f.runner.Run(context.Background(), "seq-1", approveStep(t, 500))
	require.NoError(t, outcome.Err)
	assert.True(t, outcome.Succeeded())
	require.NotNil(t, outcome.Receipt)

	assert.Equal(t, int64(500), f.chain.Allowance(usdc, account, router).Int64())

	record, err := f.store.Get(context.Background(), outcome.RecordID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusConfirmed, record.Status)
	assert.Equal(t, ledger.KindApprove, record.Kind)
	assert.Equal(t, "seq-1", record.SequenceID)
	assert.Equal(t, outcome.TxHash.Hex(), record.TxHash)
	assert.Equal(t, int64(500), record.Amount.Int64())

	series, err := testutil.GatherAndCount(f.metrics.Gatherer(), "bbdfi_steps_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series)
}

func TestRunRecordsRevert(t *testing.T) {
	f := newFixture(t, web3.WatchOptions{})
	step := Step{Target: router, CallData: chaintest.RevertingSwap(), Intent: IntentSwap, Asset: "BTC", Amount: big.NewInt(1)}

	outcome := f.runner.Run(context.Background(), "seq-2", step)
	require.Error(t, outcome.Err)
	assert.True(t, xerrors.HasCode(outcome.Err, xerrors.CodeTransactionReverted))

	record, err := f.store.Get(context.Background(), outcome.RecordID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, record.Status)
	assert.Equal(t, string(xerrors.CodeTransactionReverted), record.ErrorCode)
	assert.NotEmpty(t, record.TxHash)
}

func TestRunSubmissionFailure(t *testing.T) {
	f := newFixture(t, web3.WatchOptions{})
	f.chain.OnSend(func(web3.CallRequest) error { return errors.New("nonce too low") })

	outcome := f.runner.Run(context.Background(), "seq-3", approveStep(t, 1))
	require.Error(t, outcome.Err)
	assert.True(t, xerrors.HasCode(outcome.Err, xerrors.CodeSubmissionFailed))
	assert.Empty(t, f.chain.Sent())

	record, err := f.store.Get(context.Background(), outcome.RecordID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, record.Status)
	assert.Equal(t, string(xerrors.CodeSubmissionFailed), record.ErrorCode)
	assert.Empty(t, record.TxHash)
}

func TestRunTimesOutWhenReceiptNeverArrives(t *testing.T) {
	f := newFixture(t, web3.WatchOptions{PollInterval: 5 * time.Millisecond, Timeout: 40 * time.Millisecond})
	f.chain.WithholdReceipts(true)

	outcome := f.runner.Run(context.Background(), "seq-4", approveStep(t, 1))
	require.Error(t, outcome.Err)
	assert.True(t, xerrors.HasCode(outcome.Err, xerrors.CodeTransactionTimedOut))

	record, err := f.store.Get(context.Background(), outcome.RecordID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, record.Status)
	assert.Equal(t, outcome.TxHash.Hex(), record.TxHash)
}

func TestSubmitSharesHashAcrossSteps(t *testing.T) {
	f := newFixture(t, web3.WatchOptions{})
	first := approveStep(t, 1)
	second := approveStep(t, 2)
	second.Intent = IntentDeposit

	sub, err := f.runner.Submit(context.Background(), "seq-5", first.Call(), first, second)
	require.NoError(t, err)
	require.Len(t, sub.RecordIDs, 2)

	_, err = f.runner.Await(context.Background(), sub)
	require.NoError(t, err)
	f.runner.Settle(context.Background(), sub, 0, nil)
	f.runner.Settle(context.Background(), sub, 1, xerrors.New(xerrors.CodeDepositFailed, "sub-call failed"))

	records, err := f.store.List(context.Background(), ledger.BuildListOptions(ledger.WithSequence("seq-5")))
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, record := range records {
		assert.Equal(t, sub.Hash.Hex(), record.TxHash)
	}

	deposit, err := f.store.Get(context.Background(), sub.RecordIDs[1])
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, deposit.Status)
	assert.Equal(t, ledger.KindDeposit, deposit.Kind)
	assert.Equal(t, string(xerrors.CodeDepositFailed), deposit.ErrorCode)
}

func TestSubmitRejectsInvalidStep(t *testing.T) {
	f := newFixture(t, web3.WatchOptions{})

	_, err := f.runner.Submit(context.Background(), "seq-6", web3.CallRequest{}, Step{Intent: IntentSwap})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	stats, err := f.store.Stats(context.Background(), ledger.BuildListOptions())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.Empty(t, f.chain.Sent())
}

func TestStepLedgerKind(t *testing.T) {
	assert.Equal(t, ledger.KindSwap, Step{Intent: IntentSwap}.LedgerKind())
	assert.Equal(t, ledger.KindDCA, Step{Intent: IntentSwap, Kind: ledger.KindDCA}.LedgerKind())
	assert.Equal(t, ledger.KindRepay, Step{Intent: IntentRepay}.LedgerKind())
}
