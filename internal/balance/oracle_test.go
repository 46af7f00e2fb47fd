package balance

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/web3"
	"bbdfi/internal/web3/chaintest"
	"bbdfi/pkg/logger"
)

var (
	owner = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	cbBTC = web3.Token{Asset: "BTC", Symbol: "cbBTC", Address: common.HexToAddress("0xcbB7C0000aB88B473b1f5aFd9ef808440eed33Bf"), Decimals: 8}
	weth  = web3.Token{Asset: "ETH", Symbol: "WETH", Address: common.HexToAddress("0x4200000000000000000000000000000000000006"), Decimals: 18}
	usdc  = web3.Token{Asset: "USDC", Symbol: "USDC", Address: common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"), Decimals: 6}
)

func TestBalancesPreserveOrder(t *testing.T) {
	chain := chaintest.New(owner, web3.Contracts{})
	chain.SetBalance(cbBTC.Address, owner, big.NewInt(612_345))
	chain.SetBalance(usdc.Address, owner, big.NewInt(1_000_000))

	oracle := NewOracle(chain, owner, WithConcurrency(2), WithLogger(logger.Discard()))
	holdings, err := oracle.Balances(context.Background(), []web3.Token{cbBTC, weth, usdc})
	require.NoError(t, err)
	require.Len(t, holdings, 3)

	assert.Equal(t, "cbBTC", holdings[0].Token.Symbol)
	assert.Equal(t, int64(612_345), holdings[0].Amount.Int64())
	assert.True(t, holdings[0].Positive())
	assert.Equal(t, "WETH", holdings[1].Token.Symbol)
	assert.Zero(t, holdings[1].Amount.Sign())
	assert.False(t, holdings[1].Positive())
	assert.Equal(t, int64(1_000_000), holdings[2].Amount.Int64())
}

func TestBalanceReadFailure(t *testing.T) {
	chain := chaintest.New(owner, web3.Contracts{})
	chain.FailCalls(errors.New("connection refused"))

	oracle := NewOracle(chain, owner, WithLogger(logger.Discard()))
	_, err := oracle.Balance(context.Background(), cbBTC)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeChainFailure, xerrors.CodeOf(err))

	_, err = oracle.Balances(context.Background(), []web3.Token{cbBTC, weth})
	assert.Error(t, err)
}

func TestBalancesEmpty(t *testing.T) {
	oracle := NewOracle(chaintest.New(owner, web3.Contracts{}), owner)
	holdings, err := oracle.Balances(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, holdings)
}
