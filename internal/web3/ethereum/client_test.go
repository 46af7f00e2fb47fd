package ethereum

import (
	"context"
	"errors"
	"math/big"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"bbdfi/internal/web3"
)

type fakeBackend struct {
	chainID  *big.Int
	nonce    uint64
	gas      uint64
	tip      *big.Int
	baseFee  *big.Int
	sent     []*coretypes.Transaction
	calls    []gethcore.CallMsg
	estimate error
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls = append(f.calls, msg)
	return []byte{0x01}, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce + uint64(len(f.sent)), nil
}

func (f *fakeBackend) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return f.gas, f.estimate
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return f.tip, nil }

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*coretypes.Header, error) {
	return &coretypes.Header{BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	return nil, gethcore.NotFound
}

func TestClientSendSignsDynamicFeeTx(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	backend := &fakeBackend{chainID: big.NewInt(84532), nonce: 7, gas: 100_000, tip: big.NewInt(1_000), baseFee: big.NewInt(50)}
	client, err := newClient(context.Background(), Config{
		PrivateKey: common.Bytes2Hex(crypto.FromECDSA(key)),
	}, backend)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	target := common.HexToAddress("0x07eA79F68B2B3df564D0A34F8e19D9B1e339814b")
	hash, err := client.Send(context.Background(), web3.CallRequest{To: target, Data: []byte{0xaa}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.Hash() != hash {
		t.Fatalf("hash mismatch")
	}
	if tx.Type() != coretypes.DynamicFeeTxType {
		t.Fatalf("unexpected tx type %d", tx.Type())
	}
	if tx.Nonce() != 7 || tx.Gas() != 120_000 {
		t.Fatalf("unexpected nonce/gas %d/%d", tx.Nonce(), tx.Gas())
	}
	if tx.GasFeeCap().Int64() != 1_100 {
		t.Fatalf("unexpected fee cap %s", tx.GasFeeCap())
	}
	sender, err := coretypes.Sender(coretypes.LatestSignerForChainID(big.NewInt(84532)), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != crypto.PubkeyToAddress(key.PublicKey) || sender != client.Account() {
		t.Fatalf("unexpected sender %s", sender.Hex())
	}

	if _, err := client.Send(context.Background(), web3.CallRequest{To: target}); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if backend.sent[1].Nonce() != 8 {
		t.Fatalf("nonce not advanced: %d", backend.sent[1].Nonce())
	}
}

func TestClientSendEstimateFailure(t *testing.T) {
	t.Parallel()

	key, _ := crypto.GenerateKey()
	backend := &fakeBackend{chainID: big.NewInt(8453), tip: big.NewInt(1), estimate: errors.New("execution reverted")}
	client, err := newClient(context.Background(), Config{PrivateKey: "0x" + common.Bytes2Hex(crypto.FromECDSA(key))}, backend)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Send(context.Background(), web3.CallRequest{To: common.Address{1}}); err == nil {
		t.Fatalf("expected estimate failure to surface")
	}
	if len(backend.sent) != 0 {
		t.Fatalf("nothing should be broadcast")
	}
}

func TestReadOnlyClient(t *testing.T) {
	t.Parallel()

	account := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	backend := &fakeBackend{chainID: big.NewInt(8453)}
	client, err := newClient(context.Background(), Config{Account: account.Hex()}, backend)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Call(context.Background(), web3.CallRequest{To: common.Address{2}}, nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	if backend.calls[0].From != account {
		t.Fatalf("calls should originate from the configured account")
	}
	if _, err := client.Send(context.Background(), web3.CallRequest{To: common.Address{2}}); err == nil {
		t.Fatalf("read-only client must not send")
	}

	if _, err := newClient(context.Background(), Config{}, backend); err == nil {
		t.Fatalf("expected error without key or account")
	}
}
