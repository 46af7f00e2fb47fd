package contracts

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	pool    = common.HexToAddress("0xA238Dd80C259a72e81d7e4664a9801593F98d1c5")
	usdc    = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	account = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

func TestDecodeApproveRoundTrip(t *testing.T) {
	t.Parallel()

	data, err := PackApprove(pool, big.NewInt(660_000))
	if err != nil {
		t.Fatalf("pack approve: %v", err)
	}
	spender, amount, err := DecodeApprove(data)
	if err != nil {
		t.Fatalf("decode approve: %v", err)
	}
	if spender != pool || amount.Int64() != 660_000 {
		t.Fatalf("unexpected decode %s %s", spender.Hex(), amount)
	}

	supply, _ := PackSupply(usdc, big.NewInt(1), account)
	if _, _, err := DecodeApprove(supply); err == nil {
		t.Fatalf("expected non-approve call data to be rejected")
	}
}

func TestUnpackUserAccountData(t *testing.T) {
	t.Parallel()

	outputs := PoolABI.Methods["getUserAccountData"].Outputs
	encoded, err := outputs.Pack(
		big.NewInt(1_000_000_000_000), // 10000 USD
		big.NewInt(500_000_000_000),   // 5000 USD
		big.NewInt(250_000_000_000),
		big.NewInt(8000),
		big.NewInt(7500),
		new(big.Int).Mul(big.NewInt(16), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil)),
	)
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}
	data, err := UnpackUserAccountData(encoded)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if data.CurrentLiquidationThreshold.Int64() != 8000 || data.TotalDebtBase.Int64() != 500_000_000_000 {
		t.Fatalf("unexpected account data %+v", data)
	}
}

func TestUnpackUserAccountDataRejectsEmpty(t *testing.T) {
	t.Parallel()

	if _, err := UnpackUserAccountData(nil); err == nil {
		t.Fatalf("expected error for empty return data")
	}
}

func TestAggregate3Encoding(t *testing.T) {
	t.Parallel()

	approve, _ := PackApprove(pool, MaxUint256)
	calls := []Call3{
		{Target: usdc, AllowFailure: false, CallData: approve},
		{Target: pool, AllowFailure: true, CallData: []byte{0xde, 0xad}},
	}
	data, err := PackAggregate3(calls)
	if err != nil {
		t.Fatalf("pack aggregate3: %v", err)
	}
	method := Multicall3ABI.Methods["aggregate3"]
	if string(data[:4]) != string(method.ID) {
		t.Fatalf("unexpected selector %x", data[:4])
	}

	results := []Result{{Success: true, ReturnData: []byte{1}}, {Success: false}}
	encoded, err := method.Outputs.Pack(results)
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}
	decoded, err := UnpackAggregate3("aggregate3", encoded)
	if err != nil {
		t.Fatalf("unpack aggregate3: %v", err)
	}
	if len(decoded) != 2 || !decoded[0].Success || decoded[1].Success {
		t.Fatalf("unexpected results %+v", decoded)
	}
}

func TestAggregate3ValueEncoding(t *testing.T) {
	t.Parallel()

	data, err := PackAggregate3Value([]Call3Value{{Target: pool, AllowFailure: true, Value: big.NewInt(5), CallData: []byte{0x01}}})
	if err != nil {
		t.Fatalf("pack aggregate3Value: %v", err)
	}
	if string(data[:4]) != string(Multicall3ABI.Methods["aggregate3Value"].ID) {
		t.Fatalf("unexpected selector %x", data[:4])
	}
}
