// Package chaintest provides an in-memory web3.Chain that understands the
// ERC-20, lending pool, price oracle and Multicall3 calls issued by the core,
// plus a scripted quote provider whose call data the fake router executes.
package chaintest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"bbdfi/internal/web3"
	"bbdfi/internal/web3/contracts"
)

// ErrReverted is returned by Call when the simulated call reverts.
var ErrReverted = errors.New("execution reverted")

var routerABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(`[{"type":"function","name":"swap","stateMutability":"nonpayable","inputs":[
	 {"name":"tokenIn","type":"address"},{"name":"amountIn","type":"uint256"},
	 {"name":"tokenOut","type":"address"},{"name":"amountOut","type":"uint256"}],"outputs":[]}]`))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// EncodeSwap builds router call data that pulls amountIn of tokenIn from the
// sender and credits amountOut of tokenOut.
func EncodeSwap(tokenIn common.Address, amountIn *big.Int, tokenOut common.Address, amountOut *big.Int) []byte {
	data, err := routerABI.Pack("swap", tokenIn, amountIn, tokenOut, amountOut)
	if err != nil {
		panic(err)
	}
	return data
}

// RevertingSwap builds router call data that always reverts.
func RevertingSwap() []byte {
	return EncodeSwap(common.Address{}, big.NewInt(1), common.Address{}, big.NewInt(1))
}

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

type state struct {
	balances   map[common.Address]map[common.Address]*big.Int
	allowances map[common.Address]map[allowanceKey]*big.Int
	supplied   map[common.Address]map[common.Address]*big.Int
	debt       map[common.Address]map[common.Address]*big.Int
}

func newState() *state {
	return &state{
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[allowanceKey]*big.Int),
		supplied:   make(map[common.Address]map[common.Address]*big.Int),
		debt:       make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (s *state) clone() *state {
	return &state{
		balances:   cloneNested(s.balances),
		allowances: cloneNested(s.allowances),
		supplied:   cloneNested(s.supplied),
		debt:       cloneNested(s.debt),
	}
}

func cloneNested[K comparable](in map[common.Address]map[K]*big.Int) map[common.Address]map[K]*big.Int {
	out := make(map[common.Address]map[K]*big.Int, len(in))
	for outer, inner := range in {
		copied := make(map[K]*big.Int, len(inner))
		for k, v := range inner {
			copied[k] = new(big.Int).Set(v)
		}
		out[outer] = copied
	}
	return out
}

func get[K comparable](m map[common.Address]map[K]*big.Int, outer common.Address, key K) *big.Int {
	if inner, ok := m[outer]; ok {
		if v, ok := inner[key]; ok {
			return new(big.Int).Set(v)
		}
	}
	return new(big.Int)
}

func put[K comparable](m map[common.Address]map[K]*big.Int, outer common.Address, key K, value *big.Int) {
	inner, ok := m[outer]
	if !ok {
		inner = make(map[K]*big.Int)
		m[outer] = inner
	}
	inner[key] = new(big.Int).Set(value)
}

func add[K comparable](m map[common.Address]map[K]*big.Int, outer common.Address, key K, delta *big.Int) {
	put(m, outer, key, new(big.Int).Add(get(m, outer, key), delta))
}

// Chain is a deterministic in-memory chain. Every Send mines one block.
type Chain struct {
	mu        sync.Mutex
	chainID   *big.Int
	account   common.Address
	contracts web3.Contracts
	routers   map[common.Address]bool

	st       *state
	history  map[uint64]*state
	block    uint64
	nonce    uint64
	receipts map[common.Hash]*types.Receipt
	sent     []web3.CallRequest
	calls    int

	accountData *contracts.AccountData
	prices      map[common.Address]*big.Int

	sendHook         func(web3.CallRequest) error
	callErr          error
	historyErr       error
	withholdReceipts bool
}

var _ web3.Chain = (*Chain)(nil)

// New creates a chain whose signing account is account.
func New(account common.Address, addrs web3.Contracts) *Chain {
	return &Chain{
		chainID:   big.NewInt(8453),
		account:   account,
		contracts: addrs,
		routers:   make(map[common.Address]bool),
		st:        newState(),
		history:   make(map[uint64]*state),
		block:     100,
		receipts:  make(map[common.Hash]*types.Receipt),
		prices:    make(map[common.Address]*big.Int),
	}
}

// AddRouter registers a swap router address.
func (c *Chain) AddRouter(router common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routers[router] = true
}

// SetBalance sets the token balance of owner.
func (c *Chain) SetBalance(token, owner common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	put(c.st.balances, token, owner, amount)
}

// Balance returns the token balance of owner.
func (c *Chain) Balance(token, owner common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return get(c.st.balances, token, owner)
}

// SetAllowance sets the allowance granted by owner to spender.
func (c *Chain) SetAllowance(token, owner, spender common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	put(c.st.allowances, token, allowanceKey{owner, spender}, amount)
}

// Allowance returns the allowance granted by owner to spender.
func (c *Chain) Allowance(token, owner, spender common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return get(c.st.allowances, token, allowanceKey{owner, spender})
}

// Supplied returns the amount of asset supplied to the pool on behalf of user.
func (c *Chain) Supplied(asset, user common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return get(c.st.supplied, asset, user)
}

// Debt returns the variable debt of user in asset.
func (c *Chain) Debt(asset, user common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return get(c.st.debt, asset, user)
}

// SetAccountData sets the getUserAccountData answer. Without it the pool
// returns empty data, as an address without code would.
func (c *Chain) SetAccountData(data contracts.AccountData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accountData = &data
}

// SetPrice sets the oracle price (8 decimals) of asset.
func (c *Chain) SetPrice(asset common.Address, price *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[asset] = new(big.Int).Set(price)
}

// OnSend installs a hook consulted before each submission; a non-nil error
// rejects the submission as a node would.
func (c *Chain) OnSend(hook func(web3.CallRequest) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendHook = hook
}

// FailCalls makes every eth_call fail with err until reset with nil.
func (c *Chain) FailCalls(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callErr = err
}

// FailHistoricalCalls makes every Call pinned to an explicit block return err,
// as a node without archive state would. Latest-state calls still succeed.
func (c *Chain) FailHistoricalCalls(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.historyErr = err
}

// WithholdReceipts keeps submitted transactions pending forever.
func (c *Chain) WithholdReceipts(withhold bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.withholdReceipts = withhold
}

// Sent returns every accepted submission in order.
func (c *Chain) Sent() []web3.CallRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]web3.CallRequest, len(c.sent))
	copy(out, c.sent)
	return out
}

// CallCount returns the number of eth_call requests served.
func (c *Chain) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// ChainID implements web3.Chain.
func (c *Chain) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// Account implements web3.Chain.
func (c *Chain) Account() common.Address { return c.account }

// Close implements web3.Chain.
func (c *Chain) Close() {}

// Send implements web3.Chain.
func (c *Chain) Send(ctx context.Context, req web3.CallRequest) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sendHook != nil {
		if err := c.sendHook(req); err != nil {
			return common.Hash{}, err
		}
	}
	c.sent = append(c.sent, cloneRequest(req))

	c.history[c.block] = c.st.clone()
	next := c.st.clone()
	_, execErr := c.exec(next, c.account, req)
	c.block++

	status := types.ReceiptStatusSuccessful
	if execErr != nil {
		status = types.ReceiptStatusFailed
	} else {
		c.st = next
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], c.nonce)
	c.nonce++
	hash := crypto.Keccak256Hash(c.account.Bytes(), buf[:])
	if !c.withholdReceipts {
		c.receipts[hash] = &types.Receipt{
			Status:      status,
			TxHash:      hash,
			BlockNumber: new(big.Int).SetUint64(c.block),
		}
	}
	return hash, nil
}

// TransactionReceipt implements web3.Reader.
func (c *Chain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

// Call implements web3.Reader. A non-nil block selects the state as of the
// end of that block.
func (c *Chain) Call(ctx context.Context, req web3.CallRequest, block *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.callErr != nil {
		return nil, c.callErr
	}
	if block != nil && c.historyErr != nil {
		return nil, c.historyErr
	}

	st := c.st
	if block != nil {
		if past, ok := c.history[block.Uint64()]; ok {
			st = past
		}
	}
	return c.view(st.clone(), req)
}

func (c *Chain) view(st *state, req web3.CallRequest) ([]byte, error) {
	if len(req.Data) < 4 {
		return nil, ErrReverted
	}
	switch req.To {
	case c.contracts.LendingPool:
		method, err := contracts.PoolABI.MethodById(req.Data[:4])
		if err != nil || method.Name != "getUserAccountData" {
			return nil, ErrReverted
		}
		if c.accountData == nil {
			return []byte{}, nil
		}
		d := c.accountData
		return method.Outputs.Pack(d.TotalCollateralBase, d.TotalDebtBase, d.AvailableBorrowsBase,
			d.CurrentLiquidationThreshold, d.LTV, d.HealthFactor)
	case c.contracts.PriceOracle:
		method, err := contracts.OracleABI.MethodById(req.Data[:4])
		if err != nil {
			return nil, ErrReverted
		}
		args, err := method.Inputs.Unpack(req.Data[4:])
		if err != nil {
			return nil, ErrReverted
		}
		price, ok := c.prices[args[0].(common.Address)]
		if !ok {
			return nil, ErrReverted
		}
		return method.Outputs.Pack(price)
	case c.contracts.Multicall3:
		results, err := c.exec(st, c.account, req)
		if err != nil {
			return nil, err
		}
		method, _ := contracts.Multicall3ABI.MethodById(req.Data[:4])
		return method.Outputs.Pack(results)
	}

	method, err := contracts.ERC20ABI.MethodById(req.Data[:4])
	if err != nil {
		return nil, ErrReverted
	}
	args, err := method.Inputs.Unpack(req.Data[4:])
	if err != nil {
		return nil, ErrReverted
	}
	switch method.Name {
	case "balanceOf":
		return method.Outputs.Pack(get(st.balances, req.To, args[0].(common.Address)))
	case "allowance":
		key := allowanceKey{args[0].(common.Address), args[1].(common.Address)}
		return method.Outputs.Pack(get(st.allowances, req.To, key))
	}
	return nil, ErrReverted
}

// exec applies req to st on behalf of from. Multicall3 sub-calls run with the
// submitting account as sender.
func (c *Chain) exec(st *state, from common.Address, req web3.CallRequest) ([]contracts.Result, error) {
	if len(req.Data) < 4 {
		return nil, ErrReverted
	}
	switch {
	case req.To == c.contracts.Multicall3:
		return c.execMulticall(st, from, req.Data)
	case c.routers[req.To]:
		return nil, execSwap(st, from, req.To, req.Data)
	case req.To == c.contracts.LendingPool:
		return nil, execPool(st, from, req.To, req.Data)
	}

	method, err := contracts.ERC20ABI.MethodById(req.Data[:4])
	if err != nil || method.Name != "approve" {
		return nil, ErrReverted
	}
	spender, amount, err := contracts.DecodeApprove(req.Data)
	if err != nil {
		return nil, ErrReverted
	}
	put(st.allowances, req.To, allowanceKey{from, spender}, amount)
	return nil, nil
}

func (c *Chain) execMulticall(st *state, from common.Address, data []byte) ([]contracts.Result, error) {
	method, err := contracts.Multicall3ABI.MethodById(data[:4])
	if err != nil {
		return nil, ErrReverted
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil || len(args) != 1 {
		return nil, ErrReverted
	}

	type subcall struct {
		allowFailure bool
		req          web3.CallRequest
	}
	var subcalls []subcall
	switch method.Name {
	case "aggregate3":
		calls := *abi.ConvertType(args[0], new([]contracts.Call3)).(*[]contracts.Call3)
		for _, call := range calls {
			subcalls = append(subcalls, subcall{call.AllowFailure, web3.CallRequest{To: call.Target, Data: call.CallData}})
		}
	case "aggregate3Value":
		calls := *abi.ConvertType(args[0], new([]contracts.Call3Value)).(*[]contracts.Call3Value)
		for _, call := range calls {
			subcalls = append(subcalls, subcall{call.AllowFailure, web3.CallRequest{To: call.Target, Data: call.CallData, Value: call.Value}})
		}
	default:
		return nil, ErrReverted
	}

	results := make([]contracts.Result, 0, len(subcalls))
	for _, sub := range subcalls {
		next := st.clone()
		if _, err := c.exec(next, from, sub.req); err != nil {
			if !sub.allowFailure {
				return nil, fmt.Errorf("%w: call to %s failed", ErrReverted, sub.req.To.Hex())
			}
			results = append(results, contracts.Result{Success: false, ReturnData: []byte{}})
			continue
		}
		*st = *next
		results = append(results, contracts.Result{Success: true, ReturnData: []byte{}})
	}
	return results, nil
}

func execSwap(st *state, from, router common.Address, data []byte) error {
	method, err := routerABI.MethodById(data[:4])
	if err != nil {
		return ErrReverted
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return ErrReverted
	}
	tokenIn := args[0].(common.Address)
	amountIn := args[1].(*big.Int)
	tokenOut := args[2].(common.Address)
	amountOut := args[3].(*big.Int)
	if tokenIn == (common.Address{}) {
		return ErrReverted
	}
	if err := spend(st, tokenIn, from, router, amountIn); err != nil {
		return err
	}
	add(st.balances, tokenIn, router, amountIn)
	add(st.balances, tokenOut, from, amountOut)
	return nil
}

func execPool(st *state, from, pool common.Address, data []byte) error {
	method, err := contracts.PoolABI.MethodById(data[:4])
	if err != nil {
		return ErrReverted
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return ErrReverted
	}
	asset := args[0].(common.Address)
	amount := new(big.Int).Set(args[1].(*big.Int))
	if amount.Sign() <= 0 {
		return ErrReverted
	}

	switch method.Name {
	case "supply":
		if err := spend(st, asset, from, pool, amount); err != nil {
			return err
		}
		add(st.supplied, asset, args[2].(common.Address), amount)
	case "borrow":
		add(st.debt, asset, args[4].(common.Address), amount)
		add(st.balances, asset, from, amount)
	case "repay":
		onBehalf := args[3].(common.Address)
		owed := get(st.debt, asset, onBehalf)
		if amount.Cmp(owed) > 0 {
			amount = owed
		}
		if err := spend(st, asset, from, pool, amount); err != nil {
			return err
		}
		put(st.debt, asset, onBehalf, new(big.Int).Sub(owed, amount))
	case "withdraw":
		supplied := get(st.supplied, asset, from)
		if amount.Cmp(contracts.MaxUint256) == 0 {
			amount = supplied
		}
		if amount.Cmp(supplied) > 0 {
			return ErrReverted
		}
		put(st.supplied, asset, from, new(big.Int).Sub(supplied, amount))
		add(st.balances, asset, args[2].(common.Address), amount)
	default:
		return ErrReverted
	}
	return nil
}

// spend moves amount of token from owner to the spender's custody, consuming
// allowance unless it is unlimited.
func spend(st *state, token, owner, spender common.Address, amount *big.Int) error {
	key := allowanceKey{owner, spender}
	allowance := get(st.allowances, token, key)
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: insufficient allowance", ErrReverted)
	}
	balance := get(st.balances, token, owner)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: insufficient balance", ErrReverted)
	}
	if allowance.Cmp(contracts.MaxUint256) != 0 {
		put(st.allowances, token, key, new(big.Int).Sub(allowance, amount))
	}
	put(st.balances, token, owner, new(big.Int).Sub(balance, amount))
	return nil
}

func cloneRequest(req web3.CallRequest) web3.CallRequest {
	out := web3.CallRequest{To: req.To, Data: append([]byte(nil), req.Data...)}
	if req.Value != nil {
		out.Value = new(big.Int).Set(req.Value)
	}
	return out
}
