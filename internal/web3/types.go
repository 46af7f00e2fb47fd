package web3

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Token is an ERC-20 deployment resolved for a logical asset.
type Token struct {
	Asset    string         `json:"asset,omitempty"`
	Symbol   string         `json:"symbol"`
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
}

// Contracts holds the protocol contract addresses of a chain.
type Contracts struct {
	LendingPool common.Address
	PriceOracle common.Address
	Multicall3  common.Address
}

// Profile is the explicit per-chain configuration resolved once at start-up
// and handed to every component.
type Profile struct {
	Name          string
	ChainID       int64
	RPCURL        string
	WSURL         string
	Description   string
	Contracts     Contracts
	Tokens        map[string]Token
	Assets        map[string]string
	SourceAsset   string
	TrackedAssets []string
}

// Token resolves the token backing a logical asset (BTC, ETH, USDC).
func (p Profile) Token(asset string) (Token, error) {
	symbol, ok := p.Assets[asset]
	if !ok {
		return Token{}, fmt.Errorf("资产 %s 在链 %s 上没有对应代币", asset, p.Name)
	}
	tok, ok := p.Tokens[symbol]
	if !ok {
		return Token{}, fmt.Errorf("代币 %s 在链 %s 上未定义", symbol, p.Name)
	}
	tok.Asset = asset
	return tok, nil
}

// SourceToken returns the token every swap starts from.
func (p Profile) SourceToken() (Token, error) {
	if p.SourceAsset == "" {
		return Token{}, fmt.Errorf("链 %s 未配置 source_asset", p.Name)
	}
	return p.Token(p.SourceAsset)
}

// TrackedTokens returns the tokens swept by the deposit phase, in order.
func (p Profile) TrackedTokens() ([]Token, error) {
	tokens := make([]Token, 0, len(p.TrackedAssets))
	for _, asset := range p.TrackedAssets {
		tok, err := p.Token(asset)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

// CallRequest is a single contract call: target, call data and attached value.
type CallRequest struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Reader groups the read-only chain access used by the core.
type Reader interface {
	// Call executes eth_call at the given block; nil means latest.
	Call(ctx context.Context, req CallRequest, block *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Chain is the signing client used to submit transactions for the
// configured account.
type Chain interface {
	Reader
	ChainID() *big.Int
	Account() common.Address
	// Send signs and broadcasts req, returning once the node accepted it.
	Send(ctx context.Context, req CallRequest) (common.Hash, error)
	Close()
}
