package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"bbdfi/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name       string
	RPCURL     string
	PrivateKey string
	// Account is used for reads when no private key is configured.
	Account          string
	GasMultiplierBps int64
}

// backend mirrors the subset of ethclient.Client used by the client.
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Client implements web3.Chain for EVM compatible chains. Transactions are
// signed locally as EIP-1559 transactions with the configured key.
type Client struct {
	name          string
	rpcClient     *gethrpc.Client
	eth           backend
	key           *ecdsa.PrivateKey
	account       common.Address
	chainID       *big.Int
	signer        coretypes.Signer
	gasMultiplier int64

	// sendMu serialises nonce allocation and broadcast.
	sendMu sync.Mutex
}

var _ web3.Chain = (*Client)(nil)

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	client, err := newClient(ctx, cfg, ethclient.NewClient(rpcClient))
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	client.rpcClient = rpcClient
	return client, nil
}

func newClient(ctx context.Context, cfg Config, eth backend) (*Client, error) {
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}

	c := &Client{
		name:          cfg.Name,
		eth:           eth,
		chainID:       chainID,
		signer:        coretypes.LatestSignerForChainID(chainID),
		gasMultiplier: cfg.GasMultiplierBps,
	}
	if c.gasMultiplier < 10000 {
		c.gasMultiplier = 12000
	}

	switch {
	case strings.TrimSpace(cfg.PrivateKey) != "":
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("解析签名私钥失败: %w", err)
		}
		c.key = key
		c.account = crypto.PubkeyToAddress(key.PublicKey)
	case common.IsHexAddress(cfg.Account):
		c.account = common.HexToAddress(cfg.Account)
	default:
		return nil, errors.New("未配置签名私钥或只读账户地址")
	}
	return c, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// ChainID returns the chain id reported by the node at dial time.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// Account returns the address transactions are sent from.
func (c *Client) Account() common.Address { return c.account }

// Call runs eth_call from the configured account.
func (c *Client) Call(ctx context.Context, req web3.CallRequest, block *big.Int) ([]byte, error) {
	to := req.To
	out, err := c.eth.CallContract(ctx, gethcore.CallMsg{
		From:  c.account,
		To:    &to,
		Data:  req.Data,
		Value: req.Value,
	}, block)
	if err != nil {
		return nil, fmt.Errorf("调用合约 %s 失败: %w", to.Hex(), err)
	}
	return out, nil
}

// TransactionReceipt returns the receipt or go-ethereum's NotFound.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	return c.eth.TransactionReceipt(ctx, hash)
}

// Send signs and broadcasts a dynamic fee transaction for req.
func (c *Client) Send(ctx context.Context, req web3.CallRequest) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, errors.New("只读客户端无法发送交易")
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	to := req.To

	nonce, err := c.eth.PendingNonceAt(ctx, c.account)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取 nonce 失败: %w", err)
	}
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取小费建议失败: %w", err)
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取最新区块失败: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas, err := c.eth.EstimateGas(ctx, gethcore.CallMsg{
		From:  c.account,
		To:    &to,
		Data:  req.Data,
		Value: value,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("估算 gas 失败: %w", err)
	}
	gas = gas * uint64(c.gasMultiplier) / 10000

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := coretypes.SignTx(tx, c.signer, c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("发送交易失败: %w", err)
	}
	return signed.Hash(), nil
}
