package balance

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/web3"
	"bbdfi/internal/web3/contracts"
	"bbdfi/pkg/logger"
)

const defaultConcurrency = 4

// Holding 是观察到的代币余额。
type Holding struct {
	Token  web3.Token
	Amount *big.Int
}

// Positive 判断余额是否大于零。
func (h Holding) Positive() bool { return h.Amount != nil && h.Amount.Sign() > 0 }

// Oracle 读取单个账户的链上代币余额。结果不缓存，每次调用都观察最新区块。
type Oracle struct {
	reader      web3.Reader
	owner       common.Address
	concurrency int
	logger      *slog.Logger
}

// Option 定义 Oracle 的可选配置。
type Option func(*Oracle)

// WithConcurrency 限制 Balances 的并发读取数。
func WithConcurrency(n int) Option {
	return func(o *Oracle) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(o *Oracle) {
		if log != nil {
			o.logger = log
		}
	}
}

// NewOracle 创建 Oracle。
func NewOracle(reader web3.Reader, owner common.Address, opts ...Option) *Oracle {
	o := &Oracle{reader: reader, owner: owner, concurrency: defaultConcurrency, logger: logger.Named("balance")}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Owner 返回被观察的账户。
func (o *Oracle) Owner() common.Address { return o.owner }

// Balance 读取 token 的 balanceOf(owner)。
func (o *Oracle) Balance(ctx context.Context, token web3.Token) (*big.Int, error) {
	data, err := contracts.PackBalanceOf(o.owner)
	if err != nil {
		return nil, err
	}
	out, err := o.reader.Call(ctx, web3.CallRequest{To: token.Address, Data: data}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取代币余额失败",
			xerrors.WithMetadata("token", token.Symbol))
	}
	amount, err := contracts.UnpackUint256("balanceOf", out)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "解析代币余额失败",
			xerrors.WithMetadata("token", token.Symbol))
	}
	return amount, nil
}

// Balances 并发读取全部代币，结果保持输入顺序。
// 第一个读取失败会取消其余读取并返回该错误。
func (o *Oracle) Balances(ctx context.Context, tokens []web3.Token) ([]Holding, error) {
	holdings := make([]Holding, len(tokens))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i, token := range tokens {
		g.Go(func() error {
			amount, err := o.Balance(gctx, token)
			if err != nil {
				return err
			}
			holdings[i] = Holding{Token: token, Amount: amount}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	attrs := make([]any, 0, len(holdings))
	for _, h := range holdings {
		attrs = append(attrs, slog.String(h.Token.Symbol, h.Amount.String()))
	}
	o.logger.Debug("读取余额完成", attrs...)
	return holdings, nil
}
