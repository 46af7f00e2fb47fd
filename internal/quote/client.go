package quote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/web3"
	"bbdfi/pkg/logger"
)

const (
	defaultBaseURL = "https://api.developer.coinbase.com/onchainkit/v1/swap"
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
)

// Config 描述聚合器接口的访问参数。
type Config struct {
	BaseURL string
	APIKey  string
	ChainID int64
	Timeout time.Duration
}

// AggregatorClient 通过 HTTP 调用兑换聚合器获取报价。
type AggregatorClient struct {
	baseURL    string
	apiKey     string
	chainID    int64
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Provider = (*AggregatorClient)(nil)

// NewAggregatorClient 根据配置创建聚合器客户端。
func NewAggregatorClient(cfg Config) (*AggregatorClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("未提供聚合器 API Key")
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("聚合器 chain id 无效: %d", cfg.ChainID)
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &AggregatorClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		chainID:    cfg.ChainID,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("quote"),
	}, nil
}

type tokenPayload struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	ChainID  int64  `json:"chainId"`
}

type swapRequest struct {
	FromAddress   string       `json:"fromAddress"`
	From          tokenPayload `json:"from"`
	To            tokenPayload `json:"to"`
	Amount        string       `json:"amount"`
	UseAggregator bool         `json:"useAggregator"`
}

// Quote 实现 Provider 接口。每次调用都向聚合器请求新报价。
func (c *AggregatorClient) Quote(ctx context.Context, req Request) (*SwapQuote, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "报价数量必须大于0")
	}

	payload, err := json.Marshal(swapRequest{
		FromAddress:   req.From.Hex(),
		From:          c.tokenPayload(req.Source),
		To:            c.tokenPayload(req.Destination),
		Amount:        FormatAmount(req.Amount, req.Source.Decimals),
		UseAggregator: true,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化报价请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建报价请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQuoteUnavailable, err, "请求聚合器失败", metadata(req)...)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQuoteUnavailable, err, "读取报价响应失败", metadata(req)...)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		reason := truncate(body)
		var errBody swapResponse
		if json.Unmarshal(body, &errBody) == nil && (present(errBody.Error) || present(errBody.Message)) {
			reason = errorText(errBody.Error, errBody.Message)
		}
		return nil, xerrors.New(xerrors.CodeQuoteUnavailable,
			fmt.Sprintf("聚合器返回错误状态 %d: %s", resp.StatusCode, reason), metadata(req)...)
	}

	quote, err := ParseSwapResponse(body, req)
	if err != nil {
		c.logger.Warn("报价不可用",
			slog.String("from", req.Source.Symbol),
			slog.String("to", req.Destination.Symbol),
			slog.String("amount", req.Amount.String()),
			slog.Any("error", err),
		)
		return nil, err
	}
	quote.FetchedAt = time.Now().UTC()

	c.logger.Debug("获取报价成功",
		slog.String("from", req.Source.Symbol),
		slog.String("to", req.Destination.Symbol),
		slog.String("amount", req.Amount.String()),
		slog.String("expected_out", amountOrEmpty(quote)),
		slog.Bool("approval", quote.Approval != nil),
		slog.Duration("latency", time.Since(start)),
	)
	return quote, nil
}

func (c *AggregatorClient) tokenPayload(tok web3.Token) tokenPayload {
	return tokenPayload{
		Name:     tok.Symbol,
		Address:  tok.Address.Hex(),
		Symbol:   tok.Symbol,
		Decimals: tok.Decimals,
		ChainID:  c.chainID,
	}
}

func amountOrEmpty(q *SwapQuote) string {
	if q.ExpectedDestinationAmount == nil {
		return ""
	}
	return q.ExpectedDestinationAmount.String()
}

func truncate(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > 256 {
		return text[:256] + "..."
	}
	return text
}
