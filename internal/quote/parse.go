package quote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/web3"
)

type swapResponse struct {
	Error              json.RawMessage `json:"error"`
	Message            json.RawMessage `json:"message"`
	Transaction        *rawTransaction `json:"transaction"`
	ApproveTransaction *rawTransaction `json:"approveTransaction"`
	Quote              *rawQuote       `json:"quote"`
	Warning            *rawWarning     `json:"warning"`
}

type rawTransaction struct {
	To    string          `json:"to"`
	Data  string          `json:"data"`
	Value json.RawMessage `json:"value"`
	Gas   json.RawMessage `json:"gas"`
}

type rawQuote struct {
	ToAmount json.RawMessage `json:"toAmount"`
}

type rawWarning struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Description string `json:"description"`
}

// ParseSwapResponse 将聚合器响应解析为 SwapQuote。所有字段探测逻辑都集中在这里：
// 出现 error/message 字段或缺少 transaction 时一律视为报价不可用，不做部分解析。
func ParseSwapResponse(body []byte, req Request) (*SwapQuote, error) {
	var resp swapResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQuoteUnavailable, err, "报价响应不是合法 JSON")
	}

	if present(resp.Error) || present(resp.Message) {
		return nil, unavailable(req, errorText(resp.Error, resp.Message))
	}
	if resp.Transaction == nil {
		reason := "报价响应缺少 transaction"
		if resp.Warning != nil {
			if text := firstNonEmpty(resp.Warning.Message, resp.Warning.Description); text != "" {
				reason = text
			}
		}
		return nil, unavailable(req, reason)
	}

	call, gas, err := parseTransaction(resp.Transaction)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQuoteUnavailable, err, "报价交易字段无效", metadata(req)...)
	}

	quote := &SwapQuote{
		Source:       req.Source,
		Destination:  req.Destination,
		SourceAmount: cloneAmount(req.Amount),
		Call:         call,
		Gas:          gas,
	}

	if resp.ApproveTransaction != nil {
		approval, _, err := parseTransaction(resp.ApproveTransaction)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeQuoteUnavailable, err, "报价授权交易字段无效", metadata(req)...)
		}
		quote.Approval = &approval
	}

	if resp.Quote != nil && present(resp.Quote.ToAmount) {
		amount, err := parseTokenAmount(resp.Quote.ToAmount, req.Destination.Decimals)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeQuoteUnavailable, err, "报价 toAmount 无效", metadata(req)...)
		}
		quote.ExpectedDestinationAmount = amount
	}

	if resp.Warning != nil {
		quote.Warning = firstNonEmpty(resp.Warning.Message, resp.Warning.Description, resp.Warning.Type)
	}
	return quote, nil
}

func parseTransaction(raw *rawTransaction) (web3.CallRequest, uint64, error) {
	if !common.IsHexAddress(raw.To) {
		return web3.CallRequest{}, 0, errorf("交易目标地址无效: %q", raw.To)
	}
	data, err := hexutil.Decode(strings.TrimSpace(raw.Data))
	if err != nil || len(data) == 0 {
		return web3.CallRequest{}, 0, errorf("交易 data 无效: %q", raw.Data)
	}
	value, err := parseQuantity(raw.Value)
	if err != nil {
		return web3.CallRequest{}, 0, errorf("交易 value 无效: %s", string(raw.Value))
	}
	var gas uint64
	if present(raw.Gas) {
		g, err := parseQuantity(raw.Gas)
		if err != nil || !g.IsUint64() {
			return web3.CallRequest{}, 0, errorf("交易 gas 无效: %s", string(raw.Gas))
		}
		gas = g.Uint64()
	}
	return web3.CallRequest{To: common.HexToAddress(raw.To), Data: data, Value: value}, gas, nil
}

// parseQuantity 接受十进制字符串、0x 十六进制字符串或 JSON 数字，缺省为 0。
func parseQuantity(raw json.RawMessage) (*big.Int, error) {
	if !present(raw) {
		return new(big.Int), nil
	}
	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, `"`) {
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		text = strings.TrimSpace(text)
	}
	if text == "" {
		return new(big.Int), nil
	}
	if strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X") {
		if len(text) == 2 {
			return new(big.Int), nil
		}
		value, ok := new(big.Int).SetString(text[2:], 16)
		if !ok {
			return nil, errorf("无法解析十六进制数值 %q", text)
		}
		return value, nil
	}
	value, ok := new(big.Int).SetString(text, 10)
	if !ok || value.Sign() < 0 {
		return nil, errorf("无法解析数值 %q", text)
	}
	return value, nil
}

// parseTokenAmount 解析报价输出数量。整数视为最小单位；带小数点的值按代币精度换算并向下取整。
func parseTokenAmount(raw json.RawMessage, decimals uint8) (*big.Int, error) {
	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, `"`) {
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		text = strings.TrimSpace(text)
	}
	if text == "" {
		return nil, errorf("toAmount 为空")
	}
	if !strings.ContainsAny(text, ".eE") {
		value, ok := new(big.Int).SetString(text, 10)
		if !ok || value.Sign() < 0 {
			return nil, errorf("无法解析 toAmount %q", text)
		}
		return value, nil
	}
	value, err := decimal.NewFromString(text)
	if err != nil {
		return nil, err
	}
	if value.IsNegative() {
		return nil, errorf("toAmount 不能为负数: %q", text)
	}
	return value.Shift(int32(decimals)).Floor().BigInt(), nil
}

// FormatAmount 将最小单位数量格式化为聚合器要求的十进制字符串。
func FormatAmount(amount *big.Int, decimals uint8) string {
	if amount == nil {
		amount = new(big.Int)
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).StringFixed(int32(decimals))
}

func unavailable(req Request, reason string) error {
	return xerrors.New(xerrors.CodeQuoteUnavailable, reason, metadata(req)...)
}

func metadata(req Request) []xerrors.Option {
	return []xerrors.Option{
		xerrors.WithMetadata("from", req.Source.Symbol),
		xerrors.WithMetadata("to", req.Destination.Symbol),
	}
}

// errorText 兼容 error 为字符串或 {message} 对象两种形态。
func errorText(fields ...json.RawMessage) string {
	for _, raw := range fields {
		if !present(raw) {
			continue
		}
		var text string
		if err := json.Unmarshal(raw, &text); err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil && strings.TrimSpace(obj.Message) != "" {
			return strings.TrimSpace(obj.Message)
		}
	}
	return "聚合器返回错误"
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if v := strings.TrimSpace(value); v != "" {
			return v
		}
	}
	return ""
}

func cloneAmount(amount *big.Int) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(amount)
}

func errorf(format string, args ...any) error {
	for i, arg := range args {
		if s, ok := arg.(string); ok && len(s) > 80 {
			args[i] = s[:80] + "..."
		}
	}
	return fmt.Errorf(format, args...)
}
