package api

import (
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"bbdfi/internal/allocation"
	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/lending"
	"bbdfi/internal/ledger"
	"bbdfi/internal/position"
	"bbdfi/internal/sequencer"
	"bbdfi/internal/web3/contracts"
)

// sequenceRequest 的金额均为源资产最小单位的十进制字符串。
// LegAmounts 用于只重试部分分配时保留原始数量。
type sequenceRequest struct {
	Amount     string                `json:"amount"`
	Allocation allocation.Allocation `json:"allocation"`
	Mode       string                `json:"mode"`
	LegAmounts map[string]string     `json:"leg_amounts,omitempty"`
}

type depositRequest struct {
	Assets []string `json:"assets"`
}

type lendingRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type sequenceResponse struct {
	Outcome string            `json:"outcome"`
	Result  *sequencer.Result `json:"result,omitempty"`
	Error   *errorBody        `json:"error,omitempty"`
}

type lendingResponse struct {
	Result *lending.Result `json:"result,omitempty"`
	Error  *errorBody      `json:"error,omitempty"`
}

type positionResponse struct {
	position.AccountSnapshot
	CollateralUSD string `json:"collateral_usd"`
	DebtUSD       string `json:"debt_usd"`
	AvailableUSD  string `json:"available_usd"`
	HealthFactor  string `json:"health_factor"`
	HighRisk      bool   `json:"high_risk"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSequence(w http.ResponseWriter, r *http.Request) {
	if s.sequencer == nil {
		http.Error(w, "编排器未初始化", http.StatusServiceUnavailable)
		return
	}
	var req sequenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	intent, err := req.intent()
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.sequencer.Execute(r.Context(), intent)
	writeSequence(w, result, err)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if s.sequencer == nil {
		http.Error(w, "编排器未初始化", http.StatusServiceUnavailable)
		return
	}
	// 空请求体表示存入全部跟踪资产。
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	result, err := s.sequencer.Deposit(r.Context(), req.Assets...)
	writeSequence(w, result, err)
}

func (s *Server) handleLending(w http.ResponseWriter, r *http.Request) {
	if s.lending == nil {
		http.Error(w, "借贷模块未初始化", http.StatusServiceUnavailable)
		return
	}
	op, err := lending.ParseOperation(chi.URLParam(r, "operation"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req lendingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	var amount *big.Int
	if op == lending.OperationWithdraw && strings.EqualFold(req.Amount, "max") {
		amount = new(big.Int).Set(contracts.MaxUint256)
	} else if amount, err = parseAmount(req.Amount); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.lending.Execute(r.Context(), op, req.Asset, amount)
	if err != nil {
		status, body := errorResponse(err)
		writeJSON(w, status, lendingResponse{Result: result, Error: body})
		return
	}
	writeJSON(w, http.StatusOK, lendingResponse{Result: result})
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.Error(w, "交易记录未初始化", http.StatusServiceUnavailable)
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := s.ledger.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*ledger.TransactionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleTransactionStats(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.Error(w, "交易记录未初始化", http.StatusServiceUnavailable)
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.ledger.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTransactionDetail(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.Error(w, "交易记录未初始化", http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少交易记录 ID"))
		return
	}
	record, err := s.ledger.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	if s.positions == nil {
		http.Error(w, "仓位查询未初始化", http.StatusServiceUnavailable)
		return
	}
	snapshot, err := s.positions.Snapshot(r.Context(), s.account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionResponse{
		AccountSnapshot: snapshot,
		CollateralUSD:   snapshot.TotalCollateralValue().StringFixed(2),
		DebtUSD:         snapshot.TotalDebtValue().StringFixed(2),
		AvailableUSD:    snapshot.AvailableToBorrow().StringFixed(2),
		HealthFactor:    position.FormatHealthFactor(snapshot.HealthFactor()),
		HighRisk:        snapshot.IsHighRisk(s.floor),
	})
}

func (req sequenceRequest) intent() (sequencer.Intent, error) {
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return sequencer.Intent{}, err
	}
	mode, err := sequencer.ParseMode(req.Mode)
	if err != nil {
		return sequencer.Intent{}, err
	}
	intent := sequencer.Intent{
		SourceAmount: amount,
		Allocation:   req.Allocation,
		Mode:         mode,
		Origin:       sequencer.OriginManual,
	}
	if len(req.LegAmounts) > 0 {
		intent.LegAmounts = make(map[string]*big.Int, len(req.LegAmounts))
		for asset, raw := range req.LegAmounts {
			leg, err := parseAmount(raw)
			if err != nil {
				return sequencer.Intent{}, err
			}
			intent.LegAmounts[asset] = leg
		}
	}
	return intent, nil
}

// parseAmount 解析以最小单位表示的十进制整数。
func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "amount 必须是正整数（最小单位）",
			xerrors.WithMetadata("amount", raw))
	}
	return amount, nil
}

func listOptions(r *http.Request) ([]ledger.ListOption, error) {
	q := r.URL.Query()
	var opts []ledger.ListOption
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须是整数")
		}
		opts = append(opts, ledger.WithLimit(limit))
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须是整数")
		}
		opts = append(opts, ledger.WithOffset(offset))
	}
	if statuses := splitList(q["status"]); len(statuses) > 0 {
		list := make([]ledger.Status, 0, len(statuses))
		for _, raw := range statuses {
			status := ledger.Status(strings.ToLower(raw))
			if !ledger.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的交易状态",
					xerrors.WithMetadata("status", raw))
			}
			list = append(list, status)
		}
		opts = append(opts, ledger.WithStatuses(list...))
	}
	if kinds := splitList(q["kind"]); len(kinds) > 0 {
		list := make([]ledger.Kind, 0, len(kinds))
		for _, raw := range kinds {
			list = append(list, ledger.Kind(strings.ToLower(raw)))
		}
		opts = append(opts, ledger.WithKinds(list...))
	}
	if seq := q.Get("sequence_id"); seq != "" {
		opts = append(opts, ledger.WithSequence(seq))
	}
	if asset := q.Get("asset"); asset != "" {
		opts = append(opts, ledger.WithAsset(asset))
	}
	for key, apply := range map[string]func(time.Time) ledger.ListOption{
		"since": ledger.WithCreatedSince,
		"until": ledger.WithCreatedUntil,
	} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, key+" 必须是 RFC3339 时间")
		}
		opts = append(opts, apply(ts))
	}
	if strings.EqualFold(q.Get("order"), "asc") {
		opts = append(opts, ledger.WithSortOrder(ledger.SortByCreatedAsc))
	}
	return opts, nil
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func writeSequence(w http.ResponseWriter, result *sequencer.Result, err error) {
	resp := sequenceResponse{Result: result}
	if result != nil {
		resp.Outcome = result.Outcome()
	}
	if err != nil {
		status, body := errorResponse(err)
		resp.Error = body
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
