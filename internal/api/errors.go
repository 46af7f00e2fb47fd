package api

import (
	"encoding/json"
	"net/http"

	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/ledger"
)

type errorBody struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

var statusByCode = map[xerrors.Code]int{
	xerrors.CodeInvalidArgument:           http.StatusBadRequest,
	xerrors.CodeInvalidAllocation:         http.StatusBadRequest,
	xerrors.CodeInvalidBatch:              http.StatusBadRequest,
	xerrors.CodeInsufficientSourceBalance: http.StatusUnprocessableEntity,
	xerrors.CodeNoDepositableBalance:      http.StatusUnprocessableEntity,
	xerrors.CodeNotFound:                  http.StatusNotFound,
	ledger.CodeRecordNotFound:             http.StatusNotFound,
	xerrors.CodeSequenceInFlight:          http.StatusConflict,
	xerrors.CodeConflict:                  http.StatusConflict,
	xerrors.CodeRecordFinalized:           http.StatusConflict,
	xerrors.CodeQuoteUnavailable:          http.StatusBadGateway,
	xerrors.CodeApprovalFailed:            http.StatusBadGateway,
	xerrors.CodeSwapFailed:                http.StatusBadGateway,
	xerrors.CodeDepositFailed:             http.StatusBadGateway,
	xerrors.CodeLendingFailed:             http.StatusBadGateway,
	xerrors.CodeTransactionReverted:       http.StatusBadGateway,
	xerrors.CodeSubmissionFailed:          http.StatusBadGateway,
	xerrors.CodeChainFailure:              http.StatusBadGateway,
	xerrors.CodeCallResultUnknown:         http.StatusBadGateway,
	xerrors.CodeTransactionTimedOut:       http.StatusGatewayTimeout,
	xerrors.CodeTimeout:                   http.StatusGatewayTimeout,
}

// statusFor 将错误码映射为 HTTP 状态码，未登记的错误码视为内部错误。
func statusFor(err error) int {
	if status, ok := statusByCode[xerrors.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func errorResponse(err error) (int, *errorBody) {
	body := &errorBody{Code: xerrors.CodeOf(err), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
		body.Metadata = e.Metadata()
	}
	return statusFor(err), body
}

func writeError(w http.ResponseWriter, err error) {
	status, body := errorResponse(err)
	writeJSON(w, status, map[string]*errorBody{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
