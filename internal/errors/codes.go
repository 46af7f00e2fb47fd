package errors

// 通用错误码。
const (
	CodeUnknown         Code = "UNKNOWN"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeStorageFailure  Code = "STORAGE_FAILURE"
	CodeTimeout         Code = "TIMEOUT"
)

// 交易编排相关的错误码。所有交易类错误默认不可自动重试，
// 重试只能由调用方显式重新发起。
const (
	CodeInvalidAllocation         Code = "INVALID_ALLOCATION"
	CodeInsufficientSourceBalance Code = "INSUFFICIENT_SOURCE_BALANCE"
	CodeQuoteUnavailable          Code = "QUOTE_UNAVAILABLE"
	CodeApprovalFailed            Code = "APPROVAL_FAILED"
	CodeSwapFailed                Code = "SWAP_FAILED"
	CodeDepositFailed             Code = "DEPOSIT_FAILED"
	CodeNoDepositableBalance      Code = "NO_DEPOSITABLE_BALANCE"
	CodeInvalidBatch              Code = "INVALID_BATCH"
	CodeTransactionReverted       Code = "TRANSACTION_REVERTED"
	CodeTransactionTimedOut       Code = "TRANSACTION_TIMED_OUT"
	CodeSubmissionFailed          Code = "SUBMISSION_FAILED"
	CodeSequenceInFlight          Code = "SEQUENCE_IN_FLIGHT"
	CodeRecordFinalized           Code = "RECORD_FINALIZED"
	CodeLendingFailed             Code = "LENDING_FAILED"
	CodeChainFailure              Code = "CHAIN_FAILURE"
	CodeHealthFactorLow           Code = "HEALTH_FACTOR_LOW"
	CodeCallResultUnknown         Code = "CALL_RESULT_UNKNOWN"
)

var builtin = map[Code]Attributes{
	CodeUnknown:         {Message: "unknown error", Severity: SeverityCritical, Alert: true},
	CodeInvalidArgument: {Message: "invalid argument", Severity: SeverityInfo},
	CodeNotFound:        {Message: "resource not found", Severity: SeverityInfo},
	CodeConflict:        {Message: "resource conflict", Severity: SeverityWarning},
	CodeStorageFailure:  {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeTimeout:         {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},

	CodeInvalidAllocation:         {Message: "allocation weights are invalid", Severity: SeverityInfo},
	CodeInsufficientSourceBalance: {Message: "insufficient source balance", Severity: SeverityInfo},
	CodeQuoteUnavailable:          {Message: "swap quote unavailable", Severity: SeverityWarning},
	CodeApprovalFailed:            {Message: "token approval failed", Severity: SeverityWarning, Alert: true},
	CodeSwapFailed:                {Message: "swap failed", Severity: SeverityWarning, Alert: true},
	CodeDepositFailed:             {Message: "deposit failed", Severity: SeverityWarning, Alert: true},
	CodeNoDepositableBalance:      {Message: "no depositable balance", Severity: SeverityInfo},
	CodeInvalidBatch:              {Message: "invalid batch", Severity: SeverityWarning},
	CodeTransactionReverted:       {Message: "transaction reverted", Severity: SeverityWarning, Alert: true},
	CodeTransactionTimedOut:       {Message: "transaction confirmation timed out", Severity: SeverityCritical, Alert: true},
	CodeSubmissionFailed:          {Message: "transaction submission failed", Severity: SeverityWarning, Alert: true},
	CodeSequenceInFlight:          {Message: "another sequence is in flight", Severity: SeverityInfo},
	CodeRecordFinalized:           {Message: "transaction record already finalized", Severity: SeverityWarning},
	CodeLendingFailed:             {Message: "lending operation failed", Severity: SeverityWarning, Alert: true},
	CodeChainFailure:              {Message: "chain access failure", Severity: SeverityWarning, Retryable: true},
	CodeHealthFactorLow:           {Message: "health factor below safety floor", Severity: SeverityWarning, Alert: true},
	CodeCallResultUnknown:         {Message: "batched call result unknown", Severity: SeverityCritical, Alert: true},
}
