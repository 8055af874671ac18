// Package domain provides the shared types and the canonical error taxonomy
// for the submission pipeline.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of a pipeline error. Callers branch on the
// type to decide how to render the failure and whether a retry is offered.
type ErrorType string

const (
	// ErrorTypeInput indicates malformed local input (for example an incomplete
	// record). It is rejected locally and never sent over the wire.
	ErrorTypeInput ErrorType = "input"

	// ErrorTypeUserDeclined indicates the user rejected a wallet prompt.
	// Nothing was charged and the draft is kept.
	ErrorTypeUserDeclined ErrorType = "user_declined"

	// ErrorTypeNetwork indicates an RPC or HTTP failure before any charge.
	ErrorTypeNetwork ErrorType = "network"

	// ErrorTypeSettlement indicates an on-chain transaction reverted or was not
	// included in time.
	ErrorTypeSettlement ErrorType = "settlement"

	// ErrorTypePostPayment indicates the protected call failed after payment
	// settled. The client cannot recover this on its own.
	ErrorTypePostPayment ErrorType = "post_payment"

	// ErrorTypeVerification indicates the signature oracle could not be reached
	// or failed. It is not a statement about the signature itself.
	ErrorTypeVerification ErrorType = "verification"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeIncompleteRecord   ErrorCode = "incomplete_record"
	ErrorCodeMalformedRecord    ErrorCode = "malformed_record"
	ErrorCodePromptTooLong      ErrorCode = "prompt_too_long"
	ErrorCodeUserRejected       ErrorCode = "user_rejected"
	ErrorCodeInsufficientFunds  ErrorCode = "insufficient_funds"
	ErrorCodeContractPaused     ErrorCode = "contract_paused"
	ErrorCodeRPCFailure         ErrorCode = "rpc_failure"
	ErrorCodeTxReverted         ErrorCode = "tx_reverted"
	ErrorCodeSettlementTimeout  ErrorCode = "settlement_timeout"
	ErrorCodeSubmissionFailed   ErrorCode = "submission_failed"
	ErrorCodeOracleUnavailable  ErrorCode = "oracle_unavailable"
	ErrorCodeWalletNotConnected ErrorCode = "wallet_not_connected"
	ErrorCodeBackendRejected    ErrorCode = "backend_rejected"
	ErrorCodeNotFound           ErrorCode = "not_found"
	ErrorCodeSubmissionBusy     ErrorCode = "submission_in_flight"
	ErrorCodeQuotaExhausted     ErrorCode = "quota_exhausted"
)

// Error is the canonical error carried through the pipeline.
type Error struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// SessionID and TxHash identify a charge for manual reconciliation.
	SessionID string `json:"session_id,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the status the local HTTP surface uses for this error.
func (e *Error) HTTPStatusCode() int {
	switch e.Code {
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeSubmissionBusy:
		return http.StatusConflict
	}

	switch e.Type {
	case ErrorTypeInput:
		return http.StatusBadRequest
	case ErrorTypeUserDeclined:
		return http.StatusConflict
	case ErrorTypeSettlement:
		return http.StatusPaymentRequired
	case ErrorTypeNetwork, ErrorTypeVerification:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new pipeline error.
func NewError(errType ErrorType, code ErrorCode, message string) *Error {
	return &Error{
		Type:    errType,
		Code:    code,
		Message: message,
	}
}

// WithCause sets the underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// WithCharge attaches the identifiers of an on-chain charge.
func (e *Error) WithCharge(sessionID, txHash string) *Error {
	e.SessionID = sessionID
	e.TxHash = txHash
	return e
}

// Convenience constructors for common errors

// ErrInput creates an input error.
func ErrInput(code ErrorCode, message string) *Error {
	return NewError(ErrorTypeInput, code, message)
}

// ErrUserDeclined creates a user-declined error.
func ErrUserDeclined(message string, cause error) *Error {
	return NewError(ErrorTypeUserDeclined, ErrorCodeUserRejected, message).WithCause(cause)
}

// ErrNetwork creates a retryable network error.
func ErrNetwork(message string, cause error) *Error {
	return NewError(ErrorTypeNetwork, ErrorCodeRPCFailure, message).WithCause(cause)
}

// ErrSettlement creates a settlement error.
func ErrSettlement(code ErrorCode, message string) *Error {
	return NewError(ErrorTypeSettlement, code, message)
}

// ErrPostPayment creates a post-payment submission error.
func ErrPostPayment(sessionID, txHash string, cause error) *Error {
	return NewError(ErrorTypePostPayment, ErrorCodeSubmissionFailed,
		"payment settled but the prompt submission failed").
		WithCharge(sessionID, txHash).
		WithCause(cause)
}

// ErrVerification creates a verification (oracle) error.
func ErrVerification(cause error) *Error {
	return NewError(ErrorTypeVerification, ErrorCodeOracleUnavailable,
		"signature verification unavailable").WithCause(cause)
}

// TypeOf returns the category of err, or "" when err is not a pipeline error.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// CodeOf returns the code of err, or "" when err is not a pipeline error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether the failed step can be repeated without
// discarding the draft and without risking a double charge.
func IsRetryable(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeNetwork, ErrorTypeSettlement, ErrorTypeVerification:
		return true
	}
	return false
}
