package mint

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind groups request errors by how the caller should react.
type Kind string

const (
	KindInvalidInput Kind = "invalid_input"
	KindNotFound     Kind = "not_found"
	KindForbidden    Kind = "forbidden"
	KindConflict     Kind = "conflict"
	KindUnavailable  Kind = "unavailable"
	KindInternal     Kind = "internal"
)

const (
	CodeInvalidInput      = "INVALID_INPUT"
	CodeActionNotFound    = "ACTION_NOT_FOUND"
	CodeActionNotMintable = "ACTION_NOT_MINTABLE"
	CodeScoreNotFound     = "SCORE_NOT_FOUND"
	CodeScoreNotPassed    = "SCORE_NOT_PASSED"
	CodeZeroReward        = "ZERO_REWARD"
	CodeFraudBlocked      = "FRAUD_BLOCKED"
	CodeAlreadyMinted     = "ALREADY_MINTED"
	CodeMintInProgress    = "MINT_IN_PROGRESS"
	CodeSubmissionPending = "SUBMISSION_PENDING"
	CodeNotSigned         = "NOT_SIGNED"
	CodeNonceConsumed     = "NONCE_CONSUMED"
	CodeRequestNotFound   = "MINT_REQUEST_NOT_FOUND"
	CodeRPCUnavailable    = "RPC_UNAVAILABLE"
	CodeSigningFailed     = "SIGNING_FAILED"
	CodeStoreFailure      = "STORE_FAILURE"
	CodeSourceFailure     = "SOURCE_FAILURE"
)

// RequestError is a pipeline rejection. Everything before the claim is
// side-effect free; SIGNING_FAILED and STORE_FAILURE may leave a pending record.
type RequestError struct {
	Kind    Kind
	Code    string
	Message string
	// Detail is rendered as the error details, e.g. endpoint rejections.
	Detail any
	// TxHash is the confirmed transaction for ALREADY_MINTED conflicts.
	TxHash string
	Err    error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *RequestError) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind to a response status.
func (e *RequestError) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func reject(kind Kind, code, msg string) *RequestError {
	return &RequestError{Kind: kind, Code: code, Message: msg}
}

func internal(code, msg string, err error) *RequestError {
	return &RequestError{Kind: KindInternal, Code: code, Message: msg, Err: err}
}

// AsRequestError unwraps err into a *RequestError, wrapping unknown errors as internal.
func AsRequestError(err error) *RequestError {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr
	}
	return internal("INTERNAL", "internal error", err)
}
