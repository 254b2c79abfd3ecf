package lock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// Code is the on-chain failure taxonomy.
type Code string

const (
	CodeInsufficientGas       Code = "INSUFFICIENT_GAS"
	CodeActionNotRegistered   Code = "ACTION_NOT_REGISTERED"
	CodeAttesterNotRegistered Code = "ATTESTER_NOT_REGISTERED"
	CodeRPCFailure            Code = "RPC_FAILURE"
	CodeContractRevert        Code = "CONTRACT_REVERT"
	// CodeNonceConsumed means the signed nonce is no longer current on-chain.
	CodeNonceConsumed Code = "NONCE_CONSUMED"
)

const maxDetailLen = 300

// Error is a classified on-chain failure. Detail is meant for operators.
type Error struct {
	Code   Code
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Detail
}

func (e *Error) Unwrap() error { return e.Err }

// Ambiguous reports whether the transaction may have landed despite the error.
// Callers holding a transaction hash must reconcile it before sending again.
func (e *Error) Ambiguous() bool { return e.Code == CodeRPCFailure }

func newError(code Code, detail string, err error) *Error {
	return &Error{Code: code, Detail: truncate(detail), Err: err}
}

// Classify maps any submission failure to the taxonomy. Typed errors raised at
// the point of detection win; substring matching is reserved for untyped
// transport and revert text. First match wins.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return newError(CodeRPCFailure, err.Error(), err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "insufficient funds", "insufficient balance", "gas required exceeds", "intrinsic gas", "out of gas", "underpriced", "max fee per gas"):
		return newError(CodeInsufficientGas, err.Error(), err)
	case containsAny(msg, "action not allowed", "action not registered", "unregistered action", "invalid action", "action deprecated", "action_not_allowed"):
		return newError(CodeActionNotRegistered, err.Error(), err)
	case strings.Contains(msg, "attester"):
		return newError(CodeAttesterNotRegistered, err.Error(), err)
	case isNetworkError(err) || containsAny(msg, "timeout", "timed out", "connection refused", "connection reset", "no such host", "already known", "known transaction", "503 service unavailable", "502 bad gateway", "429 too many requests"):
		return newError(CodeRPCFailure, err.Error(), err)
	default:
		return newError(CodeContractRevert, err.Error(), err)
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func truncate(s string) string {
	if len(s) <= maxDetailLen {
		return s
	}
	return s[:maxDetailLen] + "..."
}

func attesterNotRegistered(signer, gov string) *Error {
	return newError(CodeAttesterNotRegistered,
		fmt.Sprintf("signer %s is not an attester; guardian governance %s must call addAttester(%s)", signer, gov, signer), nil)
}

func actionNotRegistered(action, gov string, deprecated bool) *Error {
	if deprecated {
		return newError(CodeActionNotRegistered,
			fmt.Sprintf("action %q is deprecated; guardian governance %s must register a new version via govRegisterAction(%q, version)", action, gov, action), nil)
	}
	return newError(CodeActionNotRegistered,
		fmt.Sprintf("action %q is not registered; guardian governance %s must call govRegisterAction(%q, 1)", action, gov, action), nil)
}
