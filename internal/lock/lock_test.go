package lock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"testing"
	"time"

	"pplpmint/internal/chain"
	"pplpmint/internal/chain/chaintest"
	"pplpmint/internal/proof"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var signerAddr = common.HexToAddress("0x00000000000000000000000000000000000000a7")

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want Code
	}{
		{"insufficient funds for gas * price + value", CodeInsufficientGas},
		{"gas required exceeds allowance (0)", CodeInsufficientGas},
		{"execution reverted: PPLP: unregistered action", CodeActionNotRegistered},
		{"execution reverted: action not allowed", CodeActionNotRegistered},
		{"execution reverted: PPLP: not attester", CodeAttesterNotRegistered},
		{"Post \"https://rpc\": dial tcp: connection refused", CodeRPCFailure},
		{"request timed out", CodeRPCFailure},
		{"execution reverted: PPLP: amount exceeds epoch cap", CodeContractRevert},
		{"execution reverted: PPLP: proof whereof signer is stale", CodeContractRevert},
		{"already known", CodeRPCFailure},
	}
	for _, tc := range cases {
		got := Classify(errors.New(tc.msg))
		require.NotNil(t, got, tc.msg)
		assert.Equal(t, tc.want, got.Code, tc.msg)
	}
}

func TestClassifyPreservesRevertMessage(t *testing.T) {
	got := Classify(errors.New("execution reverted: PPLP: amount exceeds epoch cap"))
	assert.Equal(t, CodeContractRevert, got.Code)
	assert.Equal(t, "execution reverted: PPLP: amount exceeds epoch cap", got.Detail)

	long := Classify(errors.New("execution reverted: " + strings.Repeat("x", 1000)))
	assert.Equal(t, CodeContractRevert, long.Code)
	assert.Len(t, long.Detail, maxDetailLen+3)
	assert.True(t, strings.HasPrefix(long.Detail, "execution reverted: xxx"))
}

func TestClassifyPrefersTypedErrors(t *testing.T) {
	typed := &Error{Code: CodeAttesterNotRegistered, Detail: "insufficient funds mentioned but irrelevant"}
	got := Classify(fmt.Errorf("submit: %w", typed))
	assert.Same(t, typed, got)

	assert.Equal(t, CodeRPCFailure, Classify(context.DeadlineExceeded).Code)
	assert.Nil(t, Classify(nil))
}

func TestClassifyTransportEOF(t *testing.T) {
	assert.Equal(t, CodeRPCFailure, Classify(fmt.Errorf("post https://rpc: %w", io.EOF)).Code)
	assert.Equal(t, CodeRPCFailure, Classify(fmt.Errorf("read body: %w", io.ErrUnexpectedEOF)).Code)
}

func testRequest() Request {
	return Request{
		User:         common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		ActionName:   "QUESTION_ASK",
		Amount:       big.NewInt(50),
		EvidenceHash: proof.EvidenceHash("e", "a"),
		Signature:    make([]byte, 65),
		Signer:       signerAddr,
	}
}

func registeredConn() *chaintest.Conn {
	conn := chaintest.Healthy("https://rpc", 97, 0)
	conn.Attesters[signerAddr] = true
	conn.Actions[proof.ActionHash("QUESTION_ASK")] = chain.ActionInfo{Allowed: true, Version: 1}
	return conn
}

func TestSubmitConfirmed(t *testing.T) {
	conn := registeredConn()
	s := &Submitter{ConfirmTimeout: time.Second, PollInterval: time.Millisecond}

	res, err := s.Submit(context.Background(), conn, testRequest())
	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	assert.NotEqual(t, common.Hash{}, res.TxHash)
	assert.Equal(t, conn.Block+1, res.BlockNumber)
	require.Equal(t, 1, conn.LockCount())
	assert.Equal(t, "QUESTION_ASK", conn.LockCalls[0].ActionName)
	assert.Len(t, conn.LockCalls[0].Signatures, 1)
}

func TestSubmitAttesterGuard(t *testing.T) {
	conn := registeredConn()
	delete(conn.Attesters, signerAddr)

	_, err := (&Submitter{}).Submit(context.Background(), conn, testRequest())
	var lockErr *Error
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, CodeAttesterNotRegistered, lockErr.Code)
	assert.Contains(t, lockErr.Detail, conn.Gov.Hex())
	assert.Contains(t, lockErr.Detail, signerAddr.Hex())
	assert.Zero(t, conn.LockCount())
}

func TestSubmitActionGuard(t *testing.T) {
	conn := registeredConn()
	conn.Actions[proof.ActionHash("QUESTION_ASK")] = chain.ActionInfo{Allowed: true, Version: 1, Deprecated: true}

	_, err := (&Submitter{}).Submit(context.Background(), conn, testRequest())
	var lockErr *Error
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, CodeActionNotRegistered, lockErr.Code)
	assert.Contains(t, lockErr.Detail, "deprecated")
	assert.Zero(t, conn.LockCount())

	delete(conn.Actions, proof.ActionHash("QUESTION_ASK"))
	_, err = (&Submitter{}).Submit(context.Background(), conn, testRequest())
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, CodeActionNotRegistered, lockErr.Code)
	assert.Contains(t, lockErr.Detail, "govRegisterAction")
}

func TestSubmitClassifiesBroadcastFailure(t *testing.T) {
	conn := registeredConn()
	conn.LockErr = errors.New("insufficient funds for gas * price + value")

	_, err := (&Submitter{}).Submit(context.Background(), conn, testRequest())
	var lockErr *Error
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, CodeInsufficientGas, lockErr.Code)
}

func TestSubmitBoundedWait(t *testing.T) {
	conn := registeredConn()
	conn.Pending = true
	s := &Submitter{ConfirmTimeout: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond}

	res, err := s.Submit(context.Background(), conn, testRequest())
	var lockErr *Error
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, CodeRPCFailure, lockErr.Code)
	assert.True(t, lockErr.Ambiguous())
	assert.False(t, res.Confirmed)
	assert.NotEqual(t, common.Hash{}, res.TxHash)
}

func TestSubmitRevertedReceipt(t *testing.T) {
	conn := registeredConn()
	conn.ReceiptStatus = types.ReceiptStatusFailed
	s := &Submitter{ConfirmTimeout: time.Second, PollInterval: time.Millisecond}

	res, err := s.Submit(context.Background(), conn, testRequest())
	var lockErr *Error
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, CodeContractRevert, lockErr.Code)
	assert.Contains(t, lockErr.Detail, res.TxHash.Hex())
}

func TestReconcile(t *testing.T) {
	conn := registeredConn()
	hash := common.HexToHash("0x01")
	s := &Submitter{}

	_, err := s.Reconcile(context.Background(), conn, hash)
	var lockErr *Error
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, CodeRPCFailure, lockErr.Code)

	conn.MarkSent(hash)
	res, err := s.Reconcile(context.Background(), conn, hash)
	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	assert.Equal(t, hash, res.TxHash)
}

func TestSubmitKeepsHashWhenSendFails(t *testing.T) {
	conn := registeredConn()
	conn.SendErr = context.DeadlineExceeded
	s := &Submitter{ConfirmTimeout: time.Second, PollInterval: time.Millisecond}

	res, err := s.Submit(context.Background(), conn, testRequest())
	var lockErr *Error
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, CodeRPCFailure, lockErr.Code)
	assert.True(t, lockErr.Ambiguous())
	assert.NotEqual(t, common.Hash{}, res.TxHash)
	assert.False(t, res.Confirmed)

	reconciled, err := s.Reconcile(context.Background(), conn, res.TxHash)
	require.NoError(t, err)
	assert.True(t, reconciled.Confirmed)
}

func TestSubmitCallsCarryDeadline(t *testing.T) {
	conn := registeredConn()
	s := &Submitter{RPCTimeout: time.Second, ConfirmTimeout: time.Second, PollInterval: time.Millisecond}

	res, err := s.Submit(context.Background(), conn, testRequest())
	require.NoError(t, err)
	_, err = s.Reconcile(context.Background(), conn, res.TxHash)
	require.NoError(t, err)
	assert.Zero(t, conn.UnboundedCalls())
	assert.Equal(t, 2*time.Second, s.Budget())
}
