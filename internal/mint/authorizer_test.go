package mint

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pplpmint/internal/chain"
	"pplpmint/internal/chain/chaintest"
	"pplpmint/internal/lock"
	"pplpmint/internal/mintstore"
	"pplpmint/internal/proof"
	"pplpmint/internal/rewards"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey    = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testWallet = "0x00000000000000000000000000000000000000aa"
	actionID   = "act-1"
)

var contract = common.HexToAddress("0x1aa8DE8B1E4465C6d729E8564893f8EF823a5ff2")

type countingSigner struct {
	inner *proof.Signer
	err   error
	calls atomic.Int32
}

func (s *countingSigner) Address() common.Address { return s.inner.Address() }

func (s *countingSigner) Sign(domain proof.Domain, msg proof.Message) (proof.Signature, error) {
	s.calls.Add(1)
	if s.err != nil {
		return proof.Signature{}, s.err
	}
	return s.inner.Sign(domain, msg)
}

type recorder struct {
	mu       sync.Mutex
	outcomes []string
	codes    []string
}

func (r *recorder) Authorization(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recorder) OnChainError(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
}

func (r *recorder) EndpointRejections(int) {}

type harness struct {
	store    *mintstore.MemoryStore
	source   *rewards.MemorySource
	conn     *chaintest.Conn
	signer   *countingSigner
	recorder *recorder
	domain   proof.Domain
	auth     *Authorizer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	inner, err := proof.NewSigner(testKey)
	require.NoError(t, err)

	conn := chaintest.Healthy("https://rpc-1", 97, 7)
	conn.Attesters[inner.Address()] = true
	conn.Actions[proof.ActionHash("QUESTION_ASK")] = chain.ActionInfo{Allowed: true, Version: 1}

	source := rewards.NewMemorySource()
	source.PutAction(rewards.Action{ID: actionID, ActorID: "user-1", ActionType: "QUESTION_ASK", Status: rewards.ActionScored, EvidenceHash: "answer text"})
	source.PutScore(rewards.Score{ActionID: actionID, Decision: rewards.DecisionPass, FinalReward: 50, LightScore: 81.5,
		Pillars: rewards.Pillars{S: 0.9, T: 0.8, H: 0.7, C: 0.85, U: 0.75}})

	h := &harness{
		store:    mintstore.NewMemoryStore(),
		source:   source,
		conn:     conn,
		signer:   &countingSigner{inner: inner},
		recorder: &recorder{},
		domain:   proof.Domain{Name: "FUN Money", Version: "1", ChainID: big.NewInt(97), VerifyingContract: contract},
	}
	h.build(h.signer)
	return h
}

func (h *harness) build(signer ProofSigner) {
	h.auth = New(Config{
		RPCURLs: []string{"https://rpc-1"},
		Domain:  h.domain,
	}, Deps{
		Store:  h.store,
		Source: h.source,
		Validator: &chain.Validator{
			Dial:     chaintest.Dialer(h.conn),
			ChainID:  big.NewInt(97),
			Contract: contract,
			MinBlock: 100,
		},
		Signer:    signer,
		Submitter: &lock.Submitter{ConfirmTimeout: 50 * time.Millisecond, PollInterval: time.Millisecond},
		Recorder:  h.recorder,
	})
}

func (h *harness) authorize(t *testing.T) (*Response, error) {
	t.Helper()
	return h.auth.Authorize(context.Background(), AuthorizeInput{ActionID: actionID, WalletAddress: testWallet})
}

func requireRequestError(t *testing.T, err error, code string) *RequestError {
	t.Helper()
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, code, reqErr.Code, reqErr.Error())
	return reqErr
}

func TestAuthorizeMints(t *testing.T) {
	h := newHarness(t)

	resp, err := h.authorize(t)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.True(t, resp.OnChainSuccess)
	require.NotNil(t, resp.TxHash)
	assert.Nil(t, resp.OnChainError)
	assert.Equal(t, int64(50), resp.RewardAmount)
	assert.Equal(t, "FUN", resp.RewardUnit)
	assert.Equal(t, 81.5, resp.LightScore)
	assert.Equal(t, 0.9, resp.Pillars.S)
	assert.Equal(t, "50000000000000000000", resp.PPLPLock.Amount)
	assert.Equal(t, "7", resp.PPLPLock.Nonce)
	assert.Equal(t, proof.ActionHash("QUESTION_ASK").Hex(), resp.PPLPLock.ActionHash)
	assert.Contains(t, resp.Message, "Minted 50 FUN")

	amount, _ := new(big.Int).SetString(resp.PPLPLock.Amount, 10)
	msg := proof.Message{
		User:         common.HexToAddress(testWallet),
		ActionName:   "QUESTION_ASK",
		Amount:       amount,
		EvidenceHash: common.HexToHash(resp.PPLPLock.EvidenceHash),
		Nonce:        big.NewInt(7),
	}
	require.NotNil(t, resp.PPLPLock.Signature)
	require.NoError(t, proof.Verify(h.domain, msg, common.FromHex(*resp.PPLPLock.Signature), h.signer.Address()))

	rec, err := h.store.Get(context.Background(), actionID)
	require.NoError(t, err)
	assert.Equal(t, mintstore.StatusMinted, rec.Status)
	assert.Equal(t, *resp.TxHash, *rec.TxHash)
	assert.NotNil(t, rec.MintedAt)
	assert.Nil(t, rec.ClaimToken)

	action, _ := h.source.GetAction(context.Background(), actionID)
	assert.Equal(t, rewards.ActionMinted, action.Status)
	assert.Equal(t, []string{"minted"}, h.recorder.outcomes)
}

func TestAuthorizeIsIdempotentAfterMint(t *testing.T) {
	h := newHarness(t)
	first, err := h.authorize(t)
	require.NoError(t, err)
	require.NotNil(t, first.TxHash)

	_, err = h.authorize(t)
	reqErr := requireRequestError(t, err, CodeAlreadyMinted)
	assert.Equal(t, KindConflict, reqErr.Kind)
	assert.Equal(t, 409, reqErr.HTTPStatus())
	assert.Equal(t, *first.TxHash, reqErr.TxHash)

	assert.EqualValues(t, 1, h.signer.calls.Load())
	assert.Equal(t, 1, h.conn.LockCount())
}

func TestConcurrentAuthorizeMintsOnce(t *testing.T) {
	h := newHarness(t)
	h.conn.LockHook = func(chain.LockCall) { time.Sleep(20 * time.Millisecond) }

	const callers = 4
	var wg sync.WaitGroup
	var minted atomic.Int32
	txHashes := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.authorize(t)
			if err != nil {
				var reqErr *RequestError
				if assert.ErrorAs(t, err, &reqErr) {
					assert.Contains(t, []string{CodeMintInProgress, CodeAlreadyMinted}, reqErr.Code)
				}
				return
			}
			if resp.TxHash != nil {
				minted.Add(1)
				txHashes <- *resp.TxHash
			}
		}()
	}
	wg.Wait()
	close(txHashes)

	assert.EqualValues(t, 1, minted.Load())
	assert.Equal(t, 1, h.conn.LockCount())
	rec, err := h.store.Get(context.Background(), actionID)
	require.NoError(t, err)
	require.NotNil(t, rec.TxHash)
	assert.Equal(t, <-txHashes, *rec.TxHash)
}

func TestRewardGatingNeverSigns(t *testing.T) {
	cases := []struct {
		name  string
		score rewards.Score
		code  string
	}{
		{"failed decision", rewards.Score{ActionID: actionID, Decision: rewards.DecisionFail, FinalReward: 50}, CodeScoreNotPassed},
		{"zero reward", rewards.Score{ActionID: actionID, Decision: rewards.DecisionPass, FinalReward: 0}, CodeZeroReward},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.source.PutScore(tc.score)

			_, err := h.authorize(t)
			reqErr := requireRequestError(t, err, tc.code)
			assert.Equal(t, 400, reqErr.HTTPStatus())
			assert.Zero(t, h.signer.calls.Load())

			rec, err := h.store.Get(context.Background(), actionID)
			require.NoError(t, err)
			assert.Nil(t, rec, "rejections must not write a mint request")
		})
	}
}

func TestEligibilityRejections(t *testing.T) {
	t.Run("missing action", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.auth.Authorize(context.Background(), AuthorizeInput{ActionID: "other", WalletAddress: testWallet})
		assert.Equal(t, 404, requireRequestError(t, err, CodeActionNotFound).HTTPStatus())
	})
	t.Run("action not scored", func(t *testing.T) {
		h := newHarness(t)
		h.source.PutAction(rewards.Action{ID: actionID, ActorID: "user-1", ActionType: "QUESTION_ASK", Status: rewards.ActionReceived})
		_, err := h.authorize(t)
		requireRequestError(t, err, CodeActionNotMintable)
	})
	t.Run("fraud block", func(t *testing.T) {
		h := newHarness(t)
		h.source.AddSignal(rewards.FraudSignal{ID: "f1", ActorID: "user-1", Severity: 4})
		_, err := h.authorize(t)
		assert.Equal(t, 403, requireRequestError(t, err, CodeFraudBlocked).HTTPStatus())
		assert.Zero(t, h.signer.calls.Load())
	})
	t.Run("bad wallet", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.auth.Authorize(context.Background(), AuthorizeInput{ActionID: actionID, WalletAddress: "0x1234"})
		requireRequestError(t, err, CodeInvalidInput)
	})
	t.Run("missing action id", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.auth.Authorize(context.Background(), AuthorizeInput{ActionID: "  ", WalletAddress: testWallet})
		requireRequestError(t, err, CodeInvalidInput)
	})
}

func TestRPCUnavailableHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	h.conn.ChainIDVal = big.NewInt(1)

	_, err := h.authorize(t)
	reqErr := requireRequestError(t, err, CodeRPCUnavailable)
	assert.Equal(t, 503, reqErr.HTTPStatus())
	rejections, ok := reqErr.Detail.([]chain.Rejection)
	require.True(t, ok)
	require.Len(t, rejections, 1)
	assert.Equal(t, "wrong chainId: 1", rejections[0].Reason)

	rec, err := h.store.Get(context.Background(), actionID)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Zero(t, h.signer.calls.Load())
}

func TestOnChainFailureStillSucceeds(t *testing.T) {
	h := newHarness(t)
	delete(h.conn.Attesters, h.signer.Address())

	resp, err := h.authorize(t)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.False(t, resp.OnChainSuccess)
	assert.Nil(t, resp.TxHash)
	require.NotNil(t, resp.OnChainError)
	assert.Equal(t, string(lock.CodeAttesterNotRegistered), *resp.OnChainError)
	require.NotNil(t, resp.OnChainErrorDetails)
	assert.Contains(t, *resp.OnChainErrorDetails, h.conn.Gov.Hex())
	require.NotNil(t, resp.PPLPLock.Signature)
	assert.Contains(t, resp.Message, "Retry the submission step")

	rec, err := h.store.Get(context.Background(), actionID)
	require.NoError(t, err)
	assert.Equal(t, mintstore.StatusSigned, rec.Status)
	assert.Equal(t, *resp.PPLPLock.Signature, rec.Signature)
	assert.Nil(t, rec.ClaimToken)
	assert.Equal(t, []string{string(lock.CodeAttesterNotRegistered)}, h.recorder.codes)
}

func TestNoSignerConfigured(t *testing.T) {
	h := newHarness(t)
	h.build(nil)

	resp, err := h.authorize(t)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.False(t, resp.OnChainSuccess)
	assert.Nil(t, resp.PPLPLock.Signature)
	assert.Contains(t, resp.Message, "no signer is configured")
	assert.Zero(t, h.conn.LockCount())

	rec, err := h.store.Get(context.Background(), actionID)
	require.NoError(t, err)
	assert.Equal(t, mintstore.StatusPending, rec.Status)
	assert.Nil(t, rec.ClaimToken)
}

func TestSigningFailureLeavesPendingRecord(t *testing.T) {
	h := newHarness(t)
	h.signer.err = errors.New("key material unavailable")

	_, err := h.authorize(t)
	assert.Equal(t, 500, requireRequestError(t, err, CodeSigningFailed).HTTPStatus())

	rec, err := h.store.Get(context.Background(), actionID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, mintstore.StatusPending, rec.Status)
	assert.Empty(t, rec.Signature)
	assert.Nil(t, rec.ClaimToken)
	assert.Zero(t, h.conn.LockCount())
}

func TestDecimalsFallback(t *testing.T) {
	h := newHarness(t)
	h.conn.DecimalsErr = errors.New("execution reverted")
	h.auth.cfg.TokenDecimals = 6

	resp, err := h.authorize(t)
	require.NoError(t, err)
	assert.Equal(t, "50000000", resp.PPLPLock.Amount)
}

func TestEvidenceHashPassthrough(t *testing.T) {
	h := newHarness(t)
	evidence := "0x" + "11223344556677889900aabbccddeeff11223344556677889900aabbccddeeff"
	h.source.PutAction(rewards.Action{ID: actionID, ActorID: "user-1", ActionType: "QUESTION_ASK", Status: rewards.ActionScored, EvidenceHash: evidence})

	resp, err := h.authorize(t)
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash(evidence).Hex(), resp.PPLPLock.EvidenceHash)
}

func TestRetrySubmissionReusesSignature(t *testing.T) {
	h := newHarness(t)
	h.conn.LockErr = errors.New("insufficient funds for gas * price + value")

	first, err := h.authorize(t)
	require.NoError(t, err)
	require.NotNil(t, first.OnChainError)
	assert.Equal(t, string(lock.CodeInsufficientGas), *first.OnChainError)

	h.conn.LockErr = nil
	resp, err := h.auth.RetrySubmission(context.Background(), actionID)
	require.NoError(t, err)
	assert.True(t, resp.OnChainSuccess)
	require.NotNil(t, resp.TxHash)
	assert.Equal(t, *first.PPLPLock.Signature, *resp.PPLPLock.Signature)
	assert.Equal(t, 81.5, resp.LightScore)

	assert.EqualValues(t, 1, h.signer.calls.Load())
	require.Equal(t, 2, h.conn.LockCount())
	assert.Equal(t, h.conn.LockCalls[0].Signatures, h.conn.LockCalls[1].Signatures)

	_, err = h.auth.RetrySubmission(context.Background(), actionID)
	requireRequestError(t, err, CodeAlreadyMinted)
}

func TestRetryReconcilesBroadcastTransaction(t *testing.T) {
	h := newHarness(t)
	h.conn.Pending = true

	first, err := h.authorize(t)
	require.NoError(t, err)
	require.NotNil(t, first.OnChainError)
	assert.Equal(t, string(lock.CodeRPCFailure), *first.OnChainError)
	assert.Nil(t, first.TxHash)

	rec, err := h.store.Get(context.Background(), actionID)
	require.NoError(t, err)
	require.NotNil(t, rec.PendingTxHash)
	pending := *rec.PendingTxHash

	_, err = h.authorize(t)
	requireRequestError(t, err, CodeSubmissionPending)

	still, err := h.auth.RetrySubmission(context.Background(), actionID)
	require.NoError(t, err)
	assert.False(t, still.OnChainSuccess)

	h.conn.Pending = false
	resp, err := h.auth.RetrySubmission(context.Background(), actionID)
	require.NoError(t, err)
	assert.True(t, resp.OnChainSuccess)
	require.NotNil(t, resp.TxHash)
	assert.Equal(t, pending, *resp.TxHash)
	assert.Equal(t, 1, h.conn.LockCount(), "a broadcast transaction is never re-sent")
}

func TestLostSendResponseNeverMintsTwice(t *testing.T) {
	h := newHarness(t)
	// The transaction lands but the node's answer to the send is lost.
	h.conn.SendErr = context.DeadlineExceeded

	first, err := h.authorize(t)
	require.NoError(t, err)
	assert.False(t, first.OnChainSuccess)
	require.NotNil(t, first.OnChainError)
	assert.Equal(t, string(lock.CodeRPCFailure), *first.OnChainError)

	rec, err := h.store.Get(context.Background(), actionID)
	require.NoError(t, err)
	require.NotNil(t, rec.PendingTxHash)
	assert.Nil(t, rec.TxHash)
	pending := *rec.PendingTxHash

	h.conn.SendErr = nil
	_, err = h.authorize(t)
	requireRequestError(t, err, CodeSubmissionPending)
	assert.EqualValues(t, 1, h.signer.calls.Load())

	resp, err := h.auth.RetrySubmission(context.Background(), actionID)
	require.NoError(t, err)
	assert.True(t, resp.OnChainSuccess)
	require.NotNil(t, resp.TxHash)
	assert.Equal(t, pending, *resp.TxHash)
	assert.Equal(t, 1, h.conn.LockCount())
}

func TestRPCFailureWithoutHashBlocksResigning(t *testing.T) {
	h := newHarness(t)
	h.conn.LockErr = errors.New("read tcp 10.0.0.1:443: connection reset by peer")

	first, err := h.authorize(t)
	require.NoError(t, err)
	require.NotNil(t, first.OnChainError)
	assert.Equal(t, string(lock.CodeRPCFailure), *first.OnChainError)

	rec, err := h.store.Get(context.Background(), actionID)
	require.NoError(t, err)
	assert.Nil(t, rec.PendingTxHash)

	h.conn.LockErr = nil
	_, err = h.authorize(t)
	requireRequestError(t, err, CodeSubmissionPending)
	assert.EqualValues(t, 1, h.signer.calls.Load())

	resp, err := h.auth.RetrySubmission(context.Background(), actionID)
	require.NoError(t, err)
	assert.True(t, resp.OnChainSuccess)
	assert.Equal(t, *first.PPLPLock.Signature, *resp.PPLPLock.Signature)
	assert.EqualValues(t, 1, h.signer.calls.Load())
}

func TestSubmissionRunsUnderDeadline(t *testing.T) {
	h := newHarness(t)

	resp, err := h.authorize(t)
	require.NoError(t, err)
	require.True(t, resp.OnChainSuccess)
	assert.Zero(t, h.conn.UnboundedCalls())
}

func TestRetryRefusesConsumedNonce(t *testing.T) {
	h := newHarness(t)
	h.conn.LockErr = errors.New("execution reverted: PPLP: amount exceeds epoch cap")

	_, err := h.authorize(t)
	require.NoError(t, err)
	h.conn.LockErr = nil
	h.conn.NonceVal = big.NewInt(8)

	_, err = h.auth.RetrySubmission(context.Background(), actionID)
	reqErr := requireRequestError(t, err, CodeNonceConsumed)
	assert.Equal(t, KindConflict, reqErr.Kind)
	assert.Equal(t, 1, h.conn.LockCount())

	rec, err := h.store.Get(context.Background(), actionID)
	require.NoError(t, err)
	require.NotNil(t, rec.OnChainError)
	assert.Equal(t, string(lock.CodeNonceConsumed), *rec.OnChainError)
	assert.Nil(t, rec.ClaimToken)
}

func TestRetryRequiresSignedRequest(t *testing.T) {
	h := newHarness(t)
	_, err := h.auth.RetrySubmission(context.Background(), actionID)
	requireRequestError(t, err, CodeRequestNotFound)

	h.build(nil)
	_, err = h.authorize(t)
	require.NoError(t, err)
	_, err = h.auth.RetrySubmission(context.Background(), actionID)
	requireRequestError(t, err, CodeNotSigned)
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	_, err := h.auth.Status(context.Background(), actionID)
	requireRequestError(t, err, CodeRequestNotFound)

	_, err = h.authorize(t)
	require.NoError(t, err)
	rec, err := h.auth.Status(context.Background(), actionID)
	require.NoError(t, err)
	assert.Equal(t, mintstore.StatusMinted, rec.Status)
}
