// Package mint turns a passing score into a signed PureLoveProof and an
// on-chain lock, keeping one durable MintRequest per action.
package mint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"pplpmint/internal/chain"
	"pplpmint/internal/lock"
	"pplpmint/internal/logging"
	"pplpmint/internal/mintstore"
	"pplpmint/internal/proof"
	"pplpmint/internal/rewards"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

const (
	DefaultClaimLease    = 5 * time.Minute
	DefaultRPCTimeout    = 5 * time.Second
	DefaultTokenDecimals = 18
	DefaultRewardUnit    = "FUN"

	storeWriteTimeout = 10 * time.Second
)

// ProofSigner is satisfied by *proof.Signer.
type ProofSigner interface {
	Address() common.Address
	Sign(domain proof.Domain, msg proof.Message) (proof.Signature, error)
}

// EndpointValidator is satisfied by *chain.Validator.
type EndpointValidator interface {
	Validate(ctx context.Context, candidates []string, wallet common.Address) (*chain.Health, error)
}

// Submitter is satisfied by *lock.Submitter.
type Submitter interface {
	Submit(ctx context.Context, conn chain.Conn, req lock.Request) (lock.Result, error)
	Reconcile(ctx context.Context, conn chain.Conn, txHash common.Hash) (lock.Result, error)
}

// Recorder receives pipeline outcomes for metrics. Nil is allowed.
type Recorder interface {
	Authorization(outcome string)
	OnChainError(code string)
	EndpointRejections(n int)
}

type Config struct {
	RPCURLs []string
	// Domain must match the verifying contract's EIP-712 domain exactly.
	Domain proof.Domain
	// TokenDecimals is used when the contract's decimals() cannot be read.
	TokenDecimals uint8
	// RPCTimeout bounds contract reads made outside the submitter.
	RPCTimeout time.Duration
	ClaimLease time.Duration
	RewardUnit string
}

type Deps struct {
	Store     mintstore.Store
	Source    rewards.Source
	Validator EndpointValidator
	// Signer may be nil; requests are then authorized but left unsigned.
	Signer    ProofSigner
	Submitter Submitter
	Recorder  Recorder
}

// Authorizer runs the mint authorization pipeline. It keeps no per-request
// state; concurrent attempts on one action are arbitrated by Store.Claim.
type Authorizer struct {
	cfg       Config
	store     mintstore.Store
	source    rewards.Source
	validator EndpointValidator
	signer    ProofSigner
	submitter Submitter
	recorder  Recorder

	newToken func() string
	now      func() time.Time
}

func New(cfg Config, deps Deps) *Authorizer {
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = DefaultClaimLease
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = DefaultRPCTimeout
	}
	if cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = DefaultTokenDecimals
	}
	if cfg.RewardUnit == "" {
		cfg.RewardUnit = DefaultRewardUnit
	}
	if deps.Submitter == nil {
		deps.Submitter = &lock.Submitter{}
	}
	return &Authorizer{
		cfg:       cfg,
		store:     deps.Store,
		source:    deps.Source,
		validator: deps.Validator,
		signer:    deps.Signer,
		submitter: deps.Submitter,
		recorder:  deps.Recorder,
		newToken:  uuid.NewString,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// AuthorizeInput is the inbound request.
type AuthorizeInput struct {
	ActionID      string `json:"action_id"`
	WalletAddress string `json:"wallet_address"`
}

// Authorize runs the full pipeline for one scored action. On-chain failures
// are reported inside a successful Response; only rejections return an error,
// always a *RequestError.
func (a *Authorizer) Authorize(ctx context.Context, in AuthorizeInput) (*Response, error) {
	actionID := strings.TrimSpace(in.ActionID)
	ctx = logging.WithAttrs(ctx, slog.String("component", "mint.authorizer"), slog.String("action_id", actionID))

	resp, err := a.authorize(ctx, actionID, in.WalletAddress)
	a.recordOutcome(resp, err)
	if err != nil {
		reqErr := AsRequestError(err)
		logging.Warn(ctx, "mint authorization rejected", slog.String("code", reqErr.Code), logging.Err(err))
		return nil, reqErr
	}
	return resp, nil
}

func (a *Authorizer) authorize(ctx context.Context, actionID, wallet string) (*Response, error) {
	if actionID == "" {
		return nil, reject(KindInvalidInput, CodeInvalidInput, "action_id is required")
	}
	user, err := proof.ParseAddress(wallet)
	if err != nil {
		return nil, reject(KindInvalidInput, CodeInvalidInput, "wallet_address must be a 0x-prefixed 20-byte hex address")
	}

	health, err := a.validate(ctx, user)
	if err != nil {
		return nil, err
	}
	defer health.Conn.Close()

	existing, err := a.store.Get(ctx, actionID)
	if err != nil {
		return nil, internal(CodeStoreFailure, "load mint request", err)
	}
	if err := resignable(existing); err != nil {
		return nil, err
	}

	action, score, err := a.eligible(ctx, actionID)
	if err != nil {
		return nil, err
	}

	actionHash := proof.ActionHash(action.ActionType)
	evidenceHash := proof.EvidenceHash(action.EvidenceHash, action.ID)
	decimals := a.decimals(ctx, health.Conn)
	amount, err := proof.ScaleAmount(score.FinalReward, decimals)
	if err != nil {
		return nil, reject(KindInvalidInput, CodeInvalidInput, err.Error())
	}

	rec := mintstore.MintRequest{
		ActionID:         actionID,
		ActorID:          action.ActorID,
		ActionName:       action.ActionType,
		RecipientAddress: user.Hex(),
		Amount:           score.FinalReward,
		AmountBaseUnits:  amount.String(),
		ActionHash:       actionHash.Hex(),
		EvidenceHash:     evidenceHash.Hex(),
		Nonce:            health.Nonce.String(),
		Status:           mintstore.StatusPending,
	}
	token, err := a.claim(ctx, rec)
	if err != nil {
		return nil, err
	}
	// Re-check under the claim: another attempt may have submitted between
	// the first read and the claim.
	current, err := a.store.Get(ctx, actionID)
	if err != nil {
		a.releaseClaim(ctx, actionID, token)
		return nil, internal(CodeStoreFailure, "reload mint request", err)
	}
	if err := resignable(current); err != nil {
		a.release(ctx, current, token)
		return nil, err
	}
	claimedAt := a.now()
	rec.ClaimToken = &token
	rec.ClaimedAt = &claimedAt

	if a.signer == nil {
		logging.Warn(ctx, "no signer configured; mint request left pending")
		a.release(ctx, &rec, token)
		return buildResponse(rec, a.cfg.RewardUnit, score), nil
	}

	msg := proof.Message{
		User:         user,
		ActionName:   action.ActionType,
		Amount:       amount,
		EvidenceHash: evidenceHash,
		Nonce:        health.Nonce,
	}
	sig, err := a.signer.Sign(a.cfg.Domain, msg)
	if err != nil {
		a.release(ctx, &rec, token)
		return nil, internal(CodeSigningFailed, "no signature was produced", err)
	}

	rec.Status = mintstore.StatusSigned
	rec.Signature = sig.Hex()
	rec.SignerAddress = sig.Signer.Hex()
	if err := a.store.Update(ctx, rec, token); err != nil {
		if errors.Is(err, mintstore.ErrClaimLost) {
			return nil, reject(KindConflict, CodeMintInProgress, "another attempt took over this mint request")
		}
		return nil, internal(CodeStoreFailure, "persist signed mint request before submission", err)
	}
	logging.Info(ctx, "mint proof signed",
		slog.String("signer", rec.SignerAddress),
		slog.String("nonce", rec.Nonce),
		slog.String("amount", rec.AmountBaseUnits))

	res, subErr := a.submitter.Submit(context.WithoutCancel(ctx), health.Conn, lock.Request{
		User:         user,
		ActionName:   action.ActionType,
		Amount:       amount,
		EvidenceHash: evidenceHash,
		Signature:    sig.Bytes,
		Signer:       sig.Signer,
	})
	a.finish(ctx, &rec, token, res, subErr)
	return buildResponse(rec, a.cfg.RewardUnit, score), nil
}

// RetrySubmission re-sends the stored signature of a signed, unminted request
// without re-scoring or re-signing. A transaction broadcast by an earlier
// attempt is reconciled by receipt before anything new is sent.
func (a *Authorizer) RetrySubmission(ctx context.Context, actionID string) (*Response, error) {
	actionID = strings.TrimSpace(actionID)
	ctx = logging.WithAttrs(ctx, slog.String("component", "mint.retry"), slog.String("action_id", actionID))

	resp, err := a.retry(ctx, actionID)
	a.recordOutcome(resp, err)
	if err != nil {
		reqErr := AsRequestError(err)
		logging.Warn(ctx, "mint retry rejected", slog.String("code", reqErr.Code), logging.Err(err))
		return nil, reqErr
	}
	return resp, nil
}

func (a *Authorizer) retry(ctx context.Context, actionID string) (*Response, error) {
	if actionID == "" {
		return nil, reject(KindInvalidInput, CodeInvalidInput, "action_id is required")
	}
	rec, err := a.load(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if err := retryable(rec); err != nil {
		return nil, err
	}
	user := common.HexToAddress(rec.RecipientAddress)

	health, err := a.validate(ctx, user)
	if err != nil {
		return nil, err
	}
	defer health.Conn.Close()

	token, err := a.claim(ctx, *rec)
	if err != nil {
		return nil, err
	}
	// Re-read under the claim; the row may have moved since the first load.
	if rec, err = a.load(ctx, actionID); err != nil {
		return nil, err
	}
	if err := retryable(rec); err != nil {
		a.release(ctx, rec, token)
		return nil, err
	}
	score := a.scoreFor(ctx, actionID)

	if rec.PendingTxHash != nil {
		txHash := common.HexToHash(*rec.PendingTxHash)
		res, recErr := a.submitter.Reconcile(context.WithoutCancel(ctx), health.Conn, txHash)
		classified := lock.Classify(recErr)
		if recErr == nil || classified.Ambiguous() {
			a.finish(ctx, rec, token, res, recErr)
			return buildResponse(*rec, a.cfg.RewardUnit, score), nil
		}
		logging.Warn(ctx, "previous lock transaction failed; resubmitting",
			slog.String("tx_hash", txHash.Hex()), logging.Err(recErr))
		rec.PendingTxHash = nil
	}

	if health.Nonce.String() != rec.Nonce {
		code := string(lock.CodeNonceConsumed)
		detail := fmt.Sprintf("signed nonce %s but on-chain nonce is %s; reconcile before re-authorizing", rec.Nonce, health.Nonce)
		rec.OnChainError = &code
		rec.OnChainErrorDetails = &detail
		a.release(ctx, rec, token)
		if a.recorder != nil {
			a.recorder.OnChainError(code)
		}
		return nil, &RequestError{Kind: KindConflict, Code: CodeNonceConsumed, Message: detail}
	}

	req, err := lockRequest(rec)
	if err != nil {
		a.release(ctx, rec, token)
		return nil, internal(CodeStoreFailure, "stored proof is unreadable", err)
	}
	res, subErr := a.submitter.Submit(context.WithoutCancel(ctx), health.Conn, req)
	a.finish(ctx, rec, token, res, subErr)
	return buildResponse(*rec, a.cfg.RewardUnit, score), nil
}

// Status returns the stored request for actionID.
func (a *Authorizer) Status(ctx context.Context, actionID string) (*mintstore.MintRequest, error) {
	actionID = strings.TrimSpace(actionID)
	if actionID == "" {
		return nil, reject(KindInvalidInput, CodeInvalidInput, "action_id is required")
	}
	return a.load(ctx, actionID)
}

func (a *Authorizer) load(ctx context.Context, actionID string) (*mintstore.MintRequest, error) {
	rec, err := a.store.Get(ctx, actionID)
	if err != nil {
		return nil, internal(CodeStoreFailure, "load mint request", err)
	}
	if rec == nil {
		return nil, reject(KindNotFound, CodeRequestNotFound, "no mint request for this action")
	}
	return rec, nil
}

// resignable refuses a fresh signature while an earlier submission may still
// land: signing again would bind a new nonce and allow a second lock.
func resignable(rec *mintstore.MintRequest) error {
	if rec == nil {
		return nil
	}
	if rec.Terminal() {
		return alreadyMinted(rec)
	}
	if rec.PendingTxHash != nil {
		return reject(KindConflict, CodeSubmissionPending,
			fmt.Sprintf("transaction %s was broadcast and is unconfirmed; retry the submission instead", *rec.PendingTxHash))
	}
	if rec.Status == mintstore.StatusSigned && rec.OnChainError != nil && *rec.OnChainError == string(lock.CodeRPCFailure) {
		return reject(KindConflict, CodeSubmissionPending,
			"the last submission ended with an RPC failure and may have landed; retry the submission instead")
	}
	return nil
}

func retryable(rec *mintstore.MintRequest) error {
	if rec.Terminal() {
		return alreadyMinted(rec)
	}
	if rec.Status != mintstore.StatusSigned || rec.Signature == "" {
		return reject(KindConflict, CodeNotSigned, "mint request has no signature; run the authorization again")
	}
	return nil
}

func (a *Authorizer) validate(ctx context.Context, user common.Address) (*chain.Health, error) {
	health, err := a.validator.Validate(ctx, a.cfg.RPCURLs, user)
	var unavailable *chain.UnavailableError
	if errors.As(err, &unavailable) {
		if a.recorder != nil {
			a.recorder.EndpointRejections(len(unavailable.Rejections))
		}
		return nil, &RequestError{
			Kind:    KindUnavailable,
			Code:    CodeRPCUnavailable,
			Message: "no RPC endpoint passed validation",
			Detail:  unavailable.Rejections,
			Err:     err,
		}
	}
	if err != nil {
		return nil, &RequestError{Kind: KindUnavailable, Code: CodeRPCUnavailable, Message: "rpc validation failed", Err: err}
	}
	if a.recorder != nil {
		a.recorder.EndpointRejections(len(health.Rejected))
	}
	return health, nil
}

func (a *Authorizer) eligible(ctx context.Context, actionID string) (*rewards.Action, *rewards.Score, error) {
	action, err := a.source.GetAction(ctx, actionID)
	if err != nil {
		return nil, nil, internal(CodeSourceFailure, "load action", err)
	}
	if action == nil {
		return nil, nil, reject(KindNotFound, CodeActionNotFound, "action not found")
	}
	if !action.Status.Mintable() {
		return nil, nil, reject(KindInvalidInput, CodeActionNotMintable,
			fmt.Sprintf("action status %q does not permit minting", action.Status))
	}

	score, err := a.source.GetScore(ctx, actionID)
	if err != nil {
		return nil, nil, internal(CodeSourceFailure, "load score", err)
	}
	if score == nil {
		return nil, nil, reject(KindNotFound, CodeScoreNotFound, "action has not been scored")
	}
	if score.Decision != rewards.DecisionPass {
		return nil, nil, reject(KindInvalidInput, CodeScoreNotPassed, fmt.Sprintf("score decision is %q", score.Decision))
	}
	if score.FinalReward <= 0 {
		return nil, nil, reject(KindInvalidInput, CodeZeroReward, "final reward must be greater than zero")
	}

	signals, err := a.source.OpenSignals(ctx, action.ActorID, rewards.HighSeverity)
	if err != nil {
		return nil, nil, internal(CodeSourceFailure, "load fraud signals", err)
	}
	if len(signals) > 0 {
		return nil, nil, reject(KindForbidden, CodeFraudBlocked,
			fmt.Sprintf("actor has %d unresolved high-severity fraud signal(s)", len(signals)))
	}
	return action, score, nil
}

func (a *Authorizer) decimals(ctx context.Context, conn chain.Conn) uint8 {
	readCtx, cancel := context.WithTimeout(ctx, a.cfg.RPCTimeout)
	defer cancel()
	d, err := conn.Decimals(readCtx)
	if err != nil {
		logging.Warn(ctx, "decimals() read failed; using configured value",
			slog.Int("decimals", int(a.cfg.TokenDecimals)), logging.Err(err))
		return a.cfg.TokenDecimals
	}
	return d
}

func (a *Authorizer) claim(ctx context.Context, rec mintstore.MintRequest) (string, error) {
	token := a.newToken()
	ok, err := a.store.Claim(ctx, rec, token, a.cfg.ClaimLease)
	if err != nil {
		return "", internal(CodeStoreFailure, "claim mint request", err)
	}
	if ok {
		return token, nil
	}
	current, err := a.store.Get(ctx, rec.ActionID)
	if err == nil && current != nil && current.Terminal() {
		return "", alreadyMinted(current)
	}
	return "", reject(KindConflict, CodeMintInProgress, "mint already in progress for this action")
}

// finish records the submission outcome and releases the claim. It runs
// detached from the caller so a sent transaction is never dropped.
func (a *Authorizer) finish(ctx context.Context, rec *mintstore.MintRequest, token string, res lock.Result, subErr error) {
	ctx = context.WithoutCancel(ctx)
	if subErr == nil && res.Confirmed {
		tx := res.TxHash.Hex()
		minted := a.now()
		rec.Status = mintstore.StatusMinted
		rec.TxHash = &tx
		rec.MintedAt = &minted
		rec.PendingTxHash = nil
		rec.OnChainError = nil
		rec.OnChainErrorDetails = nil
		logging.Info(ctx, "mint confirmed on-chain", slog.String("tx_hash", tx), slog.Uint64("block", res.BlockNumber))
	} else {
		classified := lock.Classify(subErr)
		if classified == nil {
			classified = &lock.Error{Code: lock.CodeRPCFailure, Detail: "submission returned no confirmation"}
		}
		code := string(classified.Code)
		detail := classified.Detail
		rec.OnChainError = &code
		rec.OnChainErrorDetails = &detail
		if classified.Ambiguous() && res.TxHash != (common.Hash{}) {
			pending := res.TxHash.Hex()
			rec.PendingTxHash = &pending
		} else {
			rec.PendingTxHash = nil
		}
		if a.recorder != nil {
			a.recorder.OnChainError(code)
		}
		logging.Warn(ctx, "on-chain lock failed", slog.String("code", code), slog.String("detail", detail))
	}

	a.release(ctx, rec, token)

	if rec.Status == mintstore.StatusMinted {
		if err := a.source.MarkMinted(ctx, rec.ActionID); err != nil {
			logging.Warn(ctx, "action status write-back failed", logging.Err(err))
		}
	}
}

// release writes rec and drops the claim. Failures are logged only: the
// earlier write stays the source of truth and the lease expires on its own.
func (a *Authorizer) release(ctx context.Context, rec *mintstore.MintRequest, token string) {
	rec.ClaimToken = nil
	rec.ClaimedAt = nil
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()
	if err := a.store.Update(writeCtx, *rec, token); err != nil {
		logging.Error(ctx, "final mint request write failed", slog.String("status", string(rec.Status)), logging.Err(err))
	}
}

// releaseClaim drops the claim on whatever row is stored, leaving it unchanged.
func (a *Authorizer) releaseClaim(ctx context.Context, actionID, token string) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()
	current, err := a.store.Get(writeCtx, actionID)
	if err != nil || current == nil {
		logging.Warn(ctx, "claim left to expire", logging.Err(err))
		return
	}
	a.release(ctx, current, token)
}

func (a *Authorizer) scoreFor(ctx context.Context, actionID string) *rewards.Score {
	score, err := a.source.GetScore(ctx, actionID)
	if err != nil {
		logging.Warn(ctx, "score lookup failed", logging.Err(err))
		return nil
	}
	return score
}

func (a *Authorizer) recordOutcome(resp *Response, err error) {
	if a.recorder == nil {
		return
	}
	switch {
	case err != nil:
		a.recorder.Authorization(strings.ToLower(AsRequestError(err).Code))
	case resp.OnChainSuccess:
		a.recorder.Authorization("minted")
	case resp.PPLPLock.Signature == nil:
		a.recorder.Authorization("unsigned")
	default:
		a.recorder.Authorization("signed_pending")
	}
}

func alreadyMinted(rec *mintstore.MintRequest) *RequestError {
	tx := deref(rec.TxHash)
	return &RequestError{
		Kind:    KindConflict,
		Code:    CodeAlreadyMinted,
		Message: "action already minted",
		Detail:  map[string]string{"tx_hash": tx},
		TxHash:  tx,
	}
}

func lockRequest(rec *mintstore.MintRequest) (lock.Request, error) {
	amount, ok := new(big.Int).SetString(rec.AmountBaseUnits, 10)
	if !ok {
		return lock.Request{}, fmt.Errorf("amount %q is not a base-10 integer", rec.AmountBaseUnits)
	}
	sig := common.FromHex(rec.Signature)
	if len(sig) != 65 {
		return lock.Request{}, fmt.Errorf("signature has %d bytes", len(sig))
	}
	return lock.Request{
		User:         common.HexToAddress(rec.RecipientAddress),
		ActionName:   rec.ActionName,
		Amount:       amount,
		EvidenceHash: common.HexToHash(rec.EvidenceHash),
		Signature:    sig,
		Signer:       common.HexToAddress(rec.SignerAddress),
	}, nil
}
