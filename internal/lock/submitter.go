package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"pplpmint/internal/chain"
	"pplpmint/internal/logging"
	"pplpmint/internal/proof"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	DefaultRPCTimeout     = 10 * time.Second
	DefaultConfirmTimeout = 60 * time.Second
	DefaultPollInterval   = 2 * time.Second
)

// Request is a signed proof ready for lockWithPPLP.
type Request struct {
	User         common.Address
	ActionName   string
	Amount       *big.Int
	EvidenceHash common.Hash
	Signature    []byte
	Signer       common.Address
}

// Result describes a submission. TxHash may be set alongside an error when the
// transaction was broadcast but not confirmed.
type Result struct {
	TxHash      common.Hash
	BlockNumber uint64
	Confirmed   bool
}

// Submitter sends proofs to the lock contract and waits for one confirmation.
// A Submit call is bounded by RPCTimeout for the guards and the broadcast plus
// ConfirmTimeout for the receipt wait, whatever deadline the caller carries.
type Submitter struct {
	RPCTimeout     time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

func (s *Submitter) rpcTimeout() time.Duration {
	if s.RPCTimeout <= 0 {
		return DefaultRPCTimeout
	}
	return s.RPCTimeout
}

func (s *Submitter) confirmTimeout() time.Duration {
	if s.ConfirmTimeout <= 0 {
		return DefaultConfirmTimeout
	}
	return s.ConfirmTimeout
}

// Budget is the longest a single Submit can take.
func (s *Submitter) Budget() time.Duration {
	return s.rpcTimeout() + s.confirmTimeout()
}

// Preflight runs the guards the contract would otherwise revert on.
func (s *Submitter) Preflight(ctx context.Context, conn chain.Conn, req Request) error {
	ok, err := conn.IsAttester(ctx, req.Signer)
	if err != nil {
		return Classify(fmt.Errorf("isAttester read: %w", err))
	}
	if !ok {
		return attesterNotRegistered(req.Signer.Hex(), governance(ctx, conn))
	}

	info, err := conn.Action(ctx, proof.ActionHash(req.ActionName))
	if err != nil {
		return Classify(fmt.Errorf("actions read: %w", err))
	}
	if !info.Allowed || info.Deprecated {
		return actionNotRegistered(req.ActionName, governance(ctx, conn), info.Deprecated)
	}
	return nil
}

// Submit runs Preflight, broadcasts lockWithPPLP and waits for its receipt.
// Every failure is a *Error.
func (s *Submitter) Submit(ctx context.Context, conn chain.Conn, req Request) (Result, error) {
	ctx = logging.WithAttrs(ctx, slog.String("component", "lock.submitter"), slog.String("action", req.ActionName))

	sendCtx, cancel := context.WithTimeout(ctx, s.rpcTimeout())
	defer cancel()

	if err := s.Preflight(sendCtx, conn, req); err != nil {
		return Result{}, err
	}

	txHash, err := conn.Lock(sendCtx, chain.LockCall{
		User:         req.User,
		ActionName:   req.ActionName,
		Amount:       req.Amount,
		EvidenceHash: req.EvidenceHash,
		Signatures:   [][]byte{req.Signature},
	})
	if err != nil {
		if txHash != (common.Hash{}) {
			logging.Warn(ctx, "lock transaction send failed after signing", slog.String("tx_hash", txHash.Hex()), logging.Err(err))
		}
		return Result{TxHash: txHash}, Classify(err)
	}
	logging.Info(ctx, "lock transaction sent", slog.String("tx_hash", txHash.Hex()))

	return s.await(ctx, conn, txHash)
}

// Reconcile resolves a transaction broadcast by an earlier attempt without
// sending anything.
func (s *Submitter) Reconcile(ctx context.Context, conn chain.Conn, txHash common.Hash) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.rpcTimeout())
	defer cancel()

	receipt, err := conn.Receipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return Result{TxHash: txHash}, newError(CodeRPCFailure, fmt.Sprintf("transaction %s still unconfirmed", txHash.Hex()), err)
	}
	if err != nil {
		return Result{TxHash: txHash}, Classify(err)
	}
	return fromReceipt(txHash, receipt)
}

func (s *Submitter) await(ctx context.Context, conn chain.Conn, txHash common.Hash) (Result, error) {
	timeout := s.confirmTimeout()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	receipt, err := WaitForReceipt(waitCtx, conn, txHash, s.PollInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{TxHash: txHash}, newError(CodeRPCFailure,
				fmt.Sprintf("transaction %s sent but not confirmed within %s", txHash.Hex(), timeout), err)
		}
		return Result{TxHash: txHash}, Classify(err)
	}
	return fromReceipt(txHash, receipt)
}

func fromReceipt(txHash common.Hash, receipt *types.Receipt) (Result, error) {
	res := Result{TxHash: txHash}
	if receipt.BlockNumber != nil {
		res.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return res, newError(CodeContractRevert, fmt.Sprintf("transaction %s reverted in block %d", txHash.Hex(), res.BlockNumber), nil)
	}
	res.Confirmed = true
	return res, nil
}

// WaitForReceipt polls until the transaction is mined or ctx is done.
func WaitForReceipt(ctx context.Context, conn chain.Conn, txHash common.Hash, interval time.Duration) (*types.Receipt, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := conn.Receipt(ctx, txHash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func governance(ctx context.Context, conn chain.Conn) string {
	gov, err := conn.GuardianGov(ctx)
	if err != nil {
		logging.Warn(ctx, "guardianGov read failed", logging.Err(err))
		return "(unknown guardianGov)"
	}
	return gov.Hex()
}
