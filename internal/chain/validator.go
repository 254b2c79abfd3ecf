package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"pplpmint/internal/logging"

	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultTimeout    = 5 * time.Second
	DefaultMaxReasons = 5
)

// Rejection records why a candidate endpoint was not used.
type Rejection struct {
	Endpoint string `json:"endpoint"`
	Reason   string `json:"reason"`
}

func (r Rejection) String() string {
	return r.Endpoint + ": " + r.Reason
}

// Health is the outcome of a successful validation pass. It is never persisted.
type Health struct {
	Conn        Conn
	Endpoint    string
	Nonce       *big.Int
	BlockNumber uint64
	Rejected    []Rejection
}

// UnavailableError means no candidate passed validation.
type UnavailableError struct {
	Rejections []Rejection
}

func (e *UnavailableError) Error() string {
	if len(e.Rejections) == 0 {
		return "no rpc endpoint configured"
	}
	parts := make([]string, 0, len(e.Rejections))
	for _, r := range e.Rejections {
		parts = append(parts, r.String())
	}
	return "no healthy rpc endpoint: " + strings.Join(parts, "; ")
}

// Validator proves an endpoint is on the right network, synced, and able to
// serve the contract before any signing happens against its nonce.
type Validator struct {
	Dial     DialFunc
	ChainID  *big.Int
	Contract common.Address
	// MinBlock is the sanity floor that catches stale or mis-pointed nodes.
	MinBlock uint64
	// Timeout bounds each candidate independently.
	Timeout    time.Duration
	MaxReasons int
	Hints      HintCache
}

// Validate tries candidates strictly in priority order and returns the first
// that passes every check. The caller owns the returned Conn and must Close it.
func (v *Validator) Validate(ctx context.Context, candidates []string, wallet common.Address) (*Health, error) {
	ctx = logging.WithAttrs(ctx, slog.String("component", "chain.validator"))
	ordered := v.order(ctx, candidates)

	var rejected []Rejection
	for _, endpoint := range ordered {
		health, reason := v.probe(ctx, endpoint, wallet)
		if health != nil {
			health.Rejected = rejected
			if v.Hints != nil {
				v.Hints.Remember(ctx, endpoint)
			}
			logging.Info(ctx, "rpc endpoint accepted",
				slog.String("endpoint", endpoint),
				slog.Uint64("block", health.BlockNumber),
				slog.String("nonce", health.Nonce.String()),
				slog.Int("rejected", len(rejected)))
			return health, nil
		}
		logging.Warn(ctx, "rpc endpoint rejected", slog.String("endpoint", endpoint), slog.String("reason", reason))
		rejected = append(rejected, Rejection{Endpoint: endpoint, Reason: reason})
	}

	max := v.MaxReasons
	if max <= 0 {
		max = DefaultMaxReasons
	}
	if len(rejected) > max {
		rejected = rejected[:max]
	}
	return nil, &UnavailableError{Rejections: rejected}
}

func (v *Validator) order(ctx context.Context, candidates []string) []string {
	out := make([]string, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	if v.Hints == nil {
		return out
	}
	preferred, ok := v.Hints.Preferred(ctx)
	if !ok || !seen[preferred] || out[0] == preferred {
		return out
	}
	reordered := make([]string, 0, len(out))
	reordered = append(reordered, preferred)
	for _, c := range out {
		if c != preferred {
			reordered = append(reordered, c)
		}
	}
	return reordered
}

func (v *Validator) probe(ctx context.Context, endpoint string, wallet common.Address) (*Health, string) {
	timeout := v.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := v.Dial(probeCtx, endpoint)
	if err != nil {
		return nil, fmt.Sprintf("connect failed: %v", err)
	}

	reject := func(reason string) (*Health, string) {
		conn.Close()
		return nil, reason
	}

	chainID, err := conn.ChainID(probeCtx)
	if err != nil {
		return reject(fmt.Sprintf("connect failed: %v", err))
	}
	if v.ChainID != nil && chainID.Cmp(v.ChainID) != 0 {
		return reject(fmt.Sprintf("wrong chainId: %s", chainID))
	}

	block, err := conn.BlockNumber(probeCtx)
	if err != nil {
		return reject(fmt.Sprintf("block number read failed: %v", err))
	}
	if block < v.MinBlock {
		return reject(fmt.Sprintf("block number too low: %d", block))
	}

	code, err := conn.CodeAt(probeCtx, v.Contract)
	if err != nil {
		return reject(fmt.Sprintf("code read failed: %v", err))
	}
	if len(code) == 0 {
		return reject(fmt.Sprintf("no contract code at %s", v.Contract.Hex()))
	}

	nonce, err := conn.Nonce(probeCtx, wallet)
	if err != nil {
		return reject(fmt.Sprintf("nonce read failed: %v", err))
	}

	return &Health{Conn: conn, Endpoint: endpoint, Nonce: nonce, BlockNumber: block}, ""
}
