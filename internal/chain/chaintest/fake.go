// Package chaintest provides an in-memory chain.Conn for tests.
package chaintest

import (
	"context"
	"crypto/sha256"
	"math/big"
	"sync"

	"pplpmint/internal/chain"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Conn is a scriptable chain.Conn. Zero values describe a healthy node with no
// registrations; set fields before use and read counters after.
type Conn struct {
	URL        string
	ChainIDVal *big.Int
	Block      uint64
	Code       []byte
	NonceVal   *big.Int
	Attesters  map[common.Address]bool
	Actions    map[common.Hash]chain.ActionInfo
	Gov        common.Address
	DecimalsV  uint8

	DialErr     error
	ChainIDErr  error
	NonceErr    error
	AttesterErr error
	DecimalsErr error
	LockErr     error
	// SendErr is returned by Lock together with the hash after the
	// transaction has landed, like a send whose response was lost.
	SendErr error
	// LockHook runs before Lock returns and may block to simulate a slow broadcast.
	LockHook func(call chain.LockCall)
	// ReceiptStatus is the status of mined receipts; nil Pending means mined at once.
	ReceiptStatus uint64
	Pending       bool
	ReceiptErr    error

	mu        sync.Mutex
	LockCalls []chain.LockCall
	// unbounded counts submission-path calls made without a context deadline.
	unbounded int
	Closed    bool
	sent      map[common.Hash]bool
}

// Healthy returns a Conn that passes validation for chainID with the given nonce.
func Healthy(url string, chainID int64, nonce int64) *Conn {
	return &Conn{
		URL:           url,
		ChainIDVal:    big.NewInt(chainID),
		Block:         1_000_000,
		Code:          []byte{0x60, 0x80},
		NonceVal:      big.NewInt(nonce),
		Attesters:     map[common.Address]bool{},
		Actions:       map[common.Hash]chain.ActionInfo{},
		Gov:           common.HexToAddress("0x00000000000000000000000000000000000000f0"),
		DecimalsV:     18,
		ReceiptStatus: types.ReceiptStatusSuccessful,
	}
}

// Dialer returns a chain.DialFunc serving conns by URL.
func Dialer(conns ...*Conn) chain.DialFunc {
	byURL := make(map[string]*Conn, len(conns))
	for _, c := range conns {
		byURL[c.URL] = c
	}
	return func(_ context.Context, endpoint string) (chain.Conn, error) {
		c, ok := byURL[endpoint]
		if !ok {
			return nil, ethereum.NotFound
		}
		if c.DialErr != nil {
			return nil, c.DialErr
		}
		return c, nil
	}
}

func (c *Conn) Endpoint() string { return c.URL }

func (c *Conn) ChainID(context.Context) (*big.Int, error) {
	if c.ChainIDErr != nil {
		return nil, c.ChainIDErr
	}
	return c.ChainIDVal, nil
}

func (c *Conn) BlockNumber(context.Context) (uint64, error) { return c.Block, nil }

func (c *Conn) CodeAt(context.Context, common.Address) ([]byte, error) { return c.Code, nil }

func (c *Conn) Nonce(context.Context, common.Address) (*big.Int, error) {
	if c.NonceErr != nil {
		return nil, c.NonceErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.NonceVal), nil
}

func (c *Conn) track(ctx context.Context) {
	if _, ok := ctx.Deadline(); ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unbounded++
}

// UnboundedCalls reports how many IsAttester, Action, GuardianGov, Lock and
// Receipt calls ran without a deadline.
func (c *Conn) UnboundedCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unbounded
}

func (c *Conn) IsAttester(ctx context.Context, account common.Address) (bool, error) {
	c.track(ctx)
	if c.AttesterErr != nil {
		return false, c.AttesterErr
	}
	return c.Attesters[account], nil
}

func (c *Conn) Action(ctx context.Context, actionHash common.Hash) (chain.ActionInfo, error) {
	c.track(ctx)
	return c.Actions[actionHash], nil
}

func (c *Conn) GuardianGov(ctx context.Context) (common.Address, error) {
	c.track(ctx)
	return c.Gov, nil
}

func (c *Conn) Decimals(context.Context) (uint8, error) {
	if c.DecimalsErr != nil {
		return 0, c.DecimalsErr
	}
	return c.DecimalsV, nil
}

func (c *Conn) Lock(ctx context.Context, call chain.LockCall) (common.Hash, error) {
	c.track(ctx)
	if c.LockHook != nil {
		c.LockHook(call)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LockCalls = append(c.LockCalls, call)
	if c.LockErr != nil {
		return common.Hash{}, c.LockErr
	}
	payload := []byte(call.ActionName)
	for _, sig := range call.Signatures {
		payload = append(payload, sig...)
	}
	payload = append(payload, byte(len(c.LockCalls)))
	sum := sha256.Sum256(payload)
	hash := common.BytesToHash(sum[:])
	if c.sent == nil {
		c.sent = map[common.Hash]bool{}
	}
	c.sent[hash] = true
	if !c.Pending && c.ReceiptStatus == types.ReceiptStatusSuccessful {
		c.NonceVal = new(big.Int).Add(c.NonceVal, big.NewInt(1))
	}
	if c.SendErr != nil {
		return hash, c.SendErr
	}
	return hash, nil
}

func (c *Conn) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.track(ctx)
	if c.ReceiptErr != nil {
		return nil, c.ReceiptErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Pending || !c.sent[txHash] {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{
		TxHash:      txHash,
		Status:      c.ReceiptStatus,
		BlockNumber: new(big.Int).SetUint64(c.Block + 1),
	}, nil
}

// MarkSent registers a hash as broadcast, e.g. for a transaction sent in an earlier attempt.
func (c *Conn) MarkSent(hash common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent == nil {
		c.sent = map[common.Hash]bool{}
	}
	c.sent[hash] = true
}

func (c *Conn) LockCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.LockCalls)
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
}
