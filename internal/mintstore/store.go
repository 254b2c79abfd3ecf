package mintstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSigned  Status = "signed"
	StatusMinted  Status = "minted"
)

var (
	// ErrClaimLost means another invocation holds (or took over) the claim on the row.
	ErrClaimLost = errors.New("mint request claim lost")
	ErrNotFound  = errors.New("mint request not found")
)

// MintRequest is the durable record of one authorization attempt, keyed by ActionID.
// Amount is in reward units; AmountBaseUnits is the decimal-scaled uint256 as a string.
type MintRequest struct {
	ActionID         string
	ActorID          string
	ActionName       string
	RecipientAddress string
	Amount           int64
	AmountBaseUnits  string
	ActionHash       string
	EvidenceHash     string
	Nonce            string
	Signature        string
	SignerAddress    string
	Status           Status
	// TxHash is set only once the lock transaction is confirmed; it is terminal.
	TxHash *string
	// PendingTxHash is a broadcast transaction whose confirmation is still unknown.
	PendingTxHash       *string
	OnChainError        *string
	OnChainErrorDetails *string
	MintedAt            *time.Time
	ClaimToken          *string
	ClaimedAt           *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Terminal reports whether the request must never be submitted again.
func (m *MintRequest) Terminal() bool {
	return m.Status == StatusMinted || (m.TxHash != nil && *m.TxHash != "")
}

// Store persists mint requests. Records are never deleted.
type Store interface {
	// Get returns nil, nil when no record exists.
	Get(ctx context.Context, actionID string) (*MintRequest, error)
	// Claim is the idempotent upsert on action_id: it inserts req, or takes over an
	// existing non-terminal row whose claim is absent or older than lease. Only one
	// concurrent caller can win; the others get false.
	Claim(ctx context.Context, req MintRequest, token string, lease time.Duration) (bool, error)
	// Update overwrites the row only while token still holds the claim; otherwise
	// it returns ErrClaimLost. Writing req.ClaimToken = nil releases the claim.
	Update(ctx context.Context, req MintRequest, token string) error
}

func claimable(existing *MintRequest, cutoff time.Time) bool {
	if existing.Terminal() {
		return false
	}
	if existing.ClaimToken == nil {
		return true
	}
	return existing.ClaimedAt == nil || existing.ClaimedAt.Before(cutoff)
}

// MemoryStore is mostly for testing and single-process dev runs.
type MemoryStore struct {
	Now func() time.Time

	mu   sync.Mutex
	data map[string]MintRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]MintRequest)}
}

func (m *MemoryStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

func (m *MemoryStore) Get(_ context.Context, actionID string) (*MintRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[actionID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Claim(_ context.Context, req MintRequest, token string, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	existing, ok := m.data[req.ActionID]
	if !ok {
		req.ClaimToken = &token
		req.ClaimedAt = &now
		req.CreatedAt = now
		req.UpdatedAt = now
		m.data[req.ActionID] = req
		return true, nil
	}
	if !claimable(&existing, now.Add(-lease)) {
		return false, nil
	}
	existing.ClaimToken = &token
	existing.ClaimedAt = &now
	existing.UpdatedAt = now
	m.data[req.ActionID] = existing
	return true, nil
}

func (m *MemoryStore) Update(_ context.Context, req MintRequest, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.data[req.ActionID]
	if !ok {
		return ErrNotFound
	}
	if existing.ClaimToken == nil || *existing.ClaimToken != token {
		return ErrClaimLost
	}
	req.CreatedAt = existing.CreatedAt
	req.UpdatedAt = m.now()
	m.data[req.ActionID] = req
	return nil
}
