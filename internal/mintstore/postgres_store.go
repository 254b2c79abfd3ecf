package mintstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists mint requests with a unique key on action_id.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS mint_requests (
    action_id TEXT PRIMARY KEY,
    actor_id TEXT NOT NULL,
    action_name TEXT NOT NULL,
    recipient_address TEXT NOT NULL,
    amount BIGINT NOT NULL,
    amount_base_units TEXT NOT NULL,
    action_hash TEXT NOT NULL,
    evidence_hash TEXT NOT NULL,
    nonce TEXT NOT NULL,
    signature TEXT NOT NULL DEFAULT '',
    signer_address TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    tx_hash TEXT,
    pending_tx_hash TEXT,
    on_chain_error TEXT,
    on_chain_error_details TEXT,
    minted_at TIMESTAMPTZ,
    claim_token TEXT,
    claimed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`

const selectColumns = `action_id, actor_id, action_name, recipient_address, amount, amount_base_units,
    action_hash, evidence_hash, nonce, signature, signer_address, status, tx_hash, pending_tx_hash,
    on_chain_error, on_chain_error_details, minted_at, claim_token, claimed_at, created_at, updated_at`

// NewPostgresStore uses pool and ensures the table exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is nil")
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("create mint_requests: %w", err)
	}
	return &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Connect opens a pool for dsn with the service's pool settings.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, actionID string) (*MintRequest, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM mint_requests WHERE action_id = $1`, actionID)

	var rec MintRequest
	var status string
	if err := row.Scan(&rec.ActionID, &rec.ActorID, &rec.ActionName, &rec.RecipientAddress, &rec.Amount,
		&rec.AmountBaseUnits, &rec.ActionHash, &rec.EvidenceHash, &rec.Nonce, &rec.Signature,
		&rec.SignerAddress, &status, &rec.TxHash, &rec.PendingTxHash, &rec.OnChainError,
		&rec.OnChainErrorDetails, &rec.MintedAt, &rec.ClaimToken, &rec.ClaimedAt,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get mint request: %w", err)
	}
	rec.Status = Status(status)
	return &rec, nil
}

func (p *PostgresStore) Claim(ctx context.Context, req MintRequest, token string, lease time.Duration) (bool, error) {
	now := p.now()
	var claimed string
	err := p.pool.QueryRow(ctx, `
INSERT INTO mint_requests (action_id, actor_id, action_name, recipient_address, amount, amount_base_units,
    action_hash, evidence_hash, nonce, signature, signer_address, status, claim_token, claimed_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14, $14)
ON CONFLICT (action_id) DO UPDATE
SET claim_token = EXCLUDED.claim_token,
    claimed_at = EXCLUDED.claimed_at,
    updated_at = EXCLUDED.updated_at
WHERE mint_requests.tx_hash IS NULL
  AND mint_requests.status <> 'minted'
  AND (mint_requests.claim_token IS NULL OR mint_requests.claimed_at < $15)
RETURNING action_id
`, req.ActionID, req.ActorID, req.ActionName, req.RecipientAddress, req.Amount, req.AmountBaseUnits,
		req.ActionHash, req.EvidenceHash, req.Nonce, req.Signature, req.SignerAddress, string(req.Status),
		token, now, now.Add(-lease)).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim mint request: %w", err)
	}
	return true, nil
}

func (p *PostgresStore) Update(ctx context.Context, req MintRequest, token string) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE mint_requests
SET actor_id = $2,
    action_name = $3,
    recipient_address = $4,
    amount = $5,
    amount_base_units = $6,
    action_hash = $7,
    evidence_hash = $8,
    nonce = $9,
    signature = $10,
    signer_address = $11,
    status = $12,
    tx_hash = $13,
    pending_tx_hash = $14,
    on_chain_error = $15,
    on_chain_error_details = $16,
    minted_at = $17,
    claim_token = $18,
    claimed_at = $19,
    updated_at = $20
WHERE action_id = $1 AND claim_token = $21
`, req.ActionID, req.ActorID, req.ActionName, req.RecipientAddress, req.Amount, req.AmountBaseUnits,
		req.ActionHash, req.EvidenceHash, req.Nonce, req.Signature, req.SignerAddress, string(req.Status),
		req.TxHash, req.PendingTxHash, req.OnChainError, req.OnChainErrorDetails, req.MintedAt,
		req.ClaimToken, req.ClaimedAt, p.now(), token)
	if err != nil {
		return fmt.Errorf("update mint request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}
