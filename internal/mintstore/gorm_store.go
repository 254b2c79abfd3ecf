package mintstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type mintRequestRow struct {
	ActionID            string `gorm:"primaryKey;size:128"`
	ActorID             string `gorm:"size:128;not null;index"`
	ActionName          string `gorm:"size:64;not null"`
	RecipientAddress    string `gorm:"size:42;not null"`
	Amount              int64  `gorm:"not null"`
	AmountBaseUnits     string `gorm:"size:80;not null"`
	ActionHash          string `gorm:"size:66;not null"`
	EvidenceHash        string `gorm:"size:66;not null"`
	Nonce               string `gorm:"size:80;not null"`
	Signature           string `gorm:"size:132;not null;default:''"`
	SignerAddress       string `gorm:"size:42;not null;default:''"`
	Status              string `gorm:"size:16;not null;index"`
	TxHash              *string
	PendingTxHash       *string
	OnChainError        *string
	OnChainErrorDetails *string
	MintedAt            *time.Time
	ClaimToken          *string
	ClaimedAt           *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (mintRequestRow) TableName() string { return "mint_requests" }

// GormStore backs local and single-node deployments with SQLite through gorm.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the SQLite file at path. Writers are
// serialized on one connection so conditional updates never see SQLITE_BUSY.
func OpenSQLite(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}
	db, err := gorm.Open(gormsqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&mintRequestRow{}); err != nil {
		return nil, fmt.Errorf("auto migrate mint_requests: %w", err)
	}
	return &GormStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (g *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (g *GormStore) Get(ctx context.Context, actionID string) (*MintRequest, error) {
	var row mintRequestRow
	if err := g.db.WithContext(ctx).Where("action_id = ?", actionID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query mint request: %w", err)
	}
	rec := fromRow(row)
	return &rec, nil
}

func (g *GormStore) Claim(ctx context.Context, req MintRequest, token string, lease time.Duration) (bool, error) {
	now := g.now()
	row := toRow(req)
	row.ClaimToken = &token
	row.ClaimedAt = &now
	row.CreatedAt = now
	row.UpdatedAt = now

	db := g.db.WithContext(ctx)
	inserted := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if inserted.Error != nil {
		return false, fmt.Errorf("insert mint request: %w", inserted.Error)
	}
	if inserted.RowsAffected == 1 {
		return true, nil
	}

	taken := db.Model(&mintRequestRow{}).
		Where("action_id = ?", req.ActionID).
		Where("tx_hash IS NULL AND status <> ?", string(StatusMinted)).
		Where("(claim_token IS NULL OR claimed_at < ?)", now.Add(-lease)).
		Updates(map[string]any{
			"claim_token": token,
			"claimed_at":  now,
			"updated_at":  now,
		})
	if taken.Error != nil {
		return false, fmt.Errorf("take over mint request: %w", taken.Error)
	}
	return taken.RowsAffected == 1, nil
}

func (g *GormStore) Update(ctx context.Context, req MintRequest, token string) error {
	row := toRow(req)
	result := g.db.WithContext(ctx).Model(&mintRequestRow{}).
		Where("action_id = ? AND claim_token = ?", req.ActionID, token).
		Updates(map[string]any{
			"actor_id":               row.ActorID,
			"action_name":            row.ActionName,
			"recipient_address":      row.RecipientAddress,
			"amount":                 row.Amount,
			"amount_base_units":      row.AmountBaseUnits,
			"action_hash":            row.ActionHash,
			"evidence_hash":          row.EvidenceHash,
			"nonce":                  row.Nonce,
			"signature":              row.Signature,
			"signer_address":         row.SignerAddress,
			"status":                 row.Status,
			"tx_hash":                row.TxHash,
			"pending_tx_hash":        row.PendingTxHash,
			"on_chain_error":         row.OnChainError,
			"on_chain_error_details": row.OnChainErrorDetails,
			"minted_at":              row.MintedAt,
			"claim_token":            row.ClaimToken,
			"claimed_at":             row.ClaimedAt,
			"updated_at":             g.now(),
		})
	if result.Error != nil {
		return fmt.Errorf("update mint request: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

func toRow(m MintRequest) mintRequestRow {
	return mintRequestRow{
		ActionID:            m.ActionID,
		ActorID:             m.ActorID,
		ActionName:          m.ActionName,
		RecipientAddress:    m.RecipientAddress,
		Amount:              m.Amount,
		AmountBaseUnits:     m.AmountBaseUnits,
		ActionHash:          m.ActionHash,
		EvidenceHash:        m.EvidenceHash,
		Nonce:               m.Nonce,
		Signature:           m.Signature,
		SignerAddress:       m.SignerAddress,
		Status:              string(m.Status),
		TxHash:              m.TxHash,
		PendingTxHash:       m.PendingTxHash,
		OnChainError:        m.OnChainError,
		OnChainErrorDetails: m.OnChainErrorDetails,
		MintedAt:            m.MintedAt,
		ClaimToken:          m.ClaimToken,
		ClaimedAt:           m.ClaimedAt,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

func fromRow(r mintRequestRow) MintRequest {
	return MintRequest{
		ActionID:            r.ActionID,
		ActorID:             r.ActorID,
		ActionName:          r.ActionName,
		RecipientAddress:    r.RecipientAddress,
		Amount:              r.Amount,
		AmountBaseUnits:     r.AmountBaseUnits,
		ActionHash:          r.ActionHash,
		EvidenceHash:        r.EvidenceHash,
		Nonce:               r.Nonce,
		Signature:           r.Signature,
		SignerAddress:       r.SignerAddress,
		Status:              Status(r.Status),
		TxHash:              r.TxHash,
		PendingTxHash:       r.PendingTxHash,
		OnChainError:        r.OnChainError,
		OnChainErrorDetails: r.OnChainErrorDetails,
		MintedAt:            r.MintedAt,
		ClaimToken:          r.ClaimToken,
		ClaimedAt:           r.ClaimedAt,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}
