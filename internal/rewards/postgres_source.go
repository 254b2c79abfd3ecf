package rewards

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource reads the scoring tables owned by the rest of the product.
// It never creates them.
type PostgresSource struct {
	pool *pgxpool.Pool
}

func NewPostgresSource(pool *pgxpool.Pool) (*PostgresSource, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is nil")
	}
	return &PostgresSource{pool: pool}, nil
}

func (p *PostgresSource) GetAction(ctx context.Context, actionID string) (*Action, error) {
	var a Action
	var status string
	err := p.pool.QueryRow(ctx, `
SELECT id, actor_id, action_type, status, COALESCE(evidence_hash, '')
FROM pplp_actions WHERE id = $1`, actionID).Scan(&a.ID, &a.ActorID, &a.ActionType, &status, &a.EvidenceHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}
	a.Status = ActionStatus(status)
	return &a, nil
}

func (p *PostgresSource) GetScore(ctx context.Context, actionID string) (*Score, error) {
	var s Score
	var decision string
	err := p.pool.QueryRow(ctx, `
SELECT action_id, decision, final_reward, COALESCE(light_score, 0),
       COALESCE(pillar_s, 0), COALESCE(pillar_t, 0), COALESCE(pillar_h, 0),
       COALESCE(pillar_c, 0), COALESCE(pillar_u, 0)
FROM pplp_scores WHERE action_id = $1`, actionID).Scan(&s.ActionID, &decision, &s.FinalReward, &s.LightScore,
		&s.Pillars.S, &s.Pillars.T, &s.Pillars.H, &s.Pillars.C, &s.Pillars.U)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get score: %w", err)
	}
	s.Decision = Decision(decision)
	return &s, nil
}

func (p *PostgresSource) OpenSignals(ctx context.Context, actorID string, minSeverity int) ([]FraudSignal, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, actor_id, signal_type, severity, is_resolved
FROM pplp_fraud_signals
WHERE actor_id = $1 AND is_resolved = false AND severity >= $2
ORDER BY severity DESC`, actorID, minSeverity)
	if err != nil {
		return nil, fmt.Errorf("query fraud signals: %w", err)
	}
	defer rows.Close()

	var out []FraudSignal
	for rows.Next() {
		var s FraudSignal
		if err := rows.Scan(&s.ID, &s.ActorID, &s.SignalType, &s.Severity, &s.IsResolved); err != nil {
			return nil, fmt.Errorf("scan fraud signal: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresSource) MarkMinted(ctx context.Context, actionID string) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE pplp_actions SET status = 'minted', updated_at = now()
WHERE id = $1 AND status = 'scored'`, actionID)
	if err != nil {
		return fmt.Errorf("mark action minted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pplp_actions WHERE id = $1)`, actionID).Scan(&exists); err != nil {
			return fmt.Errorf("check action: %w", err)
		}
		if !exists {
			return ErrActionNotFound
		}
	}
	return nil
}
