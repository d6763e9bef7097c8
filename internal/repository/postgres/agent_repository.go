package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/predictive-dialer/internal/domain"
	apperrors "github.com/acme/predictive-dialer/pkg/errors"
)

// AgentRepository exposes the shared agent pool in PostgreSQL. Claims are
// serialized per row with FOR UPDATE SKIP LOCKED so campaign loops running in
// parallel cannot bind the same agent twice.
type AgentRepository struct {
	db *sqlx.DB
}

// NewAgentRepository constructs the repository.
func NewAgentRepository(db *sqlx.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

// CountIdle returns the number of idle agents.
func (r *AgentRepository) CountIdle(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM agents WHERE status = 'idle'`); err != nil {
		return 0, fmt.Errorf("agents: count idle: %w", err)
	}
	return count, nil
}

// ClaimIdle selects one idle agent and flips it to busy in a single
// statement.
func (r *AgentRepository) ClaimIdle(ctx context.Context) (*domain.Agent, error) {
	row := r.db.QueryRowxContext(ctx, `UPDATE agents SET status = 'busy', updated_at = $1
		WHERE id = (
			SELECT id FROM agents WHERE status = 'idle'
			ORDER BY updated_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, name, extension, status, updated_at`, time.Now().UTC())

	var rec agentRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrNoIdleAgent
		}
		return nil, fmt.Errorf("agents: claim idle: %w", err)
	}
	return rec.toModel(), nil
}

// Release returns an agent to the idle pool.
func (r *AgentRepository) Release(ctx context.Context, agentID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE agents SET status = 'idle', updated_at = $1
		WHERE id = $2`, time.Now().UTC(), agentID); err != nil {
		return fmt.Errorf("agents: release: %w", err)
	}
	return nil
}

type agentRecord struct {
	ID        uuid.UUID `db:"id"`
	Name      string    `db:"name"`
	Extension string    `db:"extension"`
	Status    string    `db:"status"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r agentRecord) toModel() *domain.Agent {
	return &domain.Agent{
		ID:        r.ID,
		Name:      r.Name,
		Extension: r.Extension,
		Status:    domain.AgentStatus(r.Status),
		UpdatedAt: r.UpdatedAt,
	}
}
