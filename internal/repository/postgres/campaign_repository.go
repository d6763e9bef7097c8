package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/predictive-dialer/internal/domain"
	"github.com/acme/predictive-dialer/internal/repository"
)

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Get retrieves a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT id, name, active, status, failure_reason, created_at, updated_at, started_at, stopped_at
		FROM campaigns WHERE id = $1`, id)

	var rec campaignRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}
	return rec.toModel(), nil
}

// ListByStatus returns campaigns in the given lifecycle status.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT id, name, active, status, failure_reason, created_at, updated_at, started_at, stopped_at
		FROM campaigns WHERE status = $1 ORDER BY created_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list by status: %w", err)
	}
	defer rows.Close()

	var campaigns []*domain.Campaign
	for rows.Next() {
		var rec campaignRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaigns = append(campaigns, rec.toModel())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return campaigns, nil
}

// SetStatus records a lifecycle transition. Started/stopped timestamps follow
// the transition: running stamps started_at, every inactive terminal state
// stamps stopped_at.
func (r *CampaignRepository) SetStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus, active bool, reason string) error {
	now := time.Now().UTC()

	query := `UPDATE campaigns SET status = $1, active = $2, failure_reason = $3, updated_at = $4`
	args := []any{status, active, reason, now}
	switch status {
	case domain.CampaignStatusRunning:
		query += `, started_at = $5, stopped_at = NULL WHERE id = $6`
		args = append(args, now, id)
	case domain.CampaignStatusCompleted, domain.CampaignStatusStopped, domain.CampaignStatusFailed:
		query += `, stopped_at = $5 WHERE id = $6`
		args = append(args, now, id)
	default:
		query += ` WHERE id = $5`
		args = append(args, id)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("campaign repo: set status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if affected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type campaignRecord struct {
	ID            uuid.UUID    `db:"id"`
	Name          string       `db:"name"`
	Active        bool         `db:"active"`
	Status        string       `db:"status"`
	FailureReason string       `db:"failure_reason"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
	StartedAt     sql.NullTime `db:"started_at"`
	StoppedAt     sql.NullTime `db:"stopped_at"`
}

func (r campaignRecord) toModel() *domain.Campaign {
	campaign := &domain.Campaign{
		ID:            r.ID,
		Name:          r.Name,
		Active:        r.Active,
		Status:        domain.CampaignStatus(r.Status),
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		campaign.StartedAt = &t
	}
	if r.StoppedAt.Valid {
		t := r.StoppedAt.Time
		campaign.StoppedAt = &t
	}
	return campaign
}
