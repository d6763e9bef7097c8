package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/predictive-dialer/internal/domain"
)

// TargetRepository persists campaign dial targets.
type TargetRepository struct {
	db *sqlx.DB
}

// NewTargetRepository constructs the repository.
func NewTargetRepository(db *sqlx.DB) *TargetRepository {
	return &TargetRepository{db: db}
}

// NextUnattempted fetches pending targets for dialing, oldest first.
func (r *TargetRepository) NextUnattempted(ctx context.Context, campaignID uuid.UUID, limit int) ([]domain.DialTarget, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT id, campaign_id, name, phone_number, attempted, attempted_at, created_at
		FROM dial_targets
		WHERE campaign_id = $1 AND attempted = false
		ORDER BY created_at ASC
		LIMIT $2`, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("dial targets: select unattempted: %w", err)
	}
	defer rows.Close()

	var targets []domain.DialTarget
	for rows.Next() {
		var rec targetRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("dial targets: scan: %w", err)
		}
		targets = append(targets, rec.toModel())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dial targets: rows err: %w", err)
	}
	return targets, nil
}

// MarkAttempted claims a target for dialing. The conditional update makes the
// claim atomic: only one caller observes a row change.
func (r *TargetRepository) MarkAttempted(ctx context.Context, targetID uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE dial_targets SET attempted = true, attempted_at = $1
		WHERE id = $2 AND attempted = false`, time.Now().UTC(), targetID)
	if err != nil {
		return false, fmt.Errorf("dial targets: mark attempted: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dial targets: rows affected: %w", err)
	}
	return affected == 1, nil
}

// Requeue returns a target to the unattempted pool.
func (r *TargetRepository) Requeue(ctx context.Context, targetID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE dial_targets SET attempted = false, attempted_at = NULL
		WHERE id = $1`, targetID); err != nil {
		return fmt.Errorf("dial targets: requeue: %w", err)
	}
	return nil
}

// CountRemaining counts targets not yet dialed.
func (r *TargetRepository) CountRemaining(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	var count int64
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM dial_targets
		WHERE campaign_id = $1 AND attempted = false`, campaignID); err != nil {
		return 0, fmt.Errorf("dial targets: count remaining: %w", err)
	}
	return count, nil
}

type targetRecord struct {
	ID          uuid.UUID    `db:"id"`
	CampaignID  uuid.UUID    `db:"campaign_id"`
	Name        string       `db:"name"`
	PhoneNumber string       `db:"phone_number"`
	Attempted   bool         `db:"attempted"`
	AttemptedAt sql.NullTime `db:"attempted_at"`
	CreatedAt   time.Time    `db:"created_at"`
}

func (r targetRecord) toModel() domain.DialTarget {
	target := domain.DialTarget{
		ID:          r.ID,
		CampaignID:  r.CampaignID,
		Name:        r.Name,
		PhoneNumber: r.PhoneNumber,
		Attempted:   r.Attempted,
		CreatedAt:   r.CreatedAt,
	}
	if r.AttemptedAt.Valid {
		t := r.AttemptedAt.Time
		target.AttemptedAt = &t
	}
	return target
}
