package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/predictive-dialer/internal/domain"
	"github.com/acme/predictive-dialer/internal/repository"
)

// CallerIDRepository selects outbound caller identities.
type CallerIDRepository struct {
	db *sqlx.DB
}

// NewCallerIDRepository constructs the repository.
func NewCallerIDRepository(db *sqlx.DB) *CallerIDRepository {
	return &CallerIDRepository{db: db}
}

// PickActive returns one active caller id at random.
func (r *CallerIDRepository) PickActive(ctx context.Context) (*domain.CallerID, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT id, number, active FROM caller_ids
		WHERE active = true ORDER BY random() LIMIT 1`)

	var rec callerIDRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("caller ids: pick active: %w", err)
	}
	return &domain.CallerID{ID: rec.ID, Number: rec.Number, Active: rec.Active}, nil
}

type callerIDRecord struct {
	ID     uuid.UUID `db:"id"`
	Number string    `db:"number"`
	Active bool      `db:"active"`
}
