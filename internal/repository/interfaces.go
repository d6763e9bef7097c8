package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/predictive-dialer/internal/domain"
	apperrors "github.com/acme/predictive-dialer/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// CampaignRepository manages campaign metadata persistence.
type CampaignRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
	// SetStatus records a lifecycle transition together with the active flag
	// and started/stopped timestamps. Reason is stored for failed campaigns.
	SetStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus, active bool, reason string) error
}

// TargetRepository stores campaign dial targets.
type TargetRepository interface {
	// NextUnattempted fetches up to limit targets not yet dialed.
	NextUnattempted(ctx context.Context, campaignID uuid.UUID, limit int) ([]domain.DialTarget, error)
	// MarkAttempted atomically flips a target to attempted. It reports false
	// when another loop already claimed the target.
	MarkAttempted(ctx context.Context, targetID uuid.UUID) (bool, error)
	// Requeue returns a target to the unattempted pool after a failed
	// origination.
	Requeue(ctx context.Context, targetID uuid.UUID) error
	CountRemaining(ctx context.Context, campaignID uuid.UUID) (int64, error)
}

// AgentRepository exposes the shared agent pool. Claim and release must be
// atomic per agent: two calls must never bind the same idle agent.
type AgentRepository interface {
	CountIdle(ctx context.Context) (int, error)
	// ClaimIdle atomically selects one idle agent and marks it busy. Returns
	// ErrNoIdleAgent when the pool has no idle agent.
	ClaimIdle(ctx context.Context) (*domain.Agent, error)
	Release(ctx context.Context, agentID uuid.UUID) error
}

// CallerIDRepository selects outbound caller identities.
type CallerIDRepository interface {
	// PickActive returns one active caller id, chosen at random.
	PickActive(ctx context.Context) (*domain.CallerID, error)
}

// CallStore persists call records and answers aggregate questions.
type CallStore interface {
	Create(ctx context.Context, call *domain.Call) error
	Get(ctx context.Context, campaignID, callID uuid.UUID) (*domain.Call, error)
	// SetStatus records a non-terminal status observation.
	SetStatus(ctx context.Context, campaignID, callID uuid.UUID, status domain.CallStatus) error
	// AssignAgent binds an agent to an answered call.
	AssignAgent(ctx context.Context, campaignID, callID, agentID uuid.UUID) error
	// Finalize writes the terminal disposition exactly once; later calls for
	// the same record are no-ops returning ErrConflict.
	Finalize(ctx context.Context, campaignID, callID uuid.UUID, disposition domain.Disposition, endedAt time.Time, duration time.Duration) error
	// Aggregate recomputes campaign stats from call records.
	Aggregate(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error)
}
