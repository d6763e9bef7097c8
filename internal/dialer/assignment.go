package dialer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/acme/predictive-dialer/internal/domain"
	"github.com/acme/predictive-dialer/internal/queue"
	"github.com/acme/predictive-dialer/internal/repository"
	apperrors "github.com/acme/predictive-dialer/pkg/errors"
	"github.com/acme/predictive-dialer/pkg/logger"
)

// EventSink publishes dialer events for external consumers.
type EventSink interface {
	PublishCampaignStatus(ctx context.Context, msg queue.CampaignStatusMessage) error
	PublishCallRouted(ctx context.Context, msg queue.CallRoutedMessage) error
}

// Assigner binds answered, unassigned calls to idle agents. The agent claim
// is atomic at the store level, so two calls can never take the same agent.
type Assigner struct {
	agents repository.AgentRepository
	calls  repository.CallStore
	events EventSink
	clock  Clock
	logger *logger.Logger
}

// NewAssigner constructs an assigner.
func NewAssigner(agents repository.AgentRepository, calls repository.CallStore, events EventSink, clock Clock, lg *logger.Logger) *Assigner {
	return &Assigner{agents: agents, calls: calls, events: events, clock: clock, logger: lg}
}

// Assign claims one idle agent for the call. When the pool is empty the call
// is finalized as abandoned; that outcome reports assigned=false with a nil
// error.
func (a *Assigner) Assign(ctx context.Context, call *domain.Call) (bool, error) {
	agent, err := a.agents.ClaimIdle(ctx)
	if err != nil {
		if errors.Is(err, apperrors.ErrNoIdleAgent) {
			return false, a.abandon(ctx, call)
		}
		return false, fmt.Errorf("assignment: claim agent: %w", err)
	}

	if err := a.calls.AssignAgent(ctx, call.CampaignID, call.ID, agent.ID); err != nil {
		if relErr := a.agents.Release(ctx, agent.ID); relErr != nil {
			a.logger.Error("assignment: release after failed bind", zap.Error(relErr))
		}
		return false, fmt.Errorf("assignment: bind agent: %w", err)
	}

	agentID := agent.ID
	call.AgentID = &agentID

	msg := queue.CallRoutedMessage{
		CallID:         call.ID,
		CampaignID:     call.CampaignID,
		AgentID:        agent.ID,
		AgentExtension: agent.Extension,
		PhoneNumber:    call.PhoneNumber,
		OccurredAt:     a.clock.Now(),
	}
	if err := a.events.PublishCallRouted(ctx, msg); err != nil {
		a.logger.Warn("assignment: publish call routed", zap.Error(err))
	}

	a.logger.Info("call routed to agent",
		zap.String("call_id", call.ID.String()),
		zap.String("agent_id", agent.ID.String()),
		zap.String("extension", agent.Extension))
	return true, nil
}

func (a *Assigner) abandon(ctx context.Context, call *domain.Call) error {
	now := a.clock.Now()
	err := a.calls.Finalize(ctx, call.CampaignID, call.ID, domain.DispositionAbandoned, now, now.Sub(call.StartedAt))
	if err != nil && !errors.Is(err, repository.ErrConflict) {
		return fmt.Errorf("assignment: abandon call: %w", err)
	}
	call.Disposition = domain.DispositionAbandoned
	endedAt := now
	call.EndedAt = &endedAt

	a.logger.Warn("call abandoned, no idle agent",
		zap.String("call_id", call.ID.String()),
		zap.String("campaign_id", call.CampaignID.String()),
		zap.Duration("ring_to_abandon", now.Sub(call.StartedAt)))
	return nil
}
