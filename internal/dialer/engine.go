package dialer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/predictive-dialer/internal/config"
	"github.com/acme/predictive-dialer/internal/domain"
	"github.com/acme/predictive-dialer/internal/queue"
	apperrors "github.com/acme/predictive-dialer/pkg/errors"
	"github.com/acme/predictive-dialer/pkg/logger"
)

// ClientFactory returns a fresh protocol client. Each campaign run gets its
// own switch connection.
type ClientFactory func() SwitchClient

// Engine owns one dialing loop per running campaign. A reconciler pass picks
// up campaigns flagged running by the control API, so the engine can live in
// a separate process from the API.
type Engine struct {
	dialerCfg config.DialerConfig
	telephony config.TelephonyConfig

	stores    Stores
	limiter   SlotLimiter
	events    EventSink
	newClient ClientFactory
	clock     Clock
	logger    *logger.Logger

	mu   sync.Mutex
	runs map[uuid.UUID]*campaignRun
	wg   sync.WaitGroup
}

type campaignRun struct {
	loop   *Loop
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine constructs the engine.
func NewEngine(
	dialerCfg config.DialerConfig,
	telephony config.TelephonyConfig,
	stores Stores,
	limiter SlotLimiter,
	events EventSink,
	newClient ClientFactory,
	clock Clock,
	lg *logger.Logger,
) *Engine {
	if clock == nil {
		clock = SystemClock()
	}
	return &Engine{
		dialerCfg: dialerCfg,
		telephony: telephony,
		stores:    stores,
		limiter:   limiter,
		events:    events,
		newClient: newClient,
		clock:     clock,
		logger:    lg,
		runs:      make(map[uuid.UUID]*campaignRun),
	}
}

// StartCampaign flips the campaign to running and launches its dialing loop.
func (e *Engine) StartCampaign(ctx context.Context, campaignID uuid.UUID) error {
	campaign, err := e.stores.Campaigns.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status == domain.CampaignStatusRunning {
		return fmt.Errorf("%w: campaign is already running", apperrors.ErrConflict)
	}

	remaining, err := e.stores.Targets.CountRemaining(ctx, campaignID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		return fmt.Errorf("%w: campaign has no numbers left to call", apperrors.ErrValidation)
	}

	if err := e.transition(ctx, campaignID, domain.CampaignStatusRunning, true, ""); err != nil {
		return err
	}
	e.ensureLoop(campaignID)
	return nil
}

// StopCampaign deactivates the campaign. The loop observes the flag at its
// next tick, hangs up its in-flight channels and exits.
func (e *Engine) StopCampaign(ctx context.Context, campaignID uuid.UUID) error {
	return e.transition(ctx, campaignID, domain.CampaignStatusStopped, false, "")
}

// PauseCampaign deactivates the campaign but keeps it resumable.
func (e *Engine) PauseCampaign(ctx context.Context, campaignID uuid.UUID) error {
	campaign, err := e.stores.Campaigns.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status != domain.CampaignStatusRunning {
		return fmt.Errorf("%w: campaign is not running", apperrors.ErrValidation)
	}
	return e.transition(ctx, campaignID, domain.CampaignStatusPaused, false, "")
}

// ResumeCampaign restarts a paused campaign.
func (e *Engine) ResumeCampaign(ctx context.Context, campaignID uuid.UUID) error {
	campaign, err := e.stores.Campaigns.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status != domain.CampaignStatusPaused {
		return fmt.Errorf("%w: campaign is not paused", apperrors.ErrValidation)
	}
	if err := e.transition(ctx, campaignID, domain.CampaignStatusRunning, true, ""); err != nil {
		return err
	}
	e.ensureLoop(campaignID)
	return nil
}

// RunState reports the loop state for a campaign hosted by this engine.
func (e *Engine) RunState(campaignID uuid.UUID) (RunState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[campaignID]
	if !ok {
		return "", false
	}
	return run.loop.State(), true
}

// Run executes the reconciler until the context is cancelled: any campaign
// marked running without a local loop gets one. This lets the engine recover
// runs after a restart.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.dialerCfg.ReconcileInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		campaigns, err := e.stores.Campaigns.ListByStatus(ctx, domain.CampaignStatusRunning, 100)
		if err != nil && ctx.Err() == nil {
			e.logger.Error("engine: list running campaigns", zap.Error(err))
		}
		for _, campaign := range campaigns {
			if campaign.Active {
				e.ensureLoop(campaign.ID)
			}
		}

		select {
		case <-ctx.Done():
			e.Shutdown()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown cancels every loop and waits for them to unwind.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, run := range e.runs {
		run.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// ensureLoop launches a dialing loop for the campaign unless one is already
// running here.
func (e *Engine) ensureLoop(campaignID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.runs[campaignID]; exists {
		return
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	loop := NewLoop(campaignID, e.dialerCfg, e.telephony, e.newClient(), e.stores, e.limiter, e.events, e.clock, e.logger)
	run := &campaignRun{loop: loop, cancel: cancel, done: make(chan struct{})}
	e.runs[campaignID] = run

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(run.done)
		defer func() {
			e.mu.Lock()
			delete(e.runs, campaignID)
			e.mu.Unlock()
		}()

		if err := loop.Run(loopCtx); err != nil {
			e.logger.Error("engine: dialing loop exited with error",
				zap.Error(err),
				zap.String("campaign_id", campaignID.String()))
		}
	}()
}

func (e *Engine) transition(ctx context.Context, campaignID uuid.UUID, status domain.CampaignStatus, active bool, reason string) error {
	if err := e.stores.Campaigns.SetStatus(ctx, campaignID, status, active, reason); err != nil {
		return err
	}
	msg := queue.CampaignStatusMessage{
		CampaignID: campaignID,
		Status:     string(status),
		Active:     active,
		Reason:     reason,
		OccurredAt: e.clock.Now(),
	}
	if err := e.events.PublishCampaignStatus(ctx, msg); err != nil {
		e.logger.Warn("engine: publish campaign status", zap.Error(err))
	}
	return nil
}
