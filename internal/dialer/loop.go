package dialer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/predictive-dialer/internal/ami"
	"github.com/acme/predictive-dialer/internal/config"
	"github.com/acme/predictive-dialer/internal/domain"
	"github.com/acme/predictive-dialer/internal/queue"
	"github.com/acme/predictive-dialer/internal/repository"
	apperrors "github.com/acme/predictive-dialer/pkg/errors"
	"github.com/acme/predictive-dialer/pkg/logger"
)

// RunState is the internal state of one campaign's dialing loop.
type RunState string

const (
	StateStarting      RunState = "starting"
	StateActive        RunState = "active"
	StateBackpressured RunState = "backpressured"
	StateDraining      RunState = "draining"
	StateStopped       RunState = "stopped"
	StateCompleted     RunState = "completed"
	StateFailed        RunState = "failed"
)

// errCampaignDone signals that the number pool is exhausted and nothing is in
// flight.
var errCampaignDone = errors.New("campaign number pool exhausted")

// SwitchClient is the subset of the protocol client the loop drives.
type SwitchClient interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Originate(ctx context.Context, req ami.OriginateRequest) error
	ActiveChannels(ctx context.Context) ([]ami.Event, error)
	Hangup(ctx context.Context, channel string) error
}

// SlotLimiter bounds in-flight calls per campaign across engine instances.
type SlotLimiter interface {
	Acquire(ctx context.Context, campaignID uuid.UUID, limit int) (bool, error)
	Release(ctx context.Context, campaignID uuid.UUID) error
}

// Stores bundles the collaborator record stores the loop consumes.
type Stores struct {
	Campaigns repository.CampaignRepository
	Targets   repository.TargetRepository
	Agents    repository.AgentRepository
	CallerIDs repository.CallerIDRepository
	Calls     repository.CallStore
}

// Loop runs the predictive dialing cycle for a single campaign. Ticks are
// strictly sequential; a campaign never has two overlapping ticks.
type Loop struct {
	campaignID uuid.UUID
	dialerCfg  config.DialerConfig
	telephony  config.TelephonyConfig

	client   SwitchClient
	stores   Stores
	tracker  *Tracker
	pacing   Pacing
	assigner *Assigner
	limiter  SlotLimiter
	events   EventSink
	clock    Clock
	logger   *logger.Logger

	mu          sync.Mutex
	state       RunState
	stats       domain.CampaignStats
	lastStatsAt time.Time
}

// NewLoop constructs a dialing loop for the campaign.
func NewLoop(
	campaignID uuid.UUID,
	dialerCfg config.DialerConfig,
	telephony config.TelephonyConfig,
	client SwitchClient,
	stores Stores,
	limiter SlotLimiter,
	events EventSink,
	clock Clock,
	lg *logger.Logger,
) *Loop {
	if clock == nil {
		clock = SystemClock()
	}
	return &Loop{
		campaignID: campaignID,
		dialerCfg:  dialerCfg,
		telephony:  telephony,
		client:     client,
		stores:     stores,
		tracker:    NewTracker(),
		pacing: Pacing{
			MaxConcurrentCalls:   dialerCfg.MaxConcurrentCalls,
			PredictiveRatio:      dialerCfg.PredictiveRatio,
			AbandonRateThreshold: dialerCfg.AbandonRateThreshold,
			SafetyMultiplier:     dialerCfg.SafetyMultiplier,
		},
		assigner: NewAssigner(stores.Agents, stores.Calls, events, clock, lg),
		limiter:  limiter,
		events:   events,
		clock:    clock,
		logger:   lg.With(zap.String("campaign_id", campaignID.String())),
		state:    StateStarting,
	}
}

// State returns the loop's current run state.
func (l *Loop) State() RunState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(state RunState) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
}

// Run executes the dialing loop until the campaign completes, is stopped, or
// fails. The protocol client is disconnected on every exit path.
func (l *Loop) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dialing loop panicked: %v", r)
			l.fail(err)
		}
	}()

	l.setState(StateStarting)

	campaign, err := l.stores.Campaigns.Get(ctx, l.campaignID)
	if err != nil {
		l.fail(fmt.Errorf("load campaign: %w", err))
		return err
	}
	if !campaign.Active {
		l.logger.Info("campaign no longer active, not starting")
		l.setState(StateStopped)
		return nil
	}

	if err := l.client.Connect(ctx); err != nil {
		l.logger.Error("switch connection failed", zap.Error(err))
		l.fail(err)
		return err
	}
	defer func() {
		if derr := l.client.Disconnect(); derr != nil {
			l.logger.Warn("switch disconnect", zap.Error(derr))
		}
	}()

	l.setState(StateActive)
	l.logger.Info("dialing loop started",
		zap.Float64("predictive_ratio", l.dialerCfg.PredictiveRatio),
		zap.Int("max_concurrent_calls", l.dialerCfg.MaxConcurrentCalls))

	tracer := otel.Tracer("dialer.loop")

	maxIterations := l.dialerCfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 1000
	}

	for iteration := 1; iteration <= maxIterations; iteration++ {
		if ctx.Err() != nil {
			l.stop(context.WithoutCancel(ctx), "engine shutdown")
			return nil
		}

		fresh, err := l.stores.Campaigns.Get(ctx, l.campaignID)
		if err != nil {
			l.logger.Error("refresh campaign", zap.Error(err), zap.Int("iteration", iteration))
			if !l.sleep(ctx, l.dialerCfg.ErrorBackoff) {
				l.stop(context.WithoutCancel(ctx), "engine shutdown")
				return nil
			}
			continue
		}
		if !fresh.Active {
			l.hangupInFlight(ctx)
			l.stop(ctx, "campaign deactivated")
			return nil
		}

		tctx, span := tracer.Start(ctx, "dialer.tick", trace.WithAttributes(
			attribute.String("campaign.id", l.campaignID.String()),
			attribute.Int("iteration", iteration)))

		err = l.tick(tctx)
		span.End()

		if errors.Is(err, errCampaignDone) {
			l.complete(ctx)
			return nil
		}
		if err != nil {
			// A transient tick error never aborts the run; back off longer
			// and keep going.
			l.logger.Error("tick failed", zap.Error(err), zap.Int("iteration", iteration))
			if !l.sleep(ctx, l.dialerCfg.ErrorBackoff) {
				l.stop(context.WithoutCancel(ctx), "engine shutdown")
				return nil
			}
			continue
		}

		if !l.sleep(ctx, l.dialerCfg.TickInterval) {
			l.stop(context.WithoutCancel(ctx), "engine shutdown")
			return nil
		}
	}

	// Safety valve: the iteration ceiling was reached.
	l.logger.Warn("iteration ceiling reached, stopping campaign", zap.Int("max_iterations", maxIterations))
	l.stop(ctx, "iteration ceiling reached")
	return nil
}

// tick performs one dialing cycle: refresh stats, observe the switch, sweep
// timeouts, reconcile outcomes, pace, originate, assign.
func (l *Loop) tick(ctx context.Context) error {
	now := l.clock.Now()

	l.refreshStats(ctx, now)
	l.observeChannels(ctx, now)
	l.sweepTimedOut(ctx, now)

	if err := l.reconcile(ctx); err != nil {
		return err
	}

	remaining, err := l.stores.Targets.CountRemaining(ctx, l.campaignID)
	if err != nil {
		return fmt.Errorf("count remaining targets: %w", err)
	}
	if remaining == 0 {
		if l.tracker.InFlight() == 0 {
			return errCampaignDone
		}
		// Draining: no new originations, but answered calls still need
		// agents.
		l.setState(StateDraining)
		return l.assignAnswered(ctx)
	}

	idleAgents, err := l.stores.Agents.CountIdle(ctx)
	if err != nil {
		return fmt.Errorf("count idle agents: %w", err)
	}

	stats := l.snapshotStats()
	callsToMake := l.pacing.CallsToMake(idleAgents, l.tracker.InFlight(), stats.AbandonRate)

	if l.pacing.Damped(stats.AbandonRate) {
		l.setState(StateBackpressured)
	} else {
		l.setState(StateActive)
	}

	if callsToMake > 0 {
		if err := l.originateBatch(ctx, callsToMake); err != nil {
			return err
		}
	}

	return l.assignAnswered(ctx)
}

// refreshStats recomputes campaign stats at most once per refresh interval.
func (l *Loop) refreshStats(ctx context.Context, now time.Time) {
	interval := l.dialerCfg.StatsRefreshInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	l.mu.Lock()
	due := now.Sub(l.lastStatsAt) >= interval
	l.mu.Unlock()
	if !due {
		return
	}

	stats, err := l.stores.Calls.Aggregate(ctx, l.campaignID)
	if err != nil {
		l.logger.Warn("stats refresh failed", zap.Error(err))
		return
	}

	l.mu.Lock()
	l.stats = *stats
	l.lastStatsAt = now
	l.mu.Unlock()

	l.logger.Info("stats snapshot",
		zap.Int64("total_calls", stats.TotalCalls),
		zap.Int64("answered_calls", stats.AnsweredCalls),
		zap.Int64("abandoned_calls", stats.AbandonedCalls),
		zap.Float64("answer_rate", stats.AnswerRate),
		zap.Float64("abandon_rate", stats.AbandonRate))
}

func (l *Loop) snapshotStats() domain.CampaignStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Stats returns the last computed campaign stats.
func (l *Loop) Stats() domain.CampaignStats {
	return l.snapshotStats()
}

// observeChannels polls the switch for active channels and updates tracked
// calls: a channel seen up means the callee answered; a tracked call whose
// channel is gone has ended and is finalized.
func (l *Loop) observeChannels(ctx context.Context, now time.Time) {
	pending := l.tracker.Pending()
	if len(pending) == 0 {
		return
	}

	events, err := l.client.ActiveChannels(ctx)
	if err != nil {
		l.logger.Warn("channel status poll failed", zap.Error(err))
		return
	}

	live := make(map[uuid.UUID]ami.Event, len(events))
	for _, ev := range events {
		if id, ok := callIDFromEvent(ev); ok {
			live[id] = ev
		}
	}

	for _, call := range pending {
		ev, up := live[call.ID]
		if up {
			if call.Status == domain.CallStatusRinging && channelUp(ev) {
				call.Status = domain.CallStatusAnswered
				if err := l.stores.Calls.SetStatus(ctx, call.CampaignID, call.ID, domain.CallStatusAnswered); err != nil && !errors.Is(err, repository.ErrConflict) {
					l.logger.Warn("persist answered status", zap.Error(err), zap.String("call_id", call.ID.String()))
				}
			}
			continue
		}

		// Channel gone. Give a freshly originated call a grace period; the
		// switch sets channels up asynchronously.
		age := now.Sub(call.StartedAt)
		if call.Status == domain.CallStatusRinging && age < l.dialerCfg.TickInterval {
			continue
		}
		l.finalizeEnded(ctx, call, now, age)
	}
}

// finalizeEnded classifies and finalizes a call whose channel disappeared.
// When the call was never observed up, the elapsed time stands in for the
// switch disposition; real channel observations always win.
func (l *Loop) finalizeEnded(ctx context.Context, call *domain.Call, now time.Time, age time.Duration) {
	var disposition domain.Disposition
	var duration time.Duration

	if call.Status == domain.CallStatusAnswered {
		disposition = domain.DispositionAnswered
		duration = age
	} else {
		switch {
		case age > 10*time.Second:
			disposition = domain.DispositionAnswered
			duration = age
		case age > 5*time.Second:
			disposition = domain.DispositionNoAnswer
		default:
			disposition = domain.DispositionBusy
		}
	}

	l.finalize(ctx, call, disposition, now, duration)
}

// sweepTimedOut finalizes ringing calls older than the answer timeout.
func (l *Loop) sweepTimedOut(ctx context.Context, now time.Time) {
	expired := l.tracker.SweepTimedOut(now, l.dialerCfg.AnswerTimeout)
	for _, call := range expired {
		l.logger.Info("call answer timeout",
			zap.String("call_id", call.ID.String()),
			zap.Duration("age", now.Sub(call.StartedAt)))

		if err := l.stores.Calls.Finalize(ctx, call.CampaignID, call.ID, domain.DispositionNoAnswer, now, 0); err != nil && !errors.Is(err, repository.ErrConflict) {
			l.logger.Error("finalize timed out call", zap.Error(err), zap.String("call_id", call.ID.String()))
		}
		l.releaseSlot(ctx)
	}
}

// reconcile compares tracked calls against the store; calls finalized
// elsewhere are released, answered calls without an agent go through
// assignment.
func (l *Loop) reconcile(ctx context.Context) error {
	for _, call := range l.tracker.Pending() {
		fresh, err := l.stores.Calls.Get(ctx, call.CampaignID, call.ID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				// Record disappeared between ticks; treat as finalized.
				l.tracker.Remove(call.ID)
				l.releaseSlot(ctx)
				continue
			}
			return fmt.Errorf("reconcile call %s: %w", call.ID, err)
		}

		if fresh.Disposition != "" {
			l.tracker.Remove(call.ID)
			l.releaseAgent(ctx, fresh)
			l.releaseSlot(ctx)
			continue
		}

		if fresh.Status == domain.CallStatusAnswered {
			call.Status = domain.CallStatusAnswered
			if fresh.AgentID != nil {
				call.AgentID = fresh.AgentID
			}
		}
	}
	return nil
}

// assignAnswered runs agent assignment over answered, unassigned calls.
func (l *Loop) assignAnswered(ctx context.Context) error {
	for _, call := range l.tracker.Pending() {
		if call.Status != domain.CallStatusAnswered || call.AgentID != nil {
			continue
		}
		assigned, err := l.assigner.Assign(ctx, call)
		if err != nil {
			return err
		}
		if !assigned {
			// Abandoned; the call is finished.
			l.tracker.Remove(call.ID)
			l.releaseSlot(ctx)
		}
	}
	return nil
}

// originateBatch claims the next unattempted targets and places calls.
// A single failed origination requeues its target and does not abort the
// batch.
func (l *Loop) originateBatch(ctx context.Context, count int) error {
	targets, err := l.stores.Targets.NextUnattempted(ctx, l.campaignID, count)
	if err != nil {
		return fmt.Errorf("fetch targets: %w", err)
	}

	for _, target := range targets {
		claimed, err := l.stores.Targets.MarkAttempted(ctx, target.ID)
		if err != nil {
			return fmt.Errorf("mark target attempted: %w", err)
		}
		if !claimed {
			// Another tick got there first.
			continue
		}

		ok, err := l.limiter.Acquire(ctx, l.campaignID, l.dialerCfg.MaxConcurrentCalls)
		if err != nil {
			l.requeueTarget(ctx, target.ID)
			return fmt.Errorf("acquire in-flight slot: %w", err)
		}
		if !ok {
			l.requeueTarget(ctx, target.ID)
			l.setState(StateBackpressured)
			return nil
		}

		if err := l.originate(ctx, target); err != nil {
			l.logger.Error("origination failed",
				zap.Error(err),
				zap.String("target_id", target.ID.String()),
				zap.String("phone", target.PhoneNumber))
			l.requeueTarget(ctx, target.ID)
			l.releaseSlot(ctx)

			if errors.Is(err, apperrors.ErrConnection) {
				return err
			}
		}
	}
	return nil
}

// originate creates the call record and asks the switch to ring the target.
func (l *Loop) originate(ctx context.Context, target domain.DialTarget) error {
	callerID, err := l.stores.CallerIDs.PickActive(ctx)
	if err != nil {
		return fmt.Errorf("pick caller id: %w", err)
	}

	now := l.clock.Now()
	call := &domain.Call{
		ID:          uuid.New(),
		CampaignID:  l.campaignID,
		TargetID:    target.ID,
		CallerIDNum: callerID.Number,
		PhoneNumber: target.PhoneNumber,
		Status:      domain.CallStatusRinging,
		StartedAt:   now,
	}

	if err := l.stores.Calls.Create(ctx, call); err != nil {
		return fmt.Errorf("create call record: %w", err)
	}

	req := ami.OriginateRequest{
		Channel:  l.telephony.TrunkPrefix + target.PhoneNumber,
		Context:  l.telephony.PredictiveContext,
		Exten:    "s",
		Priority: "1",
		CallerID: fmt.Sprintf("%s <%s>", l.telephony.CallerName, callerID.Number),
		Timeout:  l.dialerCfg.OriginateTimeout,
		Variables: map[string]string{
			"CALL_ID":        call.ID.String(),
			"CAMPAIGN_ID":    l.campaignID.String(),
			"CUSTOMER_NAME":  target.Name,
			"CUSTOMER_PHONE": target.PhoneNumber,
			"CALLERID(num)":  callerID.Number,
			"CALLERID(name)": l.telephony.CallerName,
		},
	}

	if err := l.client.Originate(ctx, req); err != nil {
		if ferr := l.stores.Calls.Finalize(ctx, call.CampaignID, call.ID, domain.DispositionFailed, l.clock.Now(), 0); ferr != nil && !errors.Is(ferr, repository.ErrConflict) {
			l.logger.Warn("finalize failed origination", zap.Error(ferr))
		}
		return err
	}

	l.tracker.Track(call)
	l.logger.Info("call originated",
		zap.String("call_id", call.ID.String()),
		zap.String("phone", target.PhoneNumber),
		zap.String("channel", req.Channel))
	return nil
}

// finalize writes the terminal disposition and releases the call's
// resources.
func (l *Loop) finalize(ctx context.Context, call *domain.Call, disposition domain.Disposition, endedAt time.Time, duration time.Duration) {
	if err := l.stores.Calls.Finalize(ctx, call.CampaignID, call.ID, disposition, endedAt, duration); err != nil && !errors.Is(err, repository.ErrConflict) {
		l.logger.Error("finalize call", zap.Error(err), zap.String("call_id", call.ID.String()))
	}
	l.tracker.Remove(call.ID)
	l.releaseAgent(ctx, call)
	l.releaseSlot(ctx)
}

func (l *Loop) requeueTarget(ctx context.Context, targetID uuid.UUID) {
	if err := l.stores.Targets.Requeue(ctx, targetID); err != nil {
		l.logger.Error("requeue target", zap.Error(err), zap.String("target_id", targetID.String()))
	}
}

func (l *Loop) releaseAgent(ctx context.Context, call *domain.Call) {
	if call.AgentID == nil {
		return
	}
	if err := l.stores.Agents.Release(ctx, *call.AgentID); err != nil {
		l.logger.Error("release agent", zap.Error(err), zap.String("agent_id", call.AgentID.String()))
	}
}

func (l *Loop) releaseSlot(ctx context.Context) {
	if err := l.limiter.Release(ctx, l.campaignID); err != nil {
		l.logger.Warn("release in-flight slot", zap.Error(err))
	}
}

// complete marks the campaign finished: the number pool is exhausted and no
// call remains in flight.
func (l *Loop) complete(ctx context.Context) {
	l.setState(StateCompleted)
	l.transition(ctx, domain.CampaignStatusCompleted, false, "")
	l.logger.Info("campaign completed")
}

// hangupInFlight tears down every tracked call on the switch and finalizes
// its record. Calls already answered keep the answered disposition with the
// elapsed talk time; calls still ringing are recorded as failed.
func (l *Loop) hangupInFlight(ctx context.Context) {
	now := l.clock.Now()
	for _, call := range l.tracker.Pending() {
		channel := l.telephony.TrunkPrefix + call.PhoneNumber
		if err := l.client.Hangup(ctx, channel); err != nil {
			l.logger.Warn("hangup on stop",
				zap.Error(err),
				zap.String("call_id", call.ID.String()),
				zap.String("channel", channel))
		}
		if call.Status == domain.CallStatusAnswered {
			l.finalize(ctx, call, domain.DispositionAnswered, now, now.Sub(call.StartedAt))
		} else {
			l.finalize(ctx, call, domain.DispositionFailed, now, 0)
		}
	}
}

// stop exits the loop without touching tracked calls' outcomes.
func (l *Loop) stop(ctx context.Context, reason string) {
	l.setState(StateStopped)
	l.transition(ctx, domain.CampaignStatusStopped, false, "")
	l.logger.Info("campaign stopped", zap.String("reason", reason))
}

// fail records an unrecoverable error.
func (l *Loop) fail(cause error) {
	l.setState(StateFailed)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l.transition(ctx, domain.CampaignStatusFailed, false, cause.Error())
	l.logger.Error("campaign failed", zap.Error(cause))
}

func (l *Loop) transition(ctx context.Context, status domain.CampaignStatus, active bool, reason string) {
	if err := l.stores.Campaigns.SetStatus(ctx, l.campaignID, status, active, reason); err != nil {
		l.logger.Error("set campaign status", zap.Error(err), zap.String("status", string(status)))
	}
	msg := queue.CampaignStatusMessage{
		CampaignID: l.campaignID,
		Status:     string(status),
		Active:     active,
		Reason:     reason,
		OccurredAt: l.clock.Now(),
	}
	if err := l.events.PublishCampaignStatus(ctx, msg); err != nil {
		l.logger.Warn("publish campaign status", zap.Error(err))
	}
}

// sleep pauses for d, returning false when the context was cancelled first.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// callIDFromEvent extracts the correlation id the dialer attached at
// origination from a channel status event.
func callIDFromEvent(ev ami.Event) (uuid.UUID, bool) {
	variable := ev.Get("Variable")
	const prefix = "CALL_ID="
	idx := strings.Index(variable, prefix)
	if idx < 0 {
		return uuid.Nil, false
	}
	value := variable[idx+len(prefix):]
	if end := strings.IndexAny(value, ", "); end >= 0 {
		value = value[:end]
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// channelUp reports whether the status event describes an answered channel.
func channelUp(ev ami.Event) bool {
	if strings.EqualFold(ev.Get("ChannelStateDesc"), "Up") {
		return true
	}
	return ev.Get("ChannelState") == "6"
}
