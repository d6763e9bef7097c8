package dialer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/predictive-dialer/internal/config"
	"github.com/acme/predictive-dialer/internal/domain"
	apperrors "github.com/acme/predictive-dialer/pkg/errors"
	"github.com/acme/predictive-dialer/pkg/logger"
)

type loopFixture struct {
	loop      *Loop
	campaign  *domain.Campaign
	campaigns *memCampaignRepo
	targets   *memTargetRepo
	agents    *memAgentRepo
	calls     *memCallStore
	sw        *scriptedSwitch
	limiter   *fakeLimiter
	sink      *captureSink
	clock     *fakeClock
}

func testDialerConfig() config.DialerConfig {
	return config.DialerConfig{
		MaxConcurrentCalls:   10,
		PredictiveRatio:      2.5,
		AbandonRateThreshold: 0.05,
		SafetyMultiplier:     3,
		AnswerTimeout:        30 * time.Second,
		OriginateTimeout:     30 * time.Second,
		TickInterval:         0,
		ErrorBackoff:         0,
		StatsRefreshInterval: 30 * time.Second,
		MaxIterations:        100,
	}
}

func testTelephonyConfig() config.TelephonyConfig {
	return config.TelephonyConfig{
		PredictiveContext: "predictive-dialer",
		TrunkPrefix:       "PJSIP/trunk/",
		CallerName:        "Dialer",
	}
}

func newLoopFixture(t *testing.T, targetCount, idleAgents int) *loopFixture {
	t.Helper()

	campaign := &domain.Campaign{
		ID:     uuid.New(),
		Name:   "collections",
		Active: true,
		Status: domain.CampaignStatusRunning,
	}

	f := &loopFixture{
		campaign:  campaign,
		campaigns: newMemCampaignRepo(campaign),
		targets:   newMemTargetRepo(campaign.ID, targetCount),
		agents:    newMemAgentRepo(idleAgents),
		calls:     newMemCallStore(),
		sw:        &scriptedSwitch{},
		limiter:   newFakeLimiter(),
		sink:      &captureSink{},
		clock:     newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	}

	stores := Stores{
		Campaigns: f.campaigns,
		Targets:   f.targets,
		Agents:    f.agents,
		CallerIDs: newMemCallerIDRepo(),
		Calls:     f.calls,
	}
	f.loop = NewLoop(campaign.ID, testDialerConfig(), testTelephonyConfig(), f.sw, stores, f.limiter, f.sink, f.clock, logger.NewNop())
	return f
}

func TestTickPacesOriginations(t *testing.T) {
	f := newLoopFixture(t, 20, 3)
	ctx := context.Background()

	if err := f.loop.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// 3 idle agents at ratio 2.5 pace ceil(7.5) = 8 originations.
	if got := f.sw.originatedCount(); got != 8 {
		t.Fatalf("expected 8 originations, got %d", got)
	}
	if got := f.loop.tracker.InFlight(); got != 8 {
		t.Fatalf("expected 8 in flight, got %d", got)
	}
	if got := f.limiter.held(); got != 8 {
		t.Fatalf("expected 8 slots held, got %d", got)
	}
	remaining, _ := f.targets.CountRemaining(ctx, f.campaign.ID)
	if remaining != 12 {
		t.Fatalf("expected 12 targets remaining, got %d", remaining)
	}

	// All 8 channels are still ringing. In flight already equals the optimal
	// count, so a second tick places nothing new.
	ids := make([]string, 0, len(f.sw.originated))
	for _, req := range f.sw.originated {
		ids = append(ids, req.Variables["CALL_ID"])
	}
	f.sw.setChannels("Ringing", ids...)
	if err := f.loop.tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if got := f.sw.originatedCount(); got != 8 {
		t.Fatalf("expected no new originations, got %d total", got)
	}
}

func TestTickOriginateRequestShape(t *testing.T) {
	f := newLoopFixture(t, 1, 1)
	ctx := context.Background()

	if err := f.loop.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if f.sw.originatedCount() != 1 {
		t.Fatalf("expected 1 origination, got %d", f.sw.originatedCount())
	}

	req := f.sw.originated[0]
	if req.Context != "predictive-dialer" || req.Exten != "s" {
		t.Fatalf("wrong routing: context=%q exten=%q", req.Context, req.Exten)
	}
	if req.Channel[:len("PJSIP/trunk/")] != "PJSIP/trunk/" {
		t.Fatalf("channel missing trunk prefix: %q", req.Channel)
	}
	if req.Variables["CAMPAIGN_ID"] != f.campaign.ID.String() {
		t.Fatalf("campaign id variable missing: %v", req.Variables)
	}
	if _, err := uuid.Parse(req.Variables["CALL_ID"]); err != nil {
		t.Fatalf("call id variable not a uuid: %v", req.Variables)
	}

	// The call record exists before the switch is asked to ring.
	callID := uuid.MustParse(req.Variables["CALL_ID"])
	if f.calls.get(callID) == nil {
		t.Fatal("call record not created")
	}
}

func TestTickAnswersAndAssignsAgent(t *testing.T) {
	f := newLoopFixture(t, 1, 1)
	ctx := context.Background()

	if err := f.loop.tick(ctx); err != nil {
		t.Fatalf("origination tick: %v", err)
	}
	callID := f.sw.lastCallID()

	// The switch reports the channel up: the callee answered.
	f.sw.setChannels("Up", callID)
	f.clock.Advance(3 * time.Second)
	if err := f.loop.tick(ctx); err != nil {
		t.Fatalf("answer tick: %v", err)
	}

	stored := f.calls.get(uuid.MustParse(callID))
	if stored.Status != domain.CallStatusAnswered {
		t.Fatalf("expected answered status, got %q", stored.Status)
	}
	if stored.AgentID == nil {
		t.Fatal("expected an agent bound to the answered call")
	}
	if f.agents.busyCount() != 1 {
		t.Fatalf("expected 1 busy agent, got %d", f.agents.busyCount())
	}
	if f.sink.routedCount() != 1 {
		t.Fatalf("expected 1 routed event, got %d", f.sink.routedCount())
	}
	if got := f.loop.State(); got != StateDraining {
		t.Fatalf("expected draining with empty pool, got %q", got)
	}

	// Channel disappears: the conversation ended. The call finalizes as
	// answered, the agent is freed and the campaign completes.
	f.sw.setChannels("Up")
	f.clock.Advance(40 * time.Second)
	err := f.loop.tick(ctx)
	if !errors.Is(err, errCampaignDone) {
		t.Fatalf("expected campaign done, got %v", err)
	}

	stored = f.calls.get(uuid.MustParse(callID))
	if stored.Disposition != domain.DispositionAnswered {
		t.Fatalf("expected answered disposition, got %q", stored.Disposition)
	}
	if stored.Duration != 43*time.Second {
		t.Fatalf("expected 43s duration, got %v", stored.Duration)
	}
	if f.agents.busyCount() != 0 {
		t.Fatalf("agent not released, %d busy", f.agents.busyCount())
	}
	if f.limiter.held() != 0 {
		t.Fatalf("slot not released, %d held", f.limiter.held())
	}
}

func TestTickAbandonsWhenNoIdleAgent(t *testing.T) {
	f := newLoopFixture(t, 1, 1)
	ctx := context.Background()

	if err := f.loop.tick(ctx); err != nil {
		t.Fatalf("origination tick: %v", err)
	}
	callID := f.sw.lastCallID()

	// Every agent went busy before the callee picked up.
	f.agents.setAllBusy()
	f.sw.setChannels("Up", callID)
	f.clock.Advance(4 * time.Second)
	if err := f.loop.tick(ctx); err != nil {
		t.Fatalf("answer tick: %v", err)
	}

	stored := f.calls.get(uuid.MustParse(callID))
	if stored.Disposition != domain.DispositionAbandoned {
		t.Fatalf("expected abandoned disposition, got %q", stored.Disposition)
	}
	if f.loop.tracker.InFlight() != 0 {
		t.Fatal("abandoned call must leave tracking")
	}
	if f.limiter.held() != 0 {
		t.Fatalf("slot not released, %d held", f.limiter.held())
	}
	if f.sink.routedCount() != 0 {
		t.Fatal("abandoned call must not publish a routed event")
	}
}

func TestTickSweepsAnswerTimeout(t *testing.T) {
	f := newLoopFixture(t, 1, 1)
	ctx := context.Background()

	if err := f.loop.tick(ctx); err != nil {
		t.Fatalf("origination tick: %v", err)
	}
	callID := f.sw.lastCallID()

	// Still ringing on the switch past the answer timeout.
	f.sw.setChannels("Ringing", callID)
	f.clock.Advance(31 * time.Second)
	err := f.loop.tick(ctx)
	if !errors.Is(err, errCampaignDone) {
		t.Fatalf("expected campaign done after sweep, got %v", err)
	}

	stored := f.calls.get(uuid.MustParse(callID))
	if stored.Disposition != domain.DispositionNoAnswer {
		t.Fatalf("expected no_answer disposition, got %q", stored.Disposition)
	}
	if stored.Duration != 0 {
		t.Fatalf("unanswered call must have zero duration, got %v", stored.Duration)
	}
	if f.limiter.held() != 0 {
		t.Fatalf("slot not released, %d held", f.limiter.held())
	}
}

func TestTickClassifiesVanishedChannelByElapsed(t *testing.T) {
	cases := []struct {
		name     string
		age      time.Duration
		expected domain.Disposition
	}{
		{"long call answered", 12 * time.Second, domain.DispositionAnswered},
		{"medium ring no answer", 7 * time.Second, domain.DispositionNoAnswer},
		{"short ring busy", 3 * time.Second, domain.DispositionBusy},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newLoopFixture(t, 1, 1)
			ctx := context.Background()

			if err := f.loop.tick(ctx); err != nil {
				t.Fatalf("origination tick: %v", err)
			}
			callID := f.sw.lastCallID()

			// Channel never observed up; it is simply gone next tick.
			f.clock.Advance(tc.age)
			err := f.loop.tick(ctx)
			if !errors.Is(err, errCampaignDone) {
				t.Fatalf("expected campaign done, got %v", err)
			}

			stored := f.calls.get(uuid.MustParse(callID))
			if stored.Disposition != tc.expected {
				t.Fatalf("expected %q for age %v, got %q", tc.expected, tc.age, stored.Disposition)
			}
		})
	}
}

func TestTickBackpressureRequeuesTarget(t *testing.T) {
	f := newLoopFixture(t, 1, 1)
	f.limiter.allow = false
	ctx := context.Background()

	if err := f.loop.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if f.sw.originatedCount() != 0 {
		t.Fatalf("expected no originations under backpressure, got %d", f.sw.originatedCount())
	}
	remaining, _ := f.targets.CountRemaining(ctx, f.campaign.ID)
	if remaining != 1 {
		t.Fatalf("target must be requeued, %d remaining", remaining)
	}
	if got := f.loop.State(); got != StateBackpressured {
		t.Fatalf("expected backpressured state, got %q", got)
	}
}

func TestTickSwitchErrorFinalizesAndRequeues(t *testing.T) {
	f := newLoopFixture(t, 1, 1)
	f.sw.originateErr = apperrors.Wrap(apperrors.ErrConnection, "socket closed")
	ctx := context.Background()

	err := f.loop.tick(ctx)
	if !errors.Is(err, apperrors.ErrConnection) {
		t.Fatalf("expected connection error to propagate, got %v", err)
	}

	remaining, _ := f.targets.CountRemaining(ctx, f.campaign.ID)
	if remaining != 1 {
		t.Fatalf("target must be requeued, %d remaining", remaining)
	}
	if f.limiter.held() != 0 {
		t.Fatalf("slot not released, %d held", f.limiter.held())
	}
	// The created call record carries a failed disposition.
	for _, call := range f.calls.calls {
		if call.Disposition != domain.DispositionFailed {
			t.Fatalf("expected failed disposition, got %q", call.Disposition)
		}
	}
}

func TestTickReconcilesExternalDisposition(t *testing.T) {
	f := newLoopFixture(t, 1, 1)
	ctx := context.Background()

	if err := f.loop.tick(ctx); err != nil {
		t.Fatalf("origination tick: %v", err)
	}
	callID := uuid.MustParse(f.sw.lastCallID())

	// Another writer, e.g. an event consumer, finalized the call.
	if err := f.calls.Finalize(ctx, f.campaign.ID, callID, domain.DispositionFailed, f.clock.Now(), 0); err != nil {
		t.Fatalf("external finalize: %v", err)
	}

	// Keep the channel visible so only reconciliation can release the call.
	f.sw.setChannels("Ringing", callID.String())
	err := f.loop.tick(ctx)
	if !errors.Is(err, errCampaignDone) {
		t.Fatalf("expected campaign done, got %v", err)
	}
	if f.loop.tracker.InFlight() != 0 {
		t.Fatal("externally finalized call must leave tracking")
	}
	if f.limiter.held() != 0 {
		t.Fatalf("slot not released, %d held", f.limiter.held())
	}
}

func TestRunFailsWhenSwitchUnreachable(t *testing.T) {
	f := newLoopFixture(t, 1, 1)
	f.sw.connectErr = apperrors.Wrap(apperrors.ErrConnection, "connection refused")

	err := f.loop.Run(context.Background())
	if !errors.Is(err, apperrors.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if got := f.loop.State(); got != StateFailed {
		t.Fatalf("expected failed state, got %q", got)
	}
	if got := f.campaigns.status(f.campaign.ID); got != domain.CampaignStatusFailed {
		t.Fatalf("expected failed campaign status, got %q", got)
	}
}

func TestRunSkipsInactiveCampaign(t *testing.T) {
	f := newLoopFixture(t, 1, 1)
	f.campaign.Active = false

	if err := f.loop.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := f.loop.State(); got != StateStopped {
		t.Fatalf("expected stopped state, got %q", got)
	}
	if f.sw.connected {
		t.Fatal("must not connect for an inactive campaign")
	}
}

func TestRunCompletesExhaustedCampaign(t *testing.T) {
	f := newLoopFixture(t, 0, 1)

	if err := f.loop.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := f.loop.State(); got != StateCompleted {
		t.Fatalf("expected completed state, got %q", got)
	}
	if got := f.campaigns.status(f.campaign.ID); got != domain.CampaignStatusCompleted {
		t.Fatalf("expected completed campaign status, got %q", got)
	}
	if f.sw.disconnects != 1 {
		t.Fatalf("switch must be disconnected once, got %d", f.sw.disconnects)
	}

	// The transition is announced downstream.
	found := false
	for _, msg := range f.sink.statuses {
		if msg.Status == string(domain.CampaignStatusCompleted) {
			found = true
		}
	}
	if !found {
		t.Fatal("completed status was not published")
	}
}

// deactivatingRepo flips the campaign inactive after a fixed number of Get
// calls, simulating an operator stopping the campaign mid-run.
type deactivatingRepo struct {
	*memCampaignRepo
	mu        sync.Mutex
	flipAfter int
	gets      int
}

func (r *deactivatingRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	r.mu.Lock()
	r.gets++
	flip := r.gets > r.flipAfter
	r.mu.Unlock()
	if flip {
		_ = r.memCampaignRepo.SetStatus(ctx, id, domain.CampaignStatusStopped, false, "")
	}
	return r.memCampaignRepo.Get(ctx, id)
}

func TestRunStopsWhenCampaignDeactivated(t *testing.T) {
	f := newLoopFixture(t, 50, 1)
	repo := &deactivatingRepo{memCampaignRepo: f.campaigns, flipAfter: 2}

	stores := Stores{
		Campaigns: repo,
		Targets:   f.targets,
		Agents:    f.agents,
		CallerIDs: newMemCallerIDRepo(),
		Calls:     f.calls,
	}
	loop := NewLoop(f.campaign.ID, testDialerConfig(), testTelephonyConfig(), f.sw, stores, f.limiter, f.sink, f.clock, logger.NewNop())

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := loop.State(); got != StateStopped {
		t.Fatalf("expected stopped state, got %q", got)
	}
	if got := f.campaigns.status(f.campaign.ID); got != domain.CampaignStatusStopped {
		t.Fatalf("expected stopped campaign status, got %q", got)
	}
	// Exactly one tick ran before the flag flipped.
	if f.sw.originatedCount() != 3 {
		t.Fatalf("expected 3 originations from the single tick, got %d", f.sw.originatedCount())
	}

	// The stop hangs up every in-flight channel and finalizes the calls.
	if hangups := f.sw.hungUp(); len(hangups) != 3 {
		t.Fatalf("expected 3 hangups on stop, got %d", len(hangups))
	}
	for _, req := range f.sw.originated {
		id := uuid.MustParse(req.Variables["CALL_ID"])
		call := f.calls.get(id)
		if call == nil || call.Disposition != domain.DispositionFailed {
			t.Fatalf("expected failed disposition for hung up call %s, got %+v", id, call)
		}
	}
	if f.limiter.held() != 0 {
		t.Fatalf("expected all slots released on stop, got %d held", f.limiter.held())
	}
}
