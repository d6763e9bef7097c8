package dialer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/predictive-dialer/internal/ami"
	"github.com/acme/predictive-dialer/internal/domain"
	"github.com/acme/predictive-dialer/internal/queue"
	"github.com/acme/predictive-dialer/internal/repository"
	apperrors "github.com/acme/predictive-dialer/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]*domain.Campaign
}

func newMemCampaignRepo(campaigns ...*domain.Campaign) *memCampaignRepo {
	r := &memCampaignRepo{campaigns: make(map[uuid.UUID]*domain.Campaign)}
	for _, c := range campaigns {
		r.campaigns[c.ID] = c
	}
	return r
}

func (r *memCampaignRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (r *memCampaignRepo) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range r.campaigns {
		if c.Status == status {
			copied := *c
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *memCampaignRepo) SetStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus, active bool, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.Status = status
	c.Active = active
	c.FailureReason = reason
	return nil
}

func (r *memCampaignRepo) status(id uuid.UUID) domain.CampaignStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.campaigns[id].Status
}

type memTargetRepo struct {
	mu      sync.Mutex
	targets []*domain.DialTarget
}

func newMemTargetRepo(campaignID uuid.UUID, count int) *memTargetRepo {
	r := &memTargetRepo{}
	for i := 0; i < count; i++ {
		r.targets = append(r.targets, &domain.DialTarget{
			ID:          uuid.New(),
			CampaignID:  campaignID,
			Name:        "customer",
			PhoneNumber: "1555000" + uuid.NewString()[:4],
			CreatedAt:   time.Now(),
		})
	}
	return r
}

func (r *memTargetRepo) NextUnattempted(ctx context.Context, campaignID uuid.UUID, limit int) ([]domain.DialTarget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DialTarget
	for _, t := range r.targets {
		if t.CampaignID == campaignID && !t.Attempted {
			out = append(out, *t)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memTargetRepo) MarkAttempted(ctx context.Context, targetID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.targets {
		if t.ID == targetID {
			if t.Attempted {
				return false, nil
			}
			t.Attempted = true
			now := time.Now()
			t.AttemptedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (r *memTargetRepo) Requeue(ctx context.Context, targetID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.targets {
		if t.ID == targetID {
			t.Attempted = false
			t.AttemptedAt = nil
		}
	}
	return nil
}

func (r *memTargetRepo) CountRemaining(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, t := range r.targets {
		if t.CampaignID == campaignID && !t.Attempted {
			count++
		}
	}
	return count, nil
}

type memAgentRepo struct {
	mu     sync.Mutex
	agents map[uuid.UUID]*domain.Agent
}

func newMemAgentRepo(idle int) *memAgentRepo {
	r := &memAgentRepo{agents: make(map[uuid.UUID]*domain.Agent)}
	for i := 0; i < idle; i++ {
		id := uuid.New()
		r.agents[id] = &domain.Agent{ID: id, Name: "agent", Extension: "100", Status: domain.AgentStatusIdle}
	}
	return r
}

func (r *memAgentRepo) CountIdle(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, a := range r.agents {
		if a.Status == domain.AgentStatusIdle {
			count++
		}
	}
	return count, nil
}

func (r *memAgentRepo) ClaimIdle(ctx context.Context) (*domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		if a.Status == domain.AgentStatusIdle {
			a.Status = domain.AgentStatusBusy
			copied := *a
			return &copied, nil
		}
	}
	return nil, apperrors.ErrNoIdleAgent
}

func (r *memAgentRepo) Release(ctx context.Context, agentID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok {
		a.Status = domain.AgentStatusIdle
	}
	return nil
}

func (r *memAgentRepo) setAllBusy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		a.Status = domain.AgentStatusBusy
	}
}

func (r *memAgentRepo) busyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, a := range r.agents {
		if a.Status == domain.AgentStatusBusy {
			count++
		}
	}
	return count
}

type memCallerIDRepo struct {
	callerID domain.CallerID
}

func newMemCallerIDRepo() *memCallerIDRepo {
	return &memCallerIDRepo{callerID: domain.CallerID{ID: uuid.New(), Number: "15559990000", Active: true}}
}

func (r *memCallerIDRepo) PickActive(ctx context.Context) (*domain.CallerID, error) {
	copied := r.callerID
	return &copied, nil
}

type memCallStore struct {
	mu        sync.Mutex
	calls     map[uuid.UUID]*domain.Call
	assignErr error
}

func newMemCallStore() *memCallStore {
	return &memCallStore{calls: make(map[uuid.UUID]*domain.Call)}
}

func (s *memCallStore) Create(ctx context.Context, call *domain.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *call
	s.calls[call.ID] = &copied
	return nil
}

func (s *memCallStore) Get(ctx context.Context, campaignID, callID uuid.UUID) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *call
	return &copied, nil
}

func (s *memCallStore) SetStatus(ctx context.Context, campaignID, callID uuid.UUID, status domain.CallStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callID]
	if !ok {
		return repository.ErrNotFound
	}
	if call.Disposition != "" {
		return repository.ErrConflict
	}
	call.Status = status
	return nil
}

func (s *memCallStore) AssignAgent(ctx context.Context, campaignID, callID, agentID uuid.UUID) error {
	if s.assignErr != nil {
		return s.assignErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callID]
	if !ok {
		return repository.ErrNotFound
	}
	id := agentID
	call.AgentID = &id
	return nil
}

func (s *memCallStore) Finalize(ctx context.Context, campaignID, callID uuid.UUID, disposition domain.Disposition, endedAt time.Time, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callID]
	if !ok {
		return repository.ErrNotFound
	}
	if call.Disposition != "" {
		return repository.ErrConflict
	}
	call.Disposition = disposition
	ended := endedAt
	call.EndedAt = &ended
	call.Duration = duration
	return nil
}

func (s *memCallStore) Aggregate(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &domain.CampaignStats{}
	for _, call := range s.calls {
		if call.CampaignID != campaignID {
			continue
		}
		stats.TotalCalls++
		switch call.Disposition {
		case domain.DispositionAnswered:
			stats.AnsweredCalls++
		case domain.DispositionAbandoned:
			stats.AbandonedCalls++
		}
	}
	connected := stats.AnsweredCalls + stats.AbandonedCalls
	if stats.TotalCalls > 0 {
		stats.AnswerRate = float64(connected) / float64(stats.TotalCalls)
	}
	if connected > 0 {
		stats.AbandonRate = float64(stats.AbandonedCalls) / float64(connected)
	}
	return stats, nil
}

func (s *memCallStore) get(callID uuid.UUID) *domain.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callID]
	if !ok {
		return nil
	}
	copied := *call
	return &copied
}

// scriptedSwitch stands in for the protocol client. Channel status responses
// are set per test.
type scriptedSwitch struct {
	mu           sync.Mutex
	connectErr   error
	connected    bool
	disconnects  int
	originateErr error
	originated   []ami.OriginateRequest
	channels     []ami.Event
	hangups      []string
}

func (s *scriptedSwitch) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	return nil
}

func (s *scriptedSwitch) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.disconnects++
	return nil
}

func (s *scriptedSwitch) Originate(ctx context.Context, req ami.OriginateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.originateErr != nil {
		return s.originateErr
	}
	s.originated = append(s.originated, req)
	return nil
}

func (s *scriptedSwitch) ActiveChannels(ctx context.Context) ([]ami.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels, nil
}

func (s *scriptedSwitch) Hangup(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangups = append(s.hangups, channel)
	return nil
}

func (s *scriptedSwitch) hungUp() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.hangups...)
}

func (s *scriptedSwitch) originatedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.originated)
}

// setChannels replaces the status the switch reports for its channels.
// Passing state "Up" marks the channel answered.
func (s *scriptedSwitch) setChannels(state string, callIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = nil
	for _, id := range callIDs {
		s.channels = append(s.channels, ami.Event{
			"Event":            "Status",
			"Channel":          "PJSIP/trunk-0000",
			"ChannelStateDesc": state,
			"Variable":         "CALL_ID=" + id,
		})
	}
}

func (s *scriptedSwitch) lastCallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.originated) == 0 {
		return ""
	}
	return s.originated[len(s.originated)-1].Variables["CALL_ID"]
}

type fakeLimiter struct {
	mu         sync.Mutex
	inUse      int
	allow      bool
	acquireErr error
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{allow: true}
}

func (l *fakeLimiter) Acquire(ctx context.Context, campaignID uuid.UUID, limit int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.acquireErr != nil {
		return false, l.acquireErr
	}
	if !l.allow || l.inUse >= limit {
		return false, nil
	}
	l.inUse++
	return true, nil
}

func (l *fakeLimiter) Release(ctx context.Context, campaignID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inUse > 0 {
		l.inUse--
	}
	return nil
}

func (l *fakeLimiter) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUse
}

type captureSink struct {
	mu       sync.Mutex
	statuses []queue.CampaignStatusMessage
	routed   []queue.CallRoutedMessage
}

func (s *captureSink) PublishCampaignStatus(ctx context.Context, msg queue.CampaignStatusMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, msg)
	return nil
}

func (s *captureSink) PublishCallRouted(ctx context.Context, msg queue.CallRoutedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routed = append(s.routed, msg)
	return nil
}

func (s *captureSink) routedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.routed)
}
