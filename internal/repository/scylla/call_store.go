package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/predictive-dialer/internal/domain"
	"github.com/acme/predictive-dialer/internal/repository"
)

// CallStore persists call records in Scylla. Records are partitioned by
// campaign; a per-disposition index table serves the stats aggregation.
type CallStore struct {
	session *gocql.Session
}

// NewCallStore creates a new call store.
func NewCallStore(session *gocql.Session) *CallStore {
	return &CallStore{session: session}
}

// Create inserts a call record in its initial ringing state.
func (s *CallStore) Create(ctx context.Context, call *domain.Call) error {
	var agentID *string
	if call.AgentID != nil {
		v := call.AgentID.String()
		agentID = &v
	}

	if err := s.session.Query(`INSERT INTO calls_by_campaign (campaign_id, call_id, target_id, agent_id, caller_id_num, phone_number, status, disposition, started_at, ended_at, duration_sec)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.CampaignID.String(), call.ID.String(), call.TargetID.String(), agentID, call.CallerIDNum, call.PhoneNumber,
		string(call.Status), nil, call.StartedAt, nil, 0,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: insert: %w", err)
	}
	return nil
}

// Get retrieves a call record.
func (s *CallStore) Get(ctx context.Context, campaignID, callID uuid.UUID) (*domain.Call, error) {
	var (
		targetIDStr string
		agentIDStr  *string
		callerNum   string
		phone       string
		status      string
		disposition *string
		startedAt   time.Time
		endedAt     *time.Time
		durationSec int64
	)

	err := s.session.Query(`SELECT target_id, agent_id, caller_id_num, phone_number, status, disposition, started_at, ended_at, duration_sec
		FROM calls_by_campaign WHERE campaign_id = ? AND call_id = ?`,
		campaignID.String(), callID.String(),
	).WithContext(ctx).Scan(&targetIDStr, &agentIDStr, &callerNum, &phone, &status, &disposition, &startedAt, &endedAt, &durationSec)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call store: get: %w", err)
	}

	targetID, err := uuid.Parse(targetIDStr)
	if err != nil {
		return nil, fmt.Errorf("call store: parse target_id: %w", err)
	}

	call := &domain.Call{
		ID:          callID,
		CampaignID:  campaignID,
		TargetID:    targetID,
		CallerIDNum: callerNum,
		PhoneNumber: phone,
		Status:      domain.CallStatus(status),
		StartedAt:   startedAt,
		EndedAt:     endedAt,
		Duration:    time.Duration(durationSec) * time.Second,
	}
	if agentIDStr != nil {
		agentID, err := uuid.Parse(*agentIDStr)
		if err != nil {
			return nil, fmt.Errorf("call store: parse agent_id: %w", err)
		}
		call.AgentID = &agentID
	}
	if disposition != nil {
		call.Disposition = domain.Disposition(*disposition)
	}
	return call, nil
}

// SetStatus records a non-terminal status observation. Finalized records are
// left untouched.
func (s *CallStore) SetStatus(ctx context.Context, campaignID, callID uuid.UUID, status domain.CallStatus) error {
	applied, err := s.session.Query(`UPDATE calls_by_campaign SET status = ?
		WHERE campaign_id = ? AND call_id = ? IF disposition = null`,
		string(status), campaignID.String(), callID.String(),
	).WithContext(ctx).ScanCAS()
	if err != nil {
		return fmt.Errorf("call store: set status: %w", err)
	}
	if !applied {
		return repository.ErrConflict
	}
	return nil
}

// AssignAgent binds an agent to an answered call.
func (s *CallStore) AssignAgent(ctx context.Context, campaignID, callID, agentID uuid.UUID) error {
	if err := s.session.Query(`UPDATE calls_by_campaign SET agent_id = ?
		WHERE campaign_id = ? AND call_id = ?`,
		agentID.String(), campaignID.String(), callID.String(),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: assign agent: %w", err)
	}
	return nil
}

// Finalize writes the terminal disposition. The lightweight transaction makes
// the disposition write-once: a second finalize never applies.
func (s *CallStore) Finalize(ctx context.Context, campaignID, callID uuid.UUID, disposition domain.Disposition, endedAt time.Time, duration time.Duration) error {
	status := statusForDisposition(disposition)
	applied, err := s.session.Query(`UPDATE calls_by_campaign SET status = ?, disposition = ?, ended_at = ?, duration_sec = ?
		WHERE campaign_id = ? AND call_id = ? IF disposition = null`,
		string(status), string(disposition), endedAt, int64(duration/time.Second),
		campaignID.String(), callID.String(),
	).WithContext(ctx).ScanCAS()
	if err != nil {
		return fmt.Errorf("call store: finalize: %w", err)
	}
	if !applied {
		return repository.ErrConflict
	}

	if err := s.session.Query(`INSERT INTO calls_by_disposition (campaign_id, disposition, call_id, ended_at)
		VALUES (?, ?, ?, ?)`,
		campaignID.String(), string(disposition), callID.String(), endedAt,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: index disposition: %w", err)
	}
	return nil
}

// Aggregate recomputes campaign stats from the disposition index. The answer
// rate counts calls the callee picked up; the abandon rate is the fraction of
// those that never reached an agent.
func (s *CallStore) Aggregate(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error) {
	var total int64
	if err := s.session.Query(`SELECT COUNT(*) FROM calls_by_campaign WHERE campaign_id = ?`,
		campaignID.String(),
	).WithContext(ctx).Scan(&total); err != nil {
		return nil, fmt.Errorf("call store: count total: %w", err)
	}

	answered, err := s.countDisposition(ctx, campaignID, domain.DispositionAnswered)
	if err != nil {
		return nil, err
	}
	abandoned, err := s.countDisposition(ctx, campaignID, domain.DispositionAbandoned)
	if err != nil {
		return nil, err
	}

	stats := &domain.CampaignStats{
		TotalCalls:     total,
		AnsweredCalls:  answered,
		AbandonedCalls: abandoned,
	}
	connected := answered + abandoned
	if total > 0 {
		stats.AnswerRate = float64(connected) / float64(total)
	}
	if connected > 0 {
		stats.AbandonRate = float64(abandoned) / float64(connected)
	}
	return stats, nil
}

func (s *CallStore) countDisposition(ctx context.Context, campaignID uuid.UUID, disposition domain.Disposition) (int64, error) {
	var count int64
	if err := s.session.Query(`SELECT COUNT(*) FROM calls_by_disposition WHERE campaign_id = ? AND disposition = ?`,
		campaignID.String(), string(disposition),
	).WithContext(ctx).Scan(&count); err != nil {
		return 0, fmt.Errorf("call store: count %s: %w", disposition, err)
	}
	return count, nil
}

func statusForDisposition(disposition domain.Disposition) domain.CallStatus {
	switch disposition {
	case domain.DispositionAnswered, domain.DispositionAbandoned:
		return domain.CallStatusAnswered
	case domain.DispositionBusy:
		return domain.CallStatusBusy
	case domain.DispositionNoAnswer:
		return domain.CallStatusNoAnswer
	default:
		return domain.CallStatusFailed
	}
}
