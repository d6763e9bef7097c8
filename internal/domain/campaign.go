package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusPending    CampaignStatus = "pending"
	CampaignStatusProcessing CampaignStatus = "processing"
	CampaignStatusRunning    CampaignStatus = "running"
	CampaignStatusPaused     CampaignStatus = "paused"
	CampaignStatusCompleted  CampaignStatus = "completed"
	CampaignStatusStopped    CampaignStatus = "stopped"
	CampaignStatusFailed     CampaignStatus = "failed"
)

// Campaign models a batch of numbers to dial.
type Campaign struct {
	ID            uuid.UUID
	Name          string
	Active        bool
	Status        CampaignStatus
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	StoppedAt     *time.Time
}

// DialTarget is a single contact record inside a campaign. Attempted flips
// exactly once, at origination time, so concurrent ticks cannot double-dial
// the same number.
type DialTarget struct {
	ID          uuid.UUID
	CampaignID  uuid.UUID
	Name        string
	PhoneNumber string
	Attempted   bool
	AttemptedAt *time.Time
	CreatedAt   time.Time
}

// CampaignStats aggregates call outcomes for a campaign. Derived data,
// recomputed from call records, never a source of truth.
type CampaignStats struct {
	TotalCalls     int64
	AnsweredCalls  int64
	AbandonedCalls int64
	AnswerRate     float64
	AbandonRate    float64
}
