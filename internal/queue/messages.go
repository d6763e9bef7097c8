package queue

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatusMessage announces a campaign lifecycle transition for the
// real-time UI and reporting consumers.
type CampaignStatusMessage struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	Status     string    `json:"status"`
	Active     bool      `json:"active"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// CallRoutedMessage announces that an answered call was bound to an agent.
type CallRoutedMessage struct {
	CallID         uuid.UUID `json:"call_id"`
	CampaignID     uuid.UUID `json:"campaign_id"`
	AgentID        uuid.UUID `json:"agent_id"`
	AgentExtension string    `json:"agent_extension"`
	PhoneNumber    string    `json:"phone_number"`
	OccurredAt     time.Time `json:"occurred_at"`
}
