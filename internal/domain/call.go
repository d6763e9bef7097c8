package domain

import (
	"time"

	"github.com/google/uuid"
)

// AgentStatus enumerates availability states for an agent.
type AgentStatus string

const (
	AgentStatusIdle AgentStatus = "idle"
	AgentStatusBusy AgentStatus = "busy"
)

// Agent is a call-center agent reachable at a switch extension. The dialer
// only reads and writes the availability status.
type Agent struct {
	ID        uuid.UUID
	Name      string
	Extension string
	Status    AgentStatus
	UpdatedAt time.Time
}

// CallerID is an outbound caller identity shared across campaigns.
type CallerID struct {
	ID     uuid.UUID
	Number string
	Active bool
}

// CallStatus enumerates lifecycle states for an individual call.
type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusAnswered CallStatus = "answered"
	CallStatusBusy     CallStatus = "busy"
	CallStatusNoAnswer CallStatus = "no_answer"
	CallStatusFailed   CallStatus = "failed"
)

// Terminal reports whether the status is a final one.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusAnswered, CallStatusBusy, CallStatusNoAnswer, CallStatusFailed:
		return true
	}
	return false
}

// Disposition is the terminal classification of a call outcome. Once set on a
// call record it is immutable.
type Disposition string

const (
	DispositionAnswered  Disposition = "answered"
	DispositionBusy      Disposition = "busy"
	DispositionNoAnswer  Disposition = "no_answer"
	DispositionFailed    Disposition = "failed"
	DispositionAbandoned Disposition = "abandoned"
)

// Call represents an originated outbound call. AgentID stays nil until the
// call is answered and an idle agent is claimed for it.
type Call struct {
	ID          uuid.UUID
	CampaignID  uuid.UUID
	TargetID    uuid.UUID
	AgentID     *uuid.UUID
	CallerIDNum string
	PhoneNumber string
	Status      CallStatus
	Disposition Disposition
	StartedAt   time.Time
	EndedAt     *time.Time
	Duration    time.Duration
}
