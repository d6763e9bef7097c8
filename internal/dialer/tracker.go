package dialer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/predictive-dialer/internal/domain"
)

// Tracker is the in-memory registry of calls originated by one campaign run
// that have not yet reached a terminal disposition. Each campaign loop owns
// its own instance.
type Tracker struct {
	mu    sync.Mutex
	calls map[uuid.UUID]*domain.Call
}

// NewTracker constructs an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{calls: make(map[uuid.UUID]*domain.Call)}
}

// Track registers a newly originated call.
func (t *Tracker) Track(call *domain.Call) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[call.ID] = call
}

// Remove drops a call from tracking.
func (t *Tracker) Remove(callID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.calls, callID)
}

// Get returns the tracked call, or nil.
func (t *Tracker) Get(callID uuid.UUID) *domain.Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[callID]
}

// InFlight reports the number of tracked calls.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// Pending returns a snapshot of tracked calls.
func (t *Tracker) Pending() []*domain.Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	calls := make([]*domain.Call, 0, len(t.calls))
	for _, c := range t.calls {
		calls = append(calls, c)
	}
	return calls
}

// SweepTimedOut removes and returns every tracked call still ringing whose
// age exceeds the answer timeout. No agent is freed; none was assigned to a
// ringing call.
func (t *Tracker) SweepTimedOut(now time.Time, answerTimeout time.Duration) []*domain.Call {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []*domain.Call
	for id, call := range t.calls {
		if call.Status != domain.CallStatusRinging {
			continue
		}
		if now.Sub(call.StartedAt) > answerTimeout {
			expired = append(expired, call)
			delete(t.calls, id)
		}
	}
	return expired
}
