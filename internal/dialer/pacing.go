package dialer

import "math"

// abandonDamping scales the predictive ratio down for one tick whenever the
// abandon rate crosses the configured threshold.
const abandonDamping = 0.8

// Pacing decides how many additional calls to originate per tick.
type Pacing struct {
	MaxConcurrentCalls   int
	PredictiveRatio      float64
	AbandonRateThreshold float64
	SafetyMultiplier     int
}

// CallsToMake computes the origination count for this tick. The clamping
// order matters: the optimal count is reduced by calls already in flight,
// then capped by total concurrency headroom and by the per-tick burst bound.
func (p Pacing) CallsToMake(idleAgents, inFlight int, abandonRate float64) int {
	if inFlight >= p.MaxConcurrentCalls {
		return 0
	}

	ratio := p.PredictiveRatio
	if abandonRate > p.AbandonRateThreshold {
		ratio *= abandonDamping
	}

	optimal := int(math.Ceil(float64(idleAgents) * ratio))

	calls := optimal - inFlight
	if headroom := p.MaxConcurrentCalls - inFlight; headroom < calls {
		calls = headroom
	}
	if burst := idleAgents * p.SafetyMultiplier; burst < calls {
		calls = burst
	}
	if calls < 0 {
		calls = 0
	}
	return calls
}

// Damped reports whether the abandon rate currently triggers ratio damping.
func (p Pacing) Damped(abandonRate float64) bool {
	return abandonRate > p.AbandonRateThreshold
}
