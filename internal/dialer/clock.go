package dialer

import "time"

// Clock abstracts wall time so timeout sweeps are testable without delays.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the real-time clock.
func SystemClock() Clock { return systemClock{} }
