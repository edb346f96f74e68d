package monitor

import (
	"time"

	"proctord/internal/clock"
)

// DefaultDebounce is the cool-down after an accepted violation.
const DefaultDebounce = time.Second

// Gate admits at most one candidate per cool-down window.
type Gate struct {
	clock     clock.Clock
	window    time.Duration
	engaged   bool
	releaseAt time.Time
}

// NewGate returns a released gate.
func NewGate(c clock.Clock, window time.Duration) *Gate {
	if window < 0 {
		window = 0
	}
	return &Gate{clock: c, window: window}
}

// Admit reports whether a candidate observed now passes. An admitted
// candidate engages the gate for the window; candidates arriving while it is
// engaged are rejected and do not extend it.
func (g *Gate) Admit() bool {
	now := g.clock.Now()
	if g.Engaged() {
		return false
	}
	g.engaged = true
	g.releaseAt = now.Add(g.window)
	return true
}

// Engaged reports whether the gate is currently rejecting candidates.
func (g *Gate) Engaged() bool {
	if !g.engaged {
		return false
	}
	if !g.clock.Now().Before(g.releaseAt) {
		g.engaged = false
	}
	return g.engaged
}

// ReleaseAt returns when the gate opens again. It is zero when released.
func (g *Gate) ReleaseAt() time.Time {
	if !g.Engaged() {
		return time.Time{}
	}
	return g.releaseAt
}
