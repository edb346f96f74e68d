// Package timer implements the exam countdown.
//
// A Countdown decrements its remaining units once per interval and signals
// expiry exactly once when it reaches zero. Ticks are scheduled on a Clock
// but always delivered through a loop.Poster, so the countdown is only ever
// mutated on the event loop that owns the attempt.
package timer

import (
	"time"

	"proctord/internal/clock"
	"proctord/internal/loop"
)

// DefaultInterval is the tick period.
const DefaultInterval = time.Second

// State is a snapshot of a countdown.
type State struct {
	Remaining int  `json:"remaining"`
	Running   bool `json:"running"`
}

// Countdown counts down from a fixed number of units.
//
// All methods must be called from the owning event loop.
type Countdown struct {
	clock    clock.Clock
	poster   loop.Poster
	interval time.Duration

	remaining int
	running   bool
	expired   bool

	// generation invalidates ticks already queued on the loop when the
	// countdown is stopped.
	generation uint64
	startedAt  time.Time
	ticks      int
	pending    clock.Timer

	onTick   func(remaining int)
	onExpire func()
}

// New creates a stopped countdown of total units, one unit per interval.
func New(c clock.Clock, p loop.Poster, total int, interval time.Duration) *Countdown {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if total < 0 {
		total = 0
	}
	return &Countdown{
		clock:     c,
		poster:    p,
		interval:  interval,
		remaining: total,
	}
}

// Start begins counting. onTick receives the remaining units after each
// decrement; onExpire is called once after the tick that reaches zero.
// Start returns false if the countdown is already running or has expired.
func (t *Countdown) Start(onTick func(remaining int), onExpire func()) bool {
	if t.running || t.expired {
		return false
	}
	t.onTick = onTick
	t.onExpire = onExpire
	t.running = true
	t.generation++
	t.startedAt = t.clock.Now()
	t.ticks = 0

	if t.remaining == 0 {
		t.expire()
		return true
	}
	t.schedule()
	return true
}

// Stop halts the countdown. Ticks already queued are discarded.
func (t *Countdown) Stop() {
	t.running = false
	t.generation++
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

// Remaining returns the units left.
func (t *Countdown) Remaining() int {
	return t.remaining
}

// Running reports whether ticks are being produced.
func (t *Countdown) Running() bool {
	return t.running
}

// Expired reports whether the countdown reached zero.
func (t *Countdown) Expired() bool {
	return t.expired
}

// Snapshot returns the current state.
func (t *Countdown) Snapshot() State {
	return State{Remaining: t.remaining, Running: t.running}
}

// schedule arms the next tick relative to the start time so that slow
// handlers do not accumulate drift.
func (t *Countdown) schedule() {
	gen := t.generation
	next := t.startedAt.Add(time.Duration(t.ticks+1) * t.interval)
	wait := next.Sub(t.clock.Now())
	if wait < 0 {
		wait = 0
	}
	t.pending = t.clock.AfterFunc(wait, func() {
		t.poster.Post(func() { t.fire(gen) })
	})
}

func (t *Countdown) fire(gen uint64) {
	if !t.running || gen != t.generation {
		return
	}
	t.pending = nil
	t.ticks++
	t.remaining--
	if t.onTick != nil {
		t.onTick(t.remaining)
	}
	// onTick may have stopped the countdown.
	if !t.running || gen != t.generation {
		return
	}
	if t.remaining <= 0 {
		t.remaining = 0
		t.expire()
		return
	}
	t.schedule()
}

func (t *Countdown) expire() {
	t.running = false
	t.expired = true
	t.generation++
	if t.onExpire != nil {
		t.onExpire()
	}
}
