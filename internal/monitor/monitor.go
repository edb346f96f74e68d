// Package monitor turns raw proctoring signals into accepted violations.
//
// A Monitor subscribes to visibility, fullscreen and face-detection sources
// while armed. Every handler hops onto the attempt's event loop before it
// touches state, so candidates are gated and counted one at a time in the
// order the loop receives them. Each accepted violation is reported to the
// backend and forwarded to the policy; the decision goes to the owner's
// callback.
package monitor

import (
	"log/slog"
	"time"

	"proctord/internal/clock"
	"proctord/internal/logging"
	"proctord/internal/loop"
	"proctord/internal/metrics"
	"proctord/internal/policy"
	"proctord/internal/report"
	"proctord/internal/signals"
)

// DefaultGrace is how long after start a hidden page is tolerated.
const DefaultGrace = 2 * time.Second

// Config holds the monitor timings and the escalation thresholds.
type Config struct {
	Policy   policy.Config
	Debounce time.Duration
	Grace    time.Duration
	Risk     int
}

// DefaultConfig returns the standard monitor configuration.
func DefaultConfig() Config {
	return Config{
		Policy:   policy.DefaultConfig(),
		Debounce: DefaultDebounce,
		Grace:    DefaultGrace,
		Risk:     policy.DefaultRiskScore,
	}
}

// Deps are the collaborators of a Monitor. Metrics and Logger may be nil.
type Deps struct {
	Clock    clock.Clock
	Poster   loop.Poster
	Reporter report.Reporter
	Logger   *slog.Logger
	Metrics  *metrics.ProctorMetrics
}

// Sources are the streams a Monitor watches. A nil source is not watched.
type Sources struct {
	Visibility signals.Source[signals.Visibility]
	Fullscreen signals.Source[signals.Fullscreen]
	Faces      signals.Source[signals.Frame]
}

// DecisionFunc receives the policy decision for an accepted violation. It
// runs on the event loop.
type DecisionFunc func(rec policy.Record, d policy.Decision)

// Monitor watches one attempt. All methods must be called on the attempt's
// event loop.
type Monitor struct {
	cfg     Config
	attempt report.Attempt
	deps    Deps
	logger  *slog.Logger

	policy *policy.Policy
	gate   *Gate

	armed      bool
	generation uint64
	startedAt  time.Time
	sequence   int
	records    []policy.Record
	unsubs     []signals.Unsubscribe
	onDecision DecisionFunc
}

// New creates a disarmed monitor with fresh counters for attempt.
func New(cfg Config, attempt report.Attempt, deps Deps) *Monitor {
	return &Monitor{
		cfg:     cfg,
		attempt: attempt,
		deps:    deps,
		logger:  logging.OrDefault(deps.Logger).With("component", "monitor", "attempt_id", attempt.ID),
		policy:  policy.New(cfg.Policy),
		gate:    NewGate(deps.Clock, cfg.Debounce),
	}
}

// Arm subscribes to src. startedAt anchors the start-up grace period.
// Arming an armed monitor does nothing.
func (m *Monitor) Arm(startedAt time.Time, src Sources, onDecision DecisionFunc) {
	if m.armed {
		return
	}
	m.armed = true
	m.generation++
	m.startedAt = startedAt
	m.onDecision = onDecision

	gen := m.generation
	post := m.deps.Poster.Post

	if src.Visibility != nil {
		m.unsubs = append(m.unsubs, src.Visibility.Subscribe(func(v signals.Visibility) {
			post(func() { m.onVisibility(gen, v) })
		}))
	}
	if src.Fullscreen != nil {
		m.unsubs = append(m.unsubs, src.Fullscreen.Subscribe(func(f signals.Fullscreen) {
			post(func() { m.onFullscreen(gen, f) })
		}))
	}
	if src.Faces != nil {
		m.unsubs = append(m.unsubs, src.Faces.Subscribe(func(f signals.Frame) {
			present := f.FacePresent()
			post(func() { m.onFace(gen, present) })
		}))
	}
	m.logger.Debug("monitor armed", "sources", len(m.unsubs))
}

// Disarm unsubscribes from every source. Handlers already queued on the loop
// become no-ops.
func (m *Monitor) Disarm() {
	if !m.armed {
		return
	}
	m.armed = false
	m.generation++
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
	m.onDecision = nil
	m.logger.Debug("monitor disarmed")
}

// Armed reports whether the monitor is subscribed.
func (m *Monitor) Armed() bool {
	return m.armed
}

// Counters returns the escalation counters.
func (m *Monitor) Counters() policy.Counters {
	return m.policy.Counters()
}

// Records returns the accepted violations in order.
func (m *Monitor) Records() []policy.Record {
	out := make([]policy.Record, len(m.records))
	copy(out, m.records)
	return out
}

func (m *Monitor) live(gen uint64) bool {
	return m.armed && gen == m.generation
}

func (m *Monitor) onVisibility(gen uint64, v signals.Visibility) {
	if !m.live(gen) || v != signals.Hidden {
		return
	}
	if elapsed := m.deps.Clock.Now().Sub(m.startedAt); elapsed < m.cfg.Grace {
		m.logger.Debug("hidden during grace period ignored", "elapsed", elapsed)
		return
	}
	m.candidate(policy.TabSwitch)
}

func (m *Monitor) onFullscreen(gen uint64, f signals.Fullscreen) {
	if !m.live(gen) || f != signals.FullscreenExited {
		return
	}
	m.candidate(policy.FullscreenExit)
}

func (m *Monitor) onFace(gen uint64, present bool) {
	if !m.live(gen) {
		return
	}
	if m.policy.ObserveFace(present) {
		m.candidate(policy.FaceMissing)
	}
}

func (m *Monitor) candidate(kind policy.Kind) {
	if !m.gate.Admit() {
		if m.deps.Metrics != nil {
			m.deps.Metrics.CandidatesDropped.Inc()
		}
		m.logger.Debug("candidate dropped by debounce", "kind", kind)
		return
	}

	m.sequence++
	rec := policy.Record{
		Kind:       kind,
		OccurredAt: m.deps.Clock.Now(),
		Sequence:   m.sequence,
	}
	m.records = append(m.records, rec)

	m.deps.Reporter.ReportViolation(m.attempt, kind.Message(), m.cfg.Risk)
	m.deps.Metrics.Violation(kind)

	d := m.policy.Decide(kind)
	m.logger.Info("violation accepted", "kind", kind, "sequence", rec.Sequence, "decision", d.String())

	if m.onDecision != nil {
		m.onDecision(rec, d)
	}
}
