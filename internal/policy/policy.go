// Package policy holds the violation escalation rules for an exam attempt.
//
// The decision functions are pure: they take the current counters and return
// the next counters together with a decision. Policy wraps them with the
// counters of a single attempt so that the counters are only ever changed
// through those functions.
package policy

import (
	"fmt"
	"time"
)

// Defaults for an attempt.
const (
	// DefaultMaxViolations is the number of warnings an attempt tolerates.
	// The violation after the last warning terminates the attempt.
	DefaultMaxViolations = 4

	// DefaultFaceMissingStreak is how many consecutive frames without a
	// face make up one FaceMissing violation.
	DefaultFaceMissingStreak = 3

	// DefaultRiskScore is the risk value reported with every violation.
	DefaultRiskScore = 30
)

// Kind identifies the type of integrity violation.
type Kind int

const (
	// TabSwitch is raised when the exam page becomes hidden.
	TabSwitch Kind = iota + 1
	// FullscreenExit is raised when fullscreen mode is left.
	FullscreenExit
	// FaceMissing is raised after a streak of frames with no face.
	FaceMissing
)

// Kinds lists every violation kind.
var Kinds = []Kind{TabSwitch, FullscreenExit, FaceMissing}

// String returns the machine name of the kind.
func (k Kind) String() string {
	switch k {
	case TabSwitch:
		return "tab_switch"
	case FullscreenExit:
		return "fullscreen_exit"
	case FaceMissing:
		return "face_missing"
	default:
		return "unknown"
	}
}

// Message returns the human-facing description used in notices and as the
// event type sent to the backend.
func (k Kind) Message() string {
	switch k {
	case TabSwitch:
		return "Tab switch detected"
	case FullscreenExit:
		return "Fullscreen exited"
	case FaceMissing:
		return "Face not detected"
	default:
		return "Violation detected"
	}
}

// ParseKind parses a machine name produced by String.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("policy: unknown violation kind %q", s)
}

// MarshalText encodes the kind by its machine name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a machine name.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Record is an accepted violation. Records are immutable once created.
type Record struct {
	Kind       Kind      `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	// Sequence is 1-based and increases across all kinds.
	Sequence int `json:"sequence"`
}

// Counters is the escalation state of one attempt.
type Counters struct {
	// Total counts accepted violations of every kind. It never decreases.
	Total int `json:"total"`
	// FaceMissingStreak counts consecutive frames without a face.
	FaceMissingStreak int `json:"face_missing_streak"`
}

// Outcome is the escalation result for one violation.
type Outcome int

const (
	// Warn means the attempt continues with a notice.
	Warn Outcome = iota + 1
	// Terminate means the attempt must be ended.
	Terminate
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Warn:
		return "warn"
	case Terminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// Decision is what Decide concluded for a violation.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	// Count is the total number of violations including this one.
	Count int `json:"count"`
}

func (d Decision) String() string {
	return fmt.Sprintf("%s(%d)", d.Outcome, d.Count)
}

// Config holds the escalation thresholds.
type Config struct {
	MaxViolations     int `json:"max_violations"`
	FaceMissingStreak int `json:"face_missing_streak"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MaxViolations:     DefaultMaxViolations,
		FaceMissingStreak: DefaultFaceMissingStreak,
	}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	if c.MaxViolations < 0 {
		return fmt.Errorf("policy: max violations cannot be negative")
	}
	if c.FaceMissingStreak < 1 {
		return fmt.Errorf("policy: face missing streak must be at least 1")
	}
	return nil
}

// Decide counts one accepted violation. The attempt is terminated once the
// total exceeds MaxViolations, so MaxViolations warnings are shown and the
// next violation ends the attempt. The kind does not influence the outcome.
func Decide(cfg Config, _ Kind, cur Counters) (Counters, Decision) {
	next := cur
	next.Total++

	if next.Total > cfg.MaxViolations {
		return next, Decision{Outcome: Terminate, Count: next.Total}
	}
	return next, Decision{Outcome: Warn, Count: next.Total}
}

// ObserveFace folds one face-presence reading into the counters. It reports
// true when the reading completes a streak of absent frames, in which case
// the streak restarts from zero. A present face resets the streak and never
// touches Total.
func ObserveFace(cfg Config, present bool, cur Counters) (Counters, bool) {
	next := cur
	if present {
		next.FaceMissingStreak = 0
		return next, false
	}

	next.FaceMissingStreak++
	if next.FaceMissingStreak >= cfg.FaceMissingStreak {
		next.FaceMissingStreak = 0
		return next, true
	}
	return next, false
}

// Policy owns the counters of a single attempt.
type Policy struct {
	cfg      Config
	counters Counters
}

// New returns a Policy with zeroed counters.
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg}
}

// Decide records an accepted violation and returns the escalation decision.
func (p *Policy) Decide(kind Kind) Decision {
	var d Decision
	p.counters, d = Decide(p.cfg, kind, p.counters)
	return d
}

// ObserveFace records a face-presence reading and reports whether it raised
// a FaceMissing candidate.
func (p *Policy) ObserveFace(present bool) bool {
	var raised bool
	p.counters, raised = ObserveFace(p.cfg, present, p.counters)
	return raised
}

// Counters returns a copy of the current counters.
func (p *Policy) Counters() Counters {
	return p.counters
}

// Config returns the thresholds in use.
func (p *Policy) Config() Config {
	return p.cfg
}
