package session

import (
	"time"

	"proctord/internal/policy"
)

// Termination notice text.
const (
	TerminatedTitle  = "Exam Terminated"
	TerminatedDetail = "Too many violations detected."
)

// Notice is a user-facing message about the integrity of the attempt.
type Notice struct {
	Text string      `json:"text"`
	Kind policy.Kind `json:"kind,omitempty"`
	// Count and Max are the running violation count and the number of
	// tolerated warnings.
	Count int `json:"count,omitempty"`
	Max   int `json:"max,omitempty"`
	// Expires is when a transient notice is dismissed. Zero for permanent
	// notices.
	Expires time.Time `json:"expires,omitempty"`
}

// Permanent reports whether the notice stays until the attempt is left.
func (n Notice) Permanent() bool {
	return n.Expires.IsZero()
}

// Result is the outcome of a finished attempt.
type Result struct {
	State      State `json:"state"`
	Score      int   `json:"score"`
	Total      int   `json:"total"`
	Violations int   `json:"violations"`
	// Graded is false for terminated attempts, which have no score.
	Graded bool `json:"graded"`
}

// Notifier receives user-visible events. Calls are made on the event loop
// and must not block.
type Notifier interface {
	// Tick reports the remaining time units.
	Tick(remaining int)
	// Notice shows a warning or the termination notice.
	Notice(n Notice)
	// NoticeCleared dismisses the transient notice.
	NoticeCleared()
	// Finished reports the final outcome of a submitted or terminated
	// attempt.
	Finished(r Result)
	// Aborted reports that the attempt could not start.
	Aborted(err error)
}

// NopNotifier ignores every event. Embed it to implement only some methods.
type NopNotifier struct{}

func (NopNotifier) Tick(int)        {}
func (NopNotifier) Notice(Notice)   {}
func (NopNotifier) NoticeCleared()  {}
func (NopNotifier) Finished(Result) {}
func (NopNotifier) Aborted(error)   {}
