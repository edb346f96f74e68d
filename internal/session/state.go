package session

import (
	"github.com/looplab/fsm"
)

// State is the lifecycle state of an attempt.
type State string

// Lifecycle states. Submitted and Terminated are terminal.
const (
	NotStarted State = "not_started"
	InProgress State = "in_progress"
	Submitted  State = "submitted"
	Terminated State = "terminated"
)

// Terminal reports whether no further transitions can leave s.
func (s State) Terminal() bool {
	return s == Submitted || s == Terminated
}

// Lifecycle events.
const (
	evStart     = "start"
	evSubmit    = "submit"
	evTerminate = "terminate"
	// evAbort returns an attempt whose camera was refused to NotStarted.
	evAbort = "abort"
)

func newLifecycle() *fsm.FSM {
	return fsm.NewFSM(
		string(NotStarted),
		fsm.Events{
			{Name: evStart, Src: []string{string(NotStarted)}, Dst: string(InProgress)},
			{Name: evSubmit, Src: []string{string(InProgress)}, Dst: string(Submitted)},
			{Name: evTerminate, Src: []string{string(InProgress)}, Dst: string(Terminated)},
			{Name: evAbort, Src: []string{string(InProgress)}, Dst: string(NotStarted)},
		},
		fsm.Callbacks{},
	)
}
