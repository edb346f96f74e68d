package report

import (
	"context"
	"sync"
)

// Call is one request seen by a Recorder.
type Call struct {
	Path    string
	Attempt Attempt
	// Payload is ViolationPayload or SubmitPayload; nil for start calls.
	Payload interface{}
}

// Recorder is an in-memory Reporter.
type Recorder struct {
	mu    sync.Mutex
	calls []Call

	// StartErr is returned from StartSession when set.
	StartErr error
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// StartSession implements Reporter.
func (r *Recorder) StartSession(ctx context.Context, a Attempt) error {
	r.record(Call{Path: PathStart, Attempt: a})
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.StartErr
}

// ReportViolation implements Reporter.
func (r *Recorder) ReportViolation(a Attempt, eventType string, risk int) {
	r.record(Call{Path: PathViolation, Attempt: a, Payload: NewViolationPayload(a, eventType, risk)})
}

// SubmitResult implements Reporter.
func (r *Recorder) SubmitResult(a Attempt, score int) {
	r.record(Call{Path: PathSubmit, Attempt: a, Payload: NewSubmitPayload(a, score)})
}

func (r *Recorder) record(c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

// Calls returns a copy of every recorded call.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Filter returns the recorded calls for path.
func (r *Recorder) Filter(path string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

// Violations returns the recorded violation payloads in order.
func (r *Recorder) Violations() []ViolationPayload {
	var out []ViolationPayload
	for _, c := range r.Filter(PathViolation) {
		out = append(out, c.Payload.(ViolationPayload))
	}
	return out
}

// Submissions returns the recorded submit payloads in order.
func (r *Recorder) Submissions() []SubmitPayload {
	var out []SubmitPayload
	for _, c := range r.Filter(PathSubmit) {
		out = append(out, c.Payload.(SubmitPayload))
	}
	return out
}
