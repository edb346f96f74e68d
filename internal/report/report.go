// Package report is the outbound port from an exam attempt to the backend
// that keeps the record of attempts.
//
// Start is awaited by its caller only to sequence camera acquisition after
// it. Violation and submit reports are emit-and-forget: the caller never sees
// their outcome, and failures are logged, counted and audited but never
// retried.
package report

import (
	"context"
	"errors"
	"fmt"
)

// Backend routes.
const (
	PathStart     = "/start-exam"
	PathViolation = "/violation"
	PathSubmit    = "/submit-exam"

	// HeaderAttemptID correlates every call of one attempt.
	HeaderAttemptID = "X-Attempt-ID"
	// HeaderRequestID identifies a single call.
	HeaderRequestID = "X-Request-ID"
)

// ErrStatus is wrapped by errors for non-2xx backend responses.
var ErrStatus = errors.New("report: unexpected status")

// Attempt identifies one exam attempt.
type Attempt struct {
	ID     string `json:"attempt_id"`
	UserID string `json:"user_id"`
	ExamID string `json:"exam_id"`
}

// ViolationPayload is the body of a violation report.
type ViolationPayload struct {
	UserID    string `json:"user_id"`
	ExamID    string `json:"exam_id"`
	EventType string `json:"event_type"`
	Risk      int    `json:"risk"`
}

// SubmitPayload is the body of a submit report.
type SubmitPayload struct {
	UserID string `json:"user_id"`
	ExamID string `json:"exam_id"`
	Score  int    `json:"score"`
}

// NewViolationPayload builds the violation body for a.
func NewViolationPayload(a Attempt, eventType string, risk int) ViolationPayload {
	return ViolationPayload{UserID: a.UserID, ExamID: a.ExamID, EventType: eventType, Risk: risk}
}

// NewSubmitPayload builds the submit body for a.
func NewSubmitPayload(a Attempt, score int) SubmitPayload {
	return SubmitPayload{UserID: a.UserID, ExamID: a.ExamID, Score: score}
}

// Reporter sends attempt events to the backend.
type Reporter interface {
	// StartSession announces a new attempt and waits for the response.
	StartSession(ctx context.Context, a Attempt) error

	// ReportViolation sends an accepted violation. It does not block.
	ReportViolation(a Attempt, eventType string, risk int)

	// SubmitResult sends the final score. It does not block.
	SubmitResult(a Attempt, score int)
}

func statusError(op string, code int) error {
	return fmt.Errorf("%s: %w %d", op, ErrStatus, code)
}
