// Package store provides SQLite persistence for the reference backend:
// attempts, the violations reported during them, and submitted results.
package store

import "time"

// Attempt is one started exam attempt.
type Attempt struct {
	ID         string    `json:"attempt_id"`
	UserID     string    `json:"user_id"`
	ExamID     string    `json:"exam_id"`
	StartedAt  time.Time `json:"started_at"`
	ClientAddr string    `json:"client_addr,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
}

// Violation is one integrity event reported for an attempt.
type Violation struct {
	ID         int64     `json:"id"`
	AttemptID  string    `json:"attempt_id"`
	EventType  string    `json:"event_type"`
	Risk       int       `json:"risk"`
	ReceivedAt time.Time `json:"received_at"`
}

// Result is the graded outcome of a submitted attempt.
type Result struct {
	AttemptID   string    `json:"attempt_id"`
	Score       int       `json:"score"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// AttemptSummary joins an attempt with its violation totals and result.
type AttemptSummary struct {
	Attempt
	Violations int     `json:"violations"`
	RiskTotal  int     `json:"risk_total"`
	Result     *Result `json:"result,omitempty"`
}

// Filter narrows ListAttempts. Zero fields match everything.
type Filter struct {
	UserID string
	ExamID string
	// Limit caps the number of rows; 0 uses DefaultListLimit.
	Limit int
}

// Stats are row counts used by health checks and metrics.
type Stats struct {
	Attempts   int64 `json:"attempts"`
	Violations int64 `json:"violations"`
	Results    int64 `json:"results"`
}
