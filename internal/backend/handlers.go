package backend

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"proctord/internal/logging"
	"proctord/internal/report"
	"proctord/internal/security"
	"proctord/internal/store"
)

// StartResponse answers /start-exam.
type StartResponse struct {
	AttemptID string `json:"attempt_id"`
	Created   bool   `json:"created"`
}

// ViolationResponse answers /violation.
type ViolationResponse struct {
	AttemptID   string `json:"attempt_id"`
	ViolationID int64  `json:"violation_id"`
}

// SubmitResponse answers /submit-exam.
type SubmitResponse struct {
	AttemptID string `json:"attempt_id"`
	Score     int    `json:"score"`
}

// AttemptDetail answers /attempts/{id}.
type AttemptDetail struct {
	store.Attempt
	Violations []store.Violation `json:"violations"`
	Result     *store.Result     `json:"result,omitempty"`
}

var errIdentityMismatch = errors.New("attempt belongs to a different user or exam")

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := map[string]interface{}{
		"user_id": q.Get("user_id"),
		"exam_id": q.Get("exam_id"),
	}
	if err := s.validator.ValidateValue(report.PathStart, params); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	userID, examID := q.Get("user_id"), q.Get("exam_id")

	id := r.Header.Get(report.HeaderAttemptID)
	if id == "" {
		id = s.newID()
	} else if err := security.ValidateIdentifier("attempt id", id); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}

	a := store.Attempt{
		ID:         id,
		UserID:     userID,
		ExamID:     examID,
		StartedAt:  s.now(),
		ClientAddr: security.ClientAddr(r),
		UserAgent:  r.UserAgent(),
	}
	created, err := s.store.InsertAttempt(r.Context(), a)
	if err != nil {
		writeInternal(w, r, s.logger, err)
		return
	}
	if !created {
		existing, err := s.store.GetAttempt(r.Context(), id)
		if err != nil {
			writeInternal(w, r, s.logger, err)
			return
		}
		if existing.UserID != userID || existing.ExamID != examID {
			writeConflict(w, r, errIdentityMismatch.Error())
			return
		}
	} else {
		s.metrics.StoredEvents.Inc()
	}

	s.logger.Info("attempt started",
		"attempt_id", id,
		"user_id", userID,
		"exam_id", examID,
		"created", created,
		"request_id", logging.RequestIDFromContext(r.Context()),
	)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, StartResponse{AttemptID: id, Created: created})
}

func (s *Server) handleViolation(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readBody(w, r, report.PathViolation)
	if !ok {
		return
	}
	var p report.ViolationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		writeBadRequest(w, r, "Invalid violation body.")
		return
	}

	attemptID, ok := s.resolveAttempt(w, r, p.UserID, p.ExamID)
	if !ok {
		return
	}

	id, err := s.store.InsertViolation(r.Context(), store.Violation{
		AttemptID:  attemptID,
		EventType:  p.EventType,
		Risk:       p.Risk,
		ReceivedAt: s.now(),
	})
	if err != nil {
		writeInternal(w, r, s.logger, err)
		return
	}
	s.metrics.StoredEvents.Inc()

	s.logger.Info("violation recorded",
		"attempt_id", attemptID,
		"event_type", p.EventType,
		"risk", p.Risk,
		"request_id", logging.RequestIDFromContext(r.Context()),
	)
	writeJSON(w, http.StatusCreated, ViolationResponse{AttemptID: attemptID, ViolationID: id})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readBody(w, r, report.PathSubmit)
	if !ok {
		return
	}
	var p report.SubmitPayload
	if err := json.Unmarshal(data, &p); err != nil {
		writeBadRequest(w, r, "Invalid submit body.")
		return
	}

	attemptID, ok := s.resolveAttempt(w, r, p.UserID, p.ExamID)
	if !ok {
		return
	}

	err := s.store.InsertResult(r.Context(), store.Result{
		AttemptID:   attemptID,
		Score:       p.Score,
		SubmittedAt: s.now(),
	})
	switch {
	case errors.Is(err, store.ErrAlreadySubmitted):
		writeConflict(w, r, "Attempt already submitted.")
		return
	case err != nil:
		writeInternal(w, r, s.logger, err)
		return
	}
	s.metrics.StoredEvents.Inc()

	s.logger.Info("result recorded",
		"attempt_id", attemptID,
		"score", p.Score,
		"request_id", logging.RequestIDFromContext(r.Context()),
	)
	writeJSON(w, http.StatusCreated, SubmitResponse{AttemptID: attemptID, Score: p.Score})
}

// resolveAttempt finds the attempt a report belongs to. The X-Attempt-ID
// header wins; without it the latest attempt of the pair is used. When no
// attempt exists yet one is recorded now.
func (s *Server) resolveAttempt(w http.ResponseWriter, r *http.Request, userID, examID string) (string, bool) {
	ctx := r.Context()
	id := r.Header.Get(report.HeaderAttemptID)

	if id != "" {
		if err := security.ValidateIdentifier("attempt id", id); err != nil {
			writeBadRequest(w, r, err.Error())
			return "", false
		}
		a, err := s.store.GetAttempt(ctx, id)
		switch {
		case err == nil:
			if a.UserID != userID || a.ExamID != examID {
				writeConflict(w, r, errIdentityMismatch.Error())
				return "", false
			}
			return id, true
		case !errors.Is(err, store.ErrNotFound):
			writeInternal(w, r, s.logger, err)
			return "", false
		}
	} else {
		a, err := s.store.LatestAttempt(ctx, userID, examID)
		switch {
		case err == nil:
			return a.ID, true
		case !errors.Is(err, store.ErrNotFound):
			writeInternal(w, r, s.logger, err)
			return "", false
		}
		id = s.newID()
	}

	created, err := s.store.InsertAttempt(ctx, store.Attempt{
		ID:         id,
		UserID:     userID,
		ExamID:     examID,
		StartedAt:  s.now(),
		ClientAddr: security.ClientAddr(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		writeInternal(w, r, s.logger, err)
		return "", false
	}
	if created {
		s.metrics.StoredEvents.Inc()
		s.logger.Warn("report without start, attempt recorded late", "attempt_id", id, "path", r.URL.Path)
	}
	return id, true
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{UserID: q.Get("user_id"), ExamID: q.Get("exam_id")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, r, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	attempts, err := s.store.ListAttempts(r.Context(), f)
	if err != nil {
		writeInternal(w, r, s.logger, err)
		return
	}
	if attempts == nil {
		attempts = []store.AttemptSummary{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := s.store.GetAttempt(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeNotFound(w, r, "No such attempt.")
		return
	}
	if err != nil {
		writeInternal(w, r, s.logger, err)
		return
	}

	violations, err := s.store.Violations(r.Context(), id)
	if err != nil {
		writeInternal(w, r, s.logger, err)
		return
	}
	if violations == nil {
		violations = []store.Violation{}
	}

	detail := AttemptDetail{Attempt: *a, Violations: violations}
	res, err := s.store.GetResult(r.Context(), id)
	switch {
	case err == nil:
		detail.Result = res
	case !errors.Is(err, store.ErrNotFound):
		writeInternal(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}
