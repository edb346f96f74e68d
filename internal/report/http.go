package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"proctord/internal/logging"
	"proctord/internal/metrics"
)

// DefaultBaseURL is where the backend listens by default.
const DefaultBaseURL = "http://127.0.0.1:8000"

// Config configures an HTTPReporter.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// HTTPReporter posts attempt events as JSON.
type HTTPReporter struct {
	base    *url.URL
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.ProctorMetrics
	audit   *logging.AuditLogger

	// wg tracks emit-and-forget calls so that shutdown can drain them.
	wg sync.WaitGroup
}

// NewHTTPReporter validates cfg and returns a reporter. metrics and audit
// may be nil.
func NewHTTPReporter(cfg Config, logger *slog.Logger, m *metrics.ProctorMetrics, audit *logging.AuditLogger) (*HTTPReporter, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("report: invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("report: base url must be http or https, got %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	return &HTTPReporter{
		base:    base,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logging.OrDefault(logger).With("component", "report"),
		metrics: m,
		audit:   audit,
	}, nil
}

// StartSession implements Reporter.
func (r *HTTPReporter) StartSession(ctx context.Context, a Attempt) error {
	q := url.Values{}
	q.Set("user_id", a.UserID)
	q.Set("exam_id", a.ExamID)

	err := r.do(ctx, a, PathStart, q, nil)
	if err != nil {
		r.failed(a, PathStart, err)
	}
	return err
}

// ReportViolation implements Reporter.
func (r *HTTPReporter) ReportViolation(a Attempt, eventType string, risk int) {
	r.emit(a, PathViolation, NewViolationPayload(a, eventType, risk))
}

// SubmitResult implements Reporter.
func (r *HTTPReporter) SubmitResult(a Attempt, score int) {
	r.emit(a, PathSubmit, NewSubmitPayload(a, score))
}

// Wait blocks until every emitted report has completed or ctx is done.
func (r *HTTPReporter) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *HTTPReporter) emit(a Attempt, path string, body interface{}) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.do(context.Background(), a, path, nil, body); err != nil {
			r.failed(a, path, err)
		}
	}()
}

func (r *HTTPReporter) do(ctx context.Context, a Attempt, path string, query url.Values, body interface{}) error {
	start := time.Now()
	err := r.send(ctx, a, path, query, body)
	r.metrics.ObserveReport(time.Since(start), err)
	return err
}

func (r *HTTPReporter) send(ctx context.Context, a Attempt, path string, query url.Values, body interface{}) error {
	u := *r.base
	u.Path = r.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.ID != "" {
		req.Header.Set(HeaderAttemptID, a.ID)
	}
	req.Header.Set(HeaderRequestID, uuid.NewString())

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError("post "+path, resp.StatusCode)
	}
	r.logger.Debug("report delivered", "path", path, "attempt_id", a.ID)
	return nil
}

func (r *HTTPReporter) failed(a Attempt, path string, err error) {
	r.logger.Warn("report failed", "path", path, "attempt_id", a.ID, "error", err)
	auditErr := r.audit.Log(context.Background(), logging.AuditEvent{
		EventType: logging.AuditReportFailed,
		AttemptID: a.ID,
		UserID:    a.UserID,
		ExamID:    a.ExamID,
		Result:    "failure",
		Details:   map[string]interface{}{"path": path},
		Error:     err.Error(),
	})
	if auditErr != nil {
		r.logger.Warn("audit write failed", "attempt_id", a.ID, "error", auditErr)
	}
}
