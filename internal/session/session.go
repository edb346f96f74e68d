// Package session is the lifecycle controller of one exam attempt.
//
// The Controller owns the attempt state machine and is the only component
// that starts or stops the countdown and the integrity monitor or talks to
// the backend. Every method except the accessors must run on the attempt's
// event loop; callers on other goroutines Post to the loop first.
//
// Calls that do not apply to the current state (a second start, a submit
// after termination) are ignored and return false.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"proctord/internal/clock"
	"proctord/internal/logging"
	"proctord/internal/loop"
	"proctord/internal/metrics"
	"proctord/internal/monitor"
	"proctord/internal/policy"
	"proctord/internal/report"
	"proctord/internal/signals"
	"proctord/internal/timer"
)

// ErrMissingIdentity is returned by New when the user or exam ID is empty.
var ErrMissingIdentity = errors.New("session: user id and exam id are required")

// CameraPolicy decides what a refused camera does to a starting attempt.
type CameraPolicy string

const (
	// CameraAbort returns the attempt to NotStarted.
	CameraAbort CameraPolicy = "abort"
	// CameraDegrade continues without face monitoring.
	CameraDegrade CameraPolicy = "degrade"
)

// DefaultNoticeTTL is how long a warning notice stays visible.
const DefaultNoticeTTL = 3 * time.Second

// Config describes one attempt.
type Config struct {
	UserID string
	ExamID string

	// Duration is the countdown length in ticks.
	Duration     int
	TickInterval time.Duration

	Monitor        monitor.Config
	NoticeTTL      time.Duration
	OnCameraDenied CameraPolicy
}

// DefaultConfig returns a 60-tick attempt for the given identity.
func DefaultConfig(userID, examID string) Config {
	return Config{
		UserID:         userID,
		ExamID:         examID,
		Duration:       60,
		TickInterval:   timer.DefaultInterval,
		Monitor:        monitor.DefaultConfig(),
		NoticeTTL:      DefaultNoticeTTL,
		OnCameraDenied: CameraAbort,
	}
}

// Scorer grades the recorded answers.
type Scorer interface {
	Score() int
	Total() int
}

// Deps are the collaborators of a Controller. Display, Visibility,
// Fullscreen, Notifier, Logger, Metrics and Audit are optional.
type Deps struct {
	Clock    clock.Clock
	Loop     loop.Poster
	Reporter report.Reporter
	Camera   signals.Camera
	Display  signals.Display

	Visibility signals.Source[signals.Visibility]
	Fullscreen signals.Source[signals.Fullscreen]

	Scorer   Scorer
	Notifier Notifier
	Logger   *slog.Logger
	Metrics  *metrics.ProctorMetrics
	Audit    *logging.AuditLogger

	// NewID returns attempt identifiers. Defaults to random UUIDs.
	NewID func() string
}

// Summary is a thread-safe snapshot of an attempt.
type Summary struct {
	AttemptID  string          `json:"attempt_id,omitempty"`
	UserID     string          `json:"user_id"`
	ExamID     string          `json:"exam_id"`
	State      State           `json:"state"`
	Remaining  int             `json:"remaining"`
	Degraded   bool            `json:"degraded,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	EndedAt    time.Time       `json:"ended_at,omitempty"`
	Counters   policy.Counters `json:"counters"`
	Violations []policy.Record `json:"violations,omitempty"`
	Notice     *Notice         `json:"notice,omitempty"`
	Result     *Result         `json:"result,omitempty"`
}

// Controller drives one attempt through its lifecycle.
type Controller struct {
	cfg    Config
	deps   Deps
	base   *slog.Logger
	logger *slog.Logger
	fsm    *fsm.FSM

	attempt   report.Attempt
	startedAt time.Time
	degraded  bool

	// generation invalidates camera results that arrive after the attempt
	// they were requested for has ended.
	generation uint64
	cancel     context.CancelFunc
	capture    signals.Capture
	countdown  *timer.Countdown
	monitor    *monitor.Monitor

	notice      *Notice
	noticeTimer clock.Timer
	noticeSeq   uint64
	result      *Result

	mu       sync.RWMutex
	snapshot Summary
	done     chan struct{}
	doneOnce sync.Once
}

// New validates cfg and returns a controller in NotStarted.
func New(cfg Config, deps Deps) (*Controller, error) {
	if cfg.UserID == "" || cfg.ExamID == "" {
		return nil, ErrMissingIdentity
	}
	if deps.Clock == nil || deps.Loop == nil || deps.Reporter == nil || deps.Camera == nil || deps.Scorer == nil {
		return nil, errors.New("session: clock, loop, reporter, camera and scorer are required")
	}
	if err := cfg.Monitor.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Duration < 0 {
		return nil, fmt.Errorf("session: negative duration %d", cfg.Duration)
	}
	switch cfg.OnCameraDenied {
	case "":
		cfg.OnCameraDenied = CameraAbort
	case CameraAbort, CameraDegrade:
	default:
		return nil, fmt.Errorf("session: unknown camera policy %q", cfg.OnCameraDenied)
	}
	if cfg.NoticeTTL <= 0 {
		cfg.NoticeTTL = DefaultNoticeTTL
	}
	if deps.Display == nil {
		deps.Display = signals.NoDisplay{}
	}
	if deps.Notifier == nil {
		deps.Notifier = NopNotifier{}
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}

	base := logging.OrDefault(deps.Logger).With("component", "session", "user_id", cfg.UserID, "exam_id", cfg.ExamID)
	c := &Controller{
		cfg:    cfg,
		deps:   deps,
		base:   base,
		logger: base,
		fsm:    newLifecycle(),
		done:   make(chan struct{}),
	}
	c.publish()
	return c, nil
}

// State returns the current lifecycle state. Safe from any goroutine.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot.State
}

// Summary returns a snapshot of the attempt. Safe from any goroutine.
func (c *Controller) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.snapshot
	s.Violations = append([]policy.Record(nil), c.snapshot.Violations...)
	return s
}

// Done is closed when the attempt reaches a terminal state.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) current() State {
	return State(c.fsm.Current())
}

func (c *Controller) fire(event string) bool {
	if !c.fsm.Can(event) {
		c.logger.Debug("transition ignored", "event", event, "state", c.current())
		return false
	}
	if err := c.fsm.Event(context.Background(), event); err != nil {
		c.logger.Warn("transition failed", "event", event, "error", err)
		return false
	}
	return true
}

// Start begins an attempt. The start report is awaited off the loop, then
// the camera is acquired; the countdown and the monitor are armed once the
// camera outcome is known.
func (c *Controller) Start() bool {
	if !c.fire(evStart) {
		return false
	}

	c.generation++
	gen := c.generation
	c.startedAt = c.deps.Clock.Now()
	c.degraded = false
	c.result = nil
	c.attempt = report.Attempt{ID: c.deps.NewID(), UserID: c.cfg.UserID, ExamID: c.cfg.ExamID}
	c.logger = c.base.With("attempt_id", c.attempt.ID)
	c.countdown = timer.New(c.deps.Clock, c.deps.Loop, c.cfg.Duration, c.cfg.TickInterval)
	c.monitor = monitor.New(c.cfg.Monitor, c.attempt, monitor.Deps{
		Clock:    c.deps.Clock,
		Poster:   c.deps.Loop,
		Reporter: c.deps.Reporter,
		Logger:   c.base,
		Metrics:  c.deps.Metrics,
	})

	if c.deps.Metrics != nil {
		c.deps.Metrics.AttemptsStarted.Inc()
		c.deps.Metrics.ActiveAttempts.Inc()
	}
	c.audit(logging.AuditAttemptStart, "success", nil)
	c.logger.Info("attempt started", "duration", c.cfg.Duration)

	if err := c.deps.Display.RequestFullscreen(); err != nil {
		c.logger.Info("fullscreen request refused", "error", err)
	}

	ctx, cancel := context.WithCancel(logging.ContextWithAttemptID(context.Background(), c.attempt.ID))
	c.cancel = cancel
	attempt, logger := c.attempt, c.logger
	go func() {
		if err := c.deps.Reporter.StartSession(ctx, attempt); err != nil {
			logger.Warn("start report failed", "error", err)
		}
		capture, err := c.deps.Camera.Open(ctx)
		posted := c.deps.Loop.Post(func() { c.onCamera(gen, capture, err) })
		if !posted && capture != nil {
			capture.Close()
		}
	}()

	c.publish()
	return true
}

func (c *Controller) onCamera(gen uint64, capture signals.Capture, err error) {
	if gen != c.generation || c.current() != InProgress {
		if capture != nil {
			capture.Close()
		}
		return
	}

	if err != nil {
		if c.cfg.OnCameraDenied == CameraDegrade {
			c.logger.Warn("camera unavailable, continuing without face monitoring", "error", err)
			c.degraded = true
			c.arm(nil)
			return
		}
		c.abort(err)
		return
	}

	c.capture = capture
	c.arm(capture)
}

func (c *Controller) arm(faces signals.Source[signals.Frame]) {
	c.monitor.Arm(c.startedAt, monitor.Sources{
		Visibility: c.deps.Visibility,
		Fullscreen: c.deps.Fullscreen,
		Faces:      faces,
	}, c.OnViolationDecision)
	c.countdown.Start(c.OnTick, c.OnTimerExpired)
	c.publish()
}

// Submit grades and ends the attempt.
func (c *Controller) Submit() bool {
	if !c.fsm.Can(evSubmit) {
		c.logger.Debug("submit ignored", "state", c.current())
		return false
	}

	c.teardown()
	score, total := c.deps.Scorer.Score(), c.deps.Scorer.Total()
	if !c.fire(evSubmit) {
		return false
	}
	c.deps.Reporter.SubmitResult(c.attempt, score)

	c.finish(Result{
		State:      Submitted,
		Score:      score,
		Total:      total,
		Violations: c.monitor.Counters().Total,
		Graded:     true,
	})
	if c.deps.Metrics != nil {
		c.deps.Metrics.AttemptsSubmitted.Inc()
	}
	c.audit(logging.AuditAttemptSubmit, "success", map[string]interface{}{"score": score, "total": total})
	c.logger.Info("attempt submitted", "score", score, "total", total)
	return true
}

// TerminateForViolations ends the attempt without grading it.
func (c *Controller) TerminateForViolations() bool {
	if !c.fsm.Can(evTerminate) {
		c.logger.Debug("terminate ignored", "state", c.current())
		return false
	}

	c.teardown()
	if !c.fire(evTerminate) {
		return false
	}

	violations := c.monitor.Counters().Total
	c.notice = &Notice{Text: TerminatedTitle + ": " + TerminatedDetail, Count: violations, Max: c.cfg.Monitor.Policy.MaxViolations}
	c.deps.Notifier.Notice(*c.notice)

	c.finish(Result{
		State:      Terminated,
		Total:      c.deps.Scorer.Total(),
		Violations: violations,
	})
	if c.deps.Metrics != nil {
		c.deps.Metrics.AttemptsTerminated.Inc()
	}
	c.audit(logging.AuditAttemptTerminate, "terminated", map[string]interface{}{"violations": violations})
	c.logger.Warn("attempt terminated", "violations", violations)
	return true
}

// OnTick forwards a countdown tick.
func (c *Controller) OnTick(remaining int) {
	if c.current() != InProgress {
		return
	}
	c.deps.Notifier.Tick(remaining)
	c.publish()
}

// OnTimerExpired submits the attempt with whatever answers are recorded.
func (c *Controller) OnTimerExpired() {
	if c.current() != InProgress {
		return
	}
	c.logger.Info("time is up")
	c.Submit()
}

// OnViolationDecision applies the escalation decision for an accepted
// violation.
func (c *Controller) OnViolationDecision(rec policy.Record, d policy.Decision) {
	if c.current() != InProgress {
		return
	}

	c.audit(logging.AuditViolation, d.Outcome.String(), map[string]interface{}{
		"kind":     rec.Kind.String(),
		"sequence": rec.Sequence,
		"count":    d.Count,
	})

	if d.Outcome == policy.Terminate {
		c.TerminateForViolations()
		return
	}

	limit := c.cfg.Monitor.Policy.MaxViolations
	n := Notice{
		Text:    fmt.Sprintf("%s (%d/%d)", rec.Kind.Message(), d.Count, limit),
		Kind:    rec.Kind,
		Count:   d.Count,
		Max:     limit,
		Expires: c.deps.Clock.Now().Add(c.cfg.NoticeTTL),
	}
	c.showNotice(n)
}

func (c *Controller) showNotice(n Notice) {
	c.clearNoticeTimer()
	c.noticeSeq++
	seq := c.noticeSeq
	c.notice = &n
	c.deps.Notifier.Notice(n)

	c.noticeTimer = c.deps.Clock.AfterFunc(c.cfg.NoticeTTL, func() {
		c.deps.Loop.Post(func() { c.dismissNotice(seq) })
	})
	c.publish()
}

func (c *Controller) dismissNotice(seq uint64) {
	if seq != c.noticeSeq || c.notice == nil || c.notice.Permanent() {
		return
	}
	c.notice = nil
	c.noticeTimer = nil
	c.deps.Notifier.NoticeCleared()
	c.publish()
}

func (c *Controller) clearNoticeTimer() {
	if c.noticeTimer != nil {
		c.noticeTimer.Stop()
		c.noticeTimer = nil
	}
}

// abort undoes a start whose camera was refused.
func (c *Controller) abort(err error) {
	c.teardown()
	if !c.fire(evAbort) {
		return
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.AttemptsAborted.Inc()
		c.deps.Metrics.ActiveAttempts.Dec()
	}
	c.audit(logging.AuditAttemptAbort, "denied", nil)
	c.logger.Warn("attempt aborted", "error", err)
	c.deps.Notifier.Aborted(err)
	c.publish()
}

// teardown stops everything the attempt started. It runs in the same loop
// turn as the transition that follows it, so no tick or signal queued
// behind it can act on the attempt.
func (c *Controller) teardown() {
	c.generation++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.countdown != nil {
		c.countdown.Stop()
	}
	if c.monitor != nil {
		c.monitor.Disarm()
	}
	if c.capture != nil {
		if err := c.capture.Close(); err != nil {
			c.logger.Debug("capture close", "error", err)
		}
		c.capture = nil
	}
	c.clearNoticeTimer()
	if c.notice != nil && !c.notice.Permanent() {
		c.notice = nil
	}
}

func (c *Controller) finish(r Result) {
	c.result = &r
	if c.deps.Metrics != nil {
		c.deps.Metrics.ActiveAttempts.Dec()
	}
	c.publish()
	c.deps.Notifier.Finished(r)
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Controller) audit(t logging.AuditEventType, result string, details map[string]interface{}) {
	err := c.deps.Audit.Log(context.Background(), logging.AuditEvent{
		EventType: t,
		AttemptID: c.attempt.ID,
		UserID:    c.cfg.UserID,
		ExamID:    c.cfg.ExamID,
		Result:    result,
		Details:   details,
	})
	if err != nil {
		c.logger.Warn("audit write failed", "error", err)
	}
}

// publish refreshes the snapshot read by other goroutines.
func (c *Controller) publish() {
	s := Summary{
		AttemptID: c.attempt.ID,
		UserID:    c.cfg.UserID,
		ExamID:    c.cfg.ExamID,
		State:     c.current(),
		Remaining: c.cfg.Duration,
		Degraded:  c.degraded,
		StartedAt: c.startedAt,
	}
	if c.countdown != nil {
		s.Remaining = c.countdown.Remaining()
	}
	if c.monitor != nil {
		s.Counters = c.monitor.Counters()
		s.Violations = c.monitor.Records()
	}
	if c.notice != nil {
		n := *c.notice
		s.Notice = &n
	}
	if c.result != nil {
		r := *c.result
		s.Result = &r
		s.EndedAt = c.deps.Clock.Now()
	}

	c.mu.Lock()
	if c.snapshot.Result != nil && !c.snapshot.EndedAt.IsZero() {
		s.EndedAt = c.snapshot.EndedAt
	}
	c.snapshot = s
	c.mu.Unlock()
}
