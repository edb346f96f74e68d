package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"proctord/internal/clock"
	"proctord/internal/exam"
	"proctord/internal/logging"
	"proctord/internal/loop"
	"proctord/internal/metrics"
	"proctord/internal/report"
	"proctord/internal/security"
	"proctord/internal/session"
	"proctord/internal/signals"
)

// ErrAborted is returned by Run when the attempt could not start.
var ErrAborted = errors.New("replay: attempt aborted")

// Config describes a scripted attempt.
type Config struct {
	Session session.Config
	// Bank defaults to the built-in question bank.
	Bank *exam.Bank
	// ArchiveDir receives <attempt_id>.json when the attempt ends. Empty
	// disables archiving.
	ArchiveDir string
	// DenyCamera makes the proctoring camera refuse access.
	DenyCamera bool
}

// Deps are the collaborators of a Player. Clock and Loop are set by Run.
type Deps struct {
	Clock    clock.Clock
	Loop     loop.Poster
	Reporter report.Reporter

	// Visibility is an extra visibility source merged with the scripted
	// one, such as the desktop screensaver.
	Visibility signals.Source[signals.Visibility]
	Display    signals.Display

	Out     io.Writer
	Logger  *slog.Logger
	Metrics *metrics.ProctorMetrics
	Audit   *logging.AuditLogger
	NewID   func() string
}

// Archive is the record written for a finished attempt.
type Archive struct {
	Summary session.Summary `json:"summary"`
	Answers []exam.Result   `json:"answers,omitempty"`
}

// Player owns one scripted attempt and the fake signal sources behind it.
type Player struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	ctrl       *session.Controller
	sheet      *exam.Sheet
	camera     *signals.FeedCamera
	visibility signals.Feed[signals.Visibility]
	fullscreen signals.Feed[signals.Fullscreen]
	unmerge    signals.Unsubscribe

	mu      sync.Mutex
	timers  []clock.Timer
	aborted chan error
}

// NewPlayer builds the controller for a scripted attempt.
func NewPlayer(cfg Config, deps Deps) (*Player, error) {
	if deps.Clock == nil || deps.Loop == nil || deps.Reporter == nil {
		return nil, errors.New("replay: clock, loop and reporter are required")
	}
	if cfg.Bank == nil {
		cfg.Bank = exam.Builtin()
	}
	if deps.Out == nil {
		deps.Out = io.Discard
	}

	p := &Player{
		cfg:     cfg,
		deps:    deps,
		logger:  logging.OrDefault(deps.Logger).With("component", "replay"),
		sheet:   exam.NewSheet(cfg.Bank),
		camera:  signals.NewFeedCamera(),
		aborted: make(chan error, 1),
	}
	if cfg.DenyCamera {
		p.camera.Deny(signals.ErrPermissionDenied)
	}
	if deps.Visibility != nil {
		p.unmerge = deps.Visibility.Subscribe(func(v signals.Visibility) { p.visibility.Send(v) })
	}

	ctrl, err := session.New(cfg.Session, session.Deps{
		Clock:      deps.Clock,
		Loop:       deps.Loop,
		Reporter:   deps.Reporter,
		Camera:     p.camera,
		Display:    deps.Display,
		Visibility: &p.visibility,
		Fullscreen: &p.fullscreen,
		Scorer:     p.sheet,
		Notifier:   &printer{out: deps.Out, player: p},
		Logger:     deps.Logger,
		Metrics:    deps.Metrics,
		Audit:      deps.Audit,
		NewID:      deps.NewID,
	})
	if err != nil {
		if p.unmerge != nil {
			p.unmerge()
		}
		return nil, err
	}
	p.ctrl = ctrl
	return p, nil
}

// Controller returns the attempt controller.
func (p *Player) Controller() *session.Controller {
	return p.ctrl
}

// Sheet returns the answer sheet the script fills in.
func (p *Player) Sheet() *exam.Sheet {
	return p.sheet
}

// Camera returns the scripted proctoring camera.
func (p *Player) Camera() *signals.FeedCamera {
	return p.camera
}

// Aborted receives the error of an attempt that could not start.
func (p *Player) Aborted() <-chan error {
	return p.aborted
}

// Start starts the attempt and schedules steps relative to now. It must run
// on the loop.
func (p *Player) Start(steps []Step) bool {
	if !p.ctrl.Start() {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, step := range steps {
		p.timers = append(p.timers, p.deps.Clock.AfterFunc(step.At, func() { p.apply(step) }))
	}
	return true
}

// Stop cancels steps not yet delivered and detaches the extra sources.
func (p *Player) Stop() {
	p.mu.Lock()
	timers := p.timers
	p.timers = nil
	p.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	if p.unmerge != nil {
		p.unmerge()
	}
}

// apply delivers one step. It runs on the clock's goroutine, like a real
// signal source; only controller calls hop onto the loop.
func (p *Player) apply(step Step) {
	logger := p.logger.With("line", step.Line, "signal", step.Signal)

	switch step.Signal {
	case SignalVisibility:
		p.visibility.Send(step.Visibility)
	case SignalFullscreen:
		p.fullscreen.Send(step.Fullscreen)
	case SignalFace:
		frame := signals.Frame{At: p.deps.Clock.Now()}
		for i := 0; i < step.Faces; i++ {
			frame.Detections = append(frame.Detections, signals.Detection{Score: 1})
		}
		if !p.camera.Push(frame) {
			logger.Debug("frame dropped, no open capture")
		}
	case SignalAnswer:
		if err := p.sheet.Select(step.Question, step.Option); err != nil {
			logger.Warn("answer rejected", "error", err)
		}
	case SignalNext:
		if p.sheet.Next() {
			p.deps.Loop.Post(func() { p.ctrl.Submit() })
		}
	case SignalPrev:
		p.sheet.Prev()
	case SignalSubmit:
		p.deps.Loop.Post(func() { p.ctrl.Submit() })
	}
}

// Archive writes the attempt record to the archive directory.
func (p *Player) Archive() (string, error) {
	if p.cfg.ArchiveDir == "" {
		return "", nil
	}
	sum := p.ctrl.Summary()
	if sum.AttemptID == "" {
		return "", errors.New("replay: attempt never started")
	}
	if err := security.ValidateFilename(sum.AttemptID + ".json"); err != nil {
		return "", fmt.Errorf("replay: archive name: %w", err)
	}
	if err := security.EnsureSecureDir(p.cfg.ArchiveDir); err != nil {
		return "", err
	}

	rec := Archive{Summary: sum}
	if sum.Result != nil && sum.Result.Graded {
		rec.Answers = p.sheet.Breakdown()
	}
	path := filepath.Join(p.cfg.ArchiveDir, sum.AttemptID+".json")
	if err := security.WriteJSONFile(path, rec); err != nil {
		return "", fmt.Errorf("replay: write archive: %w", err)
	}
	return path, nil
}

// Run plays steps against a fresh attempt on a real loop and clock and
// returns its final summary. The attempt ends by submission, termination,
// timer expiry or cancellation of ctx; a cancelled attempt is submitted with
// the answers recorded so far.
func Run(ctx context.Context, cfg Config, deps Deps, steps []Step) (session.Summary, error) {
	// The loop outlives ctx so that a cancelled attempt can still be
	// submitted on it.
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lp := loop.New(64, logging.OrDefault(deps.Logger))
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		lp.Run(runCtx)
	}()

	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	deps.Loop = lp

	p, err := NewPlayer(cfg, deps)
	if err != nil {
		return session.Summary{}, err
	}
	defer p.Stop()

	lp.Post(func() { p.Start(steps) })

	var runErr error
	select {
	case <-p.ctrl.Done():
	case err := <-p.aborted:
		runErr = fmt.Errorf("%w: %v", ErrAborted, err)
	case <-ctx.Done():
		submitted := make(chan struct{})
		if lp.Post(func() { p.ctrl.Submit(); close(submitted) }) {
			select {
			case <-submitted:
			case <-time.After(time.Second):
			}
		}
		runErr = ctx.Err()
	}

	cancel()
	<-loopDone

	if path, err := p.Archive(); err != nil {
		p.logger.Warn("archive failed", "error", err)
	} else if path != "" {
		p.logger.Info("attempt archived", "path", path)
	}
	return p.ctrl.Summary(), runErr
}

// printer renders notifier events as text.
type printer struct {
	out    io.Writer
	player *Player
}

func (pr *printer) Tick(remaining int) {
	if remaining%10 == 0 || remaining <= 5 {
		fmt.Fprintf(pr.out, "time left: %d\n", remaining)
	}
}

func (pr *printer) Notice(n session.Notice) {
	if n.Permanent() {
		fmt.Fprintf(pr.out, "!! %s\n", n.Text)
		return
	}
	fmt.Fprintf(pr.out, "! %s\n", n.Text)
}

func (pr *printer) NoticeCleared() {}

func (pr *printer) Finished(r session.Result) {
	pr.player.Stop()
	if r.State == session.Terminated {
		fmt.Fprintf(pr.out, "%s\n%s\n", session.TerminatedTitle, session.TerminatedDetail)
		return
	}
	fmt.Fprintf(pr.out, "Exam Submitted\nScore: %d / %d\n", r.Score, r.Total)
}

func (pr *printer) Aborted(err error) {
	pr.player.Stop()
	fmt.Fprintf(pr.out, "Exam could not start: %v\n", err)
	select {
	case pr.player.aborted <- err:
	default:
	}
}
