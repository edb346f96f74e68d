package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proctord/internal/config"
	"proctord/internal/exam"
	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/policy"
	"proctord/internal/replay"
	"proctord/internal/report"
	"proctord/internal/security"
	"proctord/internal/session"
	"proctord/internal/signals"
	"proctord/internal/signals/desktop"
)

// drainTimeout bounds how long queued reports may delay exit.
const drainTimeout = 5 * time.Second

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	script := fs.String("script", "", "JSONL signal script (required)")
	userID := fs.String("user", "", "user id (overrides identity.user_id)")
	examID := fs.String("exam", "", "exam id (overrides identity.exam_id)")
	denyCamera := fs.Bool("deny-camera", false, "refuse camera access")
	noDesktop := fs.Bool("no-desktop", false, "do not treat the screensaver as a hidden page")
	showMetrics := fs.Bool("metrics", false, "print metrics after the attempt")
	fs.Parse(args)

	if *script == "" {
		fmt.Fprintln(os.Stderr, "Usage: proctord run --script <file.jsonl> [--user id] [--exam id] [--deny-camera]")
		os.Exit(1)
	}

	cfg := loadConfig()
	if *userID != "" {
		cfg.Identity.UserID = *userID
	}
	if *examID != "" {
		cfg.Identity.ExamID = *examID
	}
	if err := validateIdentity(cfg); err != nil {
		fatalf("Error: %v", err)
	}

	steps, err := replay.ParseFile(*script)
	if err != nil {
		fatalf("Error: %v", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		fatalf("Error: %v", err)
	}
	logger, closeLog := newLogger(cfg, "proctord")

	code := runAttempt(cfg, steps, runOptions{
		denyCamera:  *denyCamera,
		desktop:     !*noDesktop,
		showMetrics: *showMetrics,
	}, logger)
	closeLog()
	os.Exit(code)
}

type runOptions struct {
	denyCamera  bool
	desktop     bool
	showMetrics bool
}

func runAttempt(cfg *config.Config, steps []replay.Step, opts runOptions, logger *slog.Logger) int {
	bank := exam.Builtin()
	if cfg.Exam.QuestionBank != "" {
		var err error
		if bank, err = exam.LoadBank(cfg.Exam.QuestionBank); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	lock, err := security.AcquireAttemptLock(cfg.LocksDir(), cfg.Identity.UserID, cfg.Identity.ExamID)
	if err != nil {
		if errors.Is(err, security.ErrAttemptLocked) {
			path := security.LockPath(cfg.LocksDir(), cfg.Identity.UserID, cfg.Identity.ExamID)
			if info, ierr := security.ReadLockInfo(path); ierr == nil {
				fmt.Fprintf(os.Stderr, "Error: attempt already running (pid %d since %s)\n",
					info.PID, info.Acquired.Format(time.RFC3339))
				return 1
			}
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer lock.Release()

	audit, err := logging.NewAuditLogger(cfg.AuditPath())
	if err != nil {
		logger.Warn("audit trail disabled", "error", err)
	} else {
		defer audit.Close()
	}

	registry := metrics.NewRegistry("proctord")
	pm := metrics.NewProctorMetrics(registry)

	reporter, err := report.NewHTTPReporter(report.Config{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: cfg.Backend.Timeout(),
	}, logger, pm, audit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var extra signals.Source[signals.Visibility]
	if opts.desktop {
		ss, err := desktop.NewScreenSaver(logger)
		if err != nil {
			logger.Info("desktop visibility unavailable", "error", err)
		} else {
			defer ss.Close()
			extra = ss
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, runErr := replay.Run(ctx, replay.Config{
		Session:    sessionConfig(cfg),
		Bank:       bank,
		ArchiveDir: cfg.AttemptsDir(),
		DenyCamera: opts.denyCamera,
	}, replay.Deps{
		Reporter:   reporter,
		Visibility: extra,
		Out:        os.Stdout,
		Logger:     logger,
		Metrics:    pm,
		Audit:      audit,
	}, steps)

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	if err := reporter.Wait(drainCtx); err != nil {
		logger.Warn("reports still pending at exit", "error", err)
	}
	cancel()

	if opts.showMetrics {
		fmt.Fprintln(os.Stderr)
		registry.WritePrometheus(os.Stderr)
	}

	switch {
	case errors.Is(runErr, replay.ErrAborted):
		return 2
	case runErr != nil:
		fmt.Fprintf(os.Stderr, "Attempt %s ended early: %v\n", sum.AttemptID, runErr)
		return 1
	}
	if sum.AttemptID != "" {
		fmt.Printf("Attempt: %s (%s)\n", sum.AttemptID, sum.State)
	}
	return 0
}

// validateIdentity requires both identifiers and rejects ones that cannot
// be used as report fields.
func validateIdentity(cfg *config.Config) error {
	if err := cfg.ValidateIdentity(); err != nil {
		return err
	}
	if err := security.ValidateIdentifier("user_id", cfg.Identity.UserID); err != nil {
		return err
	}
	return security.ValidateIdentifier("exam_id", cfg.Identity.ExamID)
}

// sessionConfig maps the configuration onto an attempt.
func sessionConfig(cfg *config.Config) session.Config {
	sc := session.DefaultConfig(cfg.Identity.UserID, cfg.Identity.ExamID)
	sc.Duration = cfg.Exam.DurationSec
	sc.TickInterval = cfg.Exam.Tick()
	sc.Monitor.Policy = policy.Config{
		MaxViolations:     cfg.Policy.MaxViolations,
		FaceMissingStreak: cfg.Policy.FaceMissingStreak,
	}
	sc.Monitor.Debounce = cfg.Policy.Debounce()
	sc.Monitor.Grace = cfg.Policy.Grace()
	sc.Monitor.Risk = cfg.Policy.RiskScore
	sc.NoticeTTL = cfg.Policy.NoticeTTL()
	sc.OnCameraDenied = session.CameraPolicy(cfg.Camera.OnDenied)
	return sc
}
