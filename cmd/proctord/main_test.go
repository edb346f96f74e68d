package main

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"proctord/internal/backend"
	"proctord/internal/config"
	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/replay"
	"proctord/internal/report"
	"proctord/internal/security"
	"proctord/internal/session"
	"proctord/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Logging.File = filepath.Join(cfg.DataDir, "proctord.log")
	cfg.Identity = config.IdentityConfig{UserID: "u1", ExamID: "e1"}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	return cfg
}

func TestSessionConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Exam.DurationSec = 90
	cfg.Exam.TickMs = 500
	cfg.Policy.MaxViolations = 2
	cfg.Policy.FaceMissingStreak = 5
	cfg.Policy.DebounceMs = 250
	cfg.Policy.GraceMs = 0
	cfg.Policy.RiskScore = 10
	cfg.Policy.NoticeMs = 1500
	cfg.Camera.OnDenied = "degrade"

	sc := sessionConfig(cfg)
	if sc.UserID != "u1" || sc.ExamID != "e1" {
		t.Errorf("identity = %s/%s", sc.UserID, sc.ExamID)
	}
	if sc.Duration != 90 || sc.TickInterval != 500*time.Millisecond {
		t.Errorf("duration = %d every %s", sc.Duration, sc.TickInterval)
	}
	if sc.Monitor.Policy.MaxViolations != 2 || sc.Monitor.Policy.FaceMissingStreak != 5 {
		t.Errorf("policy = %+v", sc.Monitor.Policy)
	}
	if sc.Monitor.Debounce != 250*time.Millisecond || sc.Monitor.Grace != 0 || sc.Monitor.Risk != 10 {
		t.Errorf("monitor = %+v", sc.Monitor)
	}
	if sc.NoticeTTL != 1500*time.Millisecond {
		t.Errorf("notice ttl = %s", sc.NoticeTTL)
	}
	if sc.OnCameraDenied != session.CameraDegrade {
		t.Errorf("camera policy = %s", sc.OnCameraDenied)
	}
}

func TestValidateIdentity(t *testing.T) {
	cfg := testConfig(t)
	if err := validateIdentity(cfg); err != nil {
		t.Fatalf("valid identity rejected: %v", err)
	}

	cfg.Identity.ExamID = ""
	if err := validateIdentity(cfg); err == nil {
		t.Error("missing exam id accepted")
	}

	cfg.Identity.ExamID = "e1\n"
	if err := validateIdentity(cfg); err == nil {
		t.Error("control character accepted")
	}
}

func writeArchive(t *testing.T, dir string, sum session.Summary) {
	t.Helper()
	if err := security.WriteJSONFile(filepath.Join(dir, sum.AttemptID+".json"), replay.Archive{Summary: sum}); err != nil {
		t.Fatalf("write archive: %v", err)
	}
}

func TestReadAndRemoveArchives(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 5, 11, 14, 0, 0, 0, time.UTC)
	writeArchive(t, dir, session.Summary{AttemptID: "a1", UserID: "u1", ExamID: "e1", StartedAt: base})
	writeArchive(t, dir, session.Summary{AttemptID: "a2", UserID: "u1", ExamID: "e1", StartedAt: base.Add(time.Hour)})
	writeArchive(t, dir, session.Summary{AttemptID: "b1", UserID: "u2", ExamID: "e1", StartedAt: base.Add(2 * time.Hour)})
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := readArchives(dir)
	if err != nil {
		t.Fatalf("readArchives: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d archives, want 3", len(got))
	}
	if got[0].Summary.AttemptID != "b1" || got[2].Summary.AttemptID != "a1" {
		t.Errorf("order = %s, %s, %s", got[0].Summary.AttemptID, got[1].Summary.AttemptID, got[2].Summary.AttemptID)
	}

	n, err := removeArchives(dir, "u1", "e1")
	if err != nil {
		t.Fatalf("removeArchives: %v", err)
	}
	if n != 2 {
		t.Errorf("removed %d, want 2", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "b1.json")); err != nil {
		t.Errorf("other user's archive removed: %v", err)
	}

	missing, err := readArchives(filepath.Join(dir, "missing"))
	if err != nil || missing != nil {
		t.Errorf("missing dir = %v, %v", missing, err)
	}
}

func TestRunAttemptAgainstBackend(t *testing.T) {
	cfg := testConfig(t)

	st, err := store.Open(filepath.Join(t.TempDir(), "backend.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()
	validator, err := report.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	srv, err := backend.New(backend.DefaultConfig(), backend.Deps{
		Store:     st,
		Validator: validator,
		Registry:  metrics.NewRegistry("test"),
		Logger:    logging.Discard(),
	})
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	cfg.Backend.BaseURL = ts.URL

	steps, err := replay.Parse(strings.NewReader(`
{"at":"0s","signal":"answer","value":{"question":0,"option":1}}
{"at":"0s","signal":"answer","value":{"question":1,"option":0}}
{"at":"200ms","signal":"submit"}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	code := runAttempt(cfg, steps, runOptions{}, logging.Discard())
	if code != 0 {
		t.Fatalf("runAttempt exit code %d", code)
	}

	rows, err := st.ListAttempts(context.Background(), store.Filter{UserID: "u1", ExamID: "e1"})
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("backend has %d attempts, want 1", len(rows))
	}
	if rows[0].Result == nil || rows[0].Result.Score != 2 {
		t.Errorf("backend result = %+v", rows[0].Result)
	}

	archives, err := readArchives(cfg.AttemptsDir())
	if err != nil {
		t.Fatalf("readArchives: %v", err)
	}
	if len(archives) != 1 || archives[0].Summary.AttemptID != rows[0].ID {
		t.Fatalf("archives = %+v", archives)
	}
	if len(archives[0].Answers) != 10 {
		t.Errorf("archived %d answers, want 10", len(archives[0].Answers))
	}

	if _, err := os.Stat(security.LockPath(cfg.LocksDir(), "u1", "e1")); !os.IsNotExist(err) {
		t.Errorf("lock file left behind: %v", err)
	}
}

func TestRunAttemptCameraDenied(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend.BaseURL = "http://127.0.0.1:1"
	cfg.Backend.TimeoutMs = 100

	code := runAttempt(cfg, nil, runOptions{denyCamera: true}, logging.Discard())
	if code != 2 {
		t.Errorf("exit code %d, want 2", code)
	}
}
