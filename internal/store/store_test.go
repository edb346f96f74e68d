package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

var epoch = time.Date(2026, 5, 11, 14, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestAttempt(t *testing.T, s *Store, id, user, exam string, started time.Time) {
	t.Helper()
	created, err := s.InsertAttempt(context.Background(), Attempt{
		ID: id, UserID: user, ExamID: exam, StartedAt: started,
	})
	if err != nil {
		t.Fatalf("InsertAttempt(%s) failed: %v", id, err)
	}
	if !created {
		t.Fatalf("InsertAttempt(%s) did not create a row", id)
	}
}

func TestOpenAndClose(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	insertTestAttempt(t, s, "a1", "u1", "e1", epoch)
	s.Close()

	s, err = Open(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	a, err := s.GetAttempt(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetAttempt after reopen failed: %v", err)
	}
	if a.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", a.UserID)
	}
}

func TestMigrationStatus(t *testing.T) {
	s := openTestStore(t)

	status, err := GetMigrationStatus(s.DB())
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != status.LatestVersion {
		t.Errorf("current version %d, latest %d", status.CurrentVersion, status.LatestVersion)
	}
	if len(status.Pending) != 0 {
		t.Errorf("expected no pending migrations, got %d", len(status.Pending))
	}
	if len(status.Applied) != len(migrations) {
		t.Errorf("expected %d applied migrations, got %d", len(migrations), len(status.Applied))
	}

	// Applying again is a no-op.
	if err := MigrateDB(s.DB()); err != nil {
		t.Errorf("second MigrateDB failed: %v", err)
	}
}

func TestInsertAndGetAttempt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := Attempt{
		ID:         "a1",
		UserID:     "u1",
		ExamID:     "e1",
		StartedAt:  epoch,
		ClientAddr: "10.0.0.7",
		UserAgent:  "proctord/1.0",
	}
	created, err := s.InsertAttempt(ctx, in)
	if err != nil {
		t.Fatalf("InsertAttempt failed: %v", err)
	}
	if !created {
		t.Fatal("expected attempt to be created")
	}

	got, err := s.GetAttempt(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAttempt failed: %v", err)
	}
	if got.ID != in.ID || got.UserID != in.UserID || got.ExamID != in.ExamID {
		t.Errorf("GetAttempt identity = %+v, want %+v", *got, in)
	}
	if !got.StartedAt.Equal(in.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, in.StartedAt)
	}
	if got.ClientAddr != in.ClientAddr || got.UserAgent != in.UserAgent {
		t.Errorf("client = %q/%q, want %q/%q", got.ClientAddr, got.UserAgent, in.ClientAddr, in.UserAgent)
	}
}

func TestInsertAttemptIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insertTestAttempt(t, s, "a1", "u1", "e1", epoch)

	created, err := s.InsertAttempt(ctx, Attempt{ID: "a1", UserID: "other", ExamID: "other", StartedAt: epoch.Add(time.Hour)})
	if err != nil {
		t.Fatalf("second InsertAttempt failed: %v", err)
	}
	if created {
		t.Error("second InsertAttempt should not create a row")
	}

	got, err := s.GetAttempt(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAttempt failed: %v", err)
	}
	if got.UserID != "u1" || !got.StartedAt.Equal(epoch) {
		t.Errorf("original attempt was overwritten: %+v", got)
	}
}

func TestInsertAttemptDefaultsStartTime(t *testing.T) {
	s := openTestStore(t)
	s.now = func() time.Time { return epoch }

	if _, err := s.InsertAttempt(context.Background(), Attempt{ID: "a1", UserID: "u1", ExamID: "e1"}); err != nil {
		t.Fatalf("InsertAttempt failed: %v", err)
	}
	got, err := s.GetAttempt(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetAttempt failed: %v", err)
	}
	if !got.StartedAt.Equal(epoch) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, epoch)
	}
}

func TestGetAttemptNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetAttempt(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLatestAttempt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insertTestAttempt(t, s, "old", "u1", "e1", epoch)
	insertTestAttempt(t, s, "new", "u1", "e1", epoch.Add(time.Minute))
	insertTestAttempt(t, s, "other-exam", "u1", "e2", epoch.Add(time.Hour))

	got, err := s.LatestAttempt(ctx, "u1", "e1")
	if err != nil {
		t.Fatalf("LatestAttempt failed: %v", err)
	}
	if got.ID != "new" {
		t.Errorf("LatestAttempt = %s, want new", got.ID)
	}

	if _, err := s.LatestAttempt(ctx, "u2", "e1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown user, got %v", err)
	}
}

func TestInsertAndListViolations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insertTestAttempt(t, s, "a1", "u1", "e1", epoch)

	events := []string{"TAB_SWITCH", "FULLSCREEN_EXIT", "FACE_NOT_DETECTED"}
	var lastID int64
	for i, ev := range events {
		id, err := s.InsertViolation(ctx, Violation{
			AttemptID:  "a1",
			EventType:  ev,
			Risk:       30,
			ReceivedAt: epoch.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("InsertViolation(%s) failed: %v", ev, err)
		}
		if id <= lastID {
			t.Errorf("violation IDs not increasing: %d after %d", id, lastID)
		}
		lastID = id
	}

	got, err := s.Violations(ctx, "a1")
	if err != nil {
		t.Fatalf("Violations failed: %v", err)
	}
	if len(got) != len(events) {
		t.Fatalf("expected %d violations, got %d", len(events), len(got))
	}
	for i, v := range got {
		if v.EventType != events[i] {
			t.Errorf("violation %d: EventType = %s, want %s", i, v.EventType, events[i])
		}
		if v.Risk != 30 {
			t.Errorf("violation %d: Risk = %d, want 30", i, v.Risk)
		}
	}
}

func TestInsertViolationUnknownAttempt(t *testing.T) {
	s := openTestStore(t)

	_, err := s.InsertViolation(context.Background(), Violation{AttemptID: "missing", EventType: "TAB_SWITCH", Risk: 30})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestViolationsEmpty(t *testing.T) {
	s := openTestStore(t)
	insertTestAttempt(t, s, "a1", "u1", "e1", epoch)

	got, err := s.Violations(context.Background(), "a1")
	if err != nil {
		t.Fatalf("Violations failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no violations, got %d", len(got))
	}
}

func TestInsertAndGetResult(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insertTestAttempt(t, s, "a1", "u1", "e1", epoch)

	submitted := epoch.Add(45 * time.Second)
	if err := s.InsertResult(ctx, Result{AttemptID: "a1", Score: 7, SubmittedAt: submitted}); err != nil {
		t.Fatalf("InsertResult failed: %v", err)
	}

	got, err := s.GetResult(ctx, "a1")
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if got.Score != 7 {
		t.Errorf("Score = %d, want 7", got.Score)
	}
	if !got.SubmittedAt.Equal(submitted) {
		t.Errorf("SubmittedAt = %v, want %v", got.SubmittedAt, submitted)
	}
}

func TestInsertResultTwice(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insertTestAttempt(t, s, "a1", "u1", "e1", epoch)

	if err := s.InsertResult(ctx, Result{AttemptID: "a1", Score: 7}); err != nil {
		t.Fatalf("InsertResult failed: %v", err)
	}
	err := s.InsertResult(ctx, Result{AttemptID: "a1", Score: 10})
	if !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("expected ErrAlreadySubmitted, got %v", err)
	}

	got, err := s.GetResult(ctx, "a1")
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if got.Score != 7 {
		t.Errorf("first result should stand, got score %d", got.Score)
	}
}

func TestInsertResultUnknownAttempt(t *testing.T) {
	s := openTestStore(t)

	err := s.InsertResult(context.Background(), Result{AttemptID: "missing", Score: 1})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetResultNotFound(t *testing.T) {
	s := openTestStore(t)
	insertTestAttempt(t, s, "a1", "u1", "e1", epoch)

	if _, err := s.GetResult(context.Background(), "a1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insertTestAttempt(t, s, "a1", "u1", "e1", epoch)
	insertTestAttempt(t, s, "a2", "u1", "e2", epoch.Add(time.Minute))
	insertTestAttempt(t, s, "a3", "u2", "e1", epoch.Add(2*time.Minute))

	for i := 0; i < 2; i++ {
		if _, err := s.InsertViolation(ctx, Violation{AttemptID: "a1", EventType: "TAB_SWITCH", Risk: 30}); err != nil {
			t.Fatalf("InsertViolation failed: %v", err)
		}
	}
	if err := s.InsertResult(ctx, Result{AttemptID: "a1", Score: 9}); err != nil {
		t.Fatalf("InsertResult failed: %v", err)
	}

	all, err := s.ListAttempts(ctx, Filter{})
	if err != nil {
		t.Fatalf("ListAttempts failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(all))
	}
	if all[0].ID != "a3" || all[2].ID != "a1" {
		t.Errorf("expected newest first, got %s..%s", all[0].ID, all[2].ID)
	}

	a1 := all[2]
	if a1.Violations != 2 || a1.RiskTotal != 60 {
		t.Errorf("a1 totals = %d violations / %d risk, want 2 / 60", a1.Violations, a1.RiskTotal)
	}
	if a1.Result == nil || a1.Result.Score != 9 {
		t.Errorf("a1 result = %+v, want score 9", a1.Result)
	}
	if all[0].Result != nil {
		t.Errorf("a3 should have no result, got %+v", all[0].Result)
	}

	byUser, err := s.ListAttempts(ctx, Filter{UserID: "u1"})
	if err != nil {
		t.Fatalf("ListAttempts by user failed: %v", err)
	}
	if len(byUser) != 2 {
		t.Errorf("expected 2 attempts for u1, got %d", len(byUser))
	}

	byPair, err := s.ListAttempts(ctx, Filter{UserID: "u1", ExamID: "e1"})
	if err != nil {
		t.Fatalf("ListAttempts by pair failed: %v", err)
	}
	if len(byPair) != 1 || byPair[0].ID != "a1" {
		t.Errorf("expected only a1 for u1/e1, got %+v", byPair)
	}

	limited, err := s.ListAttempts(ctx, Filter{Limit: 1})
	if err != nil {
		t.Fatalf("ListAttempts with limit failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected 1 attempt with limit, got %d", len(limited))
	}
}

func TestDeleteAttemptsCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	insertTestAttempt(t, s, "a1", "u1", "e1", epoch)
	insertTestAttempt(t, s, "a2", "u1", "e1", epoch.Add(time.Minute))
	insertTestAttempt(t, s, "keep", "u2", "e1", epoch)
	if _, err := s.InsertViolation(ctx, Violation{AttemptID: "a1", EventType: "TAB_SWITCH", Risk: 30}); err != nil {
		t.Fatalf("InsertViolation failed: %v", err)
	}
	if err := s.InsertResult(ctx, Result{AttemptID: "a2", Score: 4}); err != nil {
		t.Fatalf("InsertResult failed: %v", err)
	}

	n, err := s.DeleteAttempts(ctx, "u1", "e1")
	if err != nil {
		t.Fatalf("DeleteAttempts failed: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d attempts, want 2", n)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st != (Stats{Attempts: 1}) {
		t.Errorf("Stats after delete = %+v, want only the kept attempt", st)
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st != (Stats{}) {
		t.Errorf("empty store stats = %+v", st)
	}

	insertTestAttempt(t, s, "a1", "u1", "e1", epoch)
	if _, err := s.InsertViolation(ctx, Violation{AttemptID: "a1", EventType: "TAB_SWITCH", Risk: 30}); err != nil {
		t.Fatalf("InsertViolation failed: %v", err)
	}
	if err := s.InsertResult(ctx, Result{AttemptID: "a1", Score: 5}); err != nil {
		t.Fatalf("InsertResult failed: %v", err)
	}

	st, err = s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st != (Stats{Attempts: 1, Violations: 1, Results: 1}) {
		t.Errorf("Stats = %+v", st)
	}
}

func TestVerifyClean(t *testing.T) {
	s := openTestStore(t)
	insertTestAttempt(t, s, "a1", "u1", "e1", epoch)

	problems, err := s.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(problems) != 0 {
		t.Errorf("expected no problems, got %v", problems)
	}
}

func BenchmarkInsertViolation(b *testing.B) {
	s, err := Open(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if _, err := s.InsertAttempt(ctx, Attempt{ID: "a1", UserID: "u1", ExamID: "e1"}); err != nil {
		b.Fatalf("InsertAttempt failed: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.InsertViolation(ctx, Violation{AttemptID: "a1", EventType: fmt.Sprintf("EV_%d", i%4), Risk: 30}); err != nil {
			b.Fatal(err)
		}
	}
}
