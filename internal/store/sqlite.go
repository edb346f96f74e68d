package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// DefaultListLimit caps ListAttempts when no limit is given.
const DefaultListLimit = 100

// Store errors.
var (
	ErrNotFound         = errors.New("store: not found")
	ErrAlreadySubmitted = errors.New("store: attempt already has a result")
)

// Store is the SQLite backend store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path and applies migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for migration status and maintenance.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertAttempt records a started attempt. Starting an existing attempt ID
// again is a no-op; created reports whether a row was added.
func (s *Store) InsertAttempt(ctx context.Context, a Attempt) (created bool, err error) {
	if a.StartedAt.IsZero() {
		a.StartedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO attempts (id, user_id, exam_id, started_ns, client_addr, user_agent)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.ExamID, a.StartedAt.UnixNano(), a.ClientAddr, a.UserAgent,
	)
	if err != nil {
		return false, fmt.Errorf("insert attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert attempt: %w", err)
	}
	return n == 1, nil
}

// GetAttempt returns the attempt with the given ID.
func (s *Store) GetAttempt(ctx context.Context, id string) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, exam_id, started_ns, client_addr, user_agent
		FROM attempts WHERE id = ?`, id)
	return scanAttempt(row)
}

// LatestAttempt returns the most recently started attempt for the pair.
func (s *Store) LatestAttempt(ctx context.Context, userID, examID string) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, exam_id, started_ns, client_addr, user_agent
		FROM attempts WHERE user_id = ? AND exam_id = ?
		ORDER BY started_ns DESC LIMIT 1`, userID, examID)
	return scanAttempt(row)
}

func scanAttempt(row *sql.Row) (*Attempt, error) {
	var a Attempt
	var startedNs int64
	if err := row.Scan(&a.ID, &a.UserID, &a.ExamID, &startedNs, &a.ClientAddr, &a.UserAgent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan attempt: %w", err)
	}
	a.StartedAt = time.Unix(0, startedNs).UTC()
	return &a, nil
}

// InsertViolation records a violation and returns its row ID.
func (s *Store) InsertViolation(ctx context.Context, v Violation) (int64, error) {
	if v.ReceivedAt.IsZero() {
		v.ReceivedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO violations (attempt_id, event_type, risk, received_ns)
		VALUES (?, ?, ?, ?)`,
		v.AttemptID, v.EventType, v.Risk, v.ReceivedAt.UnixNano(),
	)
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintForeignKey) {
			return 0, fmt.Errorf("insert violation for %s: %w", v.AttemptID, ErrNotFound)
		}
		return 0, fmt.Errorf("insert violation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}

// Violations returns the violations of an attempt in arrival order.
func (s *Store) Violations(ctx context.Context, attemptID string) ([]Violation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, attempt_id, event_type, risk, received_ns
		FROM violations WHERE attempt_id = ?
		ORDER BY received_ns ASC, id ASC`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	var out []Violation
	for rows.Next() {
		var v Violation
		var receivedNs int64
		if err := rows.Scan(&v.ID, &v.AttemptID, &v.EventType, &v.Risk, &receivedNs); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		v.ReceivedAt = time.Unix(0, receivedNs).UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}

// InsertResult records the graded outcome. An attempt has at most one
// result; a second one returns ErrAlreadySubmitted.
func (s *Store) InsertResult(ctx context.Context, r Result) error {
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO results (attempt_id, score, submitted_ns) VALUES (?, ?, ?)`,
		r.AttemptID, r.Score, r.SubmittedAt.UnixNano(),
	)
	switch {
	case err == nil:
		return nil
	case isConstraint(err, sqlite3.ErrConstraintPrimaryKey), isConstraint(err, sqlite3.ErrConstraintUnique):
		return ErrAlreadySubmitted
	case isConstraint(err, sqlite3.ErrConstraintForeignKey):
		return fmt.Errorf("insert result for %s: %w", r.AttemptID, ErrNotFound)
	default:
		return fmt.Errorf("insert result: %w", err)
	}
}

// GetResult returns the result of an attempt.
func (s *Store) GetResult(ctx context.Context, attemptID string) (*Result, error) {
	var r Result
	var submittedNs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT attempt_id, score, submitted_ns FROM results WHERE attempt_id = ?`, attemptID,
	).Scan(&r.AttemptID, &r.Score, &submittedNs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query result: %w", err)
	}
	r.SubmittedAt = time.Unix(0, submittedNs).UTC()
	return &r, nil
}

// ListAttempts returns attempt summaries, newest first.
func (s *Store) ListAttempts(ctx context.Context, f Filter) ([]AttemptSummary, error) {
	var where []string
	var args []interface{}
	if f.UserID != "" {
		where = append(where, "a.user_id = ?")
		args = append(args, f.UserID)
	}
	if f.ExamID != "" {
		where = append(where, "a.exam_id = ?")
		args = append(args, f.ExamID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT a.id, a.user_id, a.exam_id, a.started_ns, a.client_addr, a.user_agent,
		       COUNT(v.id), COALESCE(SUM(v.risk), 0),
		       r.score, r.submitted_ns
		FROM attempts a
		LEFT JOIN violations v ON v.attempt_id = a.id
		LEFT JOIN results r ON r.attempt_id = a.id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += `
		GROUP BY a.id
		ORDER BY a.started_ns DESC
		LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []AttemptSummary
	for rows.Next() {
		var sum AttemptSummary
		var startedNs int64
		var score, submittedNs sql.NullInt64
		if err := rows.Scan(
			&sum.ID, &sum.UserID, &sum.ExamID, &startedNs, &sum.ClientAddr, &sum.UserAgent,
			&sum.Violations, &sum.RiskTotal, &score, &submittedNs,
		); err != nil {
			return nil, fmt.Errorf("scan attempt summary: %w", err)
		}
		sum.StartedAt = time.Unix(0, startedNs).UTC()
		if score.Valid {
			sum.Result = &Result{
				AttemptID:   sum.ID,
				Score:       int(score.Int64),
				SubmittedAt: time.Unix(0, submittedNs.Int64).UTC(),
			}
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// DeleteAttempts removes attempts for the pair together with their
// violations and results. It returns the number of attempts removed.
func (s *Store) DeleteAttempts(ctx context.Context, userID, examID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM attempts WHERE user_id = ? AND exam_id = ?`, userID, examID)
	if err != nil {
		return 0, fmt.Errorf("delete attempts: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns table row counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM attempts),
		       (SELECT COUNT(*) FROM violations),
		       (SELECT COUNT(*) FROM results)`,
	).Scan(&st.Attempts, &st.Violations, &st.Results)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return st, nil
}

// Verify runs SQLite's integrity and foreign key checks and returns the
// problems found.
func (s *Store) Verify(ctx context.Context) ([]string, error) {
	var problems []string

	rows, err := s.db.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return nil, fmt.Errorf("integrity check: %w", err)
	}
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan integrity check: %w", err)
		}
		if msg != "ok" {
			problems = append(problems, msg)
		}
	}
	rows.Close()

	fk, err := s.db.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return nil, fmt.Errorf("foreign key check: %w", err)
	}
	defer fk.Close()
	for fk.Next() {
		var table, parent string
		var rowid sql.NullInt64
		var fkid int
		if err := fk.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return nil, fmt.Errorf("scan foreign key check: %w", err)
		}
		problems = append(problems, fmt.Sprintf("%s row %d references missing %s", table, rowid.Int64, parent))
	}
	return problems, fk.Err()
}

func isConstraint(err error, code sqlite3.ErrNoExtended) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == code
}
