package security

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrAttemptLocked is returned when another process holds the attempt lock.
var ErrAttemptLocked = errors.New("security: an attempt for this user and exam is already running")

// LockInfo is written into a held lock file for diagnostics.
type LockInfo struct {
	UserID   string    `json:"user_id"`
	ExamID   string    `json:"exam_id"`
	PID      int       `json:"pid"`
	Acquired time.Time `json:"acquired"`
}

// AttemptLock is an advisory lock allowing one running attempt per
// (user, exam) pair in a data directory. The lock is released by Release or
// when the process exits.
type AttemptLock struct {
	path string
	file *os.File
	once sync.Once
	err  error
}

// LockPath returns the lock file used for the pair inside dir. The name is
// derived from a hash so arbitrary identifiers are safe as file names.
func LockPath(dir, userID, examID string) string {
	sum := sha256.Sum256([]byte(userID + "\x00" + examID))
	return filepath.Join(dir, hex.EncodeToString(sum[:8])+".lock")
}

// AcquireAttemptLock takes the lock without blocking.
func AcquireAttemptLock(dir, userID, examID string) (*AttemptLock, error) {
	if err := EnsureSecureDir(dir); err != nil {
		return nil, fmt.Errorf("lock directory: %w", err)
	}

	path := LockPath(dir, userID, examID)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, PermSecretFile)
	if err != nil {
		return nil, fmt.Errorf("open lock: %w", err)
	}

	if err := tryLockFile(f); err != nil {
		f.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, ErrAttemptLocked
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	info, _ := json.Marshal(LockInfo{
		UserID:   userID,
		ExamID:   examID,
		PID:      os.Getpid(),
		Acquired: time.Now().UTC(),
	})
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt(append(info, '\n'), 0)
	}

	return &AttemptLock{path: path, file: f}, nil
}

// Path returns the lock file path.
func (l *AttemptLock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. Safe to call more than once.
func (l *AttemptLock) Release() error {
	l.once.Do(func() {
		// Remove while still holding the lock so a waiting process cannot
		// lock a file that is about to disappear.
		os.Remove(l.path)
		if err := unlockFile(l.file); err != nil {
			l.err = err
		}
		if err := l.file.Close(); err != nil && l.err == nil {
			l.err = err
		}
	})
	return l.err
}

// ReadLockInfo returns the holder recorded in a lock file.
func ReadLockInfo(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock %s: %w", filepath.Base(path), err)
	}
	return &info, nil
}
