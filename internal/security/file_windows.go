//go:build windows

package security

import (
	"errors"
	"os"
	"syscall"
)

const (
	lockfileFailImmediately = 0x1
	lockfileExclusiveLock   = 0x2

	errorLockViolation syscall.Errno = 33
)

var errWouldBlock = errors.New("lock held by another process")

// tryLockFile takes an exclusive one-byte lock without waiting.
func tryLockFile(f *os.File) error {
	var overlapped syscall.Overlapped
	err := syscall.LockFileEx(syscall.Handle(f.Fd()), lockfileExclusiveLock|lockfileFailImmediately, 0, 1, 0, &overlapped)
	if errors.Is(err, errorLockViolation) {
		return errWouldBlock
	}
	return err
}

func unlockFile(f *os.File) error {
	var overlapped syscall.Overlapped
	return syscall.UnlockFileEx(syscall.Handle(f.Fd()), 0, 1, 0, &overlapped)
}
