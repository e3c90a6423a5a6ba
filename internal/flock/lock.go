package flock

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mrz1836/tide/internal/constants"
	tideerrors "github.com/mrz1836/tide/internal/errors"
)

// FileLock is a held exclusive lock on a lock file.
type FileLock struct {
	path string
	file *os.File
}

// Acquire opens path and retries Exclusive until it succeeds, the timeout
// elapses, or ctx is canceled. The lock file is created if missing; its
// directory must already exist.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600) //#nosec G304 -- path is constructed by the caller from validated ids
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		if lockErr := Exclusive(f.Fd()); lockErr == nil {
			return &FileLock{path: path, file: f}, nil
		}

		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, fmt.Errorf("%w after %v: %s", tideerrors.ErrLockTimeout, timeout, path)
		}

		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-time.After(constants.LockRetryInterval):
		}
	}
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// Release unlocks and closes the lock file. It is safe to call twice.
func (l *FileLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = Unlock(l.file.Fd())
	err := l.file.Close()
	l.file = nil
	return err
}
