package kvstore

import (
	"fmt"
	"os"
	"time"
)

// Lock acquisition defaults. A lock file older than lockStaleAfter is assumed
// to belong to a crashed process and is removed.
const (
	lockMaxRetries = 50
	lockRetryDelay = 100 * time.Millisecond
	lockStaleAfter = 30 * time.Second
)

// fileLock is an exclusive, cross-process lock backed by a sibling ".lock" file.
type fileLock struct {
	file *os.File
	path string
}

// acquireFileLock takes the lock guarding dataPath, waiting up to
// lockMaxRetries*lockRetryDelay for a live holder to release it.
func acquireFileLock(dataPath string) (*fileLock, error) {
	lockPath := dataPath + ".lock"

	for range lockMaxRetries {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// PID helps when inspecting a leftover lock by hand.
			fmt.Fprintf(f, "%d", os.Getpid())
			return &fileLock{file: f, path: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to acquire file lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil &&
			time.Since(info.ModTime()) > lockStaleAfter {
			if remErr := os.Remove(lockPath); remErr != nil && !os.IsNotExist(remErr) {
				return nil, fmt.Errorf("failed to remove stale lock file %s: %w", lockPath, remErr)
			}
			continue
		}

		time.Sleep(lockRetryDelay)
	}

	return nil, fmt.Errorf(
		"timeout waiting for file lock after %v",
		time.Duration(lockMaxRetries)*lockRetryDelay,
	)
}

// release drops the lock. Calling it twice returns the os.Remove error of
// the second call.
func (l *fileLock) release() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	return os.Remove(l.path)
}
