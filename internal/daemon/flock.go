package daemon

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileLock is an advisory lock held for the lifetime of the daemon process.
// The kernel releases it automatically if the process dies, so a crashed
// daemon never leaves a stale lock behind.
type FileLock struct {
	path string
	file *os.File
}

// AcquireLock takes an exclusive non-blocking lock on the given path.
// Returns an error if another process already holds it.
func AcquireLock(path string) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := flockExclusive(file); err != nil {
		file.Close()
		return nil, fmt.Errorf("daemon already running (lock held on %s)", path)
	}
	return &FileLock{path: path, file: file}, nil
}

// Release unlocks and removes the lock file. Safe to call more than once.
func (l *FileLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	file := l.file
	l.file = nil
	flockUnlock(file)
	file.Close()
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// IsLocked reports whether some process currently holds the lock at path.
func IsLocked(path string) bool {
	file, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return false
	}
	defer file.Close()
	if err := flockExclusive(file); err != nil {
		return true
	}
	flockUnlock(file)
	return false
}
