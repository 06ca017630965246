// Package filelock provides cross-process mutual exclusion using flock(2).
//
// Every mutable durable resource in crew (task record files, the shared
// task board, mailbox logs) is guarded by a lock file derived from the
// resource path. The lock covers the full read-modify-write so that the
// lead and worker processes, which run as separate OS processes, never
// lose a concurrent write.
package filelock

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// lockSuffix is appended to a resource path to derive its lock file.
const lockSuffix = ".lock"

// Lock provides cross-process mutual exclusion for a single resource path.
// The zero value is not usable; create one with New.
type Lock struct {
	path string
	file *os.File
}

// New creates a Lock guarding the given resource path. The lock file is
// created next to the resource as "<path>.lock". Call Acquire/Release to
// take and drop the lock.
func New(resourcePath string) *Lock {
	return &Lock{path: resourcePath + lockSuffix}
}

// Acquire takes an exclusive file lock, blocking until available.
// The lock file (and its parent directory) is created if absent.
func (l *Lock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("filelock: create lock directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("filelock: open lock file: %w", err)
	}
	l.file = f

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		l.file = nil
		return fmt.Errorf("filelock: flock: %w", err)
	}
	return nil
}

// TryAcquire attempts to take the lock without blocking.
// Returns true if the lock was acquired, false if another process holds it.
func (l *Lock) TryAcquire() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("filelock: create lock directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, fmt.Errorf("filelock: open lock file: %w", err)
	}

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("filelock: flock: %w", err)
	}

	l.file = f
	return true, nil
}

// Release drops the file lock and closes the lock file.
// Releasing an unheld lock is a no-op.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = l.file.Close()
		l.file = nil
		return fmt.Errorf("filelock: funlock: %w", err)
	}

	err := l.file.Close()
	l.file = nil
	return err
}

// WithLock runs fn while holding the exclusive lock for resourcePath.
// The lock is released even if fn returns an error.
func WithLock(resourcePath string, fn func() error) error {
	l := New(resourcePath)
	if err := l.Acquire(); err != nil {
		return err
	}
	defer func() { _ = l.Release() }()
	return fn()
}
