package store

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// DirectoryLock provides exclusive access to a state directory. Two
// processes appending to the same changelog would interleave frames, so the
// lock is taken before any file is touched and held until Close.
//
// Implemented with flock(2); advisory, so cooperating instances only.
type DirectoryLock struct {
	lockFilePath string
	lockFile     *os.File
}

// NewDirectoryLock creates a lock for dir. The lock file is dir/.lock.
func NewDirectoryLock(dir string) *DirectoryLock {
	return &DirectoryLock{
		lockFilePath: filepath.Join(dir, ".lock"),
	}
}

// Lock acquires the lock, non-blocking. Fails if another process (or this
// instance, twice) holds it.
func (l *DirectoryLock) Lock() error {
	if l.lockFile != nil {
		return fmt.Errorf("lock already held by this instance")
	}

	if err := os.MkdirAll(filepath.Dir(l.lockFilePath), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	file, err := os.OpenFile(l.lockFilePath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		return fmt.Errorf("acquire lock (is another instance running?): %w", err)
	}

	l.lockFile = file
	return nil
}

// Unlock releases the lock. Removal of the lock file is best-effort.
func (l *DirectoryLock) Unlock() error {
	if l.lockFile == nil {
		return nil
	}

	file := l.lockFile
	l.lockFile = nil

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_UN); err != nil {
		_ = file.Close()
		return fmt.Errorf("release lock: %w", err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}

	if err := os.Remove(l.lockFilePath); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "WARNING: failed to remove lock file %s: %v\n", l.lockFilePath, err)
	}

	return nil
}

// IsLocked reports whether this instance holds the lock.
func (l *DirectoryLock) IsLocked() bool {
	return l.lockFile != nil
}
