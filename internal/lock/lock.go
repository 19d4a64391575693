// Package lock provides in-process keyed mutexes and the cross-process
// single-writer lock that guards a project's state directory.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process already holds the lock.
var ErrLocked = errors.New("lock held by another process")

// HeldError names the process holding a FileLock. It matches ErrLocked.
type HeldError struct {
	Path string
	PID  int // 0 when the holder has not written its pid yet
}

func (e *HeldError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s: %v (pid %d)", e.Path, ErrLocked, e.PID)
	}
	return fmt.Sprintf("%s: %v", e.Path, ErrLocked)
}

func (e *HeldError) Unwrap() error { return ErrLocked }

// Keyed serialises goroutines per key. Keys are never freed, so use a small
// fixed set.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*sync.Mutex)}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *Keyed) Lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = new(sync.Mutex)
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// FileLock is an advisory, non-blocking exclusive lock on a file. The holder
// writes its PID into the file.
type FileLock struct {
	path string
	fl   *flock.Flock
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path, fl: flock.New(path)}
}

// TryLock takes the lock or fails at once with a *HeldError.
func (l *FileLock) TryLock() error {
	ok, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("flock %s: %w", l.path, err)
	}
	if !ok {
		pid, _ := ReadPID(l.path)
		return &HeldError{Path: l.path, PID: pid}
	}
	pid := strconv.Itoa(os.Getpid()) + "\n"
	if err := os.WriteFile(l.path, []byte(pid), 0600); err != nil {
		_ = l.fl.Unlock()
		return fmt.Errorf("record pid in %s: %w", l.path, err)
	}
	return nil
}

// Unlock releases the lock. Calling it on an unheld lock is a no-op.
func (l *FileLock) Unlock() error {
	if !l.fl.Locked() {
		return nil
	}
	// clear the pid first so a racing reader never reports a dead holder
	if err := os.Truncate(l.path, 0); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = l.fl.Unlock()
		return fmt.Errorf("clear %s: %w", l.path, err)
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("funlock %s: %w", l.path, err)
	}
	return nil
}

func (l *FileLock) Path() string { return l.path }

// ReadPID returns the PID recorded in a lock file.
func ReadPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
