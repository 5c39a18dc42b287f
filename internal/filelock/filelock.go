// Package filelock provides advisory flock(2) locks on files, used to
// serialize writers to a chunk store across processes.
//
// A lock file doubles as a tiny text register: the holder of an exclusive
// lock may overwrite its content, readers under any lock may read it.
//
// Locks are per open file description. Two Acquire calls on the same path
// conflict even inside one process.
package filelock

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLockContention is returned when the lock is still held by someone else
// after the timeout elapsed.
var ErrLockContention = errors.New("lock contention")

// Mode selects shared or exclusive locking.
type Mode int

const (
	// Shared allows any number of concurrent Shared holders.
	Shared Mode = iota
	// Exclusive excludes every other holder.
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

func (m Mode) how() int {
	if m == Exclusive {
		return unix.LOCK_EX
	}
	return unix.LOCK_SH
}

// pollInterval bounds how often a contended lock is retried.
const pollInterval = 5 * time.Millisecond

// Lock is a held lock on a file.
type Lock struct {
	f    *os.File
	mode Mode
}

// Acquire opens (creating if needed) the file at path and locks it.
// A zero timeout makes a single attempt.
func Acquire(path string, mode Mode, timeout time.Duration) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), mode.how()|unix.LOCK_NB)
		if err == nil {
			return &Lock{f: f, mode: mode}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", mode, err)
		}
		if !time.Now().Before(deadline) {
			f.Close()
			return nil, fmt.Errorf("%s lock on %s: %w", mode, path, ErrLockContention)
		}
		time.Sleep(pollInterval)
	}
}

// TryLock takes a non-blocking lock on an already open file. The lock is
// released when the file is closed.
func TryLock(f *os.File, mode Mode) error {
	err := unix.Flock(int(f.Fd()), mode.how()|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return fmt.Errorf("%s lock on %s: %w", mode, f.Name(), ErrLockContention)
	}
	if err != nil {
		return fmt.Errorf("flock %s: %w", mode, err)
	}
	return nil
}

// Mode returns the mode the lock was acquired with.
func (l *Lock) Mode() Mode {
	return l.mode
}

// ReadString returns the whole content of the lock file.
func (l *Lock) ReadString() (string, error) {
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("read lock file: %w", err)
	}
	data, err := io.ReadAll(l.f)
	if err != nil {
		return "", fmt.Errorf("read lock file: %w", err)
	}
	return string(data), nil
}

// WriteString replaces the content of the lock file and syncs it.
// Only valid under an Exclusive lock.
func (l *Lock) WriteString(s string) error {
	if l.mode != Exclusive {
		return fmt.Errorf("write lock file: %s lock held", l.mode)
	}
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	if _, err := l.f.WriteAt([]byte(s), 0); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	return nil
}

// Release unlocks and closes the file. Safe to call more than once.
func (l *Lock) Release() error {
	if l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	closeErr := f.Close()
	if unlockErr != nil {
		return fmt.Errorf("unlock: %w", unlockErr)
	}
	return closeErr
}
