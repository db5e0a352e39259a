// Package lock provides a file-based exclusive lock scoped to a job-list
// name, acquired around every read-modify-write of the ledger.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nandlabs/batchsuper/l3"
)

var logger = l3.Get()

// ErrHeld is returned by TryAcquire when the lock is already held by
// another process.
var ErrHeld = errors.New("lock: already held")

// Lock is an exclusive, file-based mutex for one job-list name. It uses
// open-exclusive-create semantics rather than checking for a sentinel
// file's presence, so acquisition is a single atomic syscall.
type Lock struct {
	path string
	file *os.File
}

// New returns a Lock at <dir>/lockFile.<jobListName>.
func New(dir, jobList string) *Lock {
	return &Lock{path: filepath.Join(dir, "lockFile."+jobList)}
}

// Path returns the lock file's path.
func (l *Lock) Path() string { return l.path }

// TryAcquire attempts to acquire the lock once, returning ErrHeld if
// another process already holds it.
func (l *Lock) TryAcquire() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return ErrHeld
		}
		return err
	}
	fmt.Fprintf(f, "pid=%d\nacquired=%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	l.file = f
	return nil
}

// Acquire blocks, retrying every interval, until the lock is acquired or
// the given timeout elapses. The first attempt that finds the lock held
// logs a message suggesting manual removal in case a previous supervisor
// died without releasing the lock. A zero timeout waits indefinitely and
// logs no such message.
func (l *Lock) Acquire(timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	warned := false
	for {
		err := l.TryAcquire()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrHeld) {
			return err
		}
		if !warned && timeout > 0 {
			logger.WarnF("lock: %s is held; if no other supervisor is running for this job list, remove it manually", l.path)
			warned = true
		}
		if timeout > 0 && time.Now().After(deadline) {
			return fmt.Errorf("lock: timed out waiting for %s: %w", l.path, ErrHeld)
		}
		time.Sleep(interval)
	}
}

// Release removes the lock file. It is safe to call multiple times and
// is intended to run on every exit path, including signal-triggered
// shutdown.
func (l *Lock) Release() error {
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	err := os.Remove(l.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
