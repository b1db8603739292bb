// Package singleton guards against two orchestrator processes running
// against the same state directory at once.
package singleton

import (
	"fmt"
	"os"
	"syscall"
)

// Lock is a held exclusive file lock. The zero value is not usable; obtain
// one via Acquire.
type Lock struct {
	f *os.File
}

// Acquire takes an exclusive, non-blocking lock on path, creating it if
// necessary. The returned Lock must be kept for the life of the process and
// released with Release on shutdown.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("singleton: open %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another orchestrator instance is already running (lock: %s)", path)
	}

	f.Truncate(0)
	f.Seek(0, 0)
	fmt.Fprintf(f, "%d\n", os.Getpid())

	return &Lock{f: f}, nil
}

// Release unlocks and removes the lock file. Safe to call on a nil Lock.
func (l *Lock) Release() {
	if l == nil || l.f == nil {
		return
	}
	syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	name := l.f.Name()
	l.f.Close()
	os.Remove(name)
}
