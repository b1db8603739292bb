package singleton

import (
	"path/filepath"
	"testing"
)

func TestAcquireRejectsSecondHolder(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "orchestrator.lock")

	l, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("first acquire should succeed: %v", err)
	}
	defer l.Release()

	if _, err := Acquire(lockPath); err == nil {
		t.Fatal("second acquire should fail while the first lock is held")
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "orchestrator.lock")

	l, err := Acquire(lockPath)
	if err != nil {
		t.Fatal(err)
	}
	l.Release()

	l2, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("acquire after release should succeed: %v", err)
	}
	l2.Release()
}

func TestReleaseOnNilIsNoOp(t *testing.T) {
	var l *Lock
	l.Release() // must not panic
}
