package lock

import (
	"errors"
	"os"
	"testing"
	"time"
)

func TestTryAcquire_ThenHeld(t *testing.T) {
	dir := t.TempDir()
	l1 := New(dir, "jl1")
	if err := l1.TryAcquire(); err != nil {
		t.Fatalf("first TryAcquire: %v", err)
	}
	defer l1.Release()

	l2 := New(dir, "jl1")
	if err := l2.TryAcquire(); !errors.Is(err, ErrHeld) {
		t.Errorf("second TryAcquire = %v, want ErrHeld", err)
	}
}

func TestRelease_AllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	l1 := New(dir, "jl1")
	if err := l1.TryAcquire(); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if err := l1.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(l1.Path()); !os.IsNotExist(err) {
		t.Errorf("expected lock file removed, stat err = %v", err)
	}

	l2 := New(dir, "jl1")
	if err := l2.TryAcquire(); err != nil {
		t.Errorf("reacquire after release should succeed, got %v", err)
	}
	_ = l2.Release()
}

func TestRelease_Idempotent(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "jl1")
	if err := l.TryAcquire(); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release should be a no-op, got %v", err)
	}
}

func TestAcquire_TimesOutWhenHeld(t *testing.T) {
	dir := t.TempDir()
	holder := New(dir, "jl1")
	if err := holder.TryAcquire(); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	defer holder.Release()

	waiter := New(dir, "jl1")
	err := waiter.Acquire(30*time.Millisecond, 5*time.Millisecond)
	if err == nil {
		t.Error("expected Acquire to time out while the lock is held")
	}
}

func TestAcquire_SucceedsOnceReleased(t *testing.T) {
	dir := t.TempDir()
	holder := New(dir, "jl1")
	if err := holder.TryAcquire(); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = holder.Release()
	}()

	waiter := New(dir, "jl1")
	if err := waiter.Acquire(time.Second, 5*time.Millisecond); err != nil {
		t.Errorf("Acquire should succeed once released, got %v", err)
	}
	_ = waiter.Release()
}
