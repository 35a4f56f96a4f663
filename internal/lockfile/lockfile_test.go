package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".ralph", "ralph.lock")

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if l.Path() != path {
		t.Fatalf("Path() = %q, want %q", l.Path(), path)
	}
	if got := HolderPID(path); got != os.Getpid() {
		t.Fatalf("HolderPID() = %d, want %d", got, os.Getpid())
	}

	// A second open file description cannot take the lock while held.
	if _, err := Acquire(path); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("second Acquire() error = %v, want ErrAlreadyLocked", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}

	l2, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	if err := l2.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
}

func TestAcquireEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := Acquire("  "); err == nil {
		t.Fatal("Acquire() with blank path did not fail")
	}
}

func TestHolderPIDMissingFile(t *testing.T) {
	t.Parallel()

	if got := HolderPID(filepath.Join(t.TempDir(), "absent.lock")); got != 0 {
		t.Fatalf("HolderPID() = %d, want 0", got)
	}
}

func TestHolderPIDGarbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "garbage.lock")
	if err := os.WriteFile(path, []byte("not a pid\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if got := HolderPID(path); got != 0 {
		t.Fatalf("HolderPID() = %d, want 0", got)
	}
}

func TestNilLock(t *testing.T) {
	t.Parallel()

	var l *Lock
	if l.Path() != "" {
		t.Fatalf("nil Path() = %q, want empty", l.Path())
	}
	if err := l.Release(); err != nil {
		t.Fatalf("nil Release() error = %v", err)
	}
}
