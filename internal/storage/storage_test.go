package storage

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/senutpal/consent/internal/logs"
)

func init() {
	logs.Silence()
}

// exercise runs the same contract checks against every backend.
func exercise(t *testing.T, s Storage) {
	t.Helper()
	if _, err := s.Get("acceptor.0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty store: got %v, want ErrNotFound", err)
	}
	value := []byte("promised")
	if err := s.Put("acceptor.0", value); err != nil {
		t.Fatalf("Put: %v", err)
	}
	value[0] = 'X'
	got, err := s.Get("acceptor.0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("promised")) {
		t.Fatalf("Get returned %q; the caller's buffer leaked into the store", got)
	}
	got[0] = 'Y'
	again, _ := s.Get("acceptor.0")
	if !bytes.Equal(again, []byte("promised")) {
		t.Fatalf("Get exposed internal buffer: %q", again)
	}
	if err := s.Put("acceptor.0", []byte("accepted")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = s.Get("acceptor.0")
	if string(got) != "accepted" {
		t.Fatalf("Get after overwrite = %q", got)
	}
}

func TestMemoryStorage(t *testing.T) {
	exercise(t, NewMemoryStorage())
}

func TestMemoryStorageFailPuts(t *testing.T) {
	m := NewMemoryStorage()
	m.SetFailPuts(true)
	if err := m.Put("k", []byte("v")); !errors.Is(err, ErrPutFailed) {
		t.Fatalf("Put with failures enabled: %v", err)
	}
	if _, err := m.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed Put must not store anything, got %v", err)
	}
	m.SetFailPuts(false)
	if err := m.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put after clearing failures: %v", err)
	}
	if m.Puts() != 1 {
		t.Fatalf("Puts() = %d, want 1", m.Puts())
	}
}

func TestMemoryStorageReopenKeepsData(t *testing.T) {
	m := NewMemoryStorage()
	m.Put("k", []byte("v"))
	m.Close()
	if _, err := m.Get("k"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Get on closed store: %v", err)
	}
	m.Reopen()
	if v, err := m.Get("k"); err != nil || string(v) != "v" {
		t.Fatalf("Get after Reopen = %q, %v", v, err)
	}
}

func TestCallbacks(t *testing.T) {
	m := NewMemoryStorage()
	exercise(t, Callbacks(m.PutFunc(), m.GetFunc()))

	failing := Callbacks(
		func(string, []byte) bool { return false },
		func(string) ([]byte, bool) { return nil, false },
	)
	if err := failing.Put("k", []byte("v")); !errors.Is(err, ErrPutFailed) {
		t.Fatalf("rejected put: got %v", err)
	}
}

func TestBoltStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer0", "acceptor.db")
	b, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	exercise(t, b)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A reopened database sees what was committed before.
	b, err = OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	got, err := b.Get("acceptor.0")
	if err != nil || string(got) != "accepted" {
		t.Fatalf("after reopen Get = %q, %v", got, err)
	}
}
