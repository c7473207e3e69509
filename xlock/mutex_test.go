package xlock

import (
	"sync"
	"testing"
	"time"
)

func TestSessionReentrantAcquireDoesNotDeadlock(t *testing.T) {
	m, err := Open(t.TempDir(), "test")
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	s := m.NewSession()
	if err := s.Acquire(); err != nil {
		t.Fatal(err)
	}
	if err := s.Acquire(); err != nil {
		t.Fatal(err)
	}
	if s.Held() != 2 {
		t.Fatalf("Held() = %d", s.Held())
	}
	if err := s.Release(); err != nil {
		t.Fatal(err)
	}
	if s.Held() != 1 {
		t.Fatalf("Held() = %d", s.Held())
	}
	if err := s.Release(); err != nil {
		t.Fatal(err)
	}
	if s.Held() != 0 {
		t.Fatalf("Held() = %d", s.Held())
	}
}

func TestTwoSessionsExcludeEachOther(t *testing.T) {
	m, err := Open(t.TempDir(), "test")
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	a := m.NewSession()
	if err := a.Acquire(); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	acquired := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		b := m.NewSession()
		if err := b.Acquire(); err != nil {
			t.Error(err)
			return
		}
		close(acquired)
		b.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("second session acquired while first still held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	a.Release()
	wg.Wait()
}

func TestSeparateHandlesOnSameFileExcludeEachOther(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir, "shared")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Open(dir, "shared")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	sa := a.NewSession()
	if err := sa.Acquire(); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		sb := b.NewSession()
		done <- sb.Acquire()
		sb.Release()
	}()

	select {
	case <-done:
		t.Fatal("second independently-opened handle acquired a lock still held elsewhere")
	case <-time.After(50 * time.Millisecond):
	}

	sa.Release()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestSessionCloseReleasesResidualHolds(t *testing.T) {
	m, err := Open(t.TempDir(), "test")
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	s := m.NewSession()
	s.Acquire()
	s.Acquire()
	s.Close()
	if s.Held() != 0 {
		t.Fatalf("Held() = %d after Close", s.Held())
	}

	// the lock must now be free for another session.
	other := m.NewSession()
	done := make(chan error, 1)
	go func() { done <- other.Acquire() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("lock not released by Close")
	}
	other.Release()
}
