package streamer

import (
	"bytes"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/icculus/nph-offload/cache"
	"github.com/icculus/nph-offload/xlock"
)

type fakeBody struct {
	r      io.Reader
	closed bool
}

func (f *fakeBody) Read(p []byte) (int, error) { return f.r.Read(p) }
func (f *fakeBody) Close() error               { f.closed = true; return nil }

// fakeDeadlineBody additionally implements deadliner, like a net.Conn,
// recording every deadline it was asked to set.
type fakeDeadlineBody struct {
	fakeBody
	mu        sync.Mutex
	deadlines []time.Time
}

func (f *fakeDeadlineBody) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadlines = append(f.deadlines, t)
	return nil
}

func (f *fakeDeadlineBody) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deadlines)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mutex, err := xlock.Open(t.TempDir(), "test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mutex.Close() })
	return NewManager(mutex)
}

func TestWorkerCopiesFullBody(t *testing.T) {
	dir := t.TempDir()
	paths := cache.EntryPaths(dir, "abc")
	os.WriteFile(paths.Metadata, []byte("x"), 0o644)

	file, err := os.OpenFile(paths.Filedata, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		t.Fatal(err)
	}

	body := &fakeBody{r: bytes.NewReader([]byte("hello world"))}
	m := newTestManager(t)
	m.Start(dir, "abc", 11, body, file, 0)

	waitForInactive(t, m, "abc")

	got, err := os.ReadFile(paths.Filedata)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("filedata = %q", got)
	}
	if _, err := os.Stat(paths.Metadata); err != nil {
		t.Fatal("metadata should survive a successful copy")
	}
}

func TestWorkerRefreshesReadDeadlinePerChunk(t *testing.T) {
	dir := t.TempDir()
	paths := cache.EntryPaths(dir, "abc")
	os.WriteFile(paths.Metadata, []byte("x"), 0o644)
	file, err := os.OpenFile(paths.Filedata, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		t.Fatal(err)
	}

	// two ChunkSize-sized reads' worth of data forces the copy loop
	// through at least two iterations, so a deadline set once up front
	// (the bug) is indistinguishable from one refreshed every chunk
	// (the fix) only by checking the call count, not just success.
	payload := bytes.Repeat([]byte("a"), ChunkSize*2)
	body := &fakeDeadlineBody{fakeBody: fakeBody{r: bytes.NewReader(payload)}}
	m := newTestManager(t)
	m.Start(dir, "abc", int64(len(payload)), body, file, 5*time.Second)

	waitForInactive(t, m, "abc")

	if n := body.count(); n < 2 {
		t.Fatalf("SetReadDeadline called %d times, want at least 2 (once per chunk)", n)
	}
}

func TestWorkerRemovesEntryOnReadError(t *testing.T) {
	dir := t.TempDir()
	paths := cache.EntryPaths(dir, "abc")
	os.WriteFile(paths.Metadata, []byte("x"), 0o644)
	file, err := os.OpenFile(paths.Filedata, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		t.Fatal(err)
	}

	body := &fakeBody{r: &erroringReader{}}
	m := newTestManager(t)
	m.Start(dir, "abc", 100, body, file, 0)

	waitForInactive(t, m, "abc")

	if _, err := os.Stat(paths.Metadata); !os.IsNotExist(err) {
		t.Fatal("metadata should have been removed after a read failure")
	}
	if _, err := os.Stat(paths.Filedata); !os.IsNotExist(err) {
		t.Fatal("filedata should have been removed after a read failure")
	}
}

func TestAbortAllClosesActiveWorkersAndRemovesEntries(t *testing.T) {
	dir := t.TempDir()
	paths := cache.EntryPaths(dir, "abc")
	os.WriteFile(paths.Metadata, []byte("x"), 0o644)
	file, err := os.OpenFile(paths.Filedata, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		t.Fatal(err)
	}

	pr, pw := io.Pipe()
	m := newTestManager(t)
	m.Start(dir, "abc", 1<<20, pr, file, 0)

	// give the worker goroutine a moment to call Read and block.
	time.Sleep(20 * time.Millisecond)
	if !m.Active("abc") {
		t.Fatal("expected worker to be active before AbortAll")
	}

	m.AbortAll()
	waitForInactive(t, m, "abc")
	pw.Close()

	if _, err := os.Stat(paths.Metadata); !os.IsNotExist(err) {
		t.Fatal("metadata should have been removed after AbortAll")
	}
}

type erroringReader struct{}

func (e *erroringReader) Read(p []byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func waitForInactive(t *testing.T, m *Manager, key string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !m.Active(key) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("worker did not finish in time")
}
