// Package streamer implements the offload server's Streaming
// Reader/Writer (spec §4.7): the single-writer CachingWorker that
// copies an origin GET body into a filedata file, and the Reader that
// serves a byte range to a client from that same file while it may
// still be growing.
//
// original_source/nph-offload.c's writer side forks a child that closes
// its standard streams, detaches, installs signal handlers, and copies
// the origin socket to filedata in 32 KiB chunks, fflush()ing after
// each one and calling nukeRequestFromCache() on any failure or caught
// signal. Spec §9 calls this out as a pattern requiring re-architecture
// for a task-based runtime: "model this as a named background task
// keyed by CacheKey, owned by the process... The external contract
// (writer may outlive any reader, writer is the sole mutator) must be
// preserved." Manager below is that background task: a goroutine per
// CacheKey, supervised by the process rather than detached via fork,
// with AbortAll as the in-process analogue of the original's signal
// handlers — the process's own signal handler (installed in cmd/) calls
// AbortAll on shutdown instead of each worker catching its own signal.
package streamer

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/icculus/nph-offload/cache"
	"github.com/icculus/nph-offload/xlock"
)

// ChunkSize is the fixed copy buffer size spec §4.7 specifies.
const ChunkSize = 32 * 1024

// Manager tracks in-flight CachingWorkers so the process can abort them
// all on shutdown (AbortAll) or check whether one is in flight (Active).
type Manager struct {
	mu     sync.Mutex
	active map[string]*worker
	mutex  *xlock.Mutex
}

type worker struct {
	body    io.ReadCloser
	file    *os.File
	timeout time.Duration
}

// deadliner is satisfied by net.Conn. body sources that don't support
// refreshing a read deadline (an io.Pipe in tests, say) simply never have
// one set, the same as before this package refreshed deadlines at all.
type deadliner interface {
	SetReadDeadline(time.Time) error
}

// NewManager returns an empty Manager whose CachingWorkers remove a
// CacheEntry under mutex's cross-process lock, the same lock
// resolveCacheEntry holds while creating one (spec §4.2/§4.7: cache
// creation and deletion must be ordered against each other, not just
// against themselves).
func NewManager(mutex *xlock.Mutex) *Manager {
	return &Manager{active: make(map[string]*worker), mutex: mutex}
}

// Start launches the CachingWorker for key: it copies up to
// contentLength bytes from body into file, ChunkSize at a time, and
// removes the CacheEntry under dir if anything goes wrong. body and
// file are both closed by the time the worker goroutine exits, however
// it exits. Start returns immediately; the copy happens in its own
// goroutine.
//
// timeout, if nonzero, is refreshed on body before every chunk read when
// body supports it (deadliner) — the per-operation activity deadline
// nph-offload.c's selectReadable() recomputes every chunk, rather than a
// single deadline set once at dial time that would otherwise cap the
// entire transfer's duration instead of just its idle gaps.
//
// A direct os.File.Write is already visible to any other process
// fstat-ing or reading the same file — unlike the original's stdio
// FILE* handle, there is no userspace buffer to fflush, so no explicit
// flush call is needed between chunks for the monotonic-size guarantee
// spec §5 requires.
func (m *Manager) Start(dir, key string, contentLength int64, body io.ReadCloser, file *os.File, timeout time.Duration) {
	w := &worker{body: body, file: file, timeout: timeout}
	m.mu.Lock()
	m.active[key] = w
	m.mu.Unlock()

	go m.run(dir, key, contentLength, w)
}

func (m *Manager) run(dir, key string, contentLength int64, w *worker) {
	defer func() {
		m.mu.Lock()
		delete(m.active, key)
		m.mu.Unlock()
		bodyErr := w.body.Close()
		fileErr := w.file.Close()
		// spec §4.7: "any read, write, flush, or close failure ...
		// triggers nukeRequestFromCache() then exit." A delayed
		// writeback error can surface only here, at file.Close(), so a
		// close failure condemns the entry exactly like a write failure.
		if bodyErr != nil || fileErr != nil {
			m.removeUnderMutex(dir, key)
		}
	}()

	buf := make([]byte, ChunkSize)
	var written int64
	for written < contentLength {
		if w.timeout > 0 {
			if d, ok := w.body.(deadliner); ok {
				d.SetReadDeadline(time.Now().Add(w.timeout))
			}
		}
		n, readErr := w.body.Read(buf)
		if n > 0 {
			if _, writeErr := w.file.Write(buf[:n]); writeErr != nil {
				m.removeUnderMutex(dir, key)
				return
			}
			written += int64(n)
		}
		if readErr != nil {
			if readErr == io.EOF && written == contentLength {
				break
			}
			m.removeUnderMutex(dir, key)
			return
		}
	}
}

// removeUnderMutex wraps cache.Remove in the same cross-process lock
// resolveCacheEntry uses to create CacheEntrys, so a dying worker's
// unlink can never race a concurrent request that has just recreated the
// same key's files under that lock.
func (m *Manager) removeUnderMutex(dir, key string) {
	session := m.mutex.NewSession()
	if err := session.Acquire(); err != nil {
		return
	}
	defer session.Release()
	cache.Remove(dir, key)
}

// AbortAll closes every active worker's origin connection and filedata
// handle, causing each worker's Read or Write to fail and trigger its
// own cache-removal path. This is the shutdown-time equivalent of the
// original's per-worker signal handler: the process catches the signal
// once, in cmd/, and calls AbortAll instead of every detached child
// catching it independently.
func (m *Manager) AbortAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.active {
		w.body.Close()
		w.file.Close()
	}
}

// Active reports whether a CachingWorker is currently running for key.
func (m *Manager) Active(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[key]
	return ok
}
