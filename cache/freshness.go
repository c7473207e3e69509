package cache

import (
	"golang.org/x/sys/unix"

	"github.com/icculus/nph-offload/cachekey"
	"github.com/icculus/nph-offload/headermap"
)

// IsAlive reports whether pid names a running process. It is a variable
// so tests can fake liveness without spawning real processes, the same
// pattern dupeslots.processAlive uses — and it must stay semantically
// identical to that function, since both implement nph-offload.c's
// process_dead() check for the same cache directory.
var IsAlive = func(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 sends nothing but still performs the existence/permission
	// check; ESRCH means the process is gone, matching process_dead():
	// "(kill(pid, 0) == -1) && (errno == ESRCH)". Any other error (notably
	// EPERM, a process we can see but not signal) is treated as alive.
	err := unix.Kill(pid, 0)
	return err != unix.ESRCH
}

// Fresh implements the Freshness Oracle (spec §4.6): given a loaded
// CacheEntry and a fresh origin HEAD response, it decides whether the
// entry still represents the origin object.
//
// filedataSize is the current size of entry.Paths.Filedata, passed in
// rather than stat'd here so callers that already have an open handle
// (the Request worker, mid-stream) can fstat it instead of reopening by
// path.
func Fresh(entry *Entry, head *headermap.Map, filedataSize int64) bool {
	if entry == nil {
		return false
	}

	headLength, ok := head.Get(KeyContentLength)
	if !ok {
		return false
	}
	storedLength, _ := entry.Metadata.Get(KeyContentLength)
	if storedLength != headLength {
		return false
	}

	// entry.ETag is the CacheKey (the normalized, strong form committed
	// at cache-write time); the fresh HEAD's ETag is the raw origin
	// value, so it must be normalized the same way before comparing —
	// this is also what makes scenario 3's repeated weak ETag compare
	// equal across HEADs despite an unchanged Last-Modified not being
	// required.
	headKey := cachekey.Derive(headETagOrEmpty(head))
	if headKey.Value == "" || headKey.Value != entry.ETag {
		return false
	}

	headLastModified, ok := head.Get(KeyLastModified)
	if !ok {
		return false
	}
	if entry.LastModified != headLastModified && !entry.IsWeak {
		return false
	}

	if filedataSize == entry.ContentLength {
		return true
	}
	return IsAlive(entry.CachingPID)
}

func headETagOrEmpty(head *headermap.Map) string {
	v, _ := head.Get(KeyETag)
	return v
}

// Abandoned reports whether entry's filedata is short of Content-Length
// and its CachingWorker's pid is no longer alive — the edge case spec
// §4.6 calls out: "the entry is treated as abandoned and both files are
// removed under the mutex."
func Abandoned(entry *Entry, filedataSize int64) bool {
	if entry == nil {
		return false
	}
	return filedataSize < entry.ContentLength && !IsAlive(entry.CachingPID)
}
