// Package dupeslots implements the offload server's Duplicate-Download
// Registry (spec §4.3): a fixed-capacity table of DownloadSlots, shared by
// every offload-server process serving one cache directory, used to cap
// how many concurrent GETs a single (client IP, URI) pair may hold.
//
// The original mod_offload companion script has no equivalent of this
// component — it is named directly by spec §4.3 but absent from
// original_source/nph-offload.c, so there is no C code to port. What is
// grounded on the pack is the storage mechanism: a fixed-size table backed
// by a file mapped MAP_SHARED with mmap(2), the same technique
// other_examples/nicolasazrak-caddy-cache__mmap.go uses to let one process
// write a growing cache body while another maps and reads it, and the same
// technique other_examples/calvinalkan-agent-task__slotcache.go uses for a
// fixed-size mmap'd slot table shared across cache handles. Here the
// sharing axis is OS processes rather than goroutines, so the mapping is
// opened from a named file under the cache directory (keyed the same way
// as the Cross-Process Mutex, spec §6) instead of an anonymous region.
package dupeslots

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DefaultCapacity is the slot-table size spec §4.3 suggests ("e.g., 512").
const DefaultCapacity = 512

// slotSize is the on-disk/on-mmap width of one DownloadSlot: a uint32 real
// OS pid, a uint32 in-process request id, and a 20-byte SHA-1 digest.
//
// A real pid alone cannot name a slot's owner uniquely: this table is
// shared by every offload-server OS process on the cache directory, but
// one such process serves many concurrent requests as goroutines, and
// signal-0 on a pid only answers "is this process alive", never "is this
// particular request still in flight". The request id disambiguates
// slots within the same process; the pid still disambiguates slots across
// processes, and is still what a dead-process reclaim checks with
// signal-0.
const slotSize = 4 + 4 + sha1.Size

// Digest computes the fixed-width fingerprint spec §4.3 defines for a
// (client IP, URI) pair: SHA1(clientIP || 0x00 || uri || 0x00). SHA-1 here
// is purely a content fingerprint, not a security boundary — a collision
// only risks one spurious duplicate-download rejection.
func Digest(clientIP, uri string) [sha1.Size]byte {
	h := sha1.New()
	h.Write([]byte(clientIP))
	h.Write([]byte{0})
	h.Write([]byte(uri))
	h.Write([]byte{0})
	var out [sha1.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Registry is the mmap-backed DownloadSlot table. All methods assume the
// caller already holds the cross-process mutex (xlock) for the duration of
// the call — spec §4.3 describes the registry's scan-then-write sequence
// as happening "under the mutex", and Registry has no locking of its own;
// that same external serialization is also what makes the active map
// below safe to touch without its own lock.
type Registry struct {
	file     *os.File
	data     []byte
	capacity int

	// pid is this process's own pid, written into every slot this
	// Registry reserves. Other offload-server processes sharing the same
	// cache directory see it here and signal-0 it like any other pid.
	pid uint32

	// active holds the request ids this process currently has reserved.
	// A slot bearing our own pid is only "alive" if its request id is
	// still in this set — our own process being alive tells us nothing
	// about whether the specific request that wrote the slot is still
	// running or crashed without releasing it.
	active    map[uint32]bool
	nextReqID uint32
}

// Open creates or opens the named slot table under dir, sized for
// capacity slots. A capacity of 0 or less is replaced by DefaultCapacity.
// Capacity is the table size, not the duplicate cap: a zero cap (spec
// §4.3's "A zero cap disables this component entirely") is handled by
// Acquire's cap argument, which admits every request untracked.
func Open(dir, name string, capacity int) (*Registry, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	path := filepath.Join(dir, fmt.Sprintf(".offload-slots-%s", name))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("dupeslots: open %s: %w", path, err)
	}
	size := int64(capacity * slotSize)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("dupeslots: truncate %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("dupeslots: mmap %s: %w", path, err)
	}
	return &Registry{
		file:     f,
		data:     data,
		capacity: capacity,
		pid:      uint32(os.Getpid()),
		active:   make(map[uint32]bool),
	}, nil
}

// Close unmaps the table and closes the backing file. It does not clear
// any slot — a live process crashing is exactly the case process-liveness
// checking exists to tolerate.
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	if err := unix.Munmap(r.data); err != nil {
		r.file.Close()
		return fmt.Errorf("dupeslots: munmap: %w", err)
	}
	return r.file.Close()
}

func (r *Registry) slotPID(i int) uint32 {
	return binary.LittleEndian.Uint32(r.data[i*slotSize:])
}

func (r *Registry) slotReqID(i int) uint32 {
	return binary.LittleEndian.Uint32(r.data[i*slotSize+4:])
}

func (r *Registry) slotDigest(i int) [sha1.Size]byte {
	var d [sha1.Size]byte
	copy(d[:], r.data[i*slotSize+8:(i+1)*slotSize])
	return d
}

func (r *Registry) writeSlot(i int, pid, reqID uint32, digest [sha1.Size]byte) {
	binary.LittleEndian.PutUint32(r.data[i*slotSize:], pid)
	binary.LittleEndian.PutUint32(r.data[i*slotSize+4:], reqID)
	copy(r.data[i*slotSize+8:(i+1)*slotSize], digest[:])
}

func (r *Registry) clearSlot(i int) {
	r.writeSlot(i, 0, 0, [sha1.Size]byte{})
}

// processAlive reports whether pid names a live OS process. It is a
// variable so tests can substitute pids that don't correspond to real
// processes.
var processAlive = func(pid uint32) bool {
	if pid == 0 {
		return false
	}
	// Signal 0 sends nothing but still performs the existence/permission
	// check; ESRCH means the process is gone, matching nph-offload.c's
	// process_dead(): "(kill(pid, 0) == -1) && (errno == ESRCH)". Any other
	// error (notably EPERM, a process we can see but not signal) is treated
	// as alive, per spec §4.3 "A slot whose pid cannot be signalled (ESRCH)
	// is treated as free" — implying other errors are not.
	err := unix.Kill(int(pid), 0)
	return err != unix.ESRCH
}

// ownerAlive reports whether the process/request pair that wrote a slot is
// still live. A slot bearing our own pid is answered from the in-process
// active set, since signal-0 on ourselves is always true and says nothing
// about which of our own requests is still running; any other pid is
// answered by signalling it, same as before.
func (r *Registry) ownerAlive(pid, reqID uint32) bool {
	if pid == r.pid {
		return r.active[reqID]
	}
	return processAlive(pid)
}

func (r *Registry) slotFree(i int) bool {
	pid := r.slotPID(i)
	return pid == 0 || !r.ownerAlive(pid, r.slotReqID(i))
}

// Acquire performs the scan-count-reserve sequence of spec §4.3 steps 1-4.
// cap is the configured GMAXDUPEDOWNLOADS; a cap of 0 always admits.
//
// Each call mints a fresh request id for the reserving request, so two
// concurrent Acquire calls from this same process — the common case, since
// one offload-server process serves many goroutines — are never mistaken
// for the same owner: that was the bug in an earlier revision, which
// passed this process's pid itself as the owner and so could never tell
// two of its own concurrent downloads apart.
//
// It returns admitted=false if the duplicate count for digest has already
// reached cap, in which case the caller must respond 403. Otherwise it
// returns admitted=true and, if a free or reclaimable slot was available,
// slot>=0 naming the reserved slot index to pass to Release later. If the
// table was full, slot is -1 and the request is admitted without being
// tracked (spec §9: "the cap is soft above capacity").
func (r *Registry) Acquire(digest [sha1.Size]byte, cap int) (admitted bool, slot int) {
	if r == nil || r.capacity == 0 || cap <= 0 {
		return true, -1
	}

	dupes := 0
	free := -1
	for i := 0; i < r.capacity; i++ {
		pid := r.slotPID(i)
		if pid == 0 {
			if free == -1 {
				free = i
			}
			continue
		}
		if !r.ownerAlive(pid, r.slotReqID(i)) {
			if free == -1 {
				free = i
			}
			continue
		}
		if r.slotDigest(i) == digest {
			dupes++
		}
	}

	if dupes >= cap {
		return false, -1
	}
	if free == -1 {
		return true, -1
	}
	r.nextReqID++
	reqID := r.nextReqID
	r.active[reqID] = true
	r.writeSlot(free, r.pid, reqID, digest)
	return true, free
}

// Release clears a slot previously returned by Acquire. Releasing slot -1
// (the "admitted without tracking" case) is a no-op.
func (r *Registry) Release(slot int) {
	if r == nil || slot < 0 {
		return
	}
	delete(r.active, r.slotReqID(slot))
	r.clearSlot(slot)
}

// Capacity returns the configured slot count.
func (r *Registry) Capacity() int {
	if r == nil {
		return 0
	}
	return r.capacity
}
