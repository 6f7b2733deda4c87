package mergerfs

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// FileHandle is the bookkeeping the registry owns for one open native fd
// (spec §3 "FileHandle", §4.G).
type FileHandle struct {
	FD          int
	VirtualPath string
	Flags       FUSEFlags
}

type slot struct {
	handle FileHandle
	gen    uint32
	inUse  bool
}

// HandleRegistry maps the opaque 64-bit value the transport stores with
// an open file back to {fd, virtual_path} (spec §4.G). The registry owns
// the fd exclusively; Release closes it. Lookup takes only a read lock,
// so concurrent lookups of distinct handles never contend -- the
// transport's own per-fd discipline is what rules out concurrent use of
// the *same* handle (spec §5 "Handle registry: entries are effectively
// thread-confined by the transport's per-fd discipline").
type HandleRegistry struct {
	mu    sync.RWMutex
	slots []slot
	free  []int

	// session disambiguates a handle from a prior process lifetime that
	// happened to reuse the same slot index, the same role uuid plays
	// for archive object naming elsewhere in the corpus.
	session uint32
}

// NewHandleRegistry creates an empty registry tagged with a fresh session
// id.
func NewHandleRegistry() *HandleRegistry {
	return &HandleRegistry{session: sessionTag()}
}

func sessionTag() uint32 {
	id := uuid.New()
	var v uint32
	for _, b := range id[:4] {
		v = v<<8 | uint32(b)
	}
	if v == 0 {
		v = 1
	}
	return v
}

// pack combines a slot index and generation counter into the opaque
// 64-bit word handed to the transport. DESIGN NOTES §9 prefers an index
// into a table over a raw pointer specifically so a stale or forged
// handle from a misbehaving transport cannot dereference freed memory;
// the generation counter additionally catches a handle from a released,
// reused slot.
func pack(idx int, gen uint32) uint64 {
	return uint64(uint32(idx))<<32 | uint64(gen)
}

func unpack(h uint64) (idx int, gen uint32) {
	return int(uint32(h >> 32)), uint32(h)
}

// Allocate registers a newly opened fd under virtualPath and returns the
// opaque handle the transport should store.
func (r *HandleRegistry) Allocate(fd int, virtualPath string, flags FUSEFlags) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	fh := FileHandle{FD: fd, VirtualPath: virtualPath, Flags: flags}

	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[idx].gen += r.session
		r.slots[idx].handle = fh
		r.slots[idx].inUse = true
		return pack(idx, r.slots[idx].gen)
	}

	idx := len(r.slots)
	r.slots = append(r.slots, slot{handle: fh, gen: r.session, inUse: true})
	return pack(idx, r.session)
}

// Lookup resolves a handle back to its FileHandle. ok is false when the
// handle is stale (already released, or from a different session) --
// never a panic or a dereference of freed state.
func (r *HandleRegistry) Lookup(h uint64) (FileHandle, bool) {
	idx, gen := unpack(h)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx < 0 || idx >= len(r.slots) {
		return FileHandle{}, false
	}
	s := r.slots[idx]
	if !s.inUse || s.gen != gen {
		return FileHandle{}, false
	}
	return s.handle, true
}

// Release closes the underlying fd and frees the slot for reuse. Calling
// Release twice, or with a handle that was never issued, is a no-op.
func (r *HandleRegistry) Release(h uint64) error {
	idx, gen := unpack(h)

	r.mu.Lock()
	if idx < 0 || idx >= len(r.slots) || !r.slots[idx].inUse || r.slots[idx].gen != gen {
		r.mu.Unlock()
		return nil
	}
	fd := r.slots[idx].handle.FD
	r.slots[idx].inUse = false
	r.slots[idx].handle = FileHandle{}
	r.free = append(r.free, idx)
	r.mu.Unlock()

	if err := primClose(fd); err != nil {
		return fmt.Errorf("handle registry: close fd %d: %w", fd, err)
	}
	return nil
}

// AdjustOpenFlags implements the writeback-cache flag tweak (spec §4.G):
// when the transport negotiated writeback caching, a write-only open is
// promoted to read-write (the kernel issues reads to refill its cache)
// and O_APPEND is cleared (the kernel manages the append offset itself in
// that mode).
func AdjustOpenFlags(flags int, writebackCache bool) int {
	if !writebackCache {
		return flags
	}
	if flags&unix.O_ACCMODE == unix.O_WRONLY {
		flags = (flags &^ unix.O_ACCMODE) | unix.O_RDWR
	}
	return flags &^ unix.O_APPEND
}
