package mergerfs

import (
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func openTempFile(t *testing.T) int {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f")
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return fd
}

func TestHandleRegistryAllocateLookupRelease(t *testing.T) {
	r := NewHandleRegistry()
	fd := openTempFile(t)

	h := r.Allocate(fd, "/f", FUSEFlags{DirectIO: true})
	fh, ok := r.Lookup(h)
	if !ok {
		t.Fatal("Lookup of freshly allocated handle failed")
	}
	if fh.FD != fd || fh.VirtualPath != "/f" || !fh.Flags.DirectIO {
		t.Errorf("Lookup = %+v, want FD=%d VirtualPath=/f DirectIO=true", fh, fd)
	}

	if err := r.Release(h); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok := r.Lookup(h); ok {
		t.Error("Lookup succeeded after Release")
	}
}

func TestHandleRegistryGenerationRejectsStaleHandle(t *testing.T) {
	r := NewHandleRegistry()
	fd1 := openTempFile(t)
	h1 := r.Allocate(fd1, "/f1", FUSEFlags{})
	if err := r.Release(h1); err != nil {
		t.Fatalf("Release: %v", err)
	}

	fd2 := openTempFile(t)
	h2 := r.Allocate(fd2, "/f2", FUSEFlags{})

	idx1, _ := unpack(h1)
	idx2, _ := unpack(h2)
	if idx1 != idx2 {
		t.Fatalf("reused-slot test requires the free slot to be reused; got idx1=%d idx2=%d", idx1, idx2)
	}

	if _, ok := r.Lookup(h1); ok {
		t.Error("stale handle from a reused slot still resolves")
	}
	fh2, ok := r.Lookup(h2)
	if !ok || fh2.VirtualPath != "/f2" {
		t.Errorf("Lookup(h2) = %+v, %v, want /f2, true", fh2, ok)
	}
}

func TestHandleRegistryReleaseIsIdempotent(t *testing.T) {
	r := NewHandleRegistry()
	h := r.Allocate(openTempFile(t), "/f", FUSEFlags{})
	if err := r.Release(h); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := r.Release(h); err != nil {
		t.Fatalf("second Release on already-released handle: %v", err)
	}
}

func TestHandleRegistryLookupRejectsUnknownHandle(t *testing.T) {
	r := NewHandleRegistry()
	if _, ok := r.Lookup(pack(99, 1)); ok {
		t.Error("Lookup succeeded for a handle that was never allocated")
	}
}

func TestAdjustOpenFlagsPromotesWriteOnlyUnderWriteback(t *testing.T) {
	adjusted := AdjustOpenFlags(unix.O_WRONLY|unix.O_APPEND, true)
	if adjusted&unix.O_ACCMODE != unix.O_RDWR {
		t.Errorf("AdjustOpenFlags accmode = %d, want O_RDWR", adjusted&unix.O_ACCMODE)
	}
	if adjusted&unix.O_APPEND != 0 {
		t.Error("AdjustOpenFlags left O_APPEND set under writeback caching")
	}
}

func TestAdjustOpenFlagsNoopWithoutWriteback(t *testing.T) {
	flags := unix.O_WRONLY | unix.O_APPEND
	if got := AdjustOpenFlags(flags, false); got != flags {
		t.Errorf("AdjustOpenFlags(without writeback) = %d, want unchanged %d", got, flags)
	}
}

func TestAdjustOpenFlagsLeavesReadOnlyAlone(t *testing.T) {
	if got := AdjustOpenFlags(unix.O_RDONLY, true); got != unix.O_RDONLY {
		t.Errorf("AdjustOpenFlags(O_RDONLY, true) = %d, want O_RDONLY unchanged", got)
	}
}
