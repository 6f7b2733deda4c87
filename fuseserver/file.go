package fuseserver

import (
	"context"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// fileHandle adapts a mergerfs.Pipeline-allocated handle (an opaque
// 64-bit value) to go-fuse's FileHandle interfaces. All I/O is forwarded
// to the Pipeline, which resolves the handle back to {fd, virtual_path}
// via the HandleRegistry (spec §4.G) -- fileHandle itself carries no fd.
type fileHandle struct {
	srv    *server
	handle uint64
}

var (
	_ gofuse.FileHandle  = (*fileHandle)(nil)
	_ gofuse.FileReader  = (*fileHandle)(nil)
	_ gofuse.FileWriter  = (*fileHandle)(nil)
	_ gofuse.FileFlusher = (*fileHandle)(nil)
	_ gofuse.FileReleaser = (*fileHandle)(nil)
	_ gofuse.FileFsyncer = (*fileHandle)(nil)
)

// newFileHandle wraps a Pipeline handle and computes the FUSE-facing
// open flags from the configured cache disposition (spec §4.G's
// direct_io/keep_cache/auto_cache table).
func newFileHandle(srv *server, handle uint64) (*fileHandle, uint32) {
	fh, ok := srv.options.Pipeline.Handles.Lookup(handle)
	var fuseFlags uint32
	if ok {
		if fh.Flags.DirectIO {
			fuseFlags |= fuse.FOPEN_DIRECT_IO
		}
		if fh.Flags.KeepCache {
			fuseFlags |= fuse.FOPEN_KEEP_CACHE
		}
		// AutoCache (spec §4.G "auto_full") is a mount-wide kernel
		// behavior (page cache revalidated by mtime), not a per-open
		// FOPEN_* flag; it is applied once via fuse.MountOptions in
		// mount.go rather than here.
	}
	return &fileHandle{srv: srv, handle: handle}, fuseFlags
}

func (f *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := f.srv.options.Pipeline.Read(f.handle, dest, off)
	if err != nil {
		return nil, errnoOf(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (f *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := f.srv.options.Pipeline.Write(f.handle, data, off)
	if err != nil {
		return 0, errnoOf(err)
	}
	return uint32(n), 0
}

func (f *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return errnoOf(f.srv.options.Pipeline.Fsync(f.handle))
}

func (f *fileHandle) Release(ctx context.Context) syscall.Errno {
	return errnoOf(f.srv.options.Pipeline.Release(f.handle))
}

func (f *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return errnoOf(f.srv.options.Pipeline.Fsync(f.handle))
}
