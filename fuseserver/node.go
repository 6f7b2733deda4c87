package fuseserver

import (
	"context"
	"errors"
	"os"
	"path"
	"sort"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/techie2000/mergerfs"
)

// unionNode is every inode in the mount: the virtual path is the only
// state it carries, since the mergerfs.Pipeline re-resolves branches on
// every call rather than caching a chosen native path per node.
type unionNode struct {
	gofuse.Inode
	srv         *server
	virtualPath string
}

var (
	_ gofuse.InodeEmbedder   = (*unionNode)(nil)
	_ gofuse.NodeLookuper    = (*unionNode)(nil)
	_ gofuse.NodeGetattrer   = (*unionNode)(nil)
	_ gofuse.NodeSetattrer   = (*unionNode)(nil)
	_ gofuse.NodeReaddirer   = (*unionNode)(nil)
	_ gofuse.NodeCreater     = (*unionNode)(nil)
	_ gofuse.NodeOpener      = (*unionNode)(nil)
	_ gofuse.NodeMkdirer     = (*unionNode)(nil)
	_ gofuse.NodeMknoder     = (*unionNode)(nil)
	_ gofuse.NodeSymlinker   = (*unionNode)(nil)
	_ gofuse.NodeLinker      = (*unionNode)(nil)
	_ gofuse.NodeUnlinker    = (*unionNode)(nil)
	_ gofuse.NodeRenamer     = (*unionNode)(nil)
	_ gofuse.NodeRmdirer     = (*unionNode)(nil)
	_ gofuse.NodeReadlinker  = (*unionNode)(nil)
	_ gofuse.NodeAccesser    = (*unionNode)(nil)
	_ gofuse.NodeGetxattrer  = (*unionNode)(nil)
	_ gofuse.NodeSetxattrer  = (*unionNode)(nil)
	_ gofuse.NodeListxattrer = (*unionNode)(nil)
	_ gofuse.NodeStatfser    = (*unionNode)(nil)
)

func childPath(parent, name string) string {
	return path.Join("/", parent, name)
}

func credsFromContext(ctx context.Context) mergerfs.Credentials {
	caller, ok := fuse.FromContext(ctx)
	if !ok {
		return mergerfs.Credentials{}
	}
	return mergerfs.Credentials{UID: int(caller.Uid), GID: int(caller.Gid)}
}

func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}

func fillAttr(out *fuse.Attr, st *unix.Stat_t) {
	out.Ino = st.Ino
	out.Size = uint64(st.Size)
	out.Blocks = uint64(st.Blocks)
	out.Atime = uint64(st.Atim.Sec)
	out.Atimensec = uint32(st.Atim.Nsec)
	out.Mtime = uint64(st.Mtim.Sec)
	out.Mtimensec = uint32(st.Mtim.Nsec)
	out.Ctime = uint64(st.Ctim.Sec)
	out.Ctimensec = uint32(st.Ctim.Nsec)
	out.Mode = st.Mode
	out.Nlink = uint32(st.Nlink)
	out.Owner = fuse.Owner{Uid: st.Uid, Gid: st.Gid}
	out.Rdev = uint32(st.Rdev)
	out.Blksize = uint32(st.Blksize)
}

// Lookup resolves a child by name using the search policy over the
// child's virtual path -- the getattr/search category (spec §6).
func (n *unionNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	vp := childPath(n.virtualPath, name)
	creds := credsFromContext(ctx)

	var st unix.Stat_t
	err := n.srv.options.Pipeline.SearchTypeOperation("getattr", creds, vp, func(nativePath string) error {
		s, err := statNative(nativePath)
		if err != nil {
			return err
		}
		st = s
		return nil
	})
	if err != nil {
		return nil, errnoOf(err)
	}

	fillAttr(&out.Attr, &st)
	n.applySymlinkTimeout(out, st.Mode)
	child := n.NewInode(ctx, &unionNode{srv: n.srv, virtualPath: vp}, gofuse.StableAttr{
		Mode: st.Mode &^ 0o7777,
		Ino:  st.Ino,
	})
	return child, 0
}

func statNative(nativePath string) (unix.Stat_t, error) {
	var st unix.Stat_t
	if err := unix.Lstat(nativePath, &st); err != nil {
		return unix.Stat_t{}, err
	}
	return st, nil
}

// Getattr re-resolves the search policy rather than caching the branch
// Lookup chose -- branches can be added, removed, or demoted between
// calls (spec §3 "readers may observe changes between operations but
// never within a single operation's evaluation").
func (n *unionNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	creds := credsFromContext(ctx)
	var st unix.Stat_t
	err := n.srv.options.Pipeline.SearchTypeOperation("getattr", creds, n.virtualPath, func(nativePath string) error {
		s, err := statNative(nativePath)
		if err != nil {
			return err
		}
		st = s
		return nil
	})
	if err != nil {
		return errnoOf(err)
	}
	fillAttr(&out.Attr, &st)
	n.applyGetattrSymlinkTimeout(out, st.Mode)
	return 0
}

// applyGetattrSymlinkTimeout is applySymlinkTimeout's AttrOut counterpart
// for Getattr, which carries only an attr timeout (no entry timeout).
func (n *unionNode) applyGetattrSymlinkTimeout(out *fuse.AttrOut, mode uint32) {
	if mode&unix.S_IFMT != unix.S_IFLNK {
		return
	}
	cfg := n.srv.options.Pipeline.Config.Load()
	if cfg.FollowSymlinks == mergerfs.FollowSymlinksNever {
		return
	}
	out.SetTimeout(0)
}

// Setattr implements chmod/chown/utimens/truncate, fanned out to every
// branch the action policy selects (spec §6, §8 scenario 6).
func (n *unionNode) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	creds := credsFromContext(ctx)

	if mode, ok := in.GetMode(); ok {
		err := n.srv.options.Pipeline.ActionTypeOperation("chmod", creds, n.virtualPath, func(nativePath string) error {
			return primChmodAt(nativePath, mode)
		})
		if err != nil {
			return errnoOf(err)
		}
	}
	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		u, g := -1, -1
		if uok {
			u = int(uid)
		}
		if gok {
			g = int(gid)
		}
		err := n.srv.options.Pipeline.ActionTypeOperation("chown", creds, n.virtualPath, func(nativePath string) error {
			return unix.Lchown(nativePath, u, g)
		})
		if err != nil {
			return errnoOf(err)
		}
	}
	if size, ok := in.GetSize(); ok {
		err := n.srv.options.Pipeline.ActionTypeOperation("truncate", creds, n.virtualPath, func(nativePath string) error {
			return unix.Truncate(nativePath, int64(size))
		})
		if err != nil {
			return errnoOf(err)
		}
	}
	atime, aok := in.GetATime()
	mtime, mok := in.GetMTime()
	if aok || mok {
		var atimeArg, mtimeArg *time.Time
		if aok {
			atimeArg = &atime
		}
		if mok {
			mtimeArg = &mtime
		}
		err := n.srv.options.Pipeline.ActionTypeOperation("utimens", creds, n.virtualPath, func(nativePath string) error {
			return primUtimensAt(nativePath, atimeArg, mtimeArg)
		})
		if err != nil {
			return errnoOf(err)
		}
	}

	return n.Getattr(ctx, f, out)
}

func primChmodAt(nativePath string, mode uint32) error {
	return unix.Chmod(nativePath, mode)
}

// primUtimensAt sets atime/mtime independently: a nil argument passes
// UTIME_OMIT for that field rather than substituting the other field's
// value, so an mtime-only utimensat (e.g. touch -m) never disturbs the
// timestamp it wasn't asked to change.
func primUtimensAt(nativePath string, atime, mtime *time.Time) error {
	ts := [2]unix.Timespec{omitTimespec(), omitTimespec()}
	if atime != nil {
		ts[0] = unix.NsecToTimespec(atime.UnixNano())
	}
	if mtime != nil {
		ts[1] = unix.NsecToTimespec(mtime.UnixNano())
	}
	return unix.UtimesNanoAt(unix.AT_FDCWD, nativePath, ts[:], unix.AT_SYMLINK_NOFOLLOW)
}

func omitTimespec() unix.Timespec {
	return unix.Timespec{Sec: 0, Nsec: unix.UTIME_OMIT}
}

// Readdir merges the directory listing across every branch that carries
// virtualPath, first-seen name wins on collision. This isn't in spec.md's
// per-operation table (§6 lists only getattr/readlink/access/listxattr/
// getxattr under "search"), but a mount a shell can `ls` needs it; it is
// pure fan-out, not policy-dispatched, so it talks to Branches directly
// rather than through the Pipeline.
func (n *unionNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	seen := make(map[string]bool)
	var entries []fuse.DirEntry

	any := false
	for _, b := range n.srv.options.Branches.Snapshot() {
		dirents, err := os.ReadDir(b.NativePath(n.virtualPath))
		if err != nil {
			continue
		}
		any = true
		for _, de := range dirents {
			if seen[de.Name()] {
				continue
			}
			seen[de.Name()] = true
			mode := uint32(syscall.S_IFREG)
			if de.IsDir() {
				mode = syscall.S_IFDIR
			}
			entries = append(entries, fuse.DirEntry{Name: de.Name(), Mode: mode})
		}
	}
	if !any {
		return nil, syscall.ENOENT
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return &sliceDirStream{entries: entries}, 0
}

type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool { return s.index < len(s.entries) }

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	e := s.entries[s.index]
	s.index++
	return e, 0
}

func (s *sliceDirStream) Close() {}

// Create runs the create-category pipeline and wraps the resulting
// FileHandle for the transport (spec §4.F, §6 "create / open").
func (n *unionNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	vp := childPath(n.virtualPath, name)
	creds := credsFromContext(ctx)

	handle, err := n.srv.options.Pipeline.Create(creds, vp, int(flags), mode, "")
	if err != nil {
		return nil, nil, 0, errnoOf(err)
	}

	var st unix.Stat_t
	_ = n.srv.options.Pipeline.SearchTypeOperation("getattr", creds, vp, func(nativePath string) error {
		s, err := statNative(nativePath)
		if err != nil {
			return err
		}
		st = s
		return nil
	})
	fillAttr(&out.Attr, &st)

	child := n.NewInode(ctx, &unionNode{srv: n.srv, virtualPath: vp}, gofuse.StableAttr{Mode: st.Mode &^ 0o7777, Ino: st.Ino})
	fh, fuseFlags := newFileHandle(n.srv, handle)
	return child, fh, fuseFlags, 0
}

// Open runs the search-category open pipeline for an existing file.
func (n *unionNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	creds := credsFromContext(ctx)
	handle, err := n.srv.options.Pipeline.Open(creds, n.virtualPath, int(flags), "")
	if err != nil {
		return nil, 0, errnoOf(err)
	}
	fh, fuseFlags := newFileHandle(n.srv, handle)
	return fh, fuseFlags, 0
}

// Mkdir's mode arrives with the kernel's own umask already applied
// (go-fuse does not negotiate FUSE_CAP_DONT_MASK), except when the parent
// carries a POSIX default ACL, in which case the ACL should govern
// instead -- mergerfs.ApplyCreateMode encodes that rule (spec §4.B
// dir_has_default_acl).
func (n *unionNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	vp := childPath(n.virtualPath, name)
	creds := credsFromContext(ctx)

	err := n.srv.options.Pipeline.CreateTypeOperation("mkdir", creds, vp, func(nativePath string) error {
		m := mergerfs.ApplyCreateMode(path.Dir(nativePath), os.FileMode(mode), 0)
		return unix.Mkdir(nativePath, uint32(m))
	})
	if err != nil {
		return nil, errnoOf(err)
	}
	return n.finishEntry(ctx, vp, out)
}

func (n *unionNode) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	vp := childPath(n.virtualPath, name)
	creds := credsFromContext(ctx)

	err := n.srv.options.Pipeline.CreateTypeOperation("mknod", creds, vp, func(nativePath string) error {
		m := mergerfs.ApplyCreateMode(path.Dir(nativePath), os.FileMode(mode), 0)
		return unix.Mknod(nativePath, uint32(m), int(dev))
	})
	if err != nil {
		return nil, errnoOf(err)
	}
	return n.finishEntry(ctx, vp, out)
}

func (n *unionNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	vp := childPath(n.virtualPath, name)
	creds := credsFromContext(ctx)

	err := n.srv.options.Pipeline.CreateTypeOperation("symlink", creds, vp, func(nativePath string) error {
		return unix.Symlink(target, nativePath)
	})
	if err != nil {
		return nil, errnoOf(err)
	}
	return n.finishEntry(ctx, vp, out)
}

func (n *unionNode) Link(ctx context.Context, target gofuse.InodeEmbedder, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	src, ok := target.(*unionNode)
	if !ok {
		return nil, syscall.EXDEV
	}
	vp := childPath(n.virtualPath, name)
	creds := credsFromContext(ctx)

	err := n.srv.options.Pipeline.CreateTypeOperation("link", creds, vp, func(nativePath string) error {
		branchRoot := nativePath[:len(nativePath)-len(vp)]
		return unix.Link(branchRoot+src.virtualPath, nativePath)
	})
	if err != nil {
		return nil, errnoOf(err)
	}
	return n.finishEntry(ctx, vp, out)
}

func (n *unionNode) finishEntry(ctx context.Context, vp string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	creds := credsFromContext(ctx)
	var st unix.Stat_t
	err := n.srv.options.Pipeline.SearchTypeOperation("getattr", creds, vp, func(nativePath string) error {
		s, err := statNative(nativePath)
		if err != nil {
			return err
		}
		st = s
		return nil
	})
	if err != nil {
		return nil, errnoOf(err)
	}
	fillAttr(&out.Attr, &st)
	n.applySymlinkTimeout(out, st.Mode)
	child := n.NewInode(ctx, &unionNode{srv: n.srv, virtualPath: vp}, gofuse.StableAttr{Mode: st.Mode &^ 0o7777, Ino: st.Ino})
	return child, 0
}

// applySymlinkTimeout overrides the mount-wide entry/attr cache timeouts
// for a symlink entry according to cfg.FollowSymlinks (spec.md's
// "follow_symlinks affects when timeouts apply"), grounded on the
// original implementation's FUSE::symlink: for every follow_symlinks
// setting other than "never", a symlink's cached attributes can't be
// trusted across calls (the target they resolve through may have
// changed), so entry/attr timeout is forced to zero; "never" leaves the
// mount-wide cache_entry/cache_attr timeouts set in fuseserver/mount.go
// in place.
func (n *unionNode) applySymlinkTimeout(out *fuse.EntryOut, mode uint32) {
	if mode&unix.S_IFMT != unix.S_IFLNK {
		return
	}
	cfg := n.srv.options.Pipeline.Config.Load()
	if cfg.FollowSymlinks == mergerfs.FollowSymlinksNever {
		return
	}
	out.SetEntryTimeout(0)
	out.SetAttrTimeout(0)
}

// Rename delegates to Pipeline.Rename, which implements the
// conforming-but-minimal cross-branch behavior spec.md §9 leaves open
// (single-branch rename, EXDEV if the destination's create policy would
// place the entry on a different branch than the source currently lives
// on). newParent not being a *unionNode would mean renaming across
// mounts, which is always EXDEV.
func (n *unionNode) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dst, ok := newParent.(*unionNode)
	if !ok {
		return syscall.EXDEV
	}
	oldvp := childPath(n.virtualPath, name)
	newvp := childPath(dst.virtualPath, newName)
	creds := credsFromContext(ctx)
	return errnoOf(n.srv.options.Pipeline.Rename(creds, oldvp, newvp))
}

func (n *unionNode) Unlink(ctx context.Context, name string) syscall.Errno {
	vp := childPath(n.virtualPath, name)
	creds := credsFromContext(ctx)
	err := n.srv.options.Pipeline.ActionTypeOperation("unlink", creds, vp, func(nativePath string) error {
		return unix.Unlink(nativePath)
	})
	return errnoOf(err)
}

func (n *unionNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	vp := childPath(n.virtualPath, name)
	creds := credsFromContext(ctx)
	err := n.srv.options.Pipeline.ActionTypeOperation("rmdir", creds, vp, func(nativePath string) error {
		return unix.Rmdir(nativePath)
	})
	return errnoOf(err)
}

func (n *unionNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	creds := credsFromContext(ctx)
	var target string
	err := n.srv.options.Pipeline.SearchTypeOperation("readlink", creds, n.virtualPath, func(nativePath string) error {
		buf := make([]byte, 4096)
		nbytes, err := unix.Readlink(nativePath, buf)
		if err != nil {
			return err
		}
		target = string(buf[:nbytes])
		return nil
	})
	if err != nil {
		return nil, errnoOf(err)
	}
	return []byte(target), 0
}

func (n *unionNode) Access(ctx context.Context, mask uint32) syscall.Errno {
	creds := credsFromContext(ctx)
	err := n.srv.options.Pipeline.SearchTypeOperation("getattr", creds, n.virtualPath, func(nativePath string) error {
		return unix.Access(nativePath, mask)
	})
	return errnoOf(err)
}

func (n *unionNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	creds := credsFromContext(ctx)
	var value []byte
	err := n.srv.options.Pipeline.SearchTypeOperation("getxattr", creds, n.virtualPath, func(nativePath string) error {
		size, err := unix.Getxattr(nativePath, attr, nil)
		if err != nil {
			return err
		}
		buf := make([]byte, size)
		n, err := unix.Getxattr(nativePath, attr, buf)
		if err != nil {
			return err
		}
		value = buf[:n]
		return nil
	})
	if err != nil {
		return 0, errnoOf(err)
	}
	if len(dest) < len(value) {
		return uint32(len(value)), syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

func (n *unionNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	creds := credsFromContext(ctx)
	err := n.srv.options.Pipeline.ActionTypeOperation("setxattr", creds, n.virtualPath, func(nativePath string) error {
		return unix.Setxattr(nativePath, attr, data, int(flags))
	})
	return errnoOf(err)
}

func (n *unionNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	creds := credsFromContext(ctx)
	var names []byte
	err := n.srv.options.Pipeline.SearchTypeOperation("listxattr", creds, n.virtualPath, func(nativePath string) error {
		size, err := unix.Listxattr(nativePath, nil)
		if err != nil {
			return err
		}
		buf := make([]byte, size)
		n, err := unix.Listxattr(nativePath, buf)
		if err != nil {
			return err
		}
		names = buf[:n]
		return nil
	})
	if err != nil {
		return 0, errnoOf(err)
	}
	if len(dest) < len(names) {
		return uint32(len(names)), syscall.ERANGE
	}
	copy(dest, names)
	return uint32(len(names)), 0
}

func (n *unionNode) Removexattr(ctx context.Context, attr string) syscall.Errno {
	creds := credsFromContext(ctx)
	err := n.srv.options.Pipeline.ActionTypeOperation("removexattr", creds, n.virtualPath, func(nativePath string) error {
		return unix.Removexattr(nativePath, attr)
	})
	return errnoOf(err)
}

// Statfs aggregates space/inode accounting across every branch (spec §6
// "statfs | search (aggregated)").
func (n *unionNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	agg, err := mergerfs.AggregatedStatfs(n.srv.options.Branches.Snapshot())
	if err != nil {
		return errnoOf(err)
	}
	out.Blocks = agg.Blocks
	out.Bfree = agg.Bfree
	out.Bavail = agg.Bavail
	out.Files = agg.Files
	out.Ffree = agg.Ffree
	out.Bsize = uint32(agg.Bsize)
	out.NameLen = uint32(agg.Namelen)
	out.Frsize = uint32(agg.Frsize)
	return 0
}

