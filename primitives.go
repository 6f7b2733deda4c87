package mergerfs

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// This file holds the filesystem primitives (spec §4.B): thin, uniform
// wrappers over native path operations. Each wraps exactly one syscall via
// golang.org/x/sys/unix and performs no coordination with Branches,
// policies, or Config -- errno translation is identity, nothing more.

// primOpen opens a native path, returning the raw fd.
func primOpen(path string, flags int, mode uint32) (int, error) {
	fd, err := unix.Open(path, flags, mode)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

func primMkdir(path string, mode uint32) error {
	return unix.Mkdir(path, mode)
}

func primMknod(path string, mode uint32, dev int) error {
	return unix.Mknod(path, mode, dev)
}

func primSymlink(target, linkpath string) error {
	return unix.Symlink(target, linkpath)
}

func primLstat(path string) (*unix.Stat_t, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func primReadlink(path string) (string, error) {
	buf := make([]byte, 4096)
	n, err := unix.Readlink(path, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

func primUnlink(path string) error {
	return unix.Unlink(path)
}

func primRmdir(path string) error {
	return unix.Rmdir(path)
}

func primRename(oldpath, newpath string) error {
	return unix.Rename(oldpath, newpath)
}

func primLink(oldpath, newpath string) error {
	return unix.Link(oldpath, newpath)
}

func primGetxattr(path, name string) ([]byte, error) {
	size, err := unix.Getxattr(path, name, nil)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, size)
	n, err := unix.Getxattr(path, name, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func primSetxattr(path, name string, value []byte, flags int) error {
	return unix.Setxattr(path, name, value, flags)
}

func primListxattr(path string) ([]string, error) {
	size, err := unix.Listxattr(path, nil)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	n, err := unix.Listxattr(path, buf)
	if err != nil {
		return nil, err
	}
	return splitNullTerminated(buf[:n]), nil
}

func primRemovexattr(path, name string) error {
	return unix.Removexattr(path, name)
}

func splitNullTerminated(buf []byte) []string {
	var out []string
	start := 0
	for i, c := range buf {
		if c == 0 {
			if i > start {
				out = append(out, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

func primStatvfs(path string) (*unix.Statfs_t, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func primFchmod(fd int, mode uint32) error {
	return unix.Fchmod(fd, mode)
}

func primChmod(path string, mode uint32) error {
	return unix.Chmod(path, mode)
}

func primFchown(fd, uid, gid int) error {
	return unix.Fchown(fd, uid, gid)
}

func primChown(path string, uid, gid int) error {
	return unix.Chown(path, uid, gid)
}

func primLchown(path string, uid, gid int) error {
	return unix.Lchown(path, uid, gid)
}

func primUtimensat(path string, atime, mtime time.Time) error {
	ts := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	return unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, unix.AT_SYMLINK_NOFOLLOW)
}

func primTruncate(path string, size int64) error {
	return unix.Truncate(path, size)
}

func primFtruncate(fd int, size int64) error {
	return unix.Ftruncate(fd, size)
}

func primRead(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}

func primWrite(fd int, buf []byte) (int, error) {
	return unix.Write(fd, buf)
}

func primPread(fd int, buf []byte, off int64) (int, error) {
	return unix.Pread(fd, buf, off)
}

func primPwrite(fd int, buf []byte, off int64) (int, error) {
	return unix.Pwrite(fd, buf, off)
}

func primFsync(fd int) error {
	return unix.Fsync(fd)
}

func primFallocate(fd int, mode uint32, off, length int64) error {
	return unix.Fallocate(fd, mode, off, length)
}

func primClose(fd int) error {
	return unix.Close(fd)
}

// dirHasDefaultACL returns true iff the parent directory carries a POSIX
// default-ACL xattr. When it does, the kernel applies the ACL-derived mode
// itself, so callers must suppress umask application for children created
// under it (mirrored from the original mergerfs implementation's
// fs::acl::dir_has_defaults, see original_source/src/fuse_mkdir.cpp).
func dirHasDefaultACL(dir string) bool {
	const posixACLDefaultXattr = "system.posix_acl_default"
	_, err := primGetxattr(dir, posixACLDefaultXattr)
	return err == nil
}

// applyUmask masks mode by umask unless the parent directory carries a
// POSIX default ACL, in which case the kernel already applied the
// ACL-derived mode and umask must not be reapplied.
func applyUmask(dir string, mode, umask os.FileMode) os.FileMode {
	if dirHasDefaultACL(dir) {
		return mode
	}
	return mode &^ umask
}

// ApplyCreateMode is the exported form of applyUmask, for transport
// bindings outside this package that create files/directories and need
// the same ACL-aware umask rule (spec §4.B).
func ApplyCreateMode(dir string, mode, umask os.FileMode) os.FileMode {
	return applyUmask(dir, mode, umask)
}
