package mergerfs

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"
)

// Clonepath reconstructs every ancestor directory of virtualDir on
// targetRoot that does not already exist, copying owner, mode, timestamps,
// and extended attributes (including POSIX ACLs) from sourceRoot (spec
// §4.E). It proceeds root-outward, one component at a time: each mkdir is
// followed by chown, chmod, xattr copy, and finally utimensat.
//
// Clonepath is idempotent -- a component that already exists on
// targetRoot is left alone -- and on any failure the partial structure
// already created is left in place; a subsequent retry or another policy
// evaluation may reuse it.
//
// This mirrors the teacher's copyUp/copyUpDir/copyUpParents shape
// (absfs-unionfs/copyup.go), generalized from "copy up to the one
// writable overlay layer" to "clone an arbitrary ancestor chain onto a
// target branch chosen by the create policy", and extended to carry
// xattrs/ACLs, which afero's Fs interface has no surface for.
func Clonepath(sourceRoot, targetRoot, virtualDir string) error {
	if virtualDir == "" || virtualDir == "/" || virtualDir == "." {
		return nil
	}

	components := strings.Split(strings.Trim(path.Clean(virtualDir), "/"), "/")

	virtual := ""
	for _, comp := range components {
		virtual = virtual + "/" + comp

		target := targetRoot + virtual
		if _, err := primLstat(target); err == nil {
			continue // idempotent: already present, leave it alone.
		}

		source := sourceRoot + virtual
		st, err := primLstat(source)
		if err != nil {
			return fmt.Errorf("clonepath: stat source %s: %w", source, err)
		}

		if err := primMkdir(target, uint32(st.Mode&0o7777)); err != nil {
			return fmt.Errorf("clonepath: mkdir %s: %w", target, err)
		}
		if err := primChown(target, int(st.Uid), int(st.Gid)); err != nil {
			return fmt.Errorf("clonepath: chown %s: %w", target, err)
		}
		if err := primChmod(target, uint32(st.Mode&0o7777)); err != nil {
			return fmt.Errorf("clonepath: chmod %s: %w", target, err)
		}
		if err := cloneXattrs(source, target); err != nil {
			return fmt.Errorf("clonepath: xattrs %s: %w", target, err)
		}

		atime := time.Unix(st.Atim.Sec, st.Atim.Nsec)
		mtime := time.Unix(st.Mtim.Sec, st.Mtim.Nsec)
		if err := primUtimensat(target, atime, mtime); err != nil {
			return fmt.Errorf("clonepath: utimensat %s: %w", target, err)
		}
	}

	return nil
}

// cloneXattrs copies every extended attribute (including POSIX ACLs, which
// are stored as ordinary xattrs under the system.posix_acl_* namespace)
// from source to target. Errors from listing, reading or setting an
// attribute are not surfaced: an attribute that cannot be copied is
// skipped, and cloneXattrs always returns nil.
func cloneXattrs(source, target string) error {
	names, err := primListxattr(source)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return nil // xattrs unsupported on source fs: nothing to copy.
	}
	for _, name := range names {
		value, err := primGetxattr(source, name)
		if err != nil {
			continue
		}
		if err := primSetxattr(target, name, value, 0); err != nil {
			continue // target fs may not support this attribute namespace.
		}
	}
	return nil
}

// ClonepathAsRoot is the elevated-privilege variant: it suspends any open
// IdentityScope for its duration because the chown discovered from the
// source branch may name an owner the caller's uid is not permitted to
// assign, then restores the caller's credentials before returning. scope
// may be nil if no identity scope is currently open.
func ClonepathAsRoot(scope *IdentityScope, sourceRoot, targetRoot, virtualDir string) error {
	resume := scope.Suspend()
	defer resume()
	return Clonepath(sourceRoot, targetRoot, virtualDir)
}
