package mergerfs

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// IdentityScope is a scoped adoption of a caller's effective uid/gid (and
// supplementary groups) for the duration of one request (spec §4.C). The
// kernel transport hands us credentials per-request; every mutating
// primitive must run with those credentials so permission checks on the
// host filesystem behave as if the caller ran the syscall directly.
//
// Identity is thread-local kernel state, so the goroutine is pinned to its
// OS thread for the lifetime of the scope via runtime.LockOSThread. The
// scope MUST be closed on every exit path -- including error returns -- or
// the thread leaks elevated/foreign credentials into whatever runs on it
// next. Callers should always pair NewIdentityScope with a deferred Close:
//
//	scope := mergerfs.NewIdentityScope(uid, gid, groups)
//	defer scope.Close()
type IdentityScope struct {
	uid        int
	gid        int
	groups     []int
	prevUID    int
	prevGID    int
	prevGroups []int
	closed     bool
}

// NewIdentityScope switches the calling goroutine's OS thread to uid/gid
// (+ supplementary groups) and returns a handle that restores the prior
// credentials when Close is called. The goroutine is locked to its OS
// thread until Close runs.
func NewIdentityScope(uid, gid int, groups []int) *IdentityScope {
	runtime.LockOSThread()

	prevUID := unix.Getuid()
	prevGID := unix.Getgid()
	prevGroups, _ := unix.Getgroups()

	// Order matters: groups and gid must be set while we still have the
	// privilege to do so, before dropping to the caller's uid.
	if len(groups) > 0 {
		_ = unix.Setgroups(groups)
	}
	_, _, _ = unix.Syscall(unix.SYS_SETFSGID, uintptr(gid), 0, 0)
	_, _, _ = unix.Syscall(unix.SYS_SETFSUID, uintptr(uid), 0, 0)

	return &IdentityScope{
		uid:        uid,
		gid:        gid,
		groups:     groups,
		prevUID:    prevUID,
		prevGID:    prevGID,
		prevGroups: prevGroups,
	}
}

// Suspend temporarily restores the credentials that were active before this
// scope began (typically the server's own, privileged identity) and
// returns a resume function that re-adopts the scope's caller credentials.
// This is used by Clonepath's elevated-privilege variant (spec §4.E),
// which must chown to owners the caller's uid may not otherwise be
// permitted to assign. Suspend/resume do not touch OS-thread locking --
// the scope's thread pin is held throughout.
func (s *IdentityScope) Suspend() (resume func()) {
	if s == nil || s.closed {
		return func() {}
	}

	_, _, _ = unix.Syscall(unix.SYS_SETFSUID, uintptr(s.prevUID), 0, 0)
	_, _, _ = unix.Syscall(unix.SYS_SETFSGID, uintptr(s.prevGID), 0, 0)
	if len(s.prevGroups) > 0 {
		_ = unix.Setgroups(s.prevGroups)
	}

	return func() {
		if len(s.groups) > 0 {
			_ = unix.Setgroups(s.groups)
		}
		_, _, _ = unix.Syscall(unix.SYS_SETFSGID, uintptr(s.gid), 0, 0)
		_, _, _ = unix.Syscall(unix.SYS_SETFSUID, uintptr(s.uid), 0, 0)
	}
}

// Close unconditionally restores the credentials recorded at scope entry
// and unlocks the OS thread. It is safe to call Close more than once; only
// the first call has effect. Restoration happens on every exit path,
// including after a primitive call failed.
func (s *IdentityScope) Close() {
	if s == nil || s.closed {
		return
	}
	s.closed = true

	_, _, _ = unix.Syscall(unix.SYS_SETFSUID, uintptr(s.prevUID), 0, 0)
	_, _, _ = unix.Syscall(unix.SYS_SETFSGID, uintptr(s.prevGID), 0, 0)
	if len(s.prevGroups) > 0 {
		_ = unix.Setgroups(s.prevGroups)
	}

	runtime.UnlockOSThread()
}
