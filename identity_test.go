package mergerfs

import (
	"testing"

	"go.uber.org/goleak"
	"golang.org/x/sys/unix"
)

func TestIdentityScopeRestoresOnClose(t *testing.T) {
	prevUID := unix.Getuid()
	prevGID := unix.Getgid()

	scope := NewIdentityScope(prevUID, prevGID, nil)
	scope.Close()

	if got := unix.Getuid(); got != prevUID {
		t.Errorf("Getuid() after Close = %d, want %d", got, prevUID)
	}
	if got := unix.Getgid(); got != prevGID {
		t.Errorf("Getgid() after Close = %d, want %d", got, prevGID)
	}
}

func TestIdentityScopeCloseIsIdempotent(t *testing.T) {
	scope := NewIdentityScope(unix.Getuid(), unix.Getgid(), nil)
	scope.Close()
	scope.Close() // must not double-unlock the OS thread or panic
}

func TestIdentityScopeSuspendResume(t *testing.T) {
	uid := unix.Getuid()
	gid := unix.Getgid()
	scope := NewIdentityScope(uid, gid, nil)
	defer scope.Close()

	resume := scope.Suspend()
	if got := unix.Getuid(); got != uid {
		t.Errorf("Getuid() while suspended = %d, want %d (own uid unaffected)", got, uid)
	}
	resume()
	if got := unix.Getuid(); got != uid {
		t.Errorf("Getuid() after resume = %d, want %d", got, uid)
	}
}

func TestIdentityScopeSuspendOnNilScopeIsNoop(t *testing.T) {
	var scope *IdentityScope
	resume := scope.Suspend()
	resume() // must not panic
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
