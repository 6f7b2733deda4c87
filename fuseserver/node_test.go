package fuseserver

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

func TestChildPathJoinsAndCleans(t *testing.T) {
	cases := []struct{ parent, name, want string }{
		{"/", "f.txt", "/f.txt"},
		{"/a", "b", "/a/b"},
		{"/a/", "b", "/a/b"},
	}
	for _, c := range cases {
		if got := childPath(c.parent, c.name); got != c.want {
			t.Errorf("childPath(%q, %q) = %q, want %q", c.parent, c.name, got, c.want)
		}
	}
}

func TestErrnoOfTranslatesSyscallErrno(t *testing.T) {
	if got := errnoOf(nil); got != 0 {
		t.Errorf("errnoOf(nil) = %v, want 0", got)
	}
	if got := errnoOf(syscall.ENOENT); got != syscall.ENOENT {
		t.Errorf("errnoOf(ENOENT) = %v, want ENOENT", got)
	}
}

func TestErrnoOfFallsBackToEIO(t *testing.T) {
	if got := errnoOf(errPlain{}); got != syscall.EIO {
		t.Errorf("errnoOf(non-errno error) = %v, want EIO", got)
	}
}

type errPlain struct{}

func (errPlain) Error() string { return "boom" }

func TestCredsFromContextWithoutCallerReturnsZeroValue(t *testing.T) {
	creds := credsFromContext(context.Background())
	if creds.UID != 0 || creds.GID != 0 {
		t.Errorf("credsFromContext(no caller) = %+v, want zero value", creds)
	}
}

func TestFillAttrCopiesStatFields(t *testing.T) {
	st := unix.Stat_t{
		Ino:  42,
		Size: 1024,
		Mode: unix.S_IFREG | 0o644,
		Uid:  1000,
		Gid:  1000,
	}
	var out fuse.Attr
	fillAttr(&out, &st)

	if out.Ino != 42 || out.Size != 1024 || out.Mode != st.Mode {
		t.Errorf("fillAttr produced %+v from %+v", out, st)
	}
	if out.Owner.Uid != 1000 || out.Owner.Gid != 1000 {
		t.Errorf("fillAttr owner = %+v, want uid/gid 1000", out.Owner)
	}
}

func TestSliceDirStreamIteratesInOrder(t *testing.T) {
	stream := &sliceDirStream{entries: []fuse.DirEntry{
		{Name: "a"},
		{Name: "b"},
	}}
	defer stream.Close()

	var names []string
	for stream.HasNext() {
		e, errno := stream.Next()
		if errno != 0 {
			t.Fatalf("Next: errno %v", errno)
		}
		names = append(names, e.Name)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("sliceDirStream produced %v, want [a b]", names)
	}
	if _, errno := stream.Next(); errno != syscall.EINVAL {
		t.Errorf("Next past the end = %v, want EINVAL", errno)
	}
}

// statTimes reads back the atime/mtime the kernel actually recorded,
// independent of what primUtimensAt was asked to set.
func statTimes(t *testing.T, path string) (atime, mtime time.Time) {
	t.Helper()
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		t.Fatalf("Lstat(%s): %v", path, err)
	}
	return time.Unix(st.Atim.Sec, int64(st.Atim.Nsec)), time.Unix(st.Mtim.Sec, int64(st.Mtim.Nsec))
}

func TestPrimUtimensAtSetsBothWhenBothGiven(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	wantAtime := time.Unix(1_000_000, 0)
	wantMtime := time.Unix(2_000_000, 0)
	if err := primUtimensAt(path, &wantAtime, &wantMtime); err != nil {
		t.Fatalf("primUtimensAt: %v", err)
	}

	gotAtime, gotMtime := statTimes(t, path)
	if !gotAtime.Equal(wantAtime) {
		t.Errorf("atime = %v, want %v", gotAtime, wantAtime)
	}
	if !gotMtime.Equal(wantMtime) {
		t.Errorf("mtime = %v, want %v", gotMtime, wantMtime)
	}
}

// TestPrimUtimensAtOmitsUnsetMtime guards the bug a maintainer flagged:
// setting atime alone (e.g. a caller that only supplies FATTR_ATIME) must
// never bump mtime to the atime value -- the unset field has to pass
// UTIME_OMIT, not a substituted timestamp.
func TestPrimUtimensAtOmitsUnsetMtime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	baseline := time.Unix(5_000_000, 0)
	if err := primUtimensAt(path, &baseline, &baseline); err != nil {
		t.Fatalf("primUtimensAt (baseline): %v", err)
	}

	newAtime := time.Unix(9_000_000, 0)
	if err := primUtimensAt(path, &newAtime, nil); err != nil {
		t.Fatalf("primUtimensAt (atime only): %v", err)
	}

	gotAtime, gotMtime := statTimes(t, path)
	if !gotAtime.Equal(newAtime) {
		t.Errorf("atime = %v, want %v", gotAtime, newAtime)
	}
	if !gotMtime.Equal(baseline) {
		t.Errorf("mtime = %v, want unchanged baseline %v (got bumped to atime)", gotMtime, baseline)
	}
}

// TestPrimUtimensAtOmitsUnsetAtime is the mtime-only mirror: touch -m style
// calls must leave atime untouched.
func TestPrimUtimensAtOmitsUnsetAtime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	baseline := time.Unix(5_000_000, 0)
	if err := primUtimensAt(path, &baseline, &baseline); err != nil {
		t.Fatalf("primUtimensAt (baseline): %v", err)
	}

	newMtime := time.Unix(9_000_000, 0)
	if err := primUtimensAt(path, nil, &newMtime); err != nil {
		t.Fatalf("primUtimensAt (mtime only): %v", err)
	}

	gotAtime, gotMtime := statTimes(t, path)
	if !gotAtime.Equal(baseline) {
		t.Errorf("atime = %v, want unchanged baseline %v", gotAtime, baseline)
	}
	if !gotMtime.Equal(newMtime) {
		t.Errorf("mtime = %v, want %v", gotMtime, newMtime)
	}
}
