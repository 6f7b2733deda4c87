package mergerfs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestClonepathCreatesAncestorChain(t *testing.T) {
	source := t.TempDir()
	target := t.TempDir()

	if err := os.MkdirAll(filepath.Join(source, "a/b/c"), 0o750); err != nil {
		t.Fatal(err)
	}

	if err := Clonepath(source, target, "/a/b/c"); err != nil {
		t.Fatalf("Clonepath: %v", err)
	}

	for _, comp := range []string{"a", "a/b", "a/b/c"} {
		st, err := os.Stat(filepath.Join(target, comp))
		if err != nil {
			t.Fatalf("stat %s on target: %v", comp, err)
		}
		if !st.IsDir() {
			t.Errorf("%s on target is not a directory", comp)
		}
	}
}

func TestClonepathIsIdempotent(t *testing.T) {
	source := t.TempDir()
	target := t.TempDir()
	if err := os.MkdirAll(filepath.Join(source, "a"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(target, "a"), 0o700); err != nil {
		t.Fatal(err)
	}

	if err := Clonepath(source, target, "/a"); err != nil {
		t.Fatalf("Clonepath: %v", err)
	}

	st, err := os.Stat(filepath.Join(target, "a"))
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o700 {
		t.Errorf("Clonepath overwrote an already-existing target directory: mode = %o, want 0700", st.Mode().Perm())
	}
}

func TestClonepathRootAndEmptyAreNoOps(t *testing.T) {
	source := t.TempDir()
	target := t.TempDir()
	for _, p := range []string{"", "/", "."} {
		if err := Clonepath(source, target, p); err != nil {
			t.Errorf("Clonepath(%q) = %v, want nil", p, err)
		}
	}
}

func TestClonepathCopiesModeAndTimestamps(t *testing.T) {
	source := t.TempDir()
	target := t.TempDir()
	srcDir := filepath.Join(source, "a")
	if err := os.Mkdir(srcDir, 0o750); err != nil {
		t.Fatal(err)
	}

	if err := Clonepath(source, target, "/a"); err != nil {
		t.Fatalf("Clonepath: %v", err)
	}

	srcSt, err := os.Stat(srcDir)
	if err != nil {
		t.Fatal(err)
	}
	dstSt, err := os.Stat(filepath.Join(target, "a"))
	if err != nil {
		t.Fatal(err)
	}
	if srcSt.Mode().Perm() != dstSt.Mode().Perm() {
		t.Errorf("mode not preserved: source %o, target %o", srcSt.Mode().Perm(), dstSt.Mode().Perm())
	}
	if !srcSt.ModTime().Equal(dstSt.ModTime()) {
		t.Errorf("mtime not preserved: source %v, target %v", srcSt.ModTime(), dstSt.ModTime())
	}
}

func TestClonepathAsRootSuspendsNilScopeSafely(t *testing.T) {
	source := t.TempDir()
	target := t.TempDir()
	if err := os.MkdirAll(filepath.Join(source, "a"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := ClonepathAsRoot(nil, source, target, "/a"); err != nil {
		t.Fatalf("ClonepathAsRoot with nil scope: %v", err)
	}
}
