package mergerfs

import "testing"

func TestModeAllows(t *testing.T) {
	cases := []struct {
		mode         Mode
		allowCreate  bool
		allowModify  bool
	}{
		{RW, true, true},
		{RO, false, false},
		{NC, false, true},
	}
	for _, c := range cases {
		if got := c.mode.AllowsCreate(); got != c.allowCreate {
			t.Errorf("%s.AllowsCreate() = %v, want %v", c.mode, got, c.allowCreate)
		}
		if got := c.mode.AllowsModify(); got != c.allowModify {
			t.Errorf("%s.AllowsModify() = %v, want %v", c.mode, got, c.allowModify)
		}
	}
}

func TestBranchNativePath(t *testing.T) {
	b := Branch{Root: "/mnt/disk1"}
	if got := b.NativePath("/"); got != "/mnt/disk1" {
		t.Errorf("NativePath(/) = %q, want /mnt/disk1", got)
	}
	if got := b.NativePath("/a/b.txt"); got != "/mnt/disk1/a/b.txt" {
		t.Errorf("NativePath(/a/b.txt) = %q, want /mnt/disk1/a/b.txt", got)
	}
}

func TestBranchesSnapshotIsolated(t *testing.T) {
	b := NewBranches([]Branch{{Root: "/mnt/disk1", Mode: RW}})
	snap := b.Snapshot()
	b.Add(Branch{Root: "/mnt/disk2", Mode: RW})

	if len(snap) != 1 {
		t.Fatalf("snapshot mutated by later Add: len = %d, want 1", len(snap))
	}
	if b.Len() != 2 {
		t.Errorf("Len() = %d, want 2", b.Len())
	}
}

func TestBranchesSetMode(t *testing.T) {
	b := NewBranches([]Branch{{Root: "/mnt/disk1", Mode: RW}})
	if !b.SetMode("/mnt/disk1", RO) {
		t.Fatal("SetMode on existing root returned false")
	}
	if b.SetMode("/mnt/nope", RO) {
		t.Fatal("SetMode on missing root returned true")
	}
	snap := b.Snapshot()
	if snap[0].Mode != RO {
		t.Errorf("mode after SetMode = %s, want RO", snap[0].Mode)
	}
}

func TestBranchesFindAndDemote(t *testing.T) {
	b := NewBranches([]Branch{
		{Root: "/mnt/disk1", Mode: RW},
		{Root: "/mnt/disk1/nested", Mode: RW},
	})

	// The longest matching root prefix must win, not just the first match.
	root, ok := b.FindAndDemote("/mnt/disk1/nested/file.txt")
	if !ok || root != "/mnt/disk1/nested" {
		t.Fatalf("FindAndDemote = (%q, %v), want (/mnt/disk1/nested, true)", root, ok)
	}

	snap := b.Snapshot()
	if snap[0].Mode != RW {
		t.Error("unrelated branch demoted")
	}
	if snap[1].Mode != RO {
		t.Error("matching branch not demoted")
	}

	if _, ok := b.FindAndDemote("/no/such/branch/file"); ok {
		t.Error("FindAndDemote matched a path under no configured branch")
	}
}

func TestBranchesRemove(t *testing.T) {
	b := NewBranches([]Branch{
		{Root: "/mnt/disk1", Mode: RW},
		{Root: "/mnt/disk2", Mode: RW},
	})
	if !b.Remove("/mnt/disk1") {
		t.Fatal("Remove existing root returned false")
	}
	snap := b.Snapshot()
	if len(snap) != 1 || snap[0].Root != "/mnt/disk2" {
		t.Errorf("snapshot after Remove = %+v, want [{/mnt/disk2 ...}]", snap)
	}
	if b.Remove("/mnt/disk1") {
		t.Error("Remove of already-removed root returned true")
	}
}
