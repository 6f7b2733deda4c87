package main

import "testing"

func TestParseBranchSpec(t *testing.T) {
	branches, err := parseBranchSpec("/mnt/disk1=RW:/mnt/disk2=RO:/mnt/disk3")
	if err != nil {
		t.Fatalf("parseBranchSpec: %v", err)
	}
	if len(branches) != 3 {
		t.Fatalf("parseBranchSpec returned %d branches, want 3", len(branches))
	}
	if branches[0].Root != "/mnt/disk1" || branches[0].Mode != "RW" {
		t.Errorf("branches[0] = %+v, want {/mnt/disk1 RW}", branches[0])
	}
	if branches[1].Mode != "RO" {
		t.Errorf("branches[1].Mode = %q, want RO", branches[1].Mode)
	}
	if branches[2].Mode != "RW" {
		t.Errorf("branches[2].Mode = %q, want RW (default)", branches[2].Mode)
	}
}

func TestParseBranchSpecRejectsEmpty(t *testing.T) {
	if _, err := parseBranchSpec(""); err == nil {
		t.Fatal("parseBranchSpec(\"\") returned nil error")
	}
}
