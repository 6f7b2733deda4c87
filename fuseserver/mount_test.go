package fuseserver

import (
	"testing"

	"github.com/techie2000/mergerfs"
)

func TestMountRejectsMissingMountpoint(t *testing.T) {
	_, err := Mount(Options{
		Pipeline: &mergerfs.Pipeline{},
		Branches: mergerfs.NewBranches(nil),
	})
	if err == nil {
		t.Fatal("Mount with no mountpoint returned nil error")
	}
}

func TestMountRejectsMissingPipeline(t *testing.T) {
	_, err := Mount(Options{
		Mountpoint: t.TempDir(),
		Branches:   mergerfs.NewBranches(nil),
	})
	if err == nil {
		t.Fatal("Mount with no pipeline returned nil error")
	}
}

func TestMountRejectsMissingBranches(t *testing.T) {
	_, err := Mount(Options{
		Mountpoint: t.TempDir(),
		Pipeline:   &mergerfs.Pipeline{},
	})
	if err == nil {
		t.Fatal("Mount with no branches returned nil error")
	}
}
