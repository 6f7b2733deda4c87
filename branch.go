// Package mergerfs implements a union filesystem request engine: a
// policy-dispatched pipeline that fans a single virtual path out across a
// mutable, ordered set of backing directories ("branches") and returns one
// merged result to the caller.
//
// The package has no dependency on any particular kernel transport. The
// fuseserver subpackage binds this engine to github.com/hanwen/go-fuse/v2;
// any other FUSE/9P/NFS binding could reuse the engine unchanged.
package mergerfs

import (
	"fmt"
	"sync"
)

// Mode controls what a Branch permits.
type Mode int

const (
	// RW permits both creation of new entries and modification of existing ones.
	RW Mode = iota
	// RO rejects both new creations and modification of existing entries.
	RO
	// NC ("no create") behaves like RO for creates but permits modifications.
	NC
)

func (m Mode) String() string {
	switch m {
	case RW:
		return "RW"
	case RO:
		return "RO"
	case NC:
		return "NC"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// AllowsCreate reports whether a branch in this mode may host new entries.
func (m Mode) AllowsCreate() bool { return m == RW }

// AllowsModify reports whether a branch in this mode may have existing
// entries modified.
func (m Mode) AllowsModify() bool { return m == RW || m == NC }

// Branch is a single backing directory contributing to the union.
type Branch struct {
	// Root is the absolute native directory this branch is rooted at.
	Root string
	// Mode is the branch's current create/modify permission.
	Mode Mode
	// MinFreeSpace overrides the global minimum free space floor for this
	// branch. Zero means "use the global default".
	MinFreeSpace uint64
}

// NativePath joins the branch root with a virtual path. Translation is pure
// string concatenation: the kernel has already canonicalized the virtual
// path, so no ".." resolution happens here.
func (b Branch) NativePath(virtualPath string) string {
	if virtualPath == "/" {
		return b.Root
	}
	return b.Root + virtualPath
}

// Branches is the mutable, ordered sequence of Branch that make up the
// union. Order is authoritative: policies use it for first-found
// tie-breaking. Branches is safe for concurrent use; readers take a
// snapshot, writers serialize on a mutex.
type Branches struct {
	mu   sync.RWMutex
	list []Branch
}

// NewBranches builds a Branches from an initial ordered list.
func NewBranches(initial []Branch) *Branches {
	b := &Branches{}
	b.list = append(b.list, initial...)
	return b
}

// Snapshot returns an immutable copy of the current branch list. Every
// policy evaluation and every pipeline request takes exactly one snapshot
// and uses it for the whole request; mutations after a snapshot is taken
// never invalidate it.
func (b *Branches) Snapshot() []Branch {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Branch, len(b.list))
	copy(out, b.list)
	return out
}

// Len reports the current number of branches.
func (b *Branches) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.list)
}

// SetMode changes the mode of the branch rooted at root, if present.
func (b *Branches) SetMode(root string, mode Mode) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.list {
		if b.list[i].Root == root {
			b.list[i].Mode = mode
			return true
		}
	}
	return false
}

// FindAndDemote locates the branch owning nativePath by root prefix and
// sets its mode to RO. This is the EROFS demotion rule (spec §4.A): called
// by the pipeline whenever a primitive reports EROFS against a branch, and
// always before any retry, so a branch that has gone read-only underneath
// us is never retried against forever.
func (b *Branches) FindAndDemote(nativePath string) (root string, demoted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var bestIdx = -1
	for i := range b.list {
		root := b.list[i].Root
		if len(nativePath) >= len(root) && nativePath[:len(root)] == root {
			if bestIdx == -1 || len(root) > len(b.list[bestIdx].Root) {
				bestIdx = i
			}
		}
	}
	if bestIdx == -1 {
		return "", false
	}
	b.list[bestIdx].Mode = RO
	return b.list[bestIdx].Root, true
}

// Add appends a branch to the end of the sequence.
func (b *Branches) Add(branch Branch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.list = append(b.list, branch)
}

// Remove deletes the branch rooted at root, preserving the relative order
// of the rest.
func (b *Branches) Remove(root string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.list {
		if b.list[i].Root == root {
			b.list = append(b.list[:i], b.list[i+1:]...)
			return true
		}
	}
	return false
}
