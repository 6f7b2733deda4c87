package mergerfs

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// AggregatedStatfs implements the statfs operation (spec §6: "search
// (aggregated)"). Rather than a single winning branch, it sums block and
// inode accounting across every branch in branches, reporting the union
// as if it were one filesystem. Branches sharing the same root (a
// misconfiguration, but not this engine's to reject) are counted once;
// deduplication is by root path only, so distinct roots on the same
// underlying filesystem are each counted.
func AggregatedStatfs(branches []Branch) (unix.Statfs_t, error) {
	var agg unix.Statfs_t
	found := false

	seen := make(map[string]bool, len(branches))
	for _, b := range branches {
		if seen[b.Root] {
			continue
		}
		seen[b.Root] = true

		st, err := primStatvfs(b.Root)
		if err != nil {
			continue
		}
		if !found {
			agg = *st
			found = true
			continue
		}
		agg.Blocks += st.Blocks
		agg.Bfree += st.Bfree
		agg.Bavail += st.Bavail
		agg.Files += st.Files
		agg.Ffree += st.Ffree
	}

	if !found {
		return unix.Statfs_t{}, syscall.ENOENT
	}
	return agg, nil
}
