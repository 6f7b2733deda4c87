package mergerfs

import (
	"math/rand"
	"path"
	"syscall"

	"golang.org/x/sys/unix"
)

// Category classifies an operation the pipeline dispatches (spec §4.D).
type Category int

const (
	// CategorySearch answers "where does this already exist?". Existence
	// is the only criterion; mode is never consulted.
	CategorySearch Category = iota
	// CategoryAction answers "which existing instances may I modify?".
	CategoryAction
	// CategoryCreate answers "where should I place a new entry?".
	CategoryCreate
)

// Kind names one of the policy families in spec §4.D's table.
type Kind string

const (
	KindAll    Kind = "all"
	KindFF     Kind = "ff"
	KindFFWP   Kind = "ffwp"
	KindEPFF   Kind = "epff"
	KindEPAll  Kind = "epall"
	KindMFS    Kind = "mfs"
	KindEPMFS  Kind = "epmfs"
	KindLFS    Kind = "lfs"
	KindNewest Kind = "newest"
	KindRand   Kind = "rand"
	KindFWFS   Kind = "fwfs"
	KindPFRD   Kind = "pfrd"
)

// candidate is one branch that passed a policy's qualifying checks.
type candidate struct {
	branch Branch
	native string
}

// Evaluate runs the named policy for the given category against a branch
// snapshot and virtual path, returning the chosen native path(s) or the
// sticky errno produced by the error-merging rule. Evaluate is a pure
// function of its arguments (spec §8 "For any policy P and snapshot S ...,
// calling P twice ... returns identical results"): it does not mutate
// branches and performs no I/O beyond read-only stat/statvfs calls.
func Evaluate(kind Kind, category Category, branches []Branch, cfg *Config, virtualPath string) ([]string, error) {
	cands, err := qualify(branches, cfg, virtualPath, category, requiresExistingParent(kind))
	if err != nil {
		return nil, err
	}
	chosen, err := pickCandidates(kind, cands)
	if err != nil {
		return nil, err
	}
	return nativePaths(chosen), nil
}

// Select runs the same policy as Evaluate but returns the qualifying
// Branch values rather than native paths already joined to virtualPath.
// The pipeline needs this because a create-type operation qualifies
// branches against dirname(fusepath) but must execute the primitive
// against fusepath itself, a different virtual path than the one used
// for qualification.
func Select(kind Kind, category Category, branches []Branch, cfg *Config, virtualPath string) ([]Branch, error) {
	cands, err := qualify(branches, cfg, virtualPath, category, requiresExistingParent(kind))
	if err != nil {
		return nil, err
	}
	chosen, err := pickCandidates(kind, cands)
	if err != nil {
		return nil, err
	}
	out := make([]Branch, len(chosen))
	for i, c := range chosen {
		out[i] = c.branch
	}
	return out, nil
}

// requiresExistingParent reports whether kind is one of the
// "existing-path" variants that restrict qualification to branches where
// the virtual parent directory already exists (spec.md §4.D; disambiguated
// against original_source/src/policy_epall.cpp's epall::create).
func requiresExistingParent(kind Kind) bool {
	return kind == KindFFWP || kind == KindEPFF || kind == KindEPAll || kind == KindEPMFS
}

// pickCandidates applies the named policy's selection rule over an
// already-qualified candidate set.
func pickCandidates(kind Kind, cands []candidate) ([]candidate, error) {
	switch kind {
	case KindAll, KindEPAll:
		return cands, nil

	case KindFF, KindFFWP, KindEPFF:
		return cands[:1], nil

	case KindMFS, KindEPMFS:
		best := cands[0]
		bestAvail, _ := spaceAvail(best.branch)
		for _, c := range cands[1:] {
			avail, err := spaceAvail(c.branch)
			if err != nil {
				continue
			}
			if avail > bestAvail {
				best, bestAvail = c, avail
			}
		}
		return []candidate{best}, nil

	case KindLFS:
		best := cands[0]
		bestAvail, _ := spaceAvail(best.branch)
		for _, c := range cands[1:] {
			avail, err := spaceAvail(c.branch)
			if err != nil {
				continue
			}
			if avail < bestAvail {
				best, bestAvail = c, avail
			}
		}
		return []candidate{best}, nil

	case KindFWFS, KindPFRD:
		return []candidate{pickByFreeFraction(cands)}, nil

	case KindNewest:
		best := cands[0]
		bestMtime := int64(-1)
		for _, c := range cands {
			st, err := primLstat(c.native)
			if err != nil {
				continue
			}
			mtime := st.Mtim.Sec
			if mtime > bestMtime {
				best, bestMtime = c, mtime
			}
		}
		return []candidate{best}, nil

	case KindRand:
		return []candidate{cands[rand.Intn(len(cands))]}, nil

	default:
		return nil, syscall.EINVAL
	}
}

func nativePaths(cands []candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.native
	}
	return out
}

// pickByFreeFraction implements the proportional-fill / percentage-free
// selection (fwfs/pfrd): among qualifiers, pick the one with the greatest
// ratio of available to total space, which spreads writes across branches
// roughly proportional to how empty they are rather than by raw byte count.
func pickByFreeFraction(cands []candidate) candidate {
	best := cands[0]
	bestFrac := -1.0
	for _, c := range cands {
		st, err := primStatvfs(c.native)
		if err != nil || st.Blocks == 0 {
			continue
		}
		frac := float64(st.Bavail) / float64(st.Blocks)
		if frac > bestFrac {
			best, bestFrac = c, frac
		}
	}
	return best
}

// errPriority orders errnos by "most actionable", per spec §4.D's
// error-merging rule: ENOENT loses to EROFS, which loses to ENOSPC.
func errPriority(errno syscall.Errno) int {
	switch errno {
	case syscall.ENOSPC:
		return 3
	case syscall.EROFS:
		return 2
	case syscall.ENOENT:
		return 1
	default:
		return 0
	}
}

// promote keeps the sticky candidate errno, replacing it only when the new
// one is strictly more actionable.
func promote(sticky, next syscall.Errno) syscall.Errno {
	if sticky == 0 {
		return next
	}
	if errPriority(next) > errPriority(sticky) {
		return next
	}
	return sticky
}

// qualify applies the three-step error-merging filter (spec §4.D) over
// branches in order, for the given category. requireParent is set for the
// "existing-path" policy variants (ffwp, epff, epall, epmfs), which add the
// requirement that virtualPath already exists natively on the branch
// before any other check runs.
func qualify(branches []Branch, cfg *Config, virtualPath string, category Category, requireParent bool) ([]candidate, error) {
	var sticky syscall.Errno
	var out []candidate

	for _, b := range branches {
		exists := existsOnBranch(b, virtualPath)

		switch category {
		case CategorySearch:
			if !exists {
				sticky = promote(sticky, syscall.ENOENT)
				continue
			}
			out = append(out, candidate{branch: b, native: b.NativePath(virtualPath)})

		case CategoryAction:
			if !exists {
				sticky = promote(sticky, syscall.ENOENT)
				continue
			}
			if !b.Mode.AllowsModify() {
				sticky = promote(sticky, syscall.EROFS)
				continue
			}
			if fsReadOnly(b) {
				sticky = promote(sticky, syscall.EROFS)
				continue
			}
			out = append(out, candidate{branch: b, native: b.NativePath(virtualPath)})

		case CategoryCreate:
			if requireParent && !exists {
				sticky = promote(sticky, syscall.ENOENT)
				continue
			}
			if !b.Mode.AllowsCreate() {
				sticky = promote(sticky, syscall.EROFS)
				continue
			}
			if fsReadOnly(b) {
				sticky = promote(sticky, syscall.EROFS)
				continue
			}
			avail, err := spaceAvail(b)
			if err != nil {
				sticky = promote(sticky, syscall.ENOENT)
				continue
			}
			if avail < cfg.EffectiveMinFreeSpace(b) {
				sticky = promote(sticky, syscall.ENOSPC)
				continue
			}
			out = append(out, candidate{branch: b, native: b.NativePath(virtualPath)})
		}
	}

	if len(out) == 0 {
		if sticky == 0 {
			sticky = syscall.ENOENT
		}
		return nil, sticky
	}
	return out, nil
}

func existsOnBranch(b Branch, virtualPath string) bool {
	_, err := primLstat(b.NativePath(virtualPath))
	return err == nil
}

// fsReadOnly reports whether the host filesystem backing the branch's root
// is currently mounted read-only (ST_RDONLY), independent of the branch's
// configured Mode. A branch can be configured RW yet have its underlying
// mount go read-only out from under it; this check is what lets the
// pipeline discover that and demote (spec §4.A "EROFS demotion rule").
func fsReadOnly(b Branch) bool {
	st, err := primStatvfs(b.Root)
	if err != nil {
		return false
	}
	return st.Flags&unix.ST_RDONLY != 0
}

// spaceAvail returns the bytes available to an unprivileged writer on the
// branch's underlying filesystem, as observed right now. Free-space
// decisions use this value at policy-evaluation time; staleness by the
// time of the actual write is expected and surfaced as ENOSPC from the
// primitive layer (spec §3 invariants).
func spaceAvail(b Branch) (uint64, error) {
	st, err := primStatvfs(b.Root)
	if err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// dirname returns the virtual parent directory of a virtual path, matching
// the kernel's own path canonicalization (no ".." resolution needed).
func dirname(virtualPath string) string {
	d := path.Dir(virtualPath)
	return d
}
