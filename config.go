package mergerfs

import (
	"sync/atomic"
	"time"
)

// CacheFilesMode selects the file-cache disposition applied at open/create
// time (spec §4.G).
type CacheFilesMode int

const (
	CacheFilesLibfuse CacheFilesMode = iota
	CacheFilesOff
	CacheFilesPartial
	CacheFilesFull
	CacheFilesAutoFull
	CacheFilesPerProcess
)

// FollowSymlinks selects when cache timeouts apply to symlink targets.
type FollowSymlinks int

const (
	FollowSymlinksNever FollowSymlinks = iota
	FollowSymlinksDirectory
	FollowSymlinksAll
)

// FUSEFlags is the resolved {direct_io, keep_cache, auto_cache} triple a
// cache mode produces, per the table in spec §4.G.
type FUSEFlags struct {
	DirectIO  bool
	KeepCache bool
	AutoCache bool
}

// PolicySelection names the policy used for each operation-category and
// per-operation override (spec §6, "func.<op>.policy" / "category.*.policy").
type PolicySelection struct {
	// Category defaults.
	CreateDefault Kind
	ActionDefault Kind
	SearchDefault Kind

	// Per-operation overrides; zero value (Kind("")) means "use the
	// category default". func.getattr.policy doubles as the engine's
	// default search policy per spec §6.
	PerOp map[string]Kind
}

// PolicyFor resolves the effective policy Kind for a named operation given
// its category.
func (p PolicySelection) PolicyFor(op string, category Category) Kind {
	if k, ok := p.PerOp[op]; ok && k != "" {
		return k
	}
	switch category {
	case CategoryCreate:
		return p.CreateDefault
	case CategoryAction:
		return p.ActionDefault
	default:
		return p.SearchDefault
	}
}

// Config is a copy-on-read snapshot of current settings (spec §3
// "Config snapshot", §5 "read-copy-update"). Readers obtain a stable
// snapshot per request via ConfigStore.Load; writers install a new
// snapshot atomically via ConfigStore.Store. No reader ever observes a
// torn update.
type Config struct {
	Policies PolicySelection

	MinFreeSpace uint64 // global default; per-branch MinFreeSpace overrides it.

	CacheFiles             CacheFilesMode
	CacheFilesProcessNames map[string]bool

	DirectIO       bool
	KernelCache    bool
	AutoCache      bool
	WritebackCache bool

	CacheEntry         time.Duration
	CacheNegativeEntry time.Duration
	CacheAttr          time.Duration

	FollowSymlinks FollowSymlinks
}

// EffectiveMinFreeSpace returns the free-space floor to apply for branch b:
// its own override if set, otherwise the global default.
func (c *Config) EffectiveMinFreeSpace(b Branch) uint64 {
	if b.MinFreeSpace > 0 {
		return b.MinFreeSpace
	}
	return c.MinFreeSpace
}

// ResolveFUSEFlags computes the {direct_io, keep_cache, auto_cache} triple
// for the configured cache mode, per the table in spec §4.G. processName is
// only consulted for CacheFilesPerProcess.
func (c *Config) ResolveFUSEFlags(processName string) FUSEFlags {
	switch c.CacheFiles {
	case CacheFilesOff:
		return FUSEFlags{DirectIO: true}
	case CacheFilesPartial:
		return FUSEFlags{}
	case CacheFilesFull:
		return FUSEFlags{KeepCache: true}
	case CacheFilesAutoFull:
		return FUSEFlags{AutoCache: true}
	case CacheFilesPerProcess:
		if c.CacheFilesProcessNames[processName] {
			return FUSEFlags{}
		}
		return FUSEFlags{DirectIO: true}
	case CacheFilesLibfuse:
		fallthrough
	default:
		return FUSEFlags{DirectIO: c.DirectIO, KeepCache: c.KernelCache, AutoCache: c.AutoCache}
	}
}

// ConfigStore is an atomically swappable reference to an immutable Config
// snapshot (spec §5, §9 "Global mutable config"). Readers call Load once
// per request and hold that reference for the request's duration; writers
// build a new Config and call Store to publish it. There is no interior
// mutability exposed: a Config returned by Load must be treated as
// read-only by callers.
type ConfigStore struct {
	ptr atomic.Pointer[Config]
}

// NewConfigStore creates a ConfigStore holding the given initial snapshot.
func NewConfigStore(initial *Config) *ConfigStore {
	s := &ConfigStore{}
	s.ptr.Store(initial)
	return s
}

// Load returns the currently published snapshot.
func (s *ConfigStore) Load() *Config {
	return s.ptr.Load()
}

// Store atomically publishes a new snapshot.
func (s *ConfigStore) Store(c *Config) {
	s.ptr.Store(c)
}
