// Package fuseserver binds the mergerfs request engine to a real kernel
// transport via github.com/hanwen/go-fuse/v2. Every node method is a thin
// adapter into a mergerfs.Pipeline operation; none of the engine's
// decisions (which branch, which policy, whether to clonepath, whether to
// demote) live here.
//
// Grounded on bureau-foundation-bureau/lib/artifact/fuse/mount.go, the
// pack's only production use of gofuse.Mount -- generalized from a
// read-only, content-addressed mount to a full read-write union mount
// fronting an arbitrary number of branches.
package fuseserver

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/techie2000/mergerfs"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory the union is mounted at.
	Mountpoint string

	// Pipeline is the request engine every node method delegates to.
	Pipeline *mergerfs.Pipeline

	// Branches backs statfs aggregation and readdir fan-out, which
	// operate across every branch rather than through one policy
	// selection.
	Branches *mergerfs.Branches

	// AllowOther permits other users (including root) to access the
	// mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Mount mounts the union filesystem at options.Mountpoint. The caller
// must call Unmount on the returned *fuse.Server when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("fuseserver: mountpoint is required")
	}
	if options.Pipeline == nil {
		return nil, fmt.Errorf("fuseserver: pipeline is required")
	}
	if options.Branches == nil {
		return nil, fmt.Errorf("fuseserver: branches is required")
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("fuseserver: creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &unionNode{srv: &server{options: &options}, virtualPath: "/"}

	cfg := options.Pipeline.Config.Load()
	entryTimeout := cfg.CacheEntry
	attrTimeout := cfg.CacheAttr
	negativeTimeout := cfg.CacheNegativeEntry
	if entryTimeout == 0 {
		entryTimeout = time.Second
	}
	if attrTimeout == 0 {
		attrTimeout = time.Second
	}

	var rawOptions []string
	if cfg.ResolveFUSEFlags("").AutoCache {
		// auto_cache (spec §4.G "auto_full") is a mount-wide libfuse
		// option, not a per-open FOPEN_* flag (see fuseserver/file.go).
		rawOptions = append(rawOptions, "auto_cache")
	}

	srv, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "mergerfs",
			Name:       "mergerfs",
			AllowOther: options.AllowOther,
			Options:    rawOptions,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fuseserver: mounting at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("union filesystem mounted", "mountpoint", options.Mountpoint, "branches", options.Branches.Len())
	return srv, nil
}

// server holds the shared state every unionNode delegates to. It exists
// as its own type (rather than passing *Options around directly) so that
// unionNode's fields stay small and copies of the options struct are
// never taken by accident.
type server struct {
	options *Options
}
