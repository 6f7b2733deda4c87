// Command mergerfsd mounts a union filesystem: an ordered set of backing
// directories ("branches") presented through a single mountpoint, with
// policy-dispatched create/search/action dispatch, EROFS branch demotion,
// and clonepath propagation (see the root mergerfs package).
//
// Usage:
//
//	mergerfsd --config mergerfs.yaml MOUNTPOINT
//	mergerfsd -o /mnt/disk1=RW:/mnt/disk2=RW:/mnt/disk3=RO MOUNTPOINT
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/techie2000/mergerfs"
	"github.com/techie2000/mergerfs/fuseserver"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		branchSpec string
		allowOther bool
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "mergerfsd MOUNTPOINT",
		Short: "Mount a policy-dispatched union filesystem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(runOptions{
				mountpoint: args[0],
				configPath: configPath,
				branchSpec: branchSpec,
				allowOther: allowOther,
				debug:      debug,
			})
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file (branches, policies, cache_files, ...)")
	f.StringVarP(&branchSpec, "branches", "o", "", "inline branch list, colon-separated root=MODE pairs (e.g. /mnt/a=RW:/mnt/b=RO), overrides --config branches")
	f.BoolVar(&allowOther, "allow-other", false, "allow access to the mount by users other than the one that invoked mergerfsd")
	f.BoolVar(&debug, "debug", false, "enable debug-level logging")

	return cmd
}

type runOptions struct {
	mountpoint string
	configPath string
	branchSpec string
	allowOther bool
	debug      bool
}

func run(opts runOptions) error {
	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	branches, cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("mergerfsd: %w", err)
	}

	configStore := mergerfs.NewConfigStore(cfg)
	handles := mergerfs.NewHandleRegistry()
	pipeline := mergerfs.NewPipeline(configStore, branches, handles, logger)

	srv, err := fuseserver.Mount(fuseserver.Options{
		Mountpoint: opts.mountpoint,
		Pipeline:   pipeline,
		Branches:   branches,
		AllowOther: opts.allowOther,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("mergerfsd: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, unmounting", "signal", sig.String())
		if err := srv.Unmount(); err != nil {
			logger.Warn("unmount failed", "error", err)
		}
	}()

	srv.Wait()
	return nil
}

// loadConfig resolves the branch set and initial Config snapshot from
// either --config, --branches, or both (--branches overrides the
// branches list loaded from --config, everything else from --config
// still applies).
func loadConfig(opts runOptions) (*mergerfs.Branches, *mergerfs.Config, error) {
	var fc *mergerfs.FileConfig
	if opts.configPath != "" {
		loaded, err := mergerfs.LoadConfigFile(opts.configPath)
		if err != nil {
			return nil, nil, err
		}
		fc = loaded
	} else {
		fc = &mergerfs.FileConfig{}
	}

	if opts.branchSpec != "" {
		parsed, err := parseBranchSpec(opts.branchSpec)
		if err != nil {
			return nil, nil, err
		}
		fc.Branches = parsed
	}

	return fc.Build()
}

// parseBranchSpec parses the mergerfs-style "-o" inline branch list:
// colon-separated root=MODE pairs, MODE defaulting to RW when omitted.
func parseBranchSpec(spec string) ([]mergerfs.FileBranch, error) {
	parts := strings.Split(spec, ":")
	branches := make([]mergerfs.FileBranch, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		root, mode, found := strings.Cut(part, "=")
		if !found {
			mode = "RW"
		}
		branches = append(branches, mergerfs.FileBranch{Root: root, Mode: mode})
	}
	if len(branches) == 0 {
		return nil, fmt.Errorf("no branches given in %q", spec)
	}
	return branches, nil
}
