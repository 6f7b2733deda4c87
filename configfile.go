package mergerfs

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk YAML shape of the configuration surface named
// in spec.md §6 ("not parsing — the options the engine recognizes").
// Grounded on bureau-foundation-bureau/lib/config/config.go's
// Load/LoadFile/loadFile shape: a single YAML file is the source of
// truth, loaded with gopkg.in/yaml.v3, no environment-variable overrides.
type FileConfig struct {
	Branches []FileBranch `yaml:"branches"`

	MinFreeSpace string `yaml:"minfreespace"`

	FuncPolicy     map[string]string `yaml:"func"`
	CategoryPolicy map[string]string `yaml:"category"`

	CacheFiles             string   `yaml:"cache_files"`
	CacheFilesProcessNames []string `yaml:"cache_files_process_names"`

	DirectIO       bool `yaml:"direct_io"`
	KernelCache    bool `yaml:"kernel_cache"`
	AutoCache      bool `yaml:"auto_cache"`
	WritebackCache bool `yaml:"writeback_cache"`

	CacheEntry         string `yaml:"cache_entry"`
	CacheNegativeEntry string `yaml:"cache_negative_entry"`
	CacheAttr          string `yaml:"cache_attr"`

	FollowSymlinks string `yaml:"follow_symlinks"`
}

// FileBranch is one entry of the `branches` list (spec §6: "ordered list
// of {root, mode, minfreespace?}").
type FileBranch struct {
	Root         string `yaml:"root"`
	Mode         string `yaml:"mode"`
	MinFreeSpace string `yaml:"minfreespace,omitempty"`
}

// LoadConfigFile reads and parses a YAML configuration file. There is no
// fallback discovery path -- the caller (cmd/mergerfsd) is responsible
// for resolving which file to load, mirroring bureau's "no hidden
// overrides" stance.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mergerfs: reading config %s: %w", path, err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("mergerfs: parsing config %s: %w", path, err)
	}
	return &fc, nil
}

// Build translates a FileConfig into a live Branches set and an initial
// Config snapshot. It is a pure function: no I/O beyond what the caller
// already did to obtain fc, and no global state is touched.
func (fc *FileConfig) Build() (*Branches, *Config, error) {
	if len(fc.Branches) == 0 {
		return nil, nil, fmt.Errorf("mergerfs: at least one branch is required")
	}

	globalMin, err := parseByteSize(fc.MinFreeSpace, 4<<30) // 4 GiB default, matches upstream mergerfs.
	if err != nil {
		return nil, nil, fmt.Errorf("mergerfs: minfreespace: %w", err)
	}

	branches := make([]Branch, 0, len(fc.Branches))
	for _, fb := range fc.Branches {
		mode, err := parseMode(fb.Mode)
		if err != nil {
			return nil, nil, fmt.Errorf("mergerfs: branch %s: %w", fb.Root, err)
		}
		min, err := parseByteSize(fb.MinFreeSpace, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("mergerfs: branch %s minfreespace: %w", fb.Root, err)
		}
		branches = append(branches, Branch{Root: fb.Root, Mode: mode, MinFreeSpace: min})
	}

	cacheFiles, err := parseCacheFilesMode(fc.CacheFiles)
	if err != nil {
		return nil, nil, err
	}
	followSymlinks, err := parseFollowSymlinks(fc.FollowSymlinks)
	if err != nil {
		return nil, nil, err
	}

	perOp := make(map[string]Kind, len(fc.FuncPolicy))
	for op, kind := range fc.FuncPolicy {
		perOp[op] = Kind(kind)
	}

	policies := PolicySelection{
		CreateDefault: kindOr(fc.CategoryPolicy["create"], KindEPMFS),
		ActionDefault: kindOr(fc.CategoryPolicy["action"], KindAll),
		SearchDefault: kindOr(fc.CategoryPolicy["search"], KindFF),
		PerOp:         perOp,
	}

	cacheEntry, err := parseDuration(fc.CacheEntry, time.Second)
	if err != nil {
		return nil, nil, err
	}
	cacheNegEntry, err := parseDuration(fc.CacheNegativeEntry, 0)
	if err != nil {
		return nil, nil, err
	}
	cacheAttr, err := parseDuration(fc.CacheAttr, time.Second)
	if err != nil {
		return nil, nil, err
	}

	names := make(map[string]bool, len(fc.CacheFilesProcessNames))
	for _, n := range fc.CacheFilesProcessNames {
		names[n] = true
	}

	cfg := &Config{
		Policies:               policies,
		MinFreeSpace:           globalMin,
		CacheFiles:             cacheFiles,
		CacheFilesProcessNames: names,
		DirectIO:               fc.DirectIO,
		KernelCache:            fc.KernelCache,
		AutoCache:              fc.AutoCache,
		WritebackCache:         fc.WritebackCache,
		CacheEntry:             cacheEntry,
		CacheNegativeEntry:     cacheNegEntry,
		CacheAttr:              cacheAttr,
		FollowSymlinks:         followSymlinks,
	}

	return NewBranches(branches), cfg, nil
}

func kindOr(v string, fallback Kind) Kind {
	if v == "" {
		return fallback
	}
	return Kind(v)
}

func parseMode(s string) (Mode, error) {
	switch s {
	case "", "RW", "rw":
		return RW, nil
	case "RO", "ro":
		return RO, nil
	case "NC", "nc":
		return NC, nil
	default:
		return RW, fmt.Errorf("unknown branch mode %q", s)
	}
}

func parseCacheFilesMode(s string) (CacheFilesMode, error) {
	switch s {
	case "", "libfuse":
		return CacheFilesLibfuse, nil
	case "off":
		return CacheFilesOff, nil
	case "partial":
		return CacheFilesPartial, nil
	case "full":
		return CacheFilesFull, nil
	case "auto_full":
		return CacheFilesAutoFull, nil
	case "per_process":
		return CacheFilesPerProcess, nil
	default:
		return CacheFilesLibfuse, fmt.Errorf("unknown cache_files mode %q", s)
	}
}

func parseFollowSymlinks(s string) (FollowSymlinks, error) {
	switch s {
	case "", "never":
		return FollowSymlinksNever, nil
	case "directory":
		return FollowSymlinksDirectory, nil
	case "all":
		return FollowSymlinksAll, nil
	default:
		return FollowSymlinksNever, fmt.Errorf("unknown follow_symlinks mode %q", s)
	}
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing duration %q: %w", s, err)
	}
	return d, nil
}

// parseByteSize parses sizes like "4G", "512M", "100000" (bytes). Empty
// string yields fallback.
func parseByteSize(s string, fallback uint64) (uint64, error) {
	if s == "" {
		return fallback, nil
	}
	mult := uint64(1)
	suffix := s[len(s)-1]
	numeric := s
	switch suffix {
	case 'K', 'k':
		mult = 1 << 10
		numeric = s[:len(s)-1]
	case 'M', 'm':
		mult = 1 << 20
		numeric = s[:len(s)-1]
	case 'G', 'g':
		mult = 1 << 30
		numeric = s[:len(s)-1]
	case 'T', 't':
		mult = 1 << 40
		numeric = s[:len(s)-1]
	}
	var value uint64
	if _, err := fmt.Sscanf(numeric, "%d", &value); err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return value * mult, nil
}
