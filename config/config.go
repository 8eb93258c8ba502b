// Package config holds the daemon's global configuration: where metadata
// and base directories live, which virtual paths are configured, where
// upload keys are read from, and cleanup cadence knobs.
package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	coretypes "github.com/projecteru2/core/types"
)

// Directory describes one configured virtual parent: a key under which
// uploads are admitted, how many path levels are required below it, and
// whether replace is forbidden.
type Directory struct {
	// NumLevels is the required vpath.Level() for any upload under this
	// directory's key.
	NumLevels int `mapstructure:"num_levels"`
	// AppendOnly forbids ReplaceDir for this directory.
	AppendOnly bool `mapstructure:"append_only"`
	// AutoClean enables the cleanup loop's eviction pass for this directory.
	AutoClean bool `mapstructure:"auto_clean"`
	// UploadKeysDir is the directory of SSH-authorized-keys-format public
	// keys trusted to sign uploads to this directory.
	UploadKeysDir string `mapstructure:"upload_keys"`
	// BaseDir is the on-disk parent directory final images are committed
	// under.
	BaseDir string `mapstructure:"base_dir"`
}

// Config holds global daemon configuration.
type Config struct {
	// RootDir is the base directory for persistent metadata (signatures,
	// indexes).
	RootDir string `mapstructure:"root_dir"`
	// PoolSize is the disk pipeline's goroutine pool size. Defaults to
	// runtime.NumCPU() if zero.
	PoolSize int `mapstructure:"pool_size"`
	// Dirs maps a virtual path key to its Directory configuration.
	Dirs map[string]*Directory `mapstructure:"dirs"`
	// AggressiveIndexGC forces an IndexGc command on every reschedule tick
	// instead of waiting for DeletedSinceIndexGCThreshold.
	AggressiveIndexGC bool `mapstructure:"aggressive_index_gc"`
	// DeletedSinceIndexGCThreshold is how many state-file deletions
	// accumulate before the cleanup loop schedules an IndexGc.
	DeletedSinceIndexGCThreshold int `mapstructure:"deleted_since_index_gc_threshold"`
	// RescheduleInterval is the cleanup loop's reschedule cadence, normally
	// every 10s.
	RescheduleInterval time.Duration `mapstructure:"reschedule_interval"`
	// DryRunWindow is how long after startup the cleanup loop computes but
	// does not apply deletions.
	DryRunWindow time.Duration `mapstructure:"dry_run_window"`

	// Log configures structured logging, using eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `mapstructure:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir:                      "/var/lib/ciruela",
		PoolSize:                     runtime.NumCPU(),
		Dirs:                         map[string]*Directory{},
		DeletedSinceIndexGCThreshold: 100,
		RescheduleInterval:           10 * time.Second,
		DryRunWindow:                 10 * time.Minute,
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// SignaturesDir is the root of the signature store.
func (c *Config) SignaturesDir() string {
	return filepath.Join(c.RootDir, "signatures")
}

// IndexesDir is the root of the index store.
func (c *Config) IndexesDir() string {
	return filepath.Join(c.RootDir, "indexes")
}

// DirectoryFor resolves the configured Directory for a key, mirroring
// metadata/upload.rs's `meta.0.config.dirs.get(vpath.key())`.
func (c *Config) DirectoryFor(key string) (*Directory, bool) {
	d, ok := c.Dirs[key]
	return d, ok
}

// Validate checks that PoolSize and cadence knobs are sane, filling in
// defaults where the zero value would be unusable.
func (c *Config) Validate() error {
	if c.RootDir == "" {
		return fmt.Errorf("config: root_dir is required")
	}
	if c.PoolSize <= 0 {
		c.PoolSize = runtime.NumCPU()
	}
	if c.RescheduleInterval <= 0 {
		c.RescheduleInterval = 10 * time.Second
	}
	if c.DryRunWindow <= 0 {
		c.DryRunWindow = 10 * time.Minute
	}
	return nil
}
