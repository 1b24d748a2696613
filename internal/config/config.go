// Package config loads TelevyBackup's on-disk configuration: endpoint
// credential pointers, per-target source paths, chunker/pack tuning, and
// the three persistence locations (config dir, data dir, log dir).
// A DefaultConfig/LoadConfig pair decodes TOML via github.com/BurntSushi/toml
// and validates through internal/validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/IvanLi-CN/televy-backup/internal/validation"
)

// EndpointConfig describes one logical remote channel configuration.
// Credentials are never stored here, only the non-secret scoping and
// rate-limit policy; secrets come from the environment at run time.
type EndpointConfig struct {
	EndpointID           string `toml:"endpoint_id"`
	MaxConcurrentUploads int    `toml:"max_concurrent_uploads"`
	MinDelayMS           int    `toml:"min_delay_ms"`
}

// TargetConfig describes one backup target bound to an endpoint.
type TargetConfig struct {
	TargetID   string `toml:"target_id"`
	SourcePath string `toml:"source_path"`
	Label      string `toml:"label"`
	EndpointID string `toml:"endpoint_id"`
}

// ChunkerConfig holds the content-defined chunker's clamp parameters.
type ChunkerConfig struct {
	MinBytes int64 `toml:"min_bytes"`
	AvgBytes int64 `toml:"avg_bytes"`
	MaxBytes int64 `toml:"max_bytes"`
}

// PackConfig holds the pack writer's size and entry limits.
type PackConfig struct {
	MaxBytes          int64 `toml:"max_bytes"`
	TargetBytes       int64 `toml:"target_bytes"`
	TargetJitterBytes int64 `toml:"target_jitter_bytes"`
	MaxEntries        int   `toml:"max_entries"`
}

// RetentionConfig bounds how many snapshots per target survive finalize.
type RetentionConfig struct {
	KeepSnapshots int `toml:"keep_snapshots"`
}

// Config is the full on-disk configuration document.
type Config struct {
	ConfigDir string `toml:"-"`
	DataDir   string `toml:"data_dir"`
	LogDir    string `toml:"log_dir"`

	Endpoints []EndpointConfig `toml:"endpoints"`
	Targets   []TargetConfig   `toml:"targets"`

	Chunker   ChunkerConfig   `toml:"chunker"`
	Pack      PackConfig      `toml:"pack"`
	Retention RetentionConfig `toml:"retention"`

	IndexPartBytes int64 `toml:"index_part_bytes"`

	// PhaseTimeout is the deadline the backup command applies to one whole
	// pipeline Run: scan, upload, index and finalize share it, and no
	// phase has a deadline of its own.
	PhaseTimeout time.Duration `toml:"phase_timeout"`
}

// DefaultConfig returns TelevyBackup's defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".local", "share", "televybackup")
	return &Config{
		ConfigDir: filepath.Join(home, ".config", "televybackup"),
		DataDir:   dataDir,
		LogDir:    filepath.Join(dataDir, "log"),
		Chunker: ChunkerConfig{
			MinBytes: 1 << 20,
			AvgBytes: 4 << 20,
			MaxBytes: 10 << 20,
		},
		Pack: PackConfig{
			MaxBytes:          128 << 20,
			TargetBytes:       64 << 20,
			TargetJitterBytes: 8 << 20,
			MaxEntries:        32,
		},
		Retention:      RetentionConfig{KeepSnapshots: 30},
		IndexPartBytes: 32 << 20,
		PhaseTimeout:   2 * time.Hour,
	}
}

// LoadConfig reads and decodes a TOML document at path, filling any field
// the file omits from DefaultConfig. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.ConfigDir = filepath.Dir(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.ConfigDir = filepath.Dir(path)
	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides lets deployment wrap the daemon without editing its
// config file on disk.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TELEVYBACKUP_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TELEVYBACKUP_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
}

// SaveDefault writes a freshly-generated default config document to path.
// The CLI's init path calls this when no config exists yet rather than
// requiring the user to hand-write TOML.
func SaveDefault(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("config: create config dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, fmt.Errorf("config: encode %s: %w", path, err)
	}
	return cfg, nil
}

// Validate applies internal/validation's checks to every field the
// pipeline depends on for correctness, returning the first violation
// found.
func (c *Config) Validate() error {
	if err := validation.ValidateStringNonEmpty(c.DataDir); err != nil {
		return fmt.Errorf("config: data_dir: %w", err)
	}
	if err := validation.ValidateOrdered(c.Chunker.MinBytes, c.Chunker.AvgBytes, c.Chunker.MaxBytes); err != nil {
		return fmt.Errorf("config: chunker sizes: %w", err)
	}
	if err := validation.ValidateRangeInt(c.Pack.MaxEntries, 1, 4096); err != nil {
		return fmt.Errorf("config: pack.max_entries: %w", err)
	}
	for _, ep := range c.Endpoints {
		if err := validation.ValidateStringNonEmpty(ep.EndpointID); err != nil {
			return fmt.Errorf("config: endpoint_id: %w", err)
		}
		if err := validation.ValidateRangeInt(ep.MaxConcurrentUploads, 1, 256); err != nil {
			return fmt.Errorf("config: endpoint %s max_concurrent_uploads: %w", ep.EndpointID, err)
		}
	}
	for _, t := range c.Targets {
		if err := validation.ValidateFilePath(t.SourcePath, false); err != nil {
			return fmt.Errorf("config: target %s source_path: %w", t.TargetID, err)
		}
	}
	return nil
}

// IndexPath returns the per-endpoint manifest SQLite path.
func (c *Config) IndexPath(endpointID string) string {
	return filepath.Join(c.DataDir, "index", fmt.Sprintf("index.%s.sqlite", endpointID))
}

// MTProtoCacheDir returns the download-resume cache directory.
func (c *Config) MTProtoCacheDir() string {
	return filepath.Join(c.DataDir, "cache", "mtproto")
}

// Endpoint looks up an endpoint by id.
func (c *Config) Endpoint(id string) (EndpointConfig, bool) {
	for _, e := range c.Endpoints {
		if e.EndpointID == id {
			return e, true
		}
	}
	return EndpointConfig{}, false
}

// Target looks up a target by id.
func (c *Config) Target(id string) (TargetConfig, bool) {
	for _, t := range c.Targets {
		if t.TargetID == id {
			return t, true
		}
	}
	return TargetConfig{}, false
}
