// Package config provides configuration management for workgraph.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
	// Dir is the workgraph data directory.
	Dir = ".workgraph"
)

// Backend selects the status store implementation.
type Backend string

const (
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
)

// LockConfig tunes advisory lock acquisition. The staleness threshold must
// exceed the longest expected single update duration; there is no canonical
// value, so it is configuration rather than a constant.
type LockConfig struct {
	// PollInterval between acquisition attempts.
	PollInterval time.Duration `yaml:"poll_interval"`
	// AcquireTimeout is the hard bound on waiting for the lock.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	// Staleness is the token age past which an abandoned lock is reclaimed.
	Staleness time.Duration `yaml:"staleness"`
}

// DispatchConfig tunes the execution coordinator.
type DispatchConfig struct {
	// MaxConcurrent bounds simultaneous workers.
	MaxConcurrent int `yaml:"max_concurrent"`
	// WorkerCommand is the external command items are delegated to.
	WorkerCommand []string `yaml:"worker_command,omitempty"`
}

// ReconcileConfig tunes evidence classification.
type ReconcileConfig struct {
	// MinSubstanceBytes is the stub threshold for deliverable content.
	MinSubstanceBytes int `yaml:"min_substance_bytes"`
	// Markers are the unresolved-work markers searched in deliverables.
	Markers []string `yaml:"markers,omitempty"`
	// EvidenceRoot is the directory deliverable paths resolve against.
	// Empty means the project root.
	EvidenceRoot string `yaml:"evidence_root,omitempty"`
}

// StoreConfig selects and locates the status store.
type StoreConfig struct {
	Backend Backend `yaml:"backend"`
	// Path overrides the default store location inside the workgraph
	// directory.
	Path string `yaml:"path,omitempty"`
}

// Config is the workgraph configuration.
type Config struct {
	Version   int             `yaml:"version"`
	Store     StoreConfig     `yaml:"store"`
	Lock      LockConfig      `yaml:"lock"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Store:   StoreConfig{Backend: BackendFile},
		Lock: LockConfig{
			PollInterval:   100 * time.Millisecond,
			AcquireTimeout: 10 * time.Second,
			Staleness:      60 * time.Second,
		},
		Dispatch: DispatchConfig{
			MaxConcurrent: 4,
		},
		Reconcile: ReconcileConfig{
			MinSubstanceBytes: 200,
			Markers:           []string{"TODO", "FIXME", "TBD", "[ ]"},
		},
	}
}

// Load reads the config from dir, falling back to defaults when the file
// does not exist.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to dir.
func (c *Config) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("invalid store backend %q", c.Store.Backend)
	}
	if c.Lock.PollInterval <= 0 {
		return fmt.Errorf("lock poll_interval must be positive")
	}
	if c.Lock.AcquireTimeout <= 0 {
		return fmt.Errorf("lock acquire_timeout must be positive")
	}
	if c.Lock.Staleness <= 0 {
		return fmt.Errorf("lock staleness must be positive")
	}
	if c.Dispatch.MaxConcurrent < 1 {
		return fmt.Errorf("dispatch max_concurrent must be at least 1")
	}
	if c.Reconcile.MinSubstanceBytes < 0 {
		return fmt.Errorf("reconcile min_substance_bytes must not be negative")
	}
	return nil
}
