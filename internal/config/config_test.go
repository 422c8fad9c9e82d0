package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, BackendFile, cfg.Store.Backend)
	assert.Equal(t, 100*time.Millisecond, cfg.Lock.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.Lock.AcquireTimeout)
	assert.Equal(t, 60*time.Second, cfg.Lock.Staleness)
	assert.Equal(t, 4, cfg.Dispatch.MaxConcurrent)
	assert.Equal(t, 200, cfg.Reconcile.MinSubstanceBytes)
	assert.Equal(t, []string{"TODO", "FIXME", "TBD", "[ ]"}, cfg.Reconcile.Markers)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Store.Backend = BackendSQLite
	cfg.Dispatch.MaxConcurrent = 8
	cfg.Dispatch.WorkerCommand = []string{"./run.sh", "--fast"}
	cfg.Reconcile.Markers = []string{"XXX"}
	require.NoError(t, cfg.Save(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	data := []byte("dispatch:\n  max_concurrent: 2\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), data, 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Dispatch.MaxConcurrent)
	assert.Equal(t, BackendFile, cfg.Store.Backend)
	assert.Equal(t, 200, cfg.Reconcile.MinSubstanceBytes)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("{not yaml"), 0o644))

	_, err := Load(dir)
	assert.ErrorContains(t, err, "parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad backend", func(c *Config) { c.Store.Backend = "redis" }, "invalid store backend"},
		{"zero poll", func(c *Config) { c.Lock.PollInterval = 0 }, "poll_interval"},
		{"zero timeout", func(c *Config) { c.Lock.AcquireTimeout = 0 }, "acquire_timeout"},
		{"zero staleness", func(c *Config) { c.Lock.Staleness = 0 }, "staleness"},
		{"zero concurrency", func(c *Config) { c.Dispatch.MaxConcurrent = 0 }, "max_concurrent"},
		{"negative substance", func(c *Config) { c.Reconcile.MinSubstanceBytes = -1 }, "min_substance_bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}
}
