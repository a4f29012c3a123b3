package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 4, cfg.Scheduler.MaxConcurrentSteps)
	assert.Equal(t, 3, cfg.Scheduler.MaxRetries)
	assert.Equal(t, time.Hour, cfg.Idempotency.TTL.Std())
	assert.Equal(t, 24*time.Hour, cfg.Checkpoint.TTL.Std())
	assert.Equal(t, 30*time.Minute, cfg.Healing.ApprovalTimeout.Std())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Scheduler.MaxConcurrentSteps, cfg.Scheduler.MaxConcurrentSteps)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  max_concurrent_steps: 8
  max_retries: 5
  retry_backoff_base: 2s
idempotency:
  ttl: 30m
async:
  default_stale_threshold: 90
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Scheduler.MaxConcurrentSteps)
	assert.Equal(t, 5, cfg.Scheduler.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.RetryBackoffBase.Std())
	assert.Equal(t, 30*time.Minute, cfg.Idempotency.TTL.Std())
	// Bare numbers are seconds.
	assert.Equal(t, 90*time.Second, cfg.Async.DefaultStaleThreshold.Std())
	// Unspecified values keep their defaults.
	assert.Equal(t, Default().Checkpoint.TTL, cfg.Checkpoint.TTL)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"scheduler": {"max_concurrent_steps": 2},
		"checkpoint": {"ttl": "48h"}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Scheduler.MaxConcurrentSteps)
	assert.Equal(t, 48*time.Hour, cfg.Checkpoint.TTL.Std())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTCORE_DB_PATH", "/tmp/override.db")
	t.Setenv("AGENTCORE_MAX_CONCURRENT_STEPS", "16")
	t.Setenv("AGENTCORE_IDEMPOTENCY_TTL", "15m")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.Store.DatabasePath)
	assert.Equal(t, 16, cfg.Scheduler.MaxConcurrentSteps)
	assert.Equal(t, 15*time.Minute, cfg.Idempotency.TTL.Std())
}

func TestEnvOverrideIgnoresGarbage(t *testing.T) {
	t.Setenv("AGENTCORE_MAX_CONCURRENT_STEPS", "lots")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Scheduler.MaxConcurrentSteps, cfg.Scheduler.MaxConcurrentSteps)
}

func TestValidateRejectsWedgingConfigs(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.MaxConcurrentSteps = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Idempotency.TTL = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Async.DefaultStaleThreshold = Duration(time.Hour)
	cfg.Async.DefaultMaxTimeout = Duration(time.Minute)
	assert.Error(t, cfg.Validate())
}

func TestDurationParsing(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
	}{
		{"5m", 5 * time.Minute},
		{"500ms", 500 * time.Millisecond},
		{"30", 30 * time.Second},
		{"", 0},
	}
	for _, tc := range cases {
		var d Duration
		require.NoError(t, d.parse(tc.raw), tc.raw)
		assert.Equal(t, tc.want, d.Std(), tc.raw)
	}

	var d Duration
	assert.Error(t, d.parse("five minutes"))
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "core.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  max_concurrent_steps: 4\n"), 0o644))

	reloaded := make(chan Config, 4)
	w, err := NewWatcher(path, func(cfg Config) { reloaded <- cfg })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  max_concurrent_steps: 9\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9, cfg.Scheduler.MaxConcurrentSteps)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not reload after write")
	}
}
