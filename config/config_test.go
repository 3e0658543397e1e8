package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, "taskrelay", cfg.Queues.Prefix)
	assert.Equal(t, "claude", cfg.Tool.Name)
	assert.Equal(t, 300*time.Second, cfg.Tool.Timeout.Std())
	assert.Equal(t, 5*time.Minute, cfg.Worker.ReclaimDelay.Std())
	assert.NotEmpty(t, cfg.Worker.ID, "worker id falls back to the hostname")
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskrelay.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[redis]
addr = "redis.internal:6380"
db = 2

[tool]
model = "opus"
timeout = "30s"

[worker]
id = "worker-a"
num_workers = 4
reclaim_delay = "1m"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "opus", cfg.Tool.Model)
	assert.Equal(t, 30*time.Second, cfg.Tool.Timeout.Std())
	assert.Equal(t, "worker-a", cfg.Worker.ID)
	assert.Equal(t, 4, cfg.Worker.NumWorkers)
	assert.Equal(t, time.Minute, cfg.Worker.ReclaimDelay.Std())

	// untouched sections keep their defaults
	assert.Equal(t, "claude", cfg.Tool.Name)
	assert.Equal(t, "tasks", cfg.Queues.Tasks)
}

func TestLoad_BadDurationFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskrelay.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[tool]
timeout = "five minutes"
`), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestNormalized_ClampsZeroValues(t *testing.T) {
	cfg := Config{}.normalized()

	assert.Equal(t, 1, cfg.Worker.NumWorkers)
	assert.EqualValues(t, 5, cfg.Worker.MaxReceive)
	assert.Equal(t, 300*time.Second, cfg.Tool.Timeout.Std())
	assert.Equal(t, 5*time.Minute, cfg.Worker.ReclaimDelay.Std())
}
