package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 5, cfg.AsyncThreshold)
	assert.Equal(t, 60*time.Second, cfg.SyncTimeout)
	assert.Equal(t, 30*time.Minute, cfg.TaskTimeLimit)
	assert.Equal(t, "redis", cfg.StoreEnv.Backend)
	assert.Equal(t, "local", cfg.StorageEnv.Type)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("DISPATCH_ASYNC_THRESHOLD", "10")
	t.Setenv("DISPATCH_WORKER_COUNT", "0")
	t.Setenv("DISPATCH_STORE_BACKEND", "bolt")
	t.Setenv("DISPATCH_LOG_LEVEL", "debug")
	t.Setenv("DISPATCH_CORS_ORIGINS", "https://app.example.com,http://localhost:3000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.AsyncThreshold)
	assert.Equal(t, 1, cfg.WorkerCount)
	assert.Equal(t, "bolt", cfg.StoreEnv.Backend)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, []string{"https://app.example.com", "http://localhost:3000"}, cfg.CORSOrigins)
}

func TestLoad_RejectsNegativeThreshold(t *testing.T) {
	t.Setenv("DISPATCH_ASYNC_THRESHOLD", "-1")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsStaleAfterWithinTimeLimit(t *testing.T) {
	t.Setenv("DISPATCH_TASK_TIME_LIMIT", "30m")
	t.Setenv("DISPATCH_STALE_AFTER", "30m")

	_, err := Load()
	assert.ErrorContains(t, err, "STALE_AFTER")

	t.Setenv("DISPATCH_STALE_AFTER", "31m")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 31*time.Minute, cfg.StaleAfter)
}
