package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o644)
	require.NoError(t, err)
	return dir
}

func TestInitializeAppliesDefaults(t *testing.T) {
	dir := writeConfig(t, `
database:
  host: db.internal
  password: hunter2
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	// User values win.
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "hunter2", cfg.Database.Password)
	// Unset values fall back to built-in defaults.
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "events", cfg.Bus.Stream)
	assert.Equal(t, "manager", cfg.Bus.Group)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, "64m", cfg.Registry.DefaultSharedMemory)
	assert.Equal(t, 100, cfg.Registry.PriorityMax)
	assert.Equal(t, ":8080", cfg.HTTP.ListenAddr)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "13 * * * *", cfg.Maintenance.RecalcSchedule)
}

func TestInitializeExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "s3cret")
	dir := writeConfig(t, `
database:
  password: "{{.TEST_DB_PASSWORD}}"
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Database.Password)
}

func TestInitializeParsesDurations(t *testing.T) {
	dir := writeConfig(t, `
scheduler:
  tick_interval: 3s
  tick_jitter: 500ms
registry:
  default_max_wait: 45s
bus:
  autoclaim_idle: 1m
maintenance:
  liveness_sweep_interval: 20s
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.TickJitter)
	assert.Equal(t, 45*time.Second, cfg.Registry.DefaultMaxWait)
	assert.Equal(t, time.Minute, cfg.Bus.AutoclaimIdle)
	assert.Equal(t, 20*time.Second, cfg.Maintenance.LivenessSweepInterval)
}

func TestInitializeInvalidDurationFallsBack(t *testing.T) {
	dir := writeConfig(t, `
scheduler:
  tick_interval: not-a-duration
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.TickInterval)
}

func TestInitializeMissingFile(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigNotFound))

	var loadErr *LoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Equal(t, ConfigFileName, loadErr.File)
}

func TestInitializeInvalidYAML(t *testing.T) {
	dir := writeConfig(t, "database: [not a mapping")
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidYAML))
}

func TestInitializePriorityBounds(t *testing.T) {
	dir := writeConfig(t, `
registry:
  priority_min: 50
  priority_max: 10
`)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)

	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "registry", vErr.Section)
}
