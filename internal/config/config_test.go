package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Limiter.MaxConcurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Limiter.MinDelay())
	assert.Equal(t, 2*time.Second, cfg.Limiter.BaseBackoff())
	assert.Equal(t, time.Minute, cfg.Limiter.MaxBackoff())
	assert.Equal(t, 2*time.Minute, cfg.Limiter.ResetWindow())
	assert.Equal(t, 6*time.Hour, cfg.Resolver.CacheTTL())
	assert.Equal(t, 2, cfg.Resolver.MinTokenMatches)
	assert.Equal(t, "/maps/place/", cfg.Resolver.CanonicalPattern)
	assert.False(t, cfg.Resolver.RenderEnabled)
	assert.Equal(t, "https://r.jina.ai", cfg.Jina.BaseURL)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Equal(t, 5, cfg.Scoring.BatchSize)
	assert.Equal(t, 150*time.Millisecond, cfg.Scoring.FlushDelay())
	assert.Equal(t, 5, cfg.Orchestrator.MaxConcurrency)
	assert.Equal(t, 5*time.Minute, cfg.Jobs.StaleAfter())
	assert.Equal(t, 30*time.Second, cfg.Jobs.Heartbeat())
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
  format: console
limiter:
  max_concurrency: 2
orchestrator:
  max_concurrency: 12
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 2, cfg.Limiter.MaxConcurrency)
	assert.Equal(t, 12, cfg.Orchestrator.MaxConcurrency)
	// Defaults still apply for unset values
	assert.Equal(t, 250, cfg.Limiter.MinDelayMs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("LEADSCORE_STORE_DRIVER", "postgres")
	t.Setenv("LEADSCORE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("LEADSCORE_JOBS_STALE_AFTER_SECS", "90")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Jobs.StaleAfter())
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with the knobs validation looks at populated.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/leads"
	cfg.Server.Port = 8080
	cfg.Limiter.MaxConcurrency = 4
	cfg.Orchestrator.MaxConcurrency = 5
	cfg.Jobs.StaleAfterSecs = 300
	cfg.Jobs.HeartbeatSecs = 30
	cfg.Anthropic.Key = "sk-ant-key"
	return cfg
}

func TestValidate_AllModes(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"serve", "worker", "score", "migrate"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidateWorker_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	cfg.Anthropic.Key = ""

	err := cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestValidateServe_APIOnlySkipsAnthropic(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = ""
	cfg.Server.EmbeddedWorker = false

	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Limiter.MaxConcurrency = 0
	err := cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limiter.max_concurrency must be between 1 and 50")

	cfg.Limiter.MaxConcurrency = 4
	cfg.Orchestrator.MaxConcurrency = 51
	err = cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orchestrator.max_concurrency must be between 1 and 50")
}

func TestValidateHeartbeatBelowStaleness(t *testing.T) {
	cfg := validDefaults()
	cfg.Jobs.HeartbeatSecs = 300

	err := cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jobs.heartbeat_secs")
}
