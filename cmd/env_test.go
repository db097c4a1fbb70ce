package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-scorer/internal/config"
	"github.com/sells-group/lead-scorer/internal/model"
	"github.com/sells-group/lead-scorer/internal/resilience"
)

// useTestConfig points the package config at a fresh SQLite file.
func useTestConfig(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	c, err := config.Load()
	require.NoError(t, err)
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(dir, "test.db")
	c.Server.EmbeddedWorker = false

	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	useTestConfig(t)
	cfg.Store.Driver = "mysql"

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitEnv_APIOnly(t *testing.T) {
	useTestConfig(t)

	env, err := initEnv(context.Background(), "serve", true, false)
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Store)
	assert.NotNil(t, env.Manager)
	assert.Nil(t, env.Orchestrator)
}

func TestInitEnv_WorkerNeedsAnthropicKey(t *testing.T) {
	useTestConfig(t)
	cfg.Anthropic.Key = ""

	_, err := initEnv(context.Background(), "worker", true, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestInitEnv_ScoreBuildsOrchestrator(t *testing.T) {
	useTestConfig(t)
	cfg.Anthropic.Key = "sk-ant-test"

	env, err := initEnv(context.Background(), "score", false, true)
	require.NoError(t, err)
	defer env.Close()

	assert.Nil(t, env.Store)
	assert.Nil(t, env.Manager)
	assert.NotNil(t, env.Orchestrator)
	assert.NotNil(t, env.Limiter)
	require.NotNil(t, env.Scorer)
	assert.Equal(t, resilience.CircuitClosed, env.Scorer.BreakerState())
}

func TestInitEnv_BadWeightsFile(t *testing.T) {
	useTestConfig(t)
	cfg.Anthropic.Key = "sk-ant-test"
	cfg.Scoring.WeightsFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := initEnv(context.Background(), "score", false, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load weight profiles")
}

func TestBuildRouter_HealthAndJobs(t *testing.T) {
	useTestConfig(t)

	env, err := initEnv(context.Background(), "serve", true, false)
	require.NoError(t, err)
	defer env.Close()

	srv := httptest.NewServer(buildRouter(env))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Post(srv.URL+"/v1/jobs", "application/json",
		strings.NewReader(`{"leads": [{"company": "Alpine Roofing"}]}`))
	require.NoError(t, err)
	defer resp2.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusAccepted, resp2.StatusCode)

	var body struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))

	snap, err := env.Manager.GetStatus(context.Background(), body.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, snap.Job.Status)
	assert.Equal(t, 1, snap.Job.Total)
}
