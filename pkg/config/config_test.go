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
	cfg := Defaults()
	assert.Equal(t, "high", cfg.HighQueue)
	assert.Equal(t, "default", cfg.DefaultQueue)
	assert.Equal(t, "low", cfg.LowQueue)
	assert.Equal(t, "dead", cfg.DeadQueue)
	assert.Equal(t, 2, cfg.WorkerConcurrency)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, "EMERGENCY_STOP", cfg.EmergencyStopKey)
	assert.Equal(t, 35*time.Second, cfg.SSEEdgeBudget)
	assert.Equal(t, 3, cfg.CASPhashPages)
	require.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://example:6380/1")
	t.Setenv("RQ_HIGH_QUEUE", "p-high")
	t.Setenv("RQ_DEFAULT_QUEUE", "p-default")
	t.Setenv("RQ_LOW_QUEUE", "p-low")
	t.Setenv("RQ_DLQ", "p-dead")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("REDIS_MAX_RETRIES", "5")
	t.Setenv("PARSE_TIMEOUT_MS", "60000")
	t.Setenv("SSE_EDGE_BUDGET_MS", "20000")
	t.Setenv("METRICS_AUTH", "ops:secret")
	t.Setenv("EMERGENCY_STOP_KEY", "HALT")
	t.Setenv("OCR_PROVIDER", "azure")
	t.Setenv("OCR_PROVIDER_MODE", "auto")
	t.Setenv("OCR_TPS_AZURE", "2.5")
	t.Setenv("OCR_CIRCUIT_OPEN_SECS", "90")
	t.Setenv("COST_PER_PAGE_CENTS", "2")
	t.Setenv("MAX_JOB_COST_CENTS", "1000")
	t.Setenv("AUDIT_BATCH_SIZE", "25")
	t.Setenv("AUDIT_FLUSH_INTERVAL_MS", "500")
	t.Setenv("AUDIT_MAX_QUEUE_SIZE", "2048")
	t.Setenv("AUDIT_DURABLE_MODE", "redis")
	t.Setenv("DELETION_SWEEP_INTERVAL_SECONDS", "120")
	t.Setenv("CAS_NORMALIZE_PDF", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "redis://example:6380/1", cfg.RedisURL)
	assert.Equal(t, "p-high", cfg.HighQueue)
	assert.Equal(t, "p-default", cfg.DefaultQueue)
	assert.Equal(t, "p-low", cfg.LowQueue)
	assert.Equal(t, "p-dead", cfg.DeadQueue)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, time.Minute, cfg.ParseTimeout)
	assert.Equal(t, 20*time.Second, cfg.SSEEdgeBudget)
	assert.Equal(t, "ops:secret", cfg.MetricsAuth)
	assert.Equal(t, "HALT", cfg.EmergencyStopKey)
	assert.Equal(t, "azure", cfg.OCRProvider)
	assert.Equal(t, "auto", cfg.OCRProviderMode)
	assert.InDelta(t, 2.5, cfg.OCRTPSAzure, 1e-9)
	assert.Equal(t, 90*time.Second, cfg.OCRCircuitOpen)
	assert.Equal(t, 2, cfg.CostPerPageCents)
	assert.Equal(t, 1000, cfg.MaxJobCostCents)
	assert.Equal(t, 25, cfg.AuditBatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.AuditFlushInterval)
	assert.Equal(t, 2048, cfg.AuditMaxQueueSize)
	assert.Equal(t, "redis", cfg.AuditDurableMode)
	assert.Equal(t, 2*time.Minute, cfg.DeletionSweepInterval)
	assert.True(t, cfg.CASNormalizePDF)
}

func TestYamlOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("high_queue: yaml-high\nworker_concurrency: 4\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "yaml-high", cfg.HighQueue)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
}

func TestEnvWinsOverYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("high_queue: yaml-high\n"), 0o600))
	t.Setenv("RQ_HIGH_QUEUE", "env-high")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-high", cfg.HighQueue)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Defaults()
	cfg.WorkerConcurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.OCRProviderMode = "guess"
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.AuditDurableMode = "kafka"
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.MaxFileSizeBytes = cfg.MinFileSizeBytes
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}
