// Package config loads runtime configuration from environment variables,
// optionally overlaid with a YAML file for non-env deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full orchestration fabric configuration.
type Config struct {
	// Feature flags
	QueueEnabled bool `yaml:"queue_enabled"`
	SSEEnabled   bool `yaml:"sse_enabled"`

	// Redis / queues
	RedisURL         string `yaml:"redis_url"`
	HighQueue        string `yaml:"high_queue"`
	DefaultQueue     string `yaml:"default_queue"`
	LowQueue         string `yaml:"low_queue"`
	DeadQueue        string `yaml:"dead_queue"`
	WorkerConcurrency int   `yaml:"worker_concurrency"`
	MaxRetries       int    `yaml:"max_retries"`
	EmergencyStopKey string `yaml:"emergency_stop_key"`

	// Timeouts and budgets
	ParseTimeout   time.Duration `yaml:"parse_timeout"`
	SSEEdgeBudget  time.Duration `yaml:"sse_edge_budget"`
	ProgressTTL    time.Duration `yaml:"progress_ttl"`

	// Metrics
	MetricsAddr string `yaml:"metrics_addr"`
	MetricsAuth string `yaml:"metrics_auth"` // "user:pass", empty disables auth

	// Database
	DatabaseURL   string        `yaml:"database_url"`
	DBPoolSize    int           `yaml:"db_pool_size"`
	DBMaxOverflow int           `yaml:"db_max_overflow"`
	DBPoolRecycle time.Duration `yaml:"db_pool_recycle"`

	// Object store
	S3Bucket            string        `yaml:"s3_bucket"`
	S3Endpoint          string        `yaml:"s3_endpoint"`
	S3Region            string        `yaml:"s3_region"`
	S3RefreshInterval   time.Duration `yaml:"s3_refresh_interval"`
	MinFileSizeBytes    int64         `yaml:"min_file_size_bytes"`
	MaxFileSizeBytes    int64         `yaml:"max_file_size_bytes"`
	AllowedContentTypes []string      `yaml:"allowed_content_types"`

	// OCR
	OCRProvider        string        `yaml:"ocr_provider"`
	OCRProviderMode    string        `yaml:"ocr_provider_mode"` // explicit | auto
	OCRTPSAzure        float64       `yaml:"ocr_tps_azure"`
	OCRTPSTextract     float64       `yaml:"ocr_tps_textract"`
	OCRCircuitOpen     time.Duration `yaml:"ocr_circuit_open"`
	OCRMaxPages        int           `yaml:"ocr_max_pages"`
	AzureEndpoint      string        `yaml:"azure_di_endpoint"`
	AzureKey           string        `yaml:"azure_di_key"`
	TextractRegion     string        `yaml:"aws_textract_region"`

	// Costs
	CostPerPageCents int `yaml:"cost_per_page_cents"`
	MaxJobCostCents  int `yaml:"max_job_cost_cents"`

	// Audit
	AuditBatchSize     int           `yaml:"audit_batch_size"`
	AuditFlushInterval time.Duration `yaml:"audit_flush_interval"`
	AuditMaxQueueSize  int           `yaml:"audit_max_queue_size"`
	AuditDurableMode   string        `yaml:"audit_durable_mode"` // "" or "redis"

	// Sweepers
	DeletionSweepInterval time.Duration `yaml:"deletion_sweep_interval"`

	// Dedup
	CASNormalizePDF bool `yaml:"cas_normalize_pdf"`
	CASPhashPages   int  `yaml:"cas_phash_pages"`
	CASMaxDistance  int  `yaml:"cas_max_distance"`

	// HTTP
	ListenAddr string `yaml:"listen_addr"`
}

// Defaults returns the baseline configuration before env overrides.
func Defaults() Config {
	return Config{
		QueueEnabled:          true,
		SSEEnabled:            true,
		RedisURL:              "redis://localhost:6379/0",
		HighQueue:             "high",
		DefaultQueue:          "default",
		LowQueue:              "low",
		DeadQueue:             "dead",
		WorkerConcurrency:     2,
		MaxRetries:            3,
		EmergencyStopKey:      "EMERGENCY_STOP",
		ParseTimeout:          25 * time.Minute,
		SSEEdgeBudget:         35 * time.Second,
		ProgressTTL:           time.Hour,
		MetricsAddr:           ":9108",
		DBPoolSize:            20,
		DBMaxOverflow:         30,
		DBPoolRecycle:         time.Hour,
		S3Region:              "us-east-1",
		S3RefreshInterval:     5 * time.Minute,
		MinFileSizeBytes:      1024,
		MaxFileSizeBytes:      100 << 20,
		AllowedContentTypes:   []string{"application/pdf"},
		OCRProviderMode:       "explicit",
		OCRCircuitOpen:        60 * time.Second,
		OCRMaxPages:           500,
		CostPerPageCents:      1,
		MaxJobCostCents:       500,
		AuditBatchSize:        50,
		AuditFlushInterval:    time.Second,
		AuditMaxQueueSize:     10000,
		DeletionSweepInterval: 5 * time.Minute,
		CASPhashPages:         3,
		CASMaxDistance:        6,
		ListenAddr:            ":8000",
	}
}

// Load builds a Config from defaults, an optional YAML file, and environment
// variables, in that order of precedence (env wins).
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.MinFileSizeBytes < 0 || c.MaxFileSizeBytes <= c.MinFileSizeBytes {
		return fmt.Errorf("invalid file size bounds: min=%d max=%d", c.MinFileSizeBytes, c.MaxFileSizeBytes)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1")
	}
	switch c.OCRProviderMode {
	case "explicit", "auto":
	default:
		return fmt.Errorf("unsupported OCR provider mode: %q", c.OCRProviderMode)
	}
	if c.AuditDurableMode != "" && c.AuditDurableMode != "redis" {
		return fmt.Errorf("unsupported audit durable mode: %q", c.AuditDurableMode)
	}
	return nil
}

func applyEnv(cfg *Config) {
	boolVar(&cfg.QueueEnabled, "FEATURES_T1_QUEUE")
	boolVar(&cfg.SSEEnabled, "FEATURES_T1_SSE")
	strVar(&cfg.RedisURL, "REDIS_URL")
	strVar(&cfg.HighQueue, "RQ_HIGH_QUEUE")
	strVar(&cfg.DefaultQueue, "RQ_DEFAULT_QUEUE")
	strVar(&cfg.LowQueue, "RQ_LOW_QUEUE")
	strVar(&cfg.DeadQueue, "RQ_DLQ")
	intVar(&cfg.WorkerConcurrency, "WORKER_CONCURRENCY")
	intVar(&cfg.MaxRetries, "REDIS_MAX_RETRIES")
	strVar(&cfg.EmergencyStopKey, "EMERGENCY_STOP_KEY")
	msVar(&cfg.ParseTimeout, "PARSE_TIMEOUT_MS")
	msVar(&cfg.SSEEdgeBudget, "SSE_EDGE_BUDGET_MS")
	strVar(&cfg.MetricsAuth, "METRICS_AUTH")
	strVar(&cfg.DatabaseURL, "DATABASE_URL")
	strVar(&cfg.S3Bucket, "S3_BUCKET")
	strVar(&cfg.S3Endpoint, "S3_ENDPOINT")
	strVar(&cfg.S3Region, "AWS_REGION")
	strVar(&cfg.OCRProvider, "OCR_PROVIDER")
	strVar(&cfg.OCRProviderMode, "OCR_PROVIDER_MODE")
	floatVar(&cfg.OCRTPSAzure, "OCR_TPS_AZURE")
	floatVar(&cfg.OCRTPSTextract, "OCR_TPS_TEXTRACT")
	secsVar(&cfg.OCRCircuitOpen, "OCR_CIRCUIT_OPEN_SECS")
	strVar(&cfg.AzureEndpoint, "AZURE_DI_ENDPOINT")
	strVar(&cfg.AzureKey, "AZURE_DI_KEY")
	strVar(&cfg.TextractRegion, "AWS_TEXTRACT_REGION")
	intVar(&cfg.CostPerPageCents, "COST_PER_PAGE_CENTS")
	intVar(&cfg.MaxJobCostCents, "MAX_JOB_COST_CENTS")
	intVar(&cfg.AuditBatchSize, "AUDIT_BATCH_SIZE")
	msVar(&cfg.AuditFlushInterval, "AUDIT_FLUSH_INTERVAL_MS")
	intVar(&cfg.AuditMaxQueueSize, "AUDIT_MAX_QUEUE_SIZE")
	strVar(&cfg.AuditDurableMode, "AUDIT_DURABLE_MODE")
	secsVar(&cfg.DeletionSweepInterval, "DELETION_SWEEP_INTERVAL_SECONDS")
	boolVar(&cfg.CASNormalizePDF, "CAS_NORMALIZE_PDF")
	strVar(&cfg.ListenAddr, "LISTEN_ADDR")
}

func strVar(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func intVar(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func floatVar(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

func boolVar(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}

func msVar(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

func secsVar(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			*dst = time.Duration(n) * time.Second
		}
	}
}
