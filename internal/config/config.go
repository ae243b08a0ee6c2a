package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Config holds all process configuration for shopdesk, read from the environment.
type Config struct {
	Port    int    `env:"SHOPDESK_PORT" envDefault:"8080" validate:"gt=0,lt=65536"`
	Version string `env:"SHOPDESK_VERSION" envDefault:"0.1.0"`

	// TablesPath points at a YAML tables document. Empty uses the embedded defaults.
	TablesPath  string `env:"SHOPDESK_TABLES_PATH"`
	WatchTables bool   `env:"SHOPDESK_WATCH_TABLES" envDefault:"true"`

	// AdminAPIKeys guard ticket status changes and tables reload. Empty leaves them open.
	AdminAPIKeys []string `env:"SHOPDESK_ADMIN_API_KEYS" envSeparator:","`

	Store        StoreConfig
	Telemetry    TelemetryConfig
	Trace        TraceConfig
	Orchestrator OrchestratorConfig
	Intent       IntentConfig
}

type StoreConfig struct {
	// SQLitePath switches the domain repository to SQLite when set.
	SQLitePath   string `env:"SHOPDESK_SQLITE_PATH"`
	SnapshotPath string `env:"SHOPDESK_SNAPSHOT_PATH"`
	SeedPath     string `env:"SHOPDESK_SEED_PATH"`
}

type TelemetryConfig struct {
	Enabled      bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTLPEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	ServiceName  string  `env:"OTEL_SERVICE_NAME" envDefault:"shopdesk"`
	SampleRatio  float64 `env:"OTEL_TRACES_SAMPLE_RATIO" envDefault:"1" validate:"gte=0,lte=1"`
}

type TraceConfig struct {
	Enabled      bool   `env:"SHOPDESK_TRACE_ENABLED" envDefault:"true"`
	Dir          string `env:"SHOPDESK_TRACE_DIR" envDefault:"traces"`
	BufferSize   int    `env:"SHOPDESK_TRACE_BUFFER" envDefault:"100" validate:"gt=0"`
	MaxStringLen int    `env:"SHOPDESK_TRACE_MAX_STRING" envDefault:"2000" validate:"gt=0"`
	MaxListLen   int    `env:"SHOPDESK_TRACE_MAX_LIST" envDefault:"50" validate:"gt=0"`
	RedisURL     string `env:"SHOPDESK_TRACE_REDIS_URL"`
	RedisKey     string `env:"SHOPDESK_TRACE_REDIS_KEY" envDefault:"shopdesk:traces"`
	RedisMaxLen  int64  `env:"SHOPDESK_TRACE_REDIS_MAXLEN" envDefault:"1000" validate:"gt=0"`

	// Trace files older than RetentionDays are swept from Dir. Zero keeps them forever.
	RetentionDays     int           `env:"SHOPDESK_TRACE_RETENTION_DAYS" envDefault:"7" validate:"gte=0"`
	RetentionInterval time.Duration `env:"SHOPDESK_TRACE_RETENTION_INTERVAL" envDefault:"1h"`
	// ArchiveDir, when set, receives expired sessions as JSONL before purge.
	ArchiveDir      string `env:"SHOPDESK_TRACE_ARCHIVE_DIR"`
	ArchiveCompress bool   `env:"SHOPDESK_TRACE_ARCHIVE_GZIP" envDefault:"true"`
}

type OrchestratorConfig struct {
	StrictMode           bool `env:"SHOPDESK_STRICT_MODE" envDefault:"true"`
	AggregateItems       bool `env:"SHOPDESK_AGGREGATE_ITEMS" envDefault:"true"`
	AggregateLimit       int  `env:"SHOPDESK_AGGREGATE_LIMIT" envDefault:"5" validate:"gte=0"`
	AggregateConcurrency int  `env:"SHOPDESK_AGGREGATE_CONCURRENCY" envDefault:"1" validate:"gte=1"`
	OrderListLimit       int  `env:"SHOPDESK_ORDER_LIST_LIMIT" envDefault:"10" validate:"gt=0"`
	PolicyTopK           int  `env:"SHOPDESK_POLICY_TOP_K" envDefault:"3" validate:"gt=0"`
	RecommendTopK        int  `env:"SHOPDESK_RECOMMEND_TOP_K" envDefault:"5" validate:"gt=0"`
}

type IntentConfig struct {
	UseLLM        bool          `env:"SHOPDESK_INTENT_USE_LLM" envDefault:"false"`
	Provider      string        `env:"SHOPDESK_INTENT_PROVIDER"`
	Timeout       time.Duration `env:"SHOPDESK_INTENT_TIMEOUT" envDefault:"8s"`
	Retries       int           `env:"SHOPDESK_INTENT_RETRIES" envDefault:"1" validate:"gte=0,lte=1"`
	MinConfidence string        `env:"SHOPDESK_INTENT_MIN_CONFIDENCE" envDefault:"medium" validate:"oneof=low medium high"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
