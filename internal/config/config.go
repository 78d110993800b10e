// Package config loads and validates the exception clustering core's runtime
// configuration (SPEC_FULL.md §D). Configuration is a single YAML document
// with environment-variable overrides, following the teacher's two-phase
// load: LoadConfig reads the file, applyDefaults fills in unset fields, then
// applyEnvironmentOverrides lets operators override individual keys without
// editing the file. Unknown top-level YAML keys fail the load (REDESIGN
// FLAGS: dynamic config objects are rejected in favor of an explicit,
// enumerated struct).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"excluster/pkg/errors"
)

// Config is the root configuration struct, one field group per §6 of spec.md.
type Config struct {
	App struct {
		LogLevel  string `yaml:"log_level"`
		LogFormat string `yaml:"log_format"`
	} `yaml:"app"`

	Ingest struct {
		Token                     string `yaml:"token"`
		BatchLimit                int    `yaml:"batch_limit"`
		RateLimitPerServicePerMin int    `yaml:"rate_limit_per_service_per_min"`
		DedupWindowSeconds        int    `yaml:"dedup_window_seconds"`
	} `yaml:"ingest"`

	Worker struct {
		PoolSize             int `yaml:"pool_size"`
		QueueCapacity        int `yaml:"queue_capacity"`
		RecordDeadlineMS     int `yaml:"record_deadline_ms"`
		ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
	} `yaml:"worker"`

	Scheduler struct {
		TickSeconds                   int    `yaml:"tick_seconds"`
		CodeIndexingMinIntervalMinutes int   `yaml:"code_indexing_min_interval_minutes"`
		CleanupCron                   string `yaml:"cleanup_cron"`
	} `yaml:"scheduler"`

	Store struct {
		URL      string `yaml:"url"`
		MaxConns int    `yaml:"max_conns"`
	} `yaml:"store"`

	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	Extraction struct {
		VendorPrefixes []string `yaml:"vendor_prefixes"`
	} `yaml:"extraction"`

	Indexing struct {
		Endpoint string `yaml:"endpoint"`
	} `yaml:"indexing"`
}

// LoadConfig reads configFile (if non-empty), applies defaults for any unset
// field, then applies environment overrides, and finally validates the
// result. An empty configFile is valid: the process runs on defaults plus
// environment overrides alone.
func LoadConfig(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, errors.ConfigError("load", fmt.Sprintf("reading %s: %v", configFile, err))
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, errors.ConfigError("load", fmt.Sprintf("parsing %s: %v", configFile, err))
		}
	}

	applyDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in the defaults named throughout spec.md §6.
func applyDefaults(cfg *Config) {
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.App.LogFormat == "" {
		cfg.App.LogFormat = "text"
	}
	if cfg.Ingest.BatchLimit == 0 {
		cfg.Ingest.BatchLimit = 1000
	}
	if cfg.Ingest.RateLimitPerServicePerMin == 0 {
		cfg.Ingest.RateLimitPerServicePerMin = 10000
	}
	if cfg.Ingest.DedupWindowSeconds == 0 {
		cfg.Ingest.DedupWindowSeconds = 600
	}
	if cfg.Worker.PoolSize == 0 {
		cfg.Worker.PoolSize = 8
	}
	if cfg.Worker.QueueCapacity == 0 {
		cfg.Worker.QueueCapacity = 10000
	}
	if cfg.Worker.RecordDeadlineMS == 0 {
		cfg.Worker.RecordDeadlineMS = 5000
	}
	if cfg.Worker.ShutdownGraceSeconds == 0 {
		cfg.Worker.ShutdownGraceSeconds = 30
	}
	if cfg.Scheduler.TickSeconds == 0 {
		cfg.Scheduler.TickSeconds = 300
	}
	if cfg.Scheduler.CodeIndexingMinIntervalMinutes == 0 {
		cfg.Scheduler.CodeIndexingMinIntervalMinutes = 5
	}
	if cfg.Scheduler.CleanupCron == "" {
		cfg.Scheduler.CleanupCron = "@weekly"
	}
	if cfg.Store.MaxConns == 0 {
		cfg.Store.MaxConns = 10
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if len(cfg.Extraction.VendorPrefixes) == 0 {
		cfg.Extraction.VendorPrefixes = []string{
			"java.", "javax.", "org.springframework.", "site-packages/", "node_modules/",
		}
	}
}

// applyEnvironmentOverrides maps each EXCLUSTER_-prefixed environment
// variable onto its config field, one setString/setInt call per field.
func applyEnvironmentOverrides(cfg *Config) {
	setString(&cfg.App.LogLevel, "EXCLUSTER_LOG_LEVEL")
	setString(&cfg.App.LogFormat, "EXCLUSTER_LOG_FORMAT")
	setString(&cfg.Ingest.Token, "EXCLUSTER_INGEST_TOKEN")
	setInt(&cfg.Ingest.BatchLimit, "EXCLUSTER_INGEST_BATCH_LIMIT")
	setInt(&cfg.Ingest.RateLimitPerServicePerMin, "EXCLUSTER_INGEST_RATE_LIMIT_PER_SERVICE_PER_MIN")
	setInt(&cfg.Ingest.DedupWindowSeconds, "EXCLUSTER_INGEST_DEDUP_WINDOW_SECONDS")
	setInt(&cfg.Worker.PoolSize, "EXCLUSTER_WORKER_POOL_SIZE")
	setInt(&cfg.Worker.QueueCapacity, "EXCLUSTER_WORKER_QUEUE_CAPACITY")
	setInt(&cfg.Worker.RecordDeadlineMS, "EXCLUSTER_WORKER_RECORD_DEADLINE_MS")
	setInt(&cfg.Worker.ShutdownGraceSeconds, "EXCLUSTER_WORKER_SHUTDOWN_GRACE_SECONDS")
	setInt(&cfg.Scheduler.TickSeconds, "EXCLUSTER_SCHEDULER_TICK_SECONDS")
	setInt(&cfg.Scheduler.CodeIndexingMinIntervalMinutes, "EXCLUSTER_SCHEDULER_CODE_INDEXING_MIN_INTERVAL_MINUTES")
	setString(&cfg.Scheduler.CleanupCron, "EXCLUSTER_SCHEDULER_CLEANUP_CRON")
	setString(&cfg.Store.URL, "EXCLUSTER_STORE_URL")
	setInt(&cfg.Store.MaxConns, "EXCLUSTER_STORE_MAX_CONNS")
	setString(&cfg.Server.Host, "EXCLUSTER_SERVER_HOST")
	setInt(&cfg.Server.Port, "EXCLUSTER_SERVER_PORT")
	setString(&cfg.Indexing.Endpoint, "EXCLUSTER_INDEXING_ENDPOINT")

	if raw := os.Getenv("EXCLUSTER_EXTRACTION_VENDOR_PREFIXES"); raw != "" {
		cfg.Extraction.VendorPrefixes = strings.Split(raw, ",")
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// ValidateConfig rejects configurations that would leave a component unable
// to start. It runs after defaulting, so a zero value here means the
// operator explicitly set it, not that it was left unset.
func ValidateConfig(cfg *Config) error {
	if cfg.Ingest.Token == "" {
		return errors.ConfigError("validate", "ingest.token must be set")
	}
	if cfg.Ingest.BatchLimit <= 0 {
		return errors.ConfigError("validate", "ingest.batch_limit must be positive")
	}
	if cfg.Ingest.RateLimitPerServicePerMin <= 0 {
		return errors.ConfigError("validate", "ingest.rate_limit_per_service_per_min must be positive")
	}
	if cfg.Ingest.DedupWindowSeconds <= 0 {
		return errors.ConfigError("validate", "ingest.dedup_window_seconds must be positive")
	}
	if cfg.Worker.PoolSize <= 0 {
		return errors.ConfigError("validate", "worker.pool_size must be positive")
	}
	if cfg.Worker.QueueCapacity <= 0 {
		return errors.ConfigError("validate", "worker.queue_capacity must be positive")
	}
	if cfg.Scheduler.TickSeconds <= 0 {
		return errors.ConfigError("validate", "scheduler.tick_seconds must be positive")
	}
	if cfg.Store.URL == "" {
		return errors.ConfigError("validate", "store.url must be set")
	}
	switch cfg.App.LogFormat {
	case "text", "json":
	default:
		return errors.ConfigError("validate", fmt.Sprintf("app.log_format %q must be text or json", cfg.App.LogFormat))
	}
	return nil
}
