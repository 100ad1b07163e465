package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant  string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	QueueBackend      string        `mapstructure:"QUEUE_BACKEND"`
	WorkerCount       int           `mapstructure:"WORKER_COUNT"`
	QueuePollInterval time.Duration `mapstructure:"QUEUE_POLL_INTERVAL"`
	QueueMaxAttempts  int           `mapstructure:"QUEUE_MAX_ATTEMPTS"`
	StuckBatchAfter   time.Duration `mapstructure:"STUCK_BATCH_AFTER"`
	WorkerDrain       time.Duration `mapstructure:"WORKER_DRAIN_TIMEOUT"`

	ArchiveBackend    string `mapstructure:"ARCHIVE_BACKEND"`
	ArchiveS3Bucket   string `mapstructure:"ARCHIVE_S3_BUCKET"`
	ArchiveS3Region   string `mapstructure:"ARCHIVE_S3_REGION"`
	ArchiveS3Endpoint string `mapstructure:"ARCHIVE_S3_ENDPOINT"`
	ArchiveS3Prefix   string `mapstructure:"ARCHIVE_S3_PREFIX"`

	LogLevel      string `mapstructure:"LOG_LEVEL"`
	LogFile       string `mapstructure:"LOG_FILE"`
	LogMaxSizeMB  int    `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups int    `mapstructure:"LOG_MAX_BACKUPS"`
	LogMaxAgeDays int    `mapstructure:"LOG_MAX_AGE_DAYS"`
}

var defaults = map[string]interface{}{
	"PORT":                 "8000",
	"ENV":                  "development",
	"DB_MAX_CONNS":         20,
	"DB_MIN_CONNS":         5,
	"DEFAULT_TENANT":       "default",
	"CORS_ORIGINS":         "*",
	"RATE_LIMIT_RPS":       100,
	"RATE_LIMIT_BURST":     200,
	"REQUEST_TIMEOUT":      "30s",
	"BODY_LIMIT":           "10M",
	"QUEUE_BACKEND":        "memory",
	"WORKER_COUNT":         4,
	"QUEUE_POLL_INTERVAL":  "1s",
	"QUEUE_MAX_ATTEMPTS":   5,
	"STUCK_BATCH_AFTER":    "15m",
	"WORKER_DRAIN_TIMEOUT": "30s",
	"ARCHIVE_BACKEND":      "none",
	"ARCHIVE_S3_PREFIX":    "",
	"LOG_LEVEL":            "info",
	"LOG_MAX_SIZE_MB":      100,
	"LOG_MAX_BACKUPS":      3,
	"LOG_MAX_AGE_DAYS":     28,
}

var envKeys = []string{
	"DATABASE_URL", "ARCHIVE_S3_BUCKET", "ARCHIVE_S3_REGION", "ARCHIVE_S3_ENDPOINT", "LOG_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for k, d := range defaults {
		v.SetDefault(k, d)
		_ = v.BindEnv(k)
	}
	// Unmarshal only sees keys viper knows about.
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks the settings that Load cannot default its way out of.
func (c *Config) Validate() error {
	switch c.QueueBackend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("QUEUE_BACKEND must be \"memory\" or \"postgres\", got %q", c.QueueBackend)
	}
	if c.WorkerCount < 0 {
		return fmt.Errorf("WORKER_COUNT must not be negative, got %d", c.WorkerCount)
	}
	if c.QueueMaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1, got %d", c.QueueMaxAttempts)
	}
	if c.QueueBackend == "postgres" && c.QueuePollInterval <= 0 {
		return fmt.Errorf("QUEUE_POLL_INTERVAL must be positive for the postgres queue")
	}

	switch c.ArchiveBackend {
	case "none", "memory":
	case "s3":
		if c.ArchiveS3Bucket == "" {
			return fmt.Errorf("ARCHIVE_S3_BUCKET is required when ARCHIVE_BACKEND is \"s3\"")
		}
	default:
		return fmt.Errorf("ARCHIVE_BACKEND must be \"none\", \"memory\", or \"s3\", got %q", c.ArchiveBackend)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative")
	}
	if c.IsProduction() {
		for _, o := range c.CORSOrigins {
			if o == "*" {
				return fmt.Errorf("CORS_ORIGINS must list explicit origins in production")
			}
		}
	}
	return nil
}
