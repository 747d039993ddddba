package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Config holds shared runtime configuration for the API and worker services.
type Config struct {
	AppName     string `env:"APP_NAME" envDefault:"smart-report-generator" validate:"required"`
	Env         string `env:"APP_ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8000" validate:"required"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	DatabaseURL    string   `env:"DATABASE_URL" envDefault:"sqlite:///./dev.db" validate:"required"`
	RedisURL       string   `env:"REDIS_URL" envDefault:"redis://localhost:6379/0" validate:"required"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173"`

	WorkerConcurrency  int           `env:"WORKER_CONCURRENCY" envDefault:"1" validate:"min=1,max=64"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s" validate:"gt=0"`
	VisibilityTimeout  time.Duration `env:"VISIBILITY_TIMEOUT" envDefault:"30s" validate:"gt=0"`
	ScheduledBatchSize int           `env:"SCHEDULED_BATCH_SIZE" envDefault:"100" validate:"min=1"`
	StoreRetryAttempts int           `env:"STORE_RETRY_ATTEMPTS" envDefault:"3" validate:"min=1,max=10"`
	DLQName            string        `env:"DLQ_NAME" envDefault:"reports:dlq" validate:"required"`

	MaxRetries       int           `env:"MAX_RETRIES" envDefault:"3" validate:"min=0,max=20"`
	RetryBackoffBase time.Duration `env:"RETRY_BACKOFF_BASE" envDefault:"1s" validate:"gt=0"`
	RetryBackoffMax  time.Duration `env:"RETRY_BACKOFF_MAX" envDefault:"10m" validate:"gtefield=RetryBackoffBase"`
	RetryJitter      bool          `env:"RETRY_JITTER" envDefault:"true"`

	GenerationDelay       time.Duration `env:"GENERATION_DELAY" envDefault:"5s" validate:"min=0"`
	GenerationFailureRate float64       `env:"GENERATION_FAILURE_RATE" envDefault:"0.2" validate:"min=0,max=1"`

	ArtifactDir       string `env:"ARTIFACT_DIR" envDefault:"./reports"`
	S3Bucket          string `env:"S3_BUCKET"`
	S3Region          string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint        string `env:"S3_ENDPOINT"`
	S3PathStyle       bool   `env:"S3_PATH_STYLE"`
	S3AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`

	RateLimitCapacity int     `env:"RATE_LIMIT_CAPACITY" envDefault:"50" validate:"min=0"`
	RateLimitRefill   float64 `env:"RATE_LIMIT_REFILL_PER_SEC" envDefault:"20" validate:"min=0"`
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SlogLevel maps LogLevel onto a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
