package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds shared runtime configuration for the API and worker binaries.
type Config struct {
	Env         string `envconfig:"APP_ENV" default:"dev"`
	APIPort     string `envconfig:"API_PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// SMTP transport.
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`

	// Outbound throughput ceilings imposed by the email provider.
	EmailsPerMinute int `envconfig:"EMAILS_PER_MINUTE" default:"10"`
	EmailsPerHour   int `envconfig:"EMAILS_PER_HOUR" default:"1000"`

	// Retry policy per recipient.
	MaxRetries         int           `envconfig:"MAX_RETRIES" default:"3"`
	RetryBaseDelay     time.Duration `envconfig:"RETRY_BASE_DELAY" default:"60s"`
	RetryMaxDelay      time.Duration `envconfig:"RETRY_MAX_DELAY" default:"300s"`
	RateLimitBaseDelay time.Duration `envconfig:"RATE_LIMIT_BASE_DELAY" default:"120s"`
	RateLimitMaxDelay  time.Duration `envconfig:"RATE_LIMIT_MAX_DELAY" default:"600s"`

	// Batch sizing and progress cadence.
	SendBatchSize    int `envconfig:"SEND_BATCH_SIZE" default:"50"`
	CollectBatchSize int `envconfig:"COLLECT_BATCH_SIZE" default:"100"`
	ProgressInterval int `envconfig:"PROGRESS_INTERVAL" default:"10"`

	// Distributed lock fencing.
	LockTTL time.Duration `envconfig:"LOCK_TTL" default:"60m"`

	// Pool size is a hard ceiling on concurrently active jobs; a send task
	// holds its slot through rate-limiter waits and backoff sleeps.
	WorkerPoolSize int `envconfig:"WORKER_POOL_SIZE" default:"10"`
	PoolQueueDepth int `envconfig:"POOL_QUEUE_DEPTH" default:"100"`

	// Cron cadence for lock reaping and resuming interrupted jobs.
	ReapSchedule   string `envconfig:"REAP_SCHEDULE" default:"@every 1m"`
	ResumeSchedule string `envconfig:"RESUME_SCHEDULE" default:"@every 1m"`
	ResumeBatch    int    `envconfig:"RESUME_BATCH" default:"20"`

	// Optional S3 recipient sources.
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Endpoint  string `envconfig:"S3_ENDPOINT" default:""`
	S3PathStyle bool   `envconfig:"S3_PATH_STYLE" default:"false"`
}

// Load reads configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
