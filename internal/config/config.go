package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// MaxJobAttempts bounds JOB_MAX_ATTEMPTS.
const MaxJobAttempts = 100

// Config holds shared runtime configuration for the API and worker services.
type Config struct {
	Env         string `env:"APP_ENV" envDefault:"dev"`
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"console"`

	// An empty RedisURL disables the queue entirely (degraded mode).
	RedisURL       string `env:"REDIS_URL"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	WorkerRedisURL string `env:"WORKER_REDIS_URL"`

	QueueName      string        `env:"QUEUE_NAME" envDefault:"app-jobs"`
	MaxAttempts    int           `env:"JOB_MAX_ATTEMPTS" envDefault:"3"`
	BackoffInitial time.Duration `env:"BACKOFF_INITIAL" envDefault:"2s"`
	// Zero keeps every finished job.
	KeepCompleted  int64         `env:"KEEP_COMPLETED" envDefault:"100"`
	KeepFailed     int64         `env:"KEEP_FAILED" envDefault:"500"`

	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"5"`
	WorkerRateMax     int           `env:"WORKER_RATE_MAX" envDefault:"10"`
	WorkerRateWindow  time.Duration `env:"WORKER_RATE_WINDOW" envDefault:"1s"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"250ms"`
	LockDuration      time.Duration `env:"LOCK_DURATION" envDefault:"30s"`
	StalledInterval   time.Duration `env:"STALLED_INTERVAL" envDefault:"30s"`
	MaxStalledCount   int           `env:"MAX_STALLED_COUNT" envDefault:"1"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`

	MailAPIURL  string        `env:"MAIL_API_URL" envDefault:"https://api.resend.com/emails"`
	MailAPIKey  string        `env:"MAIL_API_KEY"`
	MailFrom    string        `env:"MAIL_FROM" envDefault:"no-reply@example.com"`
	MailTimeout time.Duration `env:"MAIL_TIMEOUT" envDefault:"10s"`

	ReportOutputDir   string `env:"REPORT_OUTPUT_DIR" envDefault:"./reports"`
	ReportS3Bucket    string `env:"REPORT_S3_BUCKET"`
	ReportS3Region    string `env:"REPORT_S3_REGION" envDefault:"us-east-1"`
	ReportS3Endpoint  string `env:"REPORT_S3_ENDPOINT"`
	ReportS3PathStyle bool   `env:"REPORT_S3_PATH_STYLE"`

	PostgresDSN string `env:"POSTGRES_DSN"`

	AdminToken      string        `env:"ADMIN_TOKEN"`
	APIRateCapacity int           `env:"API_RATE_CAPACITY" envDefault:"50"`
	APIRateWindow   time.Duration `env:"API_RATE_WINDOW" envDefault:"1s"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// QueueEnabled reports whether the durable store credentials are present.
func (c Config) QueueEnabled() bool {
	return strings.TrimSpace(c.RedisURL) != ""
}

// WorkerURL is the store URL used by the consumption role.
func (c Config) WorkerURL() string {
	if c.WorkerRedisURL != "" {
		return c.WorkerRedisURL
	}
	return c.RedisURL
}

// Validate rejects settings the queue and worker cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.QueueName) == "" {
		errs = append(errs, errors.New("QUEUE_NAME must not be empty"))
	}
	if c.MaxAttempts < 1 || c.MaxAttempts > MaxJobAttempts {
		errs = append(errs, fmt.Errorf("JOB_MAX_ATTEMPTS must be between 1 and %d", MaxJobAttempts))
	}
	if c.BackoffInitial <= 0 {
		errs = append(errs, errors.New("BACKOFF_INITIAL must be positive"))
	}
	if c.KeepCompleted < 0 || c.KeepFailed < 0 {
		errs = append(errs, errors.New("KEEP_COMPLETED and KEEP_FAILED must be non-negative"))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be at least 1"))
	}
	if c.WorkerRateMax < 0 {
		errs = append(errs, errors.New("WORKER_RATE_MAX must be non-negative"))
	}
	if c.WorkerRateMax > 0 && c.WorkerRateWindow <= 0 {
		errs = append(errs, errors.New("WORKER_RATE_WINDOW must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.LockDuration < time.Second {
		errs = append(errs, errors.New("LOCK_DURATION must be at least 1s"))
	}
	if c.StalledInterval <= 0 {
		errs = append(errs, errors.New("STALLED_INTERVAL must be positive"))
	}
	if c.MaxStalledCount < 0 {
		errs = append(errs, errors.New("MAX_STALLED_COUNT must be non-negative"))
	}
	if c.WebhookTimeout <= 0 {
		errs = append(errs, errors.New("WEBHOOK_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}
