package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Queue backend names accepted by QueueConfig.Backend
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	ServerPort    int    `env:"SERVER_PORT" envDefault:"8080"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	Environment   string `env:"ENVIRONMENT" envDefault:"local"`
	Debug         bool   `env:"DEBUG" envDefault:"false"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// Database settings
	Database DatabaseConfig

	// Queue settings
	Queue QueueConfig

	// Worker settings
	Worker WorkerConfig

	// Scheduler settings
	Scheduler SchedulerConfig

	// Server timeouts
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"conveyor"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"conveyor"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// QueueConfig holds job queue settings
type QueueConfig struct {
	// Backend selects the queue backend: "postgres" (durable) or "memory"
	// (in-process, for development and tests)
	Backend string `env:"QUEUE_BACKEND" envDefault:"postgres"`

	// MaxAttempts is the default maximum number of attempts per job
	// before it is dead-lettered (0 = unlimited)
	MaxAttempts int `env:"QUEUE_MAX_ATTEMPTS" envDefault:"5"`

	// BaseRetryDelaySec is the base delay in seconds for retry backoff
	BaseRetryDelaySec int `env:"QUEUE_BASE_RETRY_DELAY_SEC" envDefault:"60"`

	// MaxRetryDelaySec caps the retry backoff delay
	MaxRetryDelaySec int `env:"QUEUE_MAX_RETRY_DELAY_SEC" envDefault:"3600"`
}

// WorkerConfig holds worker pool settings
type WorkerConfig struct {
	// Enabled controls whether this process runs workers
	Enabled bool `env:"WORKER_ENABLED" envDefault:"true"`

	// Concurrency is the number of jobs processed in parallel
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"4"`

	// PollInterval is how often the pool polls for new jobs
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"5s"`

	// BatchSize is the number of jobs claimed per poll
	BatchSize int `env:"WORKER_BATCH_SIZE" envDefault:"10"`

	// JobTimeout bounds a single job execution
	JobTimeout time.Duration `env:"WORKER_JOB_TIMEOUT" envDefault:"5m"`

	// StaleThresholdMinutes is how long a job may sit in 'running' before
	// being considered abandoned and returned to the queue
	StaleThresholdMinutes int `env:"WORKER_STALE_THRESHOLD_MINUTES" envDefault:"10"`

	// RatePerSecond throttles job starts per queue (0 = unlimited)
	RatePerSecond float64 `env:"WORKER_RATE_PER_SECOND" envDefault:"0"`
}

// SchedulerConfig holds recurring-job and maintenance settings
type SchedulerConfig struct {
	// Enabled controls whether the scheduler runs in this process
	Enabled bool `env:"SCHEDULER_ENABLED" envDefault:"true"`

	// SchedulesFile is an optional YAML file declaring recurring jobs
	SchedulesFile string `env:"SCHEDULER_SCHEDULES_FILE" envDefault:""`

	// StaleRecoveryInterval is how often stale running jobs are recovered
	StaleRecoveryInterval time.Duration `env:"SCHEDULER_STALE_RECOVERY_INTERVAL" envDefault:"10m"`

	// RetentionCleanupInterval is how often finished jobs are purged
	RetentionCleanupInterval time.Duration `env:"SCHEDULER_RETENTION_CLEANUP_INTERVAL" envDefault:"1h"`

	// RetentionDays is how long completed jobs are kept (0 = forever)
	RetentionDays int `env:"SCHEDULER_RETENTION_DAYS" envDefault:"7"`

	// QueueDepthLogInterval is how often queue depths are logged
	QueueDepthLogInterval time.Duration `env:"SCHEDULER_QUEUE_DEPTH_LOG_INTERVAL" envDefault:"1m"`
}

// NewConfig loads configuration from environment variables
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Queue.Backend != BackendPostgres && cfg.Queue.Backend != BackendMemory {
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.ServerPort),
		slog.String("queue_backend", cfg.Queue.Backend),
		slog.Int("worker_concurrency", cfg.Worker.Concurrency),
	)

	return cfg, nil
}
