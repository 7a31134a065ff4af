package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/kursadbilgin/sms-notifier/internal/domain"
	"github.com/robfig/cron/v3"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RedisURL    string `env:"REDIS_URL"`
	RabbitMQURL string `env:"RABBITMQ_URL"`

	SmsPilotAPIKey  string  `env:"SMSPILOT_API_KEY"`
	SmsPilotURL     string  `env:"SMSPILOT_URL,default=https://smspilot.ru/api.php"`
	SMSTestMode     bool    `env:"SMS_TEST_MODE,default=false"`
	SMSRequestsRate float64 `env:"SMS_HTTP_RPS,default=10"`
	SMSMaxLength    int     `env:"SMS_MAX_LENGTH,default=160"`

	CircuitFailureThreshold int           `env:"CIRCUIT_FAILURE_THRESHOLD,default=5"`
	CircuitFailureWindow    time.Duration `env:"CIRCUIT_FAILURE_WINDOW,default=5m"`
	RateLimitPerWindow      int           `env:"RATE_LIMIT_PER_WINDOW,default=30"`
	RateLimitWindow         time.Duration `env:"RATE_LIMIT_WINDOW,default=1m"`
	BreakerFailures         int           `env:"TRANSPORT_BREAKER_FAILURES,default=3"`
	BreakerTimeout          time.Duration `env:"TRANSPORT_BREAKER_TIMEOUT,default=30s"`

	DispatchBatchLimit int           `env:"DISPATCH_BATCH_LIMIT,default=100"`
	DispatchSchedule   string        `env:"DISPATCH_SCHEDULE,default=@every 1m"`
	RecoverSchedule    string        `env:"RECOVER_SCHEDULE,default=@every 5m"`
	CleanupSchedule    string        `env:"CLEANUP_SCHEDULE,default=@daily"`
	RetentionDays      int           `env:"RETENTION_DAYS,default=30"`
	MaxRetries         int           `env:"MAX_RETRIES,default=3"`
	RetryBackoff       string        `env:"RETRY_BACKOFF"`
	ProcessingLease    time.Duration `env:"PROCESSING_LEASE,default=10m"`
	ConsumerPrefetch   int           `env:"CONSUMER_PREFETCH,default=4"`

	APIPort     int    `env:"API_PORT,default=8080"`
	MetricsPort int    `env:"METRICS_PORT,default=9090"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	LogFormat   string `env:"LOG_FORMAT,default=json"`
}

// Load reads an optional .env file and then the process environment. Values
// already present in the environment win over the file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("DATABASE_DSN is required")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1")
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("RETENTION_DAYS must be at least 1")
	}
	if c.DispatchBatchLimit < 1 {
		return fmt.Errorf("DISPATCH_BATCH_LIMIT must be at least 1")
	}
	if c.ProcessingLease <= 0 {
		return fmt.Errorf("PROCESSING_LEASE must be positive")
	}
	if _, err := c.Backoff(); err != nil {
		return fmt.Errorf("RETRY_BACKOFF: %w", err)
	}
	for key, spec := range map[string]string{
		"DISPATCH_SCHEDULE": c.DispatchSchedule,
		"RECOVER_SCHEDULE":  c.RecoverSchedule,
		"CLEANUP_SCHEDULE":  c.CleanupSchedule,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	if c.UsesSmsPilot() && strings.TrimSpace(c.SmsPilotURL) == "" {
		return fmt.Errorf("SMSPILOT_URL is required")
	}
	return nil
}

// Backoff returns the parsed RETRY_BACKOFF table, e.g. "60s,5m,15m". An unset
// value yields the default 60s/300s/900s table.
func (c *Config) Backoff() ([]time.Duration, error) {
	if strings.TrimSpace(c.RetryBackoff) == "" {
		return domain.DefaultRetryPolicy().Backoff, nil
	}
	return domain.ParseBackoff(c.RetryBackoff)
}

// RetryPolicy builds the queue retry policy from RETRY_BACKOFF.
func (c *Config) RetryPolicy() (domain.RetryPolicy, error) {
	backoff, err := c.Backoff()
	if err != nil {
		return domain.RetryPolicy{}, err
	}
	return domain.RetryPolicy{Backoff: backoff}, nil
}

// UsesSmsPilot reports whether real SMS delivery is configured. Without an API
// key outside test mode the worker falls back to the logging gateway.
func (c *Config) UsesSmsPilot() bool {
	return c.SMSTestMode || strings.TrimSpace(c.SmsPilotAPIKey) != ""
}
