package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"

	QueueMemory = "memory"
	QueueRedis  = "redis"

	MailSMTP   = "smtp"
	MailResend = "resend"

	AIOpenAI    = "openai"
	AIAnthropic = "anthropic"
	AITemplate  = "template"
)

type Config struct {
	// ----------------------------
	// Runtime
	// ----------------------------
	Env      string `envconfig:"ENV" default:"production"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// ----------------------------
	// SMTP / Mail
	// ----------------------------
	MailProvider string        `envconfig:"MAIL_PROVIDER" default:"smtp"`
	SMTPHost     string        `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int           `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string        `envconfig:"SMTP_USER" default:""`
	SMTPPassword string        `envconfig:"SMTP_PASSWORD" default:""`
	MailFrom     string        `envconfig:"MAIL_FROM" default:"coach@leaderdrip.app"`
	MailFromName string        `envconfig:"MAIL_FROM_NAME" default:"LeaderDrip Coach"`
	ResendAPIKey string        `envconfig:"RESEND_API_KEY" default:""`
	SendTimeout  time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`

	// ----------------------------
	// Content generation
	// ----------------------------
	AIProvider         string        `envconfig:"AI_PROVIDER" default:"template"`
	OpenAIAPIKey       string        `envconfig:"OPENAI_API_KEY" default:""`
	OpenAIBaseURL      string        `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	OpenAIModel        string        `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	AnthropicAPIKey    string        `envconfig:"ANTHROPIC_API_KEY" default:""`
	AnthropicModel     string        `envconfig:"ANTHROPIC_MODEL" default:"claude-3-5-haiku-latest"`
	GenerationAttempts int           `envconfig:"GENERATION_ATTEMPTS" default:"3"`
	GenerationTimeout  time.Duration `envconfig:"GENERATION_TIMEOUT" default:"60s"`

	// GenerationAttemptTimeout bounds one provider call. Attempts times this
	// must fit inside GenerationTimeout so the template fallback can run.
	GenerationAttemptTimeout time.Duration `envconfig:"GENERATION_ATTEMPT_TIMEOUT" default:"15s"`

	// ----------------------------
	// Workers / Queue
	// ----------------------------
	QueueBackend       string        `envconfig:"QUEUE_BACKEND" default:"memory"`
	RedisURL           string        `envconfig:"REDIS_URL" default:""`
	RedisPrefix        string        `envconfig:"REDIS_PREFIX" default:"leaderdrip:queue"`
	WorkerCount        int           `envconfig:"WORKER_COUNT" default:"3"`
	RateLimit          int           `envconfig:"RATE_LIMIT" default:"10"`
	RateWindow         time.Duration `envconfig:"RATE_WINDOW" default:"60s"`
	RetryAttempts      int           `envconfig:"RETRY_ATTEMPTS" default:"3"`
	RetryBaseDelay     time.Duration `envconfig:"RETRY_BASE_DELAY" default:"30s"`
	RetryMaxDelay      time.Duration `envconfig:"RETRY_MAX_DELAY" default:"10m"`
	JobTimeout         time.Duration `envconfig:"JOB_TIMEOUT" default:"3m"`
	PollInterval       time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
	CompletedRetention time.Duration `envconfig:"COMPLETED_RETENTION" default:"1h"`

	// ----------------------------
	// Scheduler
	// ----------------------------
	Schedule          string        `envconfig:"SCHEDULE" default:"0 * * * *"`
	SendHour          int           `envconfig:"SEND_HOUR" default:"9"`
	StalePendingAfter time.Duration `envconfig:"STALE_PENDING_AFTER" default:"30m"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database
	// ----------------------------
	StoreDriver string `envconfig:"STORE_DRIVER" default:"memory"`
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"data/leaderdrip.db"`
}

// Load reads .env (if present, without overriding real env vars) and then the
// process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

func (c *Config) Development() bool {
	return c.Env == "development"
}

func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_DRIVER=postgres"))
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required when STORE_DRIVER=sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	switch c.QueueBackend {
	case QueueMemory:
	case QueueRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required when QUEUE_BACKEND=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend))
	}

	switch c.MailProvider {
	case MailSMTP:
	case MailResend:
		if c.ResendAPIKey == "" {
			errs = append(errs, errors.New("RESEND_API_KEY is required when MAIL_PROVIDER=resend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown MAIL_PROVIDER %q", c.MailProvider))
	}

	switch c.AIProvider {
	case AITemplate:
	case AIOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required when AI_PROVIDER=openai"))
		}
	case AIAnthropic:
		if c.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("ANTHROPIC_API_KEY is required when AI_PROVIDER=anthropic"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown AI_PROVIDER %q", c.AIProvider))
	}

	if c.WorkerCount < 1 {
		errs = append(errs, errors.New("WORKER_COUNT must be at least 1"))
	}
	if c.RateLimit < 1 || c.RateWindow <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT and RATE_WINDOW must be positive"))
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, errors.New("RETRY_ATTEMPTS must be at least 1"))
	}
	if c.GenerationAttemptTimeout > 0 &&
		time.Duration(c.GenerationAttempts)*c.GenerationAttemptTimeout >= c.GenerationTimeout {
		errs = append(errs, fmt.Errorf("GENERATION_ATTEMPTS x GENERATION_ATTEMPT_TIMEOUT (%d x %s) must be below GENERATION_TIMEOUT (%s)",
			c.GenerationAttempts, c.GenerationAttemptTimeout, c.GenerationTimeout))
	}
	// A pending record younger than a job timeout may still be in flight.
	if c.StalePendingAfter > 0 && c.StalePendingAfter <= c.JobTimeout {
		errs = append(errs, fmt.Errorf("STALE_PENDING_AFTER (%s) must exceed JOB_TIMEOUT (%s)",
			c.StalePendingAfter, c.JobTimeout))
	}
	if c.SendHour < 0 || c.SendHour > 23 {
		errs = append(errs, fmt.Errorf("SEND_HOUR %d out of range 0-23", c.SendHour))
	}

	return errors.Join(errs...)
}
