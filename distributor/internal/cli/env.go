package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/malbeclabs/mevdist/utils/pkg/retry"
)

// Env holds connection and authority settings loaded from the environment.
type Env struct {
	RPCURL            string        `env:"MEVDIST_RPC_URL" envDefault:"http://localhost:8899"`
	KeypairPath       string        `env:"MEVDIST_KEYPAIR"`
	ProgramID         string        `env:"MEVDIST_PROGRAM_ID"`
	Commitment        string        `env:"MEVDIST_COMMITMENT" envDefault:"confirmed"`
	RequestsPerSecond float64       `env:"MEVDIST_RPC_REQUESTS_PER_SECOND" envDefault:"0"`
	Burst             int           `env:"MEVDIST_RPC_BURST" envDefault:"1"`
	CallTimeout       time.Duration `env:"MEVDIST_RPC_CALL_TIMEOUT" envDefault:"30s"`
	ConfirmTimeout    time.Duration `env:"MEVDIST_CONFIRM_TIMEOUT" envDefault:"90s"`

	RetryMaxAttempts int           `env:"MEVDIST_RETRY_MAX_ATTEMPTS" envDefault:"5"`
	RetryBaseBackoff time.Duration `env:"MEVDIST_RETRY_BASE_BACKOFF" envDefault:"500ms"`
	RetryMaxBackoff  time.Duration `env:"MEVDIST_RETRY_MAX_BACKOFF" envDefault:"10s"`

	S3Region   string `env:"MEVDIST_S3_REGION"`
	S3Endpoint string `env:"MEVDIST_S3_ENDPOINT"`

	JournalDatabaseURL string `env:"MEVDIST_JOURNAL_DATABASE_URL"`
	SlackWebhookURL    string `env:"MEVDIST_SLACK_WEBHOOK_URL"`

	SentryDSN         string `env:"SENTRY_DSN"`
	SentryEnvironment string `env:"SENTRY_ENVIRONMENT" envDefault:"development"`
}

// LoadEnv reads .env when present and parses the process environment.
func LoadEnv() (Env, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Env{}, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := env.ParseAs[Env]()
	if err != nil {
		return Env{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// Retry is the shared retry policy for uploads, claims and closes.
func (e Env) Retry() retry.Config {
	cfg := retry.DefaultConfig()
	if e.RetryMaxAttempts > 0 {
		cfg.MaxAttempts = e.RetryMaxAttempts
	}
	if e.RetryBaseBackoff > 0 {
		cfg.BaseBackoff = e.RetryBaseBackoff
	}
	if e.RetryMaxBackoff > 0 {
		cfg.MaxBackoff = e.RetryMaxBackoff
	}
	return cfg
}
