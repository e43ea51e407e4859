// Package config loads process configuration from the environment. It is
// read once in each main.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// LLM settings
	LLMProvider   string        `env:"LLM_PROVIDER" envDefault:"openai"`
	LLMTimeout    time.Duration `env:"LLM_TIMEOUT" envDefault:"20s"`
	OpenAIAPIKey  string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string        `env:"OPENAI_BASE_URL"`
	OpenAIModel   string        `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	GeminiAPIKey  string        `env:"GEMINI_API_KEY"`
	GeminiBaseURL string        `env:"GEMINI_BASE_URL"`
	GeminiModel   string        `env:"GEMINI_MODEL" envDefault:"gemini-2.0-flash"`
	ParamPrefix   string        `env:"PARAM_PREFIX" envDefault:"/ledger-agent"`

	// Sessions
	SessionsTable string        `env:"SESSIONS_TABLE"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"30m"`
	SweepSchedule string        `env:"SWEEP_SCHEDULE" envDefault:"@every 5m"`

	// Ledger. LedgerDBPath has no default: in Lambda it must point at durable
	// storage such as an EFS mount.
	LedgerDBPath        string `env:"LEDGER_DB_PATH"`
	SeedDefaultAccounts bool   `env:"SEED_DEFAULT_ACCOUNTS" envDefault:"true"`

	// Events
	AMQPURL        string `env:"AMQP_URL"`
	AMQPExchange   string `env:"AMQP_EXCHANGE" envDefault:"ledger.events"`
	AMQPQueue      string `env:"AMQP_QUEUE" envDefault:"transaction.created"`
	AMQPRoutingKey string `env:"AMQP_ROUTING_KEY" envDefault:"transaction.created"`

	// Conversation
	Timezone         string `env:"TIMEZONE" envDefault:"Asia/Seoul"`
	MaxMessageLength int    `env:"MAX_MESSAGE_LENGTH" envDefault:"1000"`

	// Dev server
	DevAddr string `env:"DEV_ADDR" envDefault:":8080"`
	// DevUserID, when set, gets a personal book created at dev server start.
	DevUserID int64 `env:"DEV_USER_ID"`
}

// Load reads a .env file when one is present and parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.LLMProvider) {
	case "openai", "gemini":
	default:
		return fmt.Errorf("config: unknown LLM_PROVIDER %q", c.LLMProvider)
	}
	if c.LLMTimeout <= 0 {
		return errors.New("config: LLM_TIMEOUT must be positive")
	}
	if c.SessionTTL <= 0 {
		return errors.New("config: SESSION_TTL must be positive")
	}
	if c.MaxMessageLength <= 0 {
		return errors.New("config: MAX_MESSAGE_LENGTH must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// RequireLambda checks the settings the Lambda entry point cannot run
// without.
func (c *Config) RequireLambda() error {
	var missing []string
	if strings.TrimSpace(c.SessionsTable) == "" {
		missing = append(missing, "SESSIONS_TABLE")
	}
	if strings.TrimSpace(c.LedgerDBPath) == "" {
		missing = append(missing, "LEDGER_DB_PATH")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: required environment variables not set: %s", strings.Join(missing, ", "))
	}
	return nil
}

// LedgerPathOr returns LedgerDBPath, or fallback when it is unset.
func (c *Config) LedgerPathOr(fallback string) string {
	if p := strings.TrimSpace(c.LedgerDBPath); p != "" {
		return p
	}
	return fallback
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// SlogLevel maps LogLevel to a slog level. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
