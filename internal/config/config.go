package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Postgres connection. When DBHost is empty the server falls back to a
	// local sqlite file (dev mode).
	DBHost     string `env:"DB_HOST"`
	DBPort     string `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"postgres"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME" envDefault:"chatflow"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
	DBPath     string `env:"DB_PATH" envDefault:"./chatflow.db"`

	// AI provider (OpenAI-compatible chat completions endpoint).
	AIAPIURL string `env:"AI_API_URL" envDefault:"https://api.openai.com/v1/chat/completions"`
	AIAPIKey string `env:"AI_API_KEY"`
	AIModel  string `env:"AI_MODEL" envDefault:"gpt-4o-mini"`

	// Session reconnect policy.
	MaxReconnectAttempts int           `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectBackoff     time.Duration `env:"RECONNECT_BACKOFF" envDefault:"5s"`

	// Flow engine knobs.
	MaxFlowSteps    int           `env:"MAX_FLOW_STEPS" envDefault:"10"`
	ExternalTimeout time.Duration `env:"EXTERNAL_CALL_TIMEOUT" envDefault:"15s"`
}

func Load() (*Config, error) {
	// Missing .env is fine, production sets env vars directly.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// UsePostgres reports whether a postgres host was configured.
func (c *Config) UsePostgres() bool {
	return c.DBHost != ""
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort, c.DBSSLMode)
}
