// Package config provides configuration management for the harvest
// service. It loads configuration from environment variables and .env
// files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Source    SourceConfig
	RateLimit RateLimitConfig
	Pipeline  PipelineConfig
	Worker    WorkerConfig
	Logging   LoggingConfig
}

// ServerConfig holds the status API server configuration.
type ServerConfig struct {
	Host string
	Port string
}

// PostgresConfig holds Postgres configuration.
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// SourceConfig holds graph API client configuration.
type SourceConfig struct {
	BaseURL        string
	PageToken      string
	UserToken      string
	GroupToken     string
	RequestTimeout time.Duration
	RequestsPerSec float64
}

// RateLimitConfig holds sliding-window admission configuration for
// calls against the upstream graph API.
type RateLimitConfig struct {
	TenantMaxRequests int
	TenantWindow      time.Duration
	GlobalMaxRequests int
	GlobalWindow      time.Duration
	SlotMaxWait       time.Duration
}

// PipelineConfig holds orchestrator configuration.
type PipelineConfig struct {
	RunDeadline         time.Duration // hard wall-clock limit per run
	DefaultMaxPages     int
	DefaultProfileRetry int
	CheckpointEvery     int // enriched profiles between checkpoints
}

// WorkerConfig holds job dispatcher configuration.
type WorkerConfig struct {
	PollInterval   time.Duration
	MaxConcurrency int
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment
// variables.
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnv("SERVER_PORT", "8080"),
		},
		Postgres: PostgresConfig{
			Host:           getEnv("POSTGRES_HOST", "localhost"),
			Port:           getEnv("POSTGRES_PORT", "5432"),
			Database:       getEnv("POSTGRES_DB", "socybase"),
			User:           getEnv("POSTGRES_USER", "socybase"),
			Password:       getEnv("POSTGRES_PASSWORD", ""),
			MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
		},
		Redis: RedisConfig{
			Host:           getEnv("REDIS_HOST", "localhost"),
			Port:           getEnv("REDIS_PORT", "6379"),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getEnvAsInt("REDIS_DB", 0),
			MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
		},
		Source: SourceConfig{
			BaseURL:        getEnv("SOURCE_BASE_URL", "https://graph.example.com/v19.0"),
			PageToken:      getEnv("SOURCE_PAGE_TOKEN", ""),
			UserToken:      getEnv("SOURCE_USER_TOKEN", ""),
			GroupToken:     getEnv("SOURCE_GROUP_TOKEN", ""),
			RequestTimeout: getEnvAsDuration("SOURCE_REQUEST_TIMEOUT", 25*time.Second),
			RequestsPerSec: getEnvAsFloat("SOURCE_REQUESTS_PER_SEC", 5),
		},
		RateLimit: RateLimitConfig{
			TenantMaxRequests: getEnvAsInt("RATE_LIMIT_TENANT_MAX", 30),
			TenantWindow:      getEnvAsDuration("RATE_LIMIT_TENANT_WINDOW", time.Minute),
			GlobalMaxRequests: getEnvAsInt("RATE_LIMIT_GLOBAL_MAX", 200),
			GlobalWindow:      getEnvAsDuration("RATE_LIMIT_GLOBAL_WINDOW", time.Minute),
			SlotMaxWait:       getEnvAsDuration("RATE_LIMIT_SLOT_MAX_WAIT", 30*time.Second),
		},
		Pipeline: PipelineConfig{
			RunDeadline:         getEnvAsDuration("PIPELINE_RUN_DEADLINE", 32*time.Minute),
			DefaultMaxPages:     getEnvAsInt("PIPELINE_DEFAULT_MAX_PAGES", 100),
			DefaultProfileRetry: getEnvAsInt("PIPELINE_DEFAULT_PROFILE_RETRY", 2),
			CheckpointEvery:     getEnvAsInt("PIPELINE_CHECKPOINT_EVERY", 5),
		},
		Worker: WorkerConfig{
			PollInterval:   getEnvAsDuration("WORKER_POLL_INTERVAL", 3*time.Second),
			MaxConcurrency: getEnvAsInt("WORKER_MAX_CONCURRENCY", 8),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

// PostgresURL returns a database URL suitable for golang-migrate.
func (c *PostgresConfig) PostgresURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value.
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value.
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
