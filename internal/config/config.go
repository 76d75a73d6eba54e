// Package config provides configuration management for the CATI dispatcher.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Dispatch   DispatchConfig
	Completion CompletionConfig
	Provider   ProviderConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// DispatchConfig holds dispatch and priority configuration
type DispatchConfig struct {
	// PriorityMapPath points at the static region-priority document.
	PriorityMapPath string
	// PriorityMapTTL bounds the cached priority map.
	PriorityMapTTL time.Duration
	// CandidateTTL bounds cached next-candidate pointers. Kept short:
	// a stale pointer only costs one validation round-trip.
	CandidateTTL time.Duration
	// CandidateBatch bounds the combined candidate query.
	CandidateBatch int
}

// CompletionConfig holds completion protocol configuration
type CompletionConfig struct {
	// SessionCacheTTL bounds the session-token fast duplicate cache.
	SessionCacheTTL time.Duration
	// AbandonMaxDuration is the heuristic elapsed-time threshold below
	// which a zero-answer attempt is classified as abandoned.
	AbandonMaxDuration time.Duration
	// CollaboratorTimeout bounds calls to the quality engine and the
	// review queue.
	CollaboratorTimeout time.Duration
}

// ProviderConfig holds telephony provider configuration
type ProviderConfig struct {
	// BaseURL is the provider API endpoint. Empty disables call
	// launching; dispatch still assigns entries.
	BaseURL string
	// APIKey authenticates provider requests.
	APIKey string
	// FromNumber is the caller id for outbound calls.
	FromNumber string
	// Timeout bounds call initiation requests.
	Timeout time.Duration
	// CallsPerSecond is the contracted outbound dial rate.
	CallsPerSecond float64
	// CallBurst is the short-term dial allowance above the steady rate.
	CallBurst int
}

// RateLimitConfig holds per-interviewer rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "cati_dispatcher"),
				User:           getEnv("POSTGRES_USER", "cati"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 100),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Dispatch: DispatchConfig{
			PriorityMapPath: getEnv("PRIORITY_MAP_PATH", "priority_regions.json"),
			PriorityMapTTL:  getEnvAsDuration("PRIORITY_MAP_TTL", 5*time.Minute),
			CandidateTTL:    getEnvAsDuration("DISPATCH_CANDIDATE_TTL", 30*time.Second),
			CandidateBatch:  getEnvAsInt("DISPATCH_CANDIDATE_BATCH", 50),
		},
		Completion: CompletionConfig{
			SessionCacheTTL:     getEnvAsDuration("COMPLETION_SESSION_CACHE_TTL", 2*time.Minute),
			AbandonMaxDuration:  getEnvAsDuration("COMPLETION_ABANDON_MAX_DURATION", 30*time.Second),
			CollaboratorTimeout: getEnvAsDuration("COMPLETION_COLLABORATOR_TIMEOUT", 3*time.Second),
		},
		Provider: ProviderConfig{
			BaseURL:    getEnv("PROVIDER_BASE_URL", ""),
			APIKey:     getEnv("PROVIDER_API_KEY", ""),
			FromNumber:     getEnv("PROVIDER_FROM_NUMBER", ""),
			Timeout:        getEnvAsDuration("PROVIDER_TIMEOUT", 3*time.Second),
			CallsPerSecond: getEnvAsFloat("PROVIDER_CALLS_PER_SECOND", 2),
			CallBurst:      getEnvAsInt("PROVIDER_CALL_BURST", 5),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 5),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
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

// getEnvAsFloat gets an environment variable as a float with a default value
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

// getEnvAsDuration gets an environment variable as a duration with a default value
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
