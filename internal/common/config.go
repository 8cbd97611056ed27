package common

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig
	LLM     LLMConfig
	Batch   BatchConfig
	Archive ArchiveConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
	MaxUploadBytes int64
}

// LLMConfig holds valuation model configuration.
type LLMConfig struct {
	Model        string
	APIKey       string
	BaseURL      string
	Temperature  float32
	MaxTokens    int
	Timeout      time.Duration
	WebSearch    bool
	MaxRetries   int
	RetryBackoff time.Duration
}

// BatchConfig holds batch driver configuration.
type BatchConfig struct {
	Workers     int
	MinInterval time.Duration
	ItemTimeout time.Duration
}

// ArchiveConfig holds the optional SQLite archive configuration.
// Archiving is disabled when Path is empty.
type ArchiveConfig struct {
	Path string
}

// LoadConfig loads configuration from a .env file (if present) and environment variables.
func LoadConfig(logger *slog.Logger) *Config {
	if logger == nil {
		logger = slog.Default()
	}
	if err := godotenv.Load(); err != nil {
		logger.Debug("config.no_dotenv", "error", err)
	}

	return &Config{
		Server: ServerConfig{
			Addr:           getEnv("HTTP_ADDR", ":8080"),
			AllowedOrigins: []string{getEnv("CORS_ORIGIN", "http://localhost:3000")},
			MaxUploadBytes: int64(getEnvAsInt("MAX_UPLOAD_BYTES", 16<<20)),
		},
		LLM: LLMConfig{
			Model:        getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
			APIKey:       getEnv("ANTHROPIC_API_KEY", ""),
			BaseURL:      getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			Temperature:  getEnvAsFloat32("ANTHROPIC_TEMPERATURE", 0.0),
			MaxTokens:    getEnvAsInt("ANTHROPIC_MAX_TOKENS", 4000),
			Timeout:      getEnvAsDuration("ANTHROPIC_TIMEOUT", 90*time.Second),
			WebSearch:    getEnvAsBool("VALUATION_WEB_SEARCH", true),
			MaxRetries:   getEnvAsInt("VALUATION_MAX_RETRIES", 3),
			RetryBackoff: getEnvAsDuration("VALUATION_RETRY_BACKOFF", 2*time.Second),
		},
		Batch: BatchConfig{
			Workers:     getEnvAsInt("VALUATION_WORKERS", 2),
			MinInterval: getEnvAsDuration("VALUATION_MIN_INTERVAL", 500*time.Millisecond),
			ItemTimeout: getEnvAsDuration("VALUATION_ITEM_TIMEOUT", 2*time.Minute),
		},
		Archive: ArchiveConfig{
			Path: getEnv("ARCHIVE_PATH", ""),
		},
	}
}

// Validate validates the loaded configuration.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "ANTHROPIC_API_KEY is required", ErrAuthentication)
	}
	if c.Server.Addr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	if c.Batch.Workers < 1 {
		return NewAppError("CONFIG_ERROR", "VALUATION_WORKERS must be at least 1", ErrInvalidInput)
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
