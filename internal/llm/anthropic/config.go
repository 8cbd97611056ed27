package anthropic

import (
	"log/slog"
	"net/http"
	"os"
	"time"
)

const apiVersion = "2023-06-01"

// Config for the Anthropic Messages client.
type Config struct {
	APIKey        string        // if empty, falls back to env ANTHROPIC_API_KEY
	BaseURL       string        // default https://api.anthropic.com
	Model         string        // e.g., "claude-sonnet-4-20250514"
	Temperature   float32       // 0..1
	MaxTokens     int
	Timeout       time.Duration // http client timeout
	MaxRetries    int           // attempts for retryable failures
	RetryBackoff  time.Duration // initial backoff, doubled per attempt
	MaxSearchUses int           // cap on web searches per request
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.MaxSearchUses <= 0 {
		cfg.MaxSearchUses = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}
