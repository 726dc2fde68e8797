package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/0xmhha/market-indexer/internal/constants"
)

// Config holds API server configuration
type Config struct {
	Host string
	Port int

	EnableCORS     bool
	AllowedOrigins []string

	EnableRateLimit    bool
	RateLimitPerSecond float64
	RateLimitBurst     int

	// WebhookPath is where webhook deliveries are accepted
	WebhookPath string

	// WebSocketPath serves the activity stream
	WebSocketPath string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxHeaderBytes  int
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Host:               constants.DefaultAPIHost,
		Port:               constants.DefaultAPIPort,
		EnableCORS:         true,
		AllowedOrigins:     []string{"*"},
		RateLimitPerSecond: constants.DefaultRateLimitPerSecond,
		RateLimitBurst:     constants.DefaultRateLimitBurst,
		WebhookPath:        constants.DefaultWebhookPath,
		WebSocketPath:      constants.DefaultWebSocketPath,
		ReadTimeout:        constants.DefaultReadTimeout,
		WriteTimeout:       constants.DefaultWriteTimeout,
		IdleTimeout:        constants.DefaultIdleTimeout,
		ShutdownTimeout:    constants.DefaultShutdownTimeout,
		MaxHeaderBytes:     constants.DefaultMaxHeaderBytes,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Port < constants.MinPort || c.Port > constants.MaxPort {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if !strings.HasPrefix(c.WebhookPath, "/") {
		return fmt.Errorf("webhook path must start with /: %q", c.WebhookPath)
	}
	if !strings.HasPrefix(c.WebSocketPath, "/") {
		return fmt.Errorf("websocket path must start with /: %q", c.WebSocketPath)
	}
	if c.WebhookPath == c.WebSocketPath {
		return fmt.Errorf("webhook and websocket paths collide: %q", c.WebhookPath)
	}
	if c.EnableCORS && len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("CORS enabled but no allowed origins")
	}
	if c.EnableRateLimit && (c.RateLimitPerSecond <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("rate limit must be positive: %v/s burst %d", c.RateLimitPerSecond, c.RateLimitBurst)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

// Address returns the listen address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
