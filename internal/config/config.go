package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kevin07696/payment-bridge/internal/channel"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Terminal  TerminalConfig
	Session   SessionConfig
	RateLimit RateLimitConfig
	Logger    LoggerConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	MetricsPort     int
	ShutdownTimeout time.Duration
}

// Addr returns the API listen address
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MetricsAddr returns the metrics listen address
func (c ServerConfig) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.MetricsPort)
}

// TerminalConfig holds terminal gateway configuration
type TerminalConfig struct {
	BaseURL string        // e.g. http://localhost:8000
	PayPath string        // payment endpoint, default /pay
	Timeout time.Duration // the customer interacts with the device while this is open
}

// SessionConfig holds session hosting configuration
type SessionConfig struct {
	AllowedOrigins []string // POS origins allowed to host the bridge, normalized
	TTL            time.Duration
}

// RateLimitConfig holds per-client rate limiting
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// LoggerConfig holds logging configuration
type LoggerConfig struct {
	Level       string // debug, info, warn, error
	Environment string
}

// Development reports whether the service runs outside production
func (c LoggerConfig) Development() bool {
	return c.Environment != "production"
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "localhost"),
			Port:            getEnvAsInt("HTTP_PORT", 8080),
			MetricsPort:     getEnvAsInt("METRICS_PORT", 9090),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Terminal: TerminalConfig{
			BaseURL: getEnv("TERMINAL_GATEWAY_URL", "http://localhost:8000"),
			PayPath: getEnv("TERMINAL_PAY_PATH", "/pay"),
			Timeout: getEnvAsDuration("TERMINAL_TIMEOUT", 120*time.Second),
		},
		Session: SessionConfig{
			TTL: getEnvAsDuration("SESSION_TTL", 15*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RPS:   getEnvAsFloat("RATE_LIMIT_RPS", 10),
			Burst: getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Logger: LoggerConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
	}

	origins, err := parseOrigins(os.Getenv("ALLOWED_ORIGINS"))
	if err != nil {
		return nil, err
	}
	cfg.Session.AllowedOrigins = origins

	if cfg.Server.Port == cfg.Server.MetricsPort {
		return nil, fmt.Errorf("HTTP_PORT and METRICS_PORT must differ")
	}
	if cfg.Terminal.Timeout <= 0 {
		return nil, fmt.Errorf("TERMINAL_TIMEOUT must be positive")
	}
	if cfg.Session.TTL <= 0 {
		return nil, fmt.Errorf("SESSION_TTL must be positive")
	}

	return cfg, nil
}

// parseOrigins splits a comma separated origin list. At least one concrete
// origin is required; the wildcard is refused.
func parseOrigins(raw string) ([]string, error) {
	var origins []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		origin, err := channel.NormalizeOrigin(part)
		if err != nil {
			return nil, fmt.Errorf("ALLOWED_ORIGINS: invalid origin %q: %w", part, err)
		}
		if _, dup := seen[origin]; dup {
			continue
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	if len(origins) == 0 {
		return nil, fmt.Errorf("ALLOWED_ORIGINS is required")
	}
	return origins, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("90s") or whole seconds ("90")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
