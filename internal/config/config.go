// Package config validates the controller's environment configuration, grounded on the
// teacher's internal/v1/config/config.go: required variables fail fast with every missing/
// invalid field collected into one error, optional variables fall back to sane defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration for cmd/controller.
type Config struct {
	// JWTSecret is required; Port falls back to "8080" when PORT is unset.
	JWTSecret string
	Port      string

	// Optional, domain collaborators (absent means the feature is disabled).
	RedisAddr     string
	RedisPassword string
	RedisEnabled  bool
	SFUAddr       string
	OtelCollector string

	// Optional, ambient.
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	// Rate limits (ulule/limiter/v3 formatted rates, e.g. "100-M").
	RateLimitTicketIP   string
	RateLimitTicketUser string
	RateLimitWsIP       string

	// Ticket lifetime, in seconds.
	TicketTTLSeconds int
}

// Load validates the process environment, same as ValidateEnv(os.Getenv).
func Load() (*Config, error) {
	return ValidateEnv(os.Getenv)
}

// ValidateEnv validates required environment variables and fills in defaults for the rest.
func ValidateEnv(getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	var problems []string

	cfg.JWTSecret = getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		problems = append(problems, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		problems = append(problems, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.Port = getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "8080"
	} else if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		problems = append(problems, fmt.Sprintf("PORT must be a valid port number (got %q)", cfg.Port))
	}

	cfg.RedisEnabled = getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
		}
		cfg.RedisPassword = getenv("REDIS_PASSWORD")
	}

	cfg.SFUAddr = getenv("SFU_ADDR")
	cfg.OtelCollector = getenv("OTEL_COLLECTOR_ADDR")

	cfg.GoEnv = orDefault(getenv("GO_ENV"), "production")
	cfg.LogLevel = orDefault(getenv("LOG_LEVEL"), "info")
	cfg.DevelopmentMode = getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = orDefault(getenv("ALLOWED_ORIGINS"), "http://localhost:3000")

	cfg.RateLimitTicketIP = orDefault(getenv("RATE_LIMIT_TICKET_IP"), "20-M")
	cfg.RateLimitTicketUser = orDefault(getenv("RATE_LIMIT_TICKET_USER"), "60-M")
	cfg.RateLimitWsIP = orDefault(getenv("RATE_LIMIT_WS_IP"), "30-M")

	cfg.TicketTTLSeconds = 60
	if raw := getenv("TICKET_TTL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.TicketTTLSeconds = v
		} else {
			problems = append(problems, fmt.Sprintf("TICKET_TTL_SECONDS must be a positive integer (got %q)", raw))
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return cfg, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
