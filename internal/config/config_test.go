package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func getenvFrom(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

func TestValidateEnvValidConfiguration(t *testing.T) {
	cfg, err := ValidateEnv(getenvFrom(map[string]string{
		"JWT_SECRET": "this-is-a-very-long-secret-key-for-testing",
		"PORT":       "8080",
	}))
	require.NoError(t, err)
	require.Equal(t, "this-is-a-very-long-secret-key-for-testing", cfg.JWTSecret)
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, "production", cfg.GoEnv)
	require.Equal(t, "info", cfg.LogLevel)
	require.False(t, cfg.RedisEnabled)
	require.Equal(t, 60, cfg.TicketTTLSeconds)
}

func TestValidateEnvRejectsShortSecret(t *testing.T) {
	_, err := ValidateEnv(getenvFrom(map[string]string{"JWT_SECRET": "too-short", "PORT": "8080"}))
	require.Error(t, err)
}

func TestValidateEnvRejectsMissingSecret(t *testing.T) {
	_, err := ValidateEnv(getenvFrom(map[string]string{"PORT": "8080"}))
	require.Error(t, err)
}

func TestValidateEnvRedisDefaultsWhenEnabled(t *testing.T) {
	cfg, err := ValidateEnv(getenvFrom(map[string]string{
		"JWT_SECRET":    "this-is-a-very-long-secret-key-for-testing",
		"PORT":          "8080",
		"REDIS_ENABLED": "true",
	}))
	require.NoError(t, err)
	require.Equal(t, "localhost:6379", cfg.RedisAddr)
}
