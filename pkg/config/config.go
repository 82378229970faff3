// Package config loads runtime configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/walletd/pkg/idempotency"
)

// Config is the process configuration. Every field has a working
// default so a bare `walletd` starts a self-contained node with an
// embedded broker.
type Config struct {
	// NATSURL is the broker address. Ignored when EmbeddedNATS is set.
	NATSURL string

	// EmbeddedNATS runs the broker inside the process.
	EmbeddedNATS bool

	// EventDBPath is the event log database (the write side).
	EventDBPath string

	// ReadDBPath is the read model database.
	ReadDBPath string

	// FraudDBPath is the fraud analyzer database.
	FraudDBPath string

	// IdempotencyTTL is how long completed request keys are retained.
	IdempotencyTTL time.Duration

	// HTTPAddr is the HTTP listen address.
	HTTPAddr string

	// ConflictRetries is how many times a command retries after an
	// optimistic concurrency conflict.
	ConflictRetries int

	// RecoveryInterval is how often the saga recovery scanner sweeps.
	RecoveryInterval time.Duration

	// RecoveryMaxAge is how long a saga may sit without progress before
	// the scanner resumes it.
	RecoveryMaxAge time.Duration
}

// FromEnv builds the configuration from environment variables, falling
// back to defaults.
func FromEnv() Config {
	return Config{
		NATSURL:          envString("NATS_URL", nats.DefaultURL),
		EmbeddedNATS:     envBool("NATS_EMBEDDED", true),
		EventDBPath:      envString("DB_PATH", "walletd.db"),
		ReadDBPath:       envString("READ_DB_PATH", "walletd_read.db"),
		FraudDBPath:      envString("FRAUD_DB_PATH", "walletd_fraud.db"),
		IdempotencyTTL:   envSeconds("IDEMPOTENCY_TTL_SECONDS", idempotency.DefaultTTL),
		HTTPAddr:         envString("HTTP_ADDR", ":8080"),
		ConflictRetries:  envInt("CONFLICT_RETRIES", 1),
		RecoveryInterval: envSeconds("RECOVERY_INTERVAL_SECONDS", 30*time.Second),
		RecoveryMaxAge:   envSeconds("RECOVERY_MAX_AGE_SECONDS", time.Minute),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}
