// Package config holds the environment-backed settings for every
// ScribeFlow binary. Each service loads its own typed settings struct
// at startup and exits non-zero if a required value is missing.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotenv loads a .env file if present. Missing files are fine;
// the process continues with the existing environment.
func LoadDotenv(path string) {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		slog.Debug("No .env file loaded", "path", path, "error", err)
		return
	}
	slog.Info("Loaded environment", "path", path)
}

// missingError aggregates missing required settings so that startup
// reports all of them at once instead of one per restart.
type missingError struct {
	keys []string
}

func (e *missingError) Error() string {
	return "missing required config: " + strings.Join(e.keys, ", ")
}

// env is a collector for reading related settings; Err returns a
// single error naming everything that was required but absent.
type env struct {
	missing []string
}

func (e *env) Require(key string) string {
	v := os.Getenv(key)
	if v == "" {
		e.missing = append(e.missing, key)
	}
	return v
}

func (e *env) Get(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (e *env) Int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.missing = append(e.missing, fmt.Sprintf("%s (not an integer: %q)", key, v))
		return fallback
	}
	return n
}

func (e *env) Bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.missing = append(e.missing, fmt.Sprintf("%s (not a boolean: %q)", key, v))
		return fallback
	}
	return b
}

func (e *env) Duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.missing = append(e.missing, fmt.Sprintf("%s (not a duration: %q)", key, v))
		return fallback
	}
	return d
}

func (e *env) List(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (e *env) Err() error {
	if len(e.missing) == 0 {
		return nil
	}
	return &missingError{keys: e.missing}
}

// RetrySettings are the shared knobs for bounded retry loops.
type RetrySettings struct {
	MaxRetries    int
	BackoffBaseMS int
	BackoffCapMS  int
	RetryBudgetS  int
}

func loadRetry(e *env, prefix string) RetrySettings {
	return RetrySettings{
		MaxRetries:    e.Int(prefix+"_MAX_RETRIES", 4),
		BackoffBaseMS: e.Int(prefix+"_BACKOFF_BASE_MS", 200),
		BackoffCapMS:  e.Int(prefix+"_BACKOFF_CAP_MS", 3000),
		RetryBudgetS:  e.Int(prefix+"_RETRY_BUDGET_S", 20),
	}
}
