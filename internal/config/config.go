// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.

	// Tracking service.
	TrackerURL     string
	RequestTimeout time.Duration // Per-request bound; the only limit on a stalled refresh.
	RunsPageSize   int
	HistorySamples int

	// Seed connection, used when the settings store holds none.
	APIKey  string
	Entity  string
	Project string

	// Polling.
	PollInterval   time.Duration
	PollingEnabled bool

	// Settings persistence. Empty DSN keeps settings in memory.
	SettingsDSN    string
	SettingsSecret string // Seals the stored API key when set.

	// Rate limiting for manual refreshes.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values are reported together rather than silently replaced by
// their defaults.
func Load() (Config, error) {
	l := &loader{}
	cfg := Config{
		Port:                l.int("KANSOKU_PORT", 8080),
		ReadTimeout:         l.duration("KANSOKU_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        l.duration("KANSOKU_WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes: int64(l.int("KANSOKU_MAX_REQUEST_BODY_BYTES", 64*1024)),
		TrackerURL:          envStr("KANSOKU_TRACKER_URL", "https://api.wandb.ai"),
		RequestTimeout:      l.duration("KANSOKU_REQUEST_TIMEOUT", 30*time.Second),
		RunsPageSize:        l.int("KANSOKU_RUNS_PAGE_SIZE", 50),
		HistorySamples:      l.int("KANSOKU_HISTORY_SAMPLES", 1000),
		APIKey:              envStr("WANDB_API_KEY", ""),
		Entity:              envStr("WANDB_ENTITY", ""),
		Project:             envStr("WANDB_PROJECT", ""),
		PollInterval:        l.duration("KANSOKU_POLL_INTERVAL", 15*time.Second),
		PollingEnabled:      l.bool("KANSOKU_POLLING_ENABLED", true),
		SettingsDSN:         envStr("KANSOKU_SETTINGS_DSN", "file:kansoku.db"),
		SettingsSecret:      envStr("KANSOKU_SETTINGS_SECRET", ""),
		RateLimitEnabled:    l.bool("KANSOKU_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:        l.float("KANSOKU_RATE_LIMIT_RPS", 1),
		RateLimitBurst:      l.int("KANSOKU_RATE_LIMIT_BURST", 5),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "kansoku"),
		OTELInsecure:        l.bool("KANSOKU_OTEL_INSECURE", false),
		LogLevel:            envStr("KANSOKU_LOG_LEVEL", "info"),
	}

	if len(l.errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(l.errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that values are usable.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: KANSOKU_PORT must be between 1 and 65535")
	}
	if c.TrackerURL == "" {
		return fmt.Errorf("config: KANSOKU_TRACKER_URL is required")
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("config: KANSOKU_POLL_INTERVAL must be at least 1s")
	}
	if c.RunsPageSize <= 0 {
		return fmt.Errorf("config: KANSOKU_RUNS_PAGE_SIZE must be positive")
	}
	if c.HistorySamples <= 0 {
		return fmt.Errorf("config: KANSOKU_HISTORY_SAMPLES must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: KANSOKU_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("config: KANSOKU_RATE_LIMIT_RPS and KANSOKU_RATE_LIMIT_BURST must be positive")
	}
	return nil
}

// loader collects parse errors so Load can report every bad variable at once.
type loader struct {
	errs []error
}

func (l *loader) int(key string, defaultVal int) int {
	v, err := envInt(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) float(key string, defaultVal float64) float64 {
	v, err := envFloat(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) bool(key string, defaultVal bool) bool {
	v, err := envBool(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) duration(key string, defaultVal time.Duration) time.Duration {
	v, err := envDuration(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func envStr(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
