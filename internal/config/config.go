package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// ErrConfiguration marks settings that prevent the service from starting.
var ErrConfiguration = errors.New("invalid configuration")

// Config contains all runtime settings for the translation service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	SessionRetention         time.Duration
	MetricsNamespace         string
	LogLevel                 string

	AllowAnyOrigin bool

	TranslationProvider    string
	TranslationAPIKey      string
	TranslationBaseURL     string
	TranslationModel       string
	TranslationTemperature float64
	TranslationTimeout     time.Duration
	TranslationMaxRetries  int
	TranslationDebounce    time.Duration

	DatabaseURL string
}

func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "medtranslate"),
		LogLevel:                 strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		AllowAnyOrigin:           false,
		TranslationProvider:      strings.ToLower(envOrDefault("TRANSLATION_PROVIDER", "openai")),
		TranslationAPIKey:        envTrimmed("TRANSLATION_API_KEY"),
		TranslationBaseURL:       envTrimmed("TRANSLATION_BASE_URL"),
		TranslationModel:         envOrDefault("TRANSLATION_MODEL", "gpt-4-turbo"),
		TranslationTemperature:   0.3,
		TranslationTimeout:       20 * time.Second,
		TranslationMaxRetries:    1,
		DatabaseURL:              envTrimmed("DATABASE_URL"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 600 * time.Second,
		SessionRetention:         30 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRetention, err = durationFromEnv("APP_SESSION_RETENTION", cfg.SessionRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.TranslationTemperature, err = floatFromEnv("TRANSLATION_TEMPERATURE", cfg.TranslationTemperature)
	if err != nil {
		return Config{}, err
	}
	cfg.TranslationTimeout, err = durationFromEnv("TRANSLATION_TIMEOUT", cfg.TranslationTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TranslationMaxRetries, err = intFromEnv("TRANSLATION_MAX_RETRIES", cfg.TranslationMaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.TranslationDebounce, err = durationFromEnv("TRANSLATION_DEBOUNCE", cfg.TranslationDebounce)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("%w: APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s", ErrConfiguration)
	}
	if c.SessionRetention < c.SessionInactivityTimeout {
		return fmt.Errorf("%w: APP_SESSION_RETENTION must not be shorter than APP_SESSION_INACTIVITY_TIMEOUT", ErrConfiguration)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: APP_LOG_LEVEL: %v", ErrConfiguration, err)
	}
	switch c.TranslationProvider {
	case "openai":
		if c.TranslationAPIKey == "" {
			return fmt.Errorf("%w: TRANSLATION_API_KEY is required for provider openai", ErrConfiguration)
		}
	case "mock":
	default:
		return fmt.Errorf("%w: TRANSLATION_PROVIDER %q must be openai or mock", ErrConfiguration, c.TranslationProvider)
	}
	// A zero temperature is dropped from the request body and the provider
	// substitutes its own default.
	if c.TranslationTemperature <= 0 || c.TranslationTemperature > 2 {
		return fmt.Errorf("%w: TRANSLATION_TEMPERATURE must be within (0, 2]", ErrConfiguration)
	}
	if c.TranslationTimeout <= 0 {
		return fmt.Errorf("%w: TRANSLATION_TIMEOUT must be positive", ErrConfiguration)
	}
	if c.TranslationMaxRetries < 0 {
		return fmt.Errorf("%w: TRANSLATION_MAX_RETRIES must be >= 0", ErrConfiguration)
	}
	if c.TranslationDebounce < 0 {
		return fmt.Errorf("%w: TRANSLATION_DEBOUNCE must be >= 0", ErrConfiguration)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s parse error: %v", ErrConfiguration, key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s parse error: %v", ErrConfiguration, key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s parse error: %v", ErrConfiguration, key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s parse error: expected bool", ErrConfiguration, key)
	}
}
