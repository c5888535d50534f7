package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the doubt chat service.
type Config struct {
	BindAddr                string
	ShutdownTimeout         time.Duration
	ConversationIdleTimeout time.Duration
	MetricsNamespace        string
	LogLevel                string

	AllowAnyOrigin bool

	DatabaseURL string
	SQLitePath  string

	AnswerMode    string
	AnswerURL     string
	AnswerTimeout time.Duration

	SuggestCatalogPath string
	SuggestLimit       int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:        envOrDefault("APP_METRICS_NAMESPACE", "doubtdesk"),
		LogLevel:                strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		AllowAnyOrigin:          false,
		DatabaseURL:             stringsTrimSpace("DATABASE_URL"),
		SQLitePath:              stringsTrimSpace("SQLITE_PATH"),
		AnswerMode:              strings.ToLower(envOrDefault("ANSWER_MODE", "auto")),
		AnswerURL:               stringsTrimSpace("ANSWER_URL"),
		SuggestCatalogPath:      stringsTrimSpace("SUGGEST_CATALOG_PATH"),
		SuggestLimit:            3,
		ShutdownTimeout:         15 * time.Second,
		ConversationIdleTimeout: 30 * time.Minute,
		AnswerTimeout:           30 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ConversationIdleTimeout, err = durationFromEnv("APP_CONVERSATION_IDLE_TIMEOUT", cfg.ConversationIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AnswerTimeout, err = durationFromEnv("ANSWER_TIMEOUT", cfg.AnswerTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SuggestLimit, err = intFromEnv("SUGGEST_LIMIT", cfg.SuggestLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.ConversationIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_CONVERSATION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.AnswerTimeout <= 0 {
		return Config{}, fmt.Errorf("ANSWER_TIMEOUT must be positive")
	}
	if cfg.SuggestLimit <= 0 {
		return Config{}, fmt.Errorf("SUGGEST_LIMIT must be positive")
	}
	switch cfg.AnswerMode {
	case "auto", "local":
	case "http":
		if cfg.AnswerURL == "" {
			return Config{}, fmt.Errorf("ANSWER_URL is required when ANSWER_MODE=http")
		}
	default:
		return Config{}, fmt.Errorf("ANSWER_MODE must be one of auto, http, local")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
