// Package config loads engine settings from the environment and policy
// documents from YAML or TOML files.
package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds process configuration.
type Config struct {
	LogLevel  string
	LogFormat string
	// DatabaseURL selects the Postgres spending store when set.
	DatabaseURL string
	// RedisAddr selects the Redis spending store when set.
	RedisAddr string
	// JournalPath is the SQLite ledger journal. ":memory:" keeps it in memory.
	JournalPath  string
	OTLPEndpoint string
	TokenSecret  string
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	logFormat := os.Getenv("LOG_FORMAT")
	if logFormat == "" {
		logFormat = "text"
	}

	journal := os.Getenv("TREASURY_JOURNAL_PATH")
	if journal == "" {
		journal = ":memory:"
	}

	return &Config{
		LogLevel:     logLevel,
		LogFormat:    logFormat,
		DatabaseURL:  os.Getenv("TREASURY_DATABASE_URL"),
		RedisAddr:    os.Getenv("TREASURY_REDIS_ADDR"),
		JournalPath:  journal,
		OTLPEndpoint: os.Getenv("TREASURY_OTLP_ENDPOINT"),
		TokenSecret:  os.Getenv("TREASURY_TOKEN_SECRET"),
	}
}

// ParseLevel maps DEBUG, INFO, WARN and ERROR (any case) to a slog level.
// Unknown names yield INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a JSON ("json") or text logger writing to w.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
