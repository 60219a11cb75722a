package main

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/scalecode-solutions/storelink/config"
)

// shortID returns a truncated socket ID for logging (first 8 chars).
// Example: "550e8400-e29b-41d4-a716-446655440000" -> "550e8400"
func shortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

// newLogger builds the process logger from the log config.
func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var w io.Writer = os.Stderr
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
