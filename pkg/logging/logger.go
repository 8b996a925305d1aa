// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output. JSON lines otherwise.
	Pretty bool

	// Output is the writer to output logs to (default: os.Stdout).
	Output io.Writer
}

// DefaultConfig returns the console configuration the CLIs start from.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: true,
		Output: os.Stdout,
	}
}

// ConfigFrom builds a Config from the LOG_LEVEL and LOG_FORMAT values.
// Any format other than "json" is rendered for the console.
func ConfigFrom(level, format string) Config {
	cfg := DefaultConfig()
	if level != "" {
		cfg.Level = LogLevel(level)
	}
	cfg.Pretty = !strings.EqualFold(format, "json")
	return cfg
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	var output io.Writer = out
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Page fetches (url, items, next link)
//   - Rate limit state updates (healthy)
//   - Worker completion
//
// Info: Normal operation events
//   - Courses found by search
//   - Course and student progress
//   - Files written and batch summaries
//
// Warn: Warning conditions that don't prevent operation
//   - Request timeouts (partial results kept)
//   - Students without activity data
//   - Rate limit pauses
//   - Output directory rewrites
//
// Error: Error conditions requiring attention
//   - Failed course lookups and enrollments
//   - Per-student and per-file failures
//   - Configuration errors
//
// Context Fields:
//   - component: lms-client, pagination, harvester, batch-driver, aggregator, rate-limit
//   - endpoint, url, page, items
//   - course_id, course_name, student_id, student_name
//   - status, error_class, file
