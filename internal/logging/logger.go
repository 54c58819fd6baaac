// Package logging builds the zerolog loggers used by the wendy binaries.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wendylabs/wendy/internal/constants"
)

// Config contains logger configuration.
type Config struct {
	// Level sets the logging level (trace, debug, info, warn, error).
	Level string
	// Pretty enables human-readable console output with colors.
	Pretty bool
	// Output sets the output writer (defaults to os.Stderr so command
	// output on stdout stays clean).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration. WENDY_LOG_LEVEL
// overrides the level.
func DefaultConfig() Config {
	cfg := Config{
		Level:  "info",
		Pretty: true,
		Output: os.Stderr,
	}
	if lvl := os.Getenv(constants.EnvLogLevel); lvl != "" {
		cfg.Level = lvl
	}
	return cfg
}

// ParseLevel maps a level name to a zerolog level. Unknown names fall back
// to info.
func ParseLevel(name string) zerolog.Level {
	level, ok := LookupLevel(name)
	if !ok {
		return zerolog.InfoLevel
	}
	return level
}

// LookupLevel maps a level name to a zerolog level, reporting whether the
// name is known.
func LookupLevel(name string) (zerolog.Level, bool) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.NoLevel, false
	}
	return level, true
}

// New creates a new zerolog logger with the given configuration.
func New(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: "15:04:05",
			NoColor:    false,
		}
	}

	return zerolog.New(output).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
}

// NewWithComponent creates a logger with a component field for structured logging.
func NewWithComponent(cfg Config, component string) zerolog.Logger {
	return New(cfg).With().Str("component", component).Logger()
}
