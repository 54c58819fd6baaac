package testutil

import (
	"io"
	"os"
	"testing"

	"github.com/rs/zerolog"
)

// EnvTestLog routes test loggers to t.Log when set to any value.
const EnvTestLog = "WENDY_TEST_LOG"

// NewTestLogger returns a debug-level logger for t. Output is discarded
// unless WENDY_TEST_LOG is set.
func NewTestLogger(t *testing.T) zerolog.Logger {
	var w io.Writer = io.Discard
	if _, ok := os.LookupEnv(EnvTestLog); ok {
		w = testLogWriter{t: t}
	}
	return zerolog.New(w).Level(zerolog.DebugLevel).With().Timestamp().Logger()
}

// testLogWriter forwards each log line to t.Log.
type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}
