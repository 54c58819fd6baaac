// Package errors provides helpers for cleanup paths that would otherwise
// drop errors on the floor.
package errors

import (
	"io"

	"github.com/rs/zerolog"
)

// DeferClose closes closer and logs a failure at warn level.
// Use this in defer statements to avoid suppressing close errors.
func DeferClose(logger zerolog.Logger, closer io.Closer, msg string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// DeferFunc runs fn and logs a failure at warn level. It suits cleanup
// functions that are not io.Closers, such as lock releases.
func DeferFunc(logger zerolog.Logger, fn func() error, msg string) {
	if fn == nil {
		return
	}
	if err := fn(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}
