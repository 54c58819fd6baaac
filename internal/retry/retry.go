// Package retry retries transient failures with exponential backoff.
//
// It is used for calls the CLI makes to devices, which may still be booting
// or restarting their listener. Core enrollment flows never retry.
package retry

import (
	"context"
	"fmt"
	"time"

	retrygo "github.com/avast/retry-go/v4"
)

// Config defines the retry behavior.
type Config struct {
	// MaxRetries is the total number of attempts. Values below 1 mean one.
	MaxRetries int
	// InitialBackoff is the wait before the second attempt. Each later
	// wait doubles it.
	InitialBackoff time.Duration
	// MaxBackoff caps a single wait. Zero means no cap.
	MaxBackoff time.Duration
	// Jitter adds up to Jitter*InitialBackoff of random delay (0.0 to 1.0).
	Jitter float64
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error)
}

// ShouldRetryFunc reports whether err is worth another attempt. A nil
// ShouldRetryFunc retries every error.
type ShouldRetryFunc func(error) bool

// Do calls fn until it succeeds, shouldRetry rejects its error, the
// attempts run out, or ctx is done. A rejected error is returned as is;
// exhaustion wraps the last error.
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	attempts := cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	permanent := false
	opts := []retrygo.Option{
		retrygo.Context(ctx),
		retrygo.Attempts(uint(attempts)),
		retrygo.Delay(cfg.InitialBackoff),
		retrygo.LastErrorOnly(true),
		retrygo.RetryIf(func(err error) bool {
			if shouldRetry != nil && !shouldRetry(err) {
				permanent = true
				return false
			}
			return true
		}),
	}
	if cfg.MaxBackoff > 0 {
		opts = append(opts, retrygo.MaxDelay(cfg.MaxBackoff))
	}
	if cfg.Jitter > 0 {
		opts = append(opts,
			retrygo.DelayType(retrygo.CombineDelay(retrygo.BackOffDelay, retrygo.RandomDelay)),
			retrygo.MaxJitter(time.Duration(cfg.Jitter*float64(cfg.InitialBackoff))),
		)
	} else {
		opts = append(opts, retrygo.DelayType(retrygo.BackOffDelay))
	}
	if cfg.OnRetry != nil {
		opts = append(opts, retrygo.OnRetry(func(n uint, err error) {
			cfg.OnRetry(int(n)+1, err)
		}))
	}

	err := retrygo.Do(fn, opts...)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case permanent:
		return err
	default:
		return fmt.Errorf("failed after %d attempts: %w", attempts, err)
	}
}
