// Package retry runs an operation against a fixed ladder of delays, used for
// blob uploads that may hit transient storage errors.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts int
	Delays      []time.Duration
}

// DefaultConfig is used when no attempts or delays are configured
var DefaultConfig = Config{
	MaxAttempts: 3,
	Delays:      []time.Duration{200 * time.Millisecond, time.Second},
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. WithRetry returns it at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// WithRetry calls fn until it succeeds, returns a Permanent error, or
// MaxAttempts is reached. The delay before attempt n is Delays[n-1], reusing
// the last delay once the ladder runs out.
func WithRetry(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 && len(cfg.Delays) > 0 {
			idx := attempt - 1
			if idx >= len(cfg.Delays) {
				idx = len(cfg.Delays) - 1
			}

			timer := time.NewTimer(cfg.Delays[idx])
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
	}

	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// ParseConfig builds a Config from an attempt count and a comma separated list
// of millisecond delays. Empty or invalid values fall back to DefaultConfig.
func ParseConfig(attempts int, backoffMS string) Config {
	cfg := Config{
		MaxAttempts: DefaultConfig.MaxAttempts,
		Delays:      append([]time.Duration(nil), DefaultConfig.Delays...),
	}

	if attempts > 0 {
		cfg.MaxAttempts = attempts
	}

	if backoffMS != "" {
		var delays []time.Duration
		for _, part := range strings.Split(backoffMS, ",") {
			if ms, err := strconv.Atoi(strings.TrimSpace(part)); err == nil && ms > 0 {
				delays = append(delays, time.Duration(ms)*time.Millisecond)
			}
		}
		if len(delays) > 0 {
			cfg.Delays = delays
		}
	}

	return cfg
}
