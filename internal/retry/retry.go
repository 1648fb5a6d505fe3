// Package retry runs an operation a bounded number of times with a per-attempt
// timeout and a growing delay between attempts.
package retry

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	defaultMaxAttempts = 3
	defaultDelay       = 100 * time.Millisecond
	defaultMaxDelay    = 10 * time.Second
)

// ErrExhausted is returned when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Backoff selects how the delay grows between attempts.
type Backoff int

const (
	// Linear waits attempt × Delay.
	Linear Backoff = iota
	// Exponential waits 2^(attempt-1) × Delay.
	Exponential
)

// Config represents retry configuration.
type Config struct {
	MaxAttempts    int           // default 3
	Delay          time.Duration // base delay, default 100ms
	MaxDelay       time.Duration // cap on a single delay, default 10s
	AttemptTimeout time.Duration // 0 means the attempt inherits ctx only
	Backoff        Backoff
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error, wait time.Duration)
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Delay <= 0 {
		c.Delay = defaultDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	return c
}

// Do calls fn until it succeeds, returns a non-retryable error, attempts run
// out, or ctx is done. Attempts are numbered from 1.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context, attempt int) error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := runAttempt(ctx, cfg.AttemptTimeout, attempt, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := Delay(cfg.Backoff, attempt, cfg.Delay, cfg.MaxDelay)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), "retry cancelled")
		}
	}

	return fmt.Errorf("all %d attempts failed: %w: %w", cfg.MaxAttempts, ErrExhausted, lastErr)
}

func runAttempt(ctx context.Context, timeout time.Duration, attempt int, fn func(context.Context, int) error) error {
	if timeout <= 0 {
		return fn(ctx, attempt)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(actx, attempt)
}

// Delay returns the wait after the given failed attempt.
func Delay(b Backoff, attempt int, base, max time.Duration) time.Duration {
	var d time.Duration
	switch b {
	case Exponential:
		d = time.Duration(1<<uint(attempt-1)) * base
	default:
		d = time.Duration(attempt) * base
	}
	if d > max {
		return max
	}
	return d
}

// IsRetryable reports whether err is worth another attempt.
// Timeouts and transient network failures are; closed connections,
// cancellation and authorization failures are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{"close sent", "use of closed", "unauthorized", "forbidden"} {
		if strings.Contains(msg, p) {
			return false
		}
	}
	for _, p := range []string{"timeout", "deadline exceeded", "temporary", "connection reset", "broken pipe", "eof"} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
