package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrExhausted is wrapped into the error returned by Do when every attempt failed with a
// retryable error.
var ErrExhausted = errors.New("retries exhausted")

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Multiplier is the exponential growth factor between attempts. Values below 1 fall
	// back to 2.
	Multiplier float64

	// NoJitter disables the random 0.5-1.0 factor applied to every backoff.
	NoJitter bool

	// Retryable decides whether an error should be retried. Defaults to IsRetryable.
	Retryable func(error) bool

	// OnRetry is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error, backoff time.Duration)
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
		Multiplier:  2,
	}
}

// Do executes the given function with exponential backoff retry.
// Non-retryable errors are returned unchanged. When all attempts fail the last error is
// returned wrapped together with ErrExhausted.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoCount(ctx, cfg, func(int) error { return fn() })
	return err
}

// DoCount is Do with the 1-based attempt number passed to fn. It returns the number of
// attempts made.
func DoCount(ctx context.Context, cfg Config, fn func(attempt int) error) (int, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	var lastErr error
	attempt := 1
	for ; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := calculateBackoff(cfg, attempt-1)
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt, lastErr, backoff)
			}
			select {
			case <-ctx.Done():
				return attempt - 1, ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return attempt, nil
		}

		// Don't retry if error is not retryable
		if !retryable(lastErr) {
			return attempt, lastErr
		}
	}

	return cfg.MaxAttempts, fmt.Errorf("%w: failed after %d attempts: %w", ErrExhausted, cfg.MaxAttempts, lastErr)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Context cancellation is not retryable
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Network errors are retryable
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		// Connection errors are retryable
		if strings.Contains(err.Error(), "connection") ||
			strings.Contains(err.Error(), "EOF") ||
			strings.Contains(err.Error(), "broken pipe") ||
			strings.Contains(err.Error(), "connection reset") {
			return true
		}
	}

	// Check for HTTP status codes
	type hasStatusCode interface {
		StatusCode() int
	}
	var sc hasStatusCode
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		switch code {
		case http.StatusTooManyRequests, // 429
			http.StatusInternalServerError, // 500
			http.StatusBadGateway,          // 502
			http.StatusServiceUnavailable,  // 503
			http.StatusGatewayTimeout:      // 504
			return true
		}
	}

	// Check error message for common retryable patterns
	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection closed",
		"eof",
		"client is closing",
		"broken pipe",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"rate limit",
		"too many requests",
		"blockhash not found",
		"block height exceeded",
		"node is behind",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// calculateBackoff calculates exponential backoff with jitter.
// Formula: base * multiplier^attempt * (0.5 + rand(0, 0.5))
func calculateBackoff(cfg Config, attempt int) time.Duration {
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 2
	}
	backoff := float64(cfg.BaseBackoff)
	for i := 0; i < attempt; i++ {
		backoff *= mult
		if cfg.MaxBackoff > 0 && backoff > float64(cfg.MaxBackoff) {
			backoff = float64(cfg.MaxBackoff)
			break
		}
	}
	if cfg.MaxBackoff > 0 && backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.NoJitter {
		return time.Duration(backoff)
	}
	// Jitter spreads out retries from concurrent workers.
	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(backoff * jitter)
}
