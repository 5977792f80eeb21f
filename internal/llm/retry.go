package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// maxRetryDelay caps a server supplied retry hint.
const maxRetryDelay = 5 * time.Minute

// withRetry runs call up to MaxAttempts times.
// - Retries only on transient network errors, 408, 429 and 5xx statuses.
// - Respects RetryInfo delays returned by the API.
// - Uses exponential backoff with full jitter to prevent thundering herd.
// - Respects the provided ctx (deadline / cancellation).
func (c *GeminiClient) withRetry(ctx context.Context, op string, call func(ctx context.Context) error) error {
	var lastErr error
	maxAttempts := c.cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.UpstreamTimeout)
		start := time.Now()
		err := call(attemptCtx)
		cancel()

		c.logger.Debug("vision upstream request",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Int("status", statusOf(err)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)

		if err == nil {
			return nil
		}

		// Context errors from the caller -> never retry
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err

		// No more attempts left
		if attempt == maxAttempts-1 {
			break
		}

		wait := retryDelay(err)
		if wait > 0 {
			c.logger.Info("honoring retry delay",
				zap.String("operation", op),
				zap.Duration("wait", wait),
				zap.Int("status", statusOf(err)),
			)
		} else {
			wait = computeBackoff(c.cfg.BaseBackoff, attempt)
			c.logger.Debug("backing off before retry",
				zap.String("operation", op),
				zap.Duration("backoff", wait),
				zap.Int("next_attempt", attempt+2),
			)
		}

		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}

	c.logger.Warn("vision request exhausted all retries",
		zap.String("operation", op),
		zap.Int("attempts", maxAttempts),
		zap.Error(lastErr),
	)

	if lastErr == nil {
		lastErr = errors.New("unknown upstream error")
	}
	return fmt.Errorf("llm: max retries (%d) exceeded: %w", maxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		// the per-attempt timeout fired; the caller's ctx is still live
		return true
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return shouldRetryStatus(apiErr.Code)
	}
	return isTransientNetError(err)
}

func statusOf(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// isTransientNetError determines whether a network error is worth retrying.
func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" || opErr.Op == "read" || opErr.Op == "write" {
			return true
		}
	}

	// The SDK wraps transport errors as strings in places.
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"temporary failure",
		"unexpected eof",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// shouldRetryStatus returns true if the HTTP status code indicates
// the request should be retried.
func shouldRetryStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests: // 429
		return true
	case status == http.StatusRequestTimeout: // 408
		return true
	case status >= 500 && status <= 599:
		return true
	default:
		return false
	}
}

// retryDelay extracts google.rpc.RetryInfo.retryDelay ("30s", "1.5s") from
// an API error. Returns 0 if absent or invalid.
func retryDelay(err error) time.Duration {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return 0
	}

	for _, d := range apiErr.Details {
		typ, _ := d["@type"].(string)
		if !strings.HasSuffix(typ, "google.rpc.RetryInfo") {
			continue
		}
		raw, _ := d["retryDelay"].(string)
		wait, perr := time.ParseDuration(raw)
		if perr != nil || wait <= 0 {
			return 0
		}
		if wait > maxRetryDelay {
			wait = maxRetryDelay
		}
		return wait
	}
	return 0
}

// computeBackoff calculates exponential backoff with full jitter:
// a random value between 0 and base*2^attempt, capped at 60s.
//
// Example progression (base=2s):
// Attempt 0: 0-2s
// Attempt 1: 0-4s
// Attempt 2: 0-8s
func computeBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}

	// Cap the exponent to prevent overflow
	const maxExponent = 10
	if attempt > maxExponent {
		attempt = maxExponent
	}

	maxBackoff := time.Duration(float64(base) * math.Pow(2, float64(attempt)))

	const maxAllowed = 60 * time.Second
	if maxBackoff > maxAllowed {
		maxBackoff = maxAllowed
	}

	return time.Duration(rand.Float64() * float64(maxBackoff))
}
