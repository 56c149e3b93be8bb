// Package retry implements spec component C: an exponential-backoff retry
// harness with predicate-filtered errors. internal/engine/worker.go's
// processDownloadPart inlines this exact shape (attempt counter, fixed max
// attempts, retry channel) for one specific caller; this package lifts it
// into a standalone harness any component can reuse, the way spec §4.C
// calls for.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	"cdpe/internal/cdpeerr"
)

// Policy configures a retry run.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable reports whether err should trigger another attempt. A nil
	// Retryable defaults to DefaultRetryable.
	Retryable func(error) bool
}

// DefaultRetryable matches the transport-fault substrings spec §4.C names:
// connection reset/refused/timeout/host-unresolved/pipe-broken/"network"/
// "timeout", case-insensitive.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}

	var ce *cdpeerr.Error
	if errors.As(err, &ce) {
		switch ce.Kind {
		case cdpeerr.KindNetworkTransport, cdpeerr.KindIncomplete:
			return true
		case cdpeerr.KindHTTPStatus:
			if code, ok := ce.Context["code"].(int); ok {
				return code >= 500 || code == 429 || code == 416
			}
			return false
		default:
			return false
		}
	}

	msg := strings.ToLower(err.Error())
	for _, substr := range []string{
		"connection reset",
		"connection refused",
		"timeout",
		"no such host",
		"broken pipe",
		"network",
		"deadline exceeded",
	} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// Do runs op, retrying according to policy on retryable failures. It waits
// min(base * 2^(attempt-1), max_delay) between attempts. Non-retryable
// failures and exhaustion return the last error unwrapped (no extra
// wrapping — callers already have typed errors from cdpeerr).
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	retryable := policy.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if attempt == maxAttempts || !retryable(lastErr) {
			return lastErr
		}

		delay := policy.BaseDelay << uint(attempt-1)
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
