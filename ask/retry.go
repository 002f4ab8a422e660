package ask

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"
)

// RetryPolicy controls how often a failed ask is repeated. Attempt n waits
// Backoff * 2^(n-1), capped at MaxBackoff when it is positive.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

type attemptFunc func(ctx context.Context) (json.RawMessage, error)

func withRetry(ctx context.Context, policy RetryPolicy, onRetry func(int, error), fn attemptFunc) (json.RawMessage, error) {
	normalized := normalizeRetryPolicy(policy)

	var lastErr error
	for attempt := 1; attempt <= normalized.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt == normalized.MaxAttempts || !IsRetryable(err) {
			return nil, err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		wait := backoffDuration(normalized, attempt)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func normalizeRetryPolicy(policy RetryPolicy) RetryPolicy {
	out := policy
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 1
	}
	if out.Backoff < 0 {
		out.Backoff = 0
	}
	if out.MaxBackoff < 0 {
		out.MaxBackoff = 0
	}
	return out
}

func backoffDuration(policy RetryPolicy, attempt int) time.Duration {
	if policy.Backoff <= 0 || attempt <= 0 {
		return 0
	}
	wait := policy.Backoff
	for i := 1; i < attempt; i++ {
		wait *= 2
		if policy.MaxBackoff > 0 && wait >= policy.MaxBackoff {
			return policy.MaxBackoff
		}
	}
	if policy.MaxBackoff > 0 && wait > policy.MaxBackoff {
		return policy.MaxBackoff
	}
	return wait
}

// IsRetryable reports whether err is a timeout, 429 or 5xx response.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
