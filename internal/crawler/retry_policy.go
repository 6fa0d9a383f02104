package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"time"
)

// BackoffFunc returns the wait before retrying after the given attempt (1-based).
type BackoffFunc func(attempt int) time.Duration

// RetryPolicy is shared by browser launch and verification transport.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     BackoffFunc
	Retryable   func(err error) bool
}

// NewRetryPolicy builds a policy; nil backoff or predicate fall back to
// ExponentialBackoff and DefaultRetryable.
func NewRetryPolicy(maxAttempts int, backoff BackoffFunc, retryable func(error) bool) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if backoff == nil {
		backoff = ExponentialBackoff(250*time.Millisecond, 5*time.Second)
	}
	if retryable == nil {
		retryable = DefaultRetryable
	}
	return RetryPolicy{MaxAttempts: maxAttempts, Backoff: backoff, Retryable: retryable}
}

// ShouldRetry decides whether another attempt is allowed after err.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts() {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if p.Retryable == nil {
		return DefaultRetryable(err)
	}
	return p.Retryable(err)
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Do runs fn until it succeeds, the policy gives up, or ctx ends. It returns
// the number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempt := 0
	for {
		attempt++
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if !p.ShouldRetry(err, attempt) {
			return attempt, err
		}
		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}

// Retry is Do for functions that produce a value.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	var out T
	attempts, err := p.Do(ctx, func(ctx context.Context, attempt int) error {
		v, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, attempts, err
}

// DefaultRetryable retries everything except cancellation and non-timeout
// network errors.
func DefaultRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

// LinearBackoff waits step*attempt, used for browser relaunch.
func LinearBackoff(step time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return step * time.Duration(attempt)
	}
}

// ExponentialBackoff doubles base per attempt up to max, with jitter over
// the upper half of the window.
func ExponentialBackoff(base, maxDelay time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		delay := float64(base) * math.Pow(2, float64(attempt-1))
		if delay > float64(maxDelay) {
			delay = float64(maxDelay)
		}
		return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
