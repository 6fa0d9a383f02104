package crawler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, func(int) time.Duration { return 0 }, nil)
	calls := 0
	attempts, err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryPolicyStopsOnNonRetryable(t *testing.T) {
	t.Parallel()

	permanent := errors.New("permanent")
	p := NewRetryPolicy(5, func(int) time.Duration { return 0 }, func(err error) bool {
		return !errors.Is(err, permanent)
	})
	attempts, err := p.Do(context.Background(), func(context.Context, int) error { return permanent })
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, attempts)
}

func TestRetryPolicyGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(2, func(int) time.Duration { return 0 }, nil)
	v, attempts, err := Retry(context.Background(), p, func(context.Context, int) (string, error) {
		return "", errors.New("still failing")
	})
	require.Error(t, err)
	require.Equal(t, 2, attempts)
	require.Empty(t, v)
}

func TestRetryPolicyHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := NewRetryPolicy(5, func(int) time.Duration { return time.Hour }, nil)
	_, err := p.Do(ctx, func(context.Context, int) error {
		cancel()
		return errors.New("fail")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBackoffShapes(t *testing.T) {
	t.Parallel()

	linear := LinearBackoff(time.Second)
	require.Equal(t, time.Second, linear(1))
	require.Equal(t, 3*time.Second, linear(3))

	exp := ExponentialBackoff(100*time.Millisecond, time.Second)
	for attempt := 1; attempt <= 6; attempt++ {
		d := exp(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, time.Second)
	}
}
