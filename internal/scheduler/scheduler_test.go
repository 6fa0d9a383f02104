package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddValidatesSpec(t *testing.T) {
	s := New(nil)
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Add("disabled", "", noop))
	require.Error(t, s.Add("bad", "not a cron spec", noop))
	require.NoError(t, s.Add("crawl", "0 */15 * * * *", noop))
	require.Error(t, s.Add("crawl", "0 */5 * * * *", noop), "duplicate names are rejected")
	require.NoError(t, s.Add("bad", "@every 1m", noop), "a failed registration frees the name")
}

func TestTrigger(t *testing.T) {
	s := New(nil)
	var runs atomic.Int32
	require.NoError(t, s.Add("verify", "@every 1h", func(context.Context) error {
		runs.Add(1)
		return errors.New("upstream down")
	}))

	err := s.Trigger(context.Background(), "verify")
	assert.EqualError(t, err, "upstream down")
	assert.Equal(t, int32(1), runs.Load())
	assert.Error(t, s.Trigger(context.Background(), "missing"))
}

func TestStartRunsJobsAndStopCancels(t *testing.T) {
	s := New(nil)
	started := make(chan struct{}, 1)
	cancelled := make(chan struct{})
	require.NoError(t, s.Add("sweep", "@every 1s", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
			return nil
		}
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}))

	s.Start(context.Background())
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
	select {
	case <-cancelled:
	default:
		t.Fatal("running job was not cancelled")
	}
}
