// Package scheduler runs the periodic crawl, verification and maintenance
// jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/storewatch/internal/metrics"
)

// Config holds one cron spec per job. Specs include a seconds field;
// an empty spec disables the job.
type Config struct {
	Crawl       string `mapstructure:"crawl"`
	Verify      string `mapstructure:"verify"`
	RetryErrors string `mapstructure:"retry_errors"`
	SweepLocks  string `mapstructure:"sweep_locks"`
}

// JobFunc is a unit of scheduled work.
type JobFunc func(ctx context.Context) error

// Scheduler wraps a cron runner. A job never overlaps with itself.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	jobs   map[string]JobFunc
}

// New creates a Scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger: logger.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    context.Background(),
		jobs:   make(map[string]JobFunc),
	}
}

// Add registers fn under name. An empty spec is ignored.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	if spec == "" {
		s.logger.Info("scheduled job disabled", zap.String("job", name))
		return nil
	}
	s.mu.Lock()
	if _, dup := s.jobs[name]; dup {
		s.mu.Unlock()
		return fmt.Errorf("job %q already registered", name)
	}
	s.jobs[name] = fn
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(spec, func() { s.run(name, fn) }); err != nil {
		s.mu.Lock()
		delete(s.jobs, name)
		s.mu.Unlock()
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.logger.Info("scheduled job registered", zap.String("job", name), zap.String("spec", spec))
	return nil
}

// Trigger runs a registered job immediately on the caller's goroutine.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	fn, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	return fn(ctx)
}

// Start begins running jobs until Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
}

// Stop halts scheduling, cancels running jobs and waits for them up to
// ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for scheduled jobs: %w", ctx.Err())
	}
}

func (s *Scheduler) run(name string, fn JobFunc) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	start := time.Now()
	err := fn(ctx)
	status := "success"
	if err != nil {
		status = "failed"
		s.logger.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
	} else {
		s.logger.Debug("scheduled job finished", zap.String("job", name), zap.Duration("duration", time.Since(start)))
	}
	metrics.ObserveJob(name, status)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
