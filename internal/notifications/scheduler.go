package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// FlushLocker guards a flush run so that only one runs at a time.
type FlushLocker interface {
	// TryLock returns ErrFlushInProgress when the lock is held elsewhere.
	TryLock(ctx context.Context, ttl time.Duration) (release func(context.Context) error, err error)
}

// LocalLocker is a process-local FlushLocker.
type LocalLocker struct {
	mu sync.Mutex
}

// TryLock acquires the lock without waiting.
func (l *LocalLocker) TryLock(_ context.Context, _ time.Duration) (func(context.Context) error, error) {
	if !l.mu.TryLock() {
		return nil, ErrFlushInProgress
	}
	return func(context.Context) error {
		l.mu.Unlock()
		return nil
	}, nil
}

// SchedulerConfig contains flush scheduler configuration.
type SchedulerConfig struct {
	Interval time.Duration
	LockTTL  time.Duration
	// Retention is how long sent rows are kept; zero disables cleanup.
	Retention time.Duration
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:  15 * time.Minute,
		LockTTL:   5 * time.Minute,
		Retention: 30 * 24 * time.Hour,
	}
}

// Scheduler runs the flush job on a fixed interval.
type Scheduler struct {
	config SchedulerConfig
	job    *FlushJob
	queue  Queue
	locker FlushLocker
	now    func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a new flush scheduler. A nil locker falls back to a LocalLocker.
func NewScheduler(config SchedulerConfig, job *FlushJob, queue Queue, locker FlushLocker) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}
	if locker == nil {
		locker = &LocalLocker{}
	}

	return &Scheduler{
		config: config,
		job:    job,
		queue:  queue,
		locker: locker,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start launches the scheduler goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("starting flush scheduler",
		"interval", s.config.Interval,
		"lock_ttl", s.config.LockTTL,
		"retention", s.config.Retention,
	)

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop stops the scheduler and waits for a running flush to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	slog.Info("flush scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		if errors.Is(err, ErrFlushInProgress) {
			slog.Debug("flush skipped, another run holds the lock")
			return
		}
		slog.Error("scheduled flush failed", "error", err)
		return
	}
	s.cleanup(ctx)
}

// RunOnce runs a single flush under the flush lock.
func (s *Scheduler) RunOnce(ctx context.Context) (FlushResult, error) {
	release, err := s.locker.TryLock(ctx, s.config.LockTTL)
	if err != nil {
		if errors.Is(err, ErrFlushInProgress) {
			recordFlushRun("locked")
			return FlushResult{}, err
		}
		return FlushResult{}, fmt.Errorf("acquire flush lock: %w", err)
	}
	defer func() {
		// The run context may already be cancelled; release must still go through.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := release(releaseCtx); err != nil {
			slog.Warn("failed to release flush lock", "error", err)
		}
	}()

	return s.job.Flush(ctx)
}

func (s *Scheduler) cleanup(ctx context.Context) {
	if s.config.Retention <= 0 || s.queue == nil {
		return
	}

	deleted, err := s.queue.DeleteSentBefore(ctx, s.now().Add(-s.config.Retention))
	if err != nil {
		slog.Error("failed to delete old sent notifications", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("deleted old sent notifications", "count", deleted)
	}
}
