// Package scheduler drives reconciliation passes on an interval.
package scheduler

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/evanofslack/cddns/internal/errs"
	"github.com/evanofslack/cddns/internal/reconcile"
)

const (
	// MinInterval is the shortest accepted watch interval.
	MinInterval = time.Second

	backoffBase = 30 * time.Second
	backoffMax  = 10 * time.Minute
)

// Runner performs one pass.
type Runner interface {
	Run(ctx context.Context, mode reconcile.Mode) (reconcile.Result, error)
}

// SleepFunc waits for d and reports false if ctx ended first.
type SleepFunc func(ctx context.Context, d time.Duration) bool

type Scheduler struct {
	runner   Runner
	interval time.Duration
	sleep    SleepFunc
}

type Option func(*Scheduler)

func WithSleep(fn SleepFunc) Option {
	return func(s *Scheduler) { s.sleep = fn }
}

func New(runner Runner, interval time.Duration, opts ...Option) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errs.Config("scheduler", "interval must be positive, got %s", interval)
	}
	if interval < MinInterval {
		return nil, errs.Config("scheduler", "interval %s is below the minimum of %s", interval, MinInterval)
	}
	s := &Scheduler{
		runner:   runner,
		interval: interval,
		sleep:    sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Watch yields the result of every applying pass until ctx is done. Passes
// never overlap: the next one starts an interval after the previous one
// finished. A started pass always runs to completion; ctx is only checked
// between passes. Pass failures are logged and the loop carries on.
func (s *Scheduler) Watch(ctx context.Context) iter.Seq[reconcile.Result] {
	return func(yield func(reconcile.Result) bool) {
		streak := 0
		for pass := 1; ; pass++ {
			if ctx.Err() != nil {
				return
			}

			result, err := s.runner.Run(context.WithoutCancel(ctx), reconcile.Apply)
			if err != nil {
				slog.Error("Pass failed, will retry", "pass", pass, "error", err)
			}
			if !yield(result) {
				return
			}

			var delay time.Duration
			delay, streak = s.nextDelay(result, streak)
			slog.Debug("Waiting for next pass", "pass", pass, "delay", delay)
			if !s.sleep(ctx, delay) {
				slog.Info("Watch stopped", "passes", pass)
				return
			}
		}
	}
}

// nextDelay returns the wait before the next pass. After a rate-limited
// pass it backs off exponentially from 30s up to 10m, honoring Retry-After;
// otherwise it is the interval.
func (s *Scheduler) nextDelay(result reconcile.Result, streak int) (time.Duration, int) {
	limited, retryAfter := result.RateLimited()
	if !limited {
		return s.interval, 0
	}
	streak++

	backoff := backoffMax
	if streak <= 6 {
		backoff = min(backoffBase<<(streak-1), backoffMax)
	}
	delay := max(s.interval, retryAfter, backoff)
	slog.Warn("Rate limited by provider, backing off", "delay", delay, "retry_after", retryAfter, "consecutive", streak)
	return delay, streak
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
