package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/evanofslack/cddns/internal/errs"
	"github.com/evanofslack/cddns/internal/reconcile"
)

// fakeClock advances only when a pass runs or the scheduler sleeps.
type fakeClock struct {
	now time.Duration
}

type fakeRunner struct {
	clock    *fakeClock
	duration time.Duration
	starts   []time.Duration
	modes    []reconcile.Mode
	results  []reconcile.Result
	err      error
	onRun    func(ctx context.Context)
}

func (f *fakeRunner) Run(ctx context.Context, mode reconcile.Mode) (reconcile.Result, error) {
	f.starts = append(f.starts, f.clock.now)
	f.modes = append(f.modes, mode)
	if f.onRun != nil {
		f.onRun(ctx)
	}
	f.clock.now += f.duration

	var result reconcile.Result
	if i := len(f.starts) - 1; i < len(f.results) {
		result = f.results[i]
	}
	return result, f.err
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	c.now += d
	return true
}

func TestNewRejectsBadIntervals(t *testing.T) {
	for _, interval := range []time.Duration{0, -time.Second, 500 * time.Millisecond} {
		_, err := New(&fakeRunner{clock: &fakeClock{}}, interval)
		if !errors.Is(err, errs.ErrConfig) {
			t.Errorf("interval %s: expected config error, got %v", interval, err)
		}
	}
	if _, err := New(&fakeRunner{clock: &fakeClock{}}, MinInterval); err != nil {
		t.Errorf("minimum interval rejected: %v", err)
	}
}

func TestWatchSchedulesFromCompletion(t *testing.T) {
	clock := &fakeClock{}
	runner := &fakeRunner{clock: clock, duration: 200 * time.Millisecond}
	s, err := New(runner, 5000*time.Millisecond, WithSleep(clock.sleep))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	passes := 0
	for range s.Watch(context.Background()) {
		passes++
		if passes == 3 {
			break
		}
	}

	want := []time.Duration{0, 5200 * time.Millisecond, 10400 * time.Millisecond}
	if len(runner.starts) != len(want) {
		t.Fatalf("expected %d passes, got %d", len(want), len(runner.starts))
	}
	for i := range want {
		if runner.starts[i] != want[i] {
			t.Errorf("pass %d started at %s, want %s", i+1, runner.starts[i], want[i])
		}
	}
	for _, m := range runner.modes {
		if m != reconcile.Apply {
			t.Errorf("watch pass ran in %v mode", m)
		}
	}
}

func TestWatchContinuesAfterFailure(t *testing.T) {
	clock := &fakeClock{}
	runner := &fakeRunner{
		clock: clock,
		err:   errs.New(errs.KindAuth, "list", "example.com", errors.New("invalid token")),
		results: []reconcile.Result{
			{Status: reconcile.Failed}, {Status: reconcile.Failed}, {Status: reconcile.Failed},
		},
	}
	s, err := New(runner, time.Minute, WithSleep(clock.sleep))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	var statuses []reconcile.Status
	for result := range s.Watch(context.Background()) {
		statuses = append(statuses, result.Status)
		if len(statuses) == 3 {
			break
		}
	}
	if len(statuses) != 3 {
		t.Fatalf("expected 3 passes, got %d", len(statuses))
	}
}

func TestWatchStopsBetweenPasses(t *testing.T) {
	clock := &fakeClock{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var passCtxErr error
	runner := &fakeRunner{clock: clock}
	runner.onRun = func(passCtx context.Context) {
		// Cancel mid-pass: the pass must still see a live context.
		cancel()
		passCtxErr = passCtx.Err()
	}
	s, err := New(runner, time.Minute, WithSleep(clock.sleep))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	passes := 0
	for range s.Watch(ctx) {
		passes++
	}
	if passes != 1 {
		t.Errorf("expected 1 pass, got %d", passes)
	}
	if passCtxErr != nil {
		t.Errorf("pass context was cancelled: %v", passCtxErr)
	}
}

func TestWatchNotStartedWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := &fakeRunner{clock: &fakeClock{}}
	s, err := New(runner, time.Minute)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for range s.Watch(ctx) {
		t.Fatal("unexpected pass")
	}
	if len(runner.starts) != 0 {
		t.Errorf("expected no passes, got %d", len(runner.starts))
	}
}

func TestWatchRealSleepIsCancellable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &fakeRunner{clock: &fakeClock{}}
	s, err := New(runner, time.Hour)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range s.Watch(ctx) {
			cancel()
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancellation")
	}
}

func rateLimited(retryAfter time.Duration) reconcile.Result {
	e := errs.New(errs.KindRateLimit, "update", "home.example.com", errors.New("too many requests"))
	e.RetryAfter = retryAfter
	return reconcile.Result{
		Status:   reconcile.Partial,
		Outcomes: []reconcile.RecordOutcome{{Err: e}},
	}
}

func TestBackoff(t *testing.T) {
	clock := &fakeClock{}
	runner := &fakeRunner{
		clock: clock,
		results: []reconcile.Result{
			rateLimited(0),
			rateLimited(0),
			rateLimited(5 * time.Minute),
			{Status: reconcile.Successful},
			rateLimited(0),
			{Status: reconcile.Successful},
		},
	}
	s, err := New(runner, 10*time.Second, WithSleep(clock.sleep))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	passes := 0
	for range s.Watch(context.Background()) {
		passes++
		if passes == 6 {
			break
		}
	}

	// Delays after each pass: 30s, 60s, max(120s, 5m), interval, 30s (reset).
	want := []time.Duration{
		0,
		30 * time.Second,
		90 * time.Second,
		90*time.Second + 5*time.Minute,
		90*time.Second + 5*time.Minute + 10*time.Second,
		90*time.Second + 5*time.Minute + 40*time.Second,
	}
	for i := range want {
		if runner.starts[i] != want[i] {
			t.Errorf("pass %d started at %s, want %s", i+1, runner.starts[i], want[i])
		}
	}
}

func TestBackoffCap(t *testing.T) {
	s, err := New(&fakeRunner{clock: &fakeClock{}}, time.Minute)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	streak := 0
	var delay time.Duration
	for i := 0; i < 20; i++ {
		delay, streak = s.nextDelay(rateLimited(0), streak)
	}
	if delay != backoffMax {
		t.Errorf("delay = %s, want %s", delay, backoffMax)
	}

	delay, streak = s.nextDelay(reconcile.Result{}, streak)
	if delay != time.Minute || streak != 0 {
		t.Errorf("after recovery delay = %s streak = %d", delay, streak)
	}
}
