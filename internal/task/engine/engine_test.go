package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"clustersched/internal/task"
	logx "clustersched/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	return Result{}
}

func TestSubmitRunsJob(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, CircuitTripFailures: -1})

	done := make(chan Result, 1)
	var started atomic.Bool
	id, err := s.Submit(Job{
		Key:      "a",
		Run:      func(ctx context.Context) error { return nil },
		OnStart:  func(string, time.Time) { started.Store(true) },
		OnFinish: func(r Result) { done <- r },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	r := waitResult(t, done)
	if r.Status != task.StatusFinished || r.RunID != id || !started.Load() {
		t.Fatalf("result = %+v started=%v", r, started.Load())
	}
}

func TestSubmitSkipsOverlap(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2, CircuitTripFailures: -1})

	release := make(chan struct{})
	done := make(chan Result, 1)
	if _, err := s.Submit(Job{Key: "k", Run: func(ctx context.Context) error {
		<-release
		return nil
	}, OnFinish: func(r Result) { done <- r }}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := s.Submit(Job{Key: "k", Run: func(ctx context.Context) error { return nil }}); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Submit err = %v, want ErrOverlapSkip", err)
	}
	close(release)
	waitResult(t, done)
	if s.Running("k") {
		t.Fatal("key still marked running after finish")
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond, CircuitTripFailures: -1})

	var calls atomic.Int32
	done := make(chan Result, 1)
	_, err := s.Submit(Job{Key: "flaky", Run: func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, OnFinish: func(r Result) { done <- r }})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	r := waitResult(t, done)
	if r.Status != task.StatusFinished || r.Attempts != 3 {
		t.Fatalf("result = %+v, want finished after 3 attempts", r)
	}
}

func TestNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, RetryMax: 5, RetryBase: time.Millisecond, CircuitTripFailures: -1})

	bad := errors.New("bad action")
	done := make(chan Result, 1)
	_, _ = s.Submit(Job{Key: "p", Run: func(ctx context.Context) error { return NoRetry(bad) }, OnFinish: func(r Result) { done <- r }})
	r := waitResult(t, done)
	if r.Status != task.StatusFailed || r.Attempts != 1 || !errors.Is(r.Err, bad) {
		t.Fatalf("result = %+v", r)
	}
}

func TestCancelRunningJob(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, CircuitTripFailures: -1})

	running := make(chan struct{})
	done := make(chan Result, 1)
	_, _ = s.Submit(Job{Key: "long", Run: func(ctx context.Context) error {
		close(running)
		<-ctx.Done()
		return ctx.Err()
	}, OnFinish: func(r Result) { done <- r }})

	<-running
	if !s.Cancel("long") {
		t.Fatal("Cancel reported no job")
	}
	r := waitResult(t, done)
	if r.Status != task.StatusCancelled || !errors.Is(r.Err, ErrCancelled) {
		t.Fatalf("result = %+v", r)
	}
	if s.Cancel("long") {
		t.Fatal("Cancel of finished job reported true")
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, CircuitTripFailures: 2, CircuitCooldown: time.Hour})

	for i := 0; i < 2; i++ {
		done := make(chan Result, 1)
		if _, err := s.Submit(Job{Key: "broken", Run: func(ctx context.Context) error { return errors.New("down") }, OnFinish: func(r Result) { done <- r }}); err != nil {
			t.Fatalf("Submit #%d: %v", i, err)
		}
		waitResult(t, done)
	}
	if _, err := s.Submit(Job{Key: "broken", Run: func(ctx context.Context) error { return nil }}); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Submit after trip err = %v, want ErrCircuitOpen", err)
	}
	if snap := s.Snapshot(); snap.CircuitOpen != 1 || snap.Failed != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, CircuitTripFailures: -1})
	done := make(chan Result, 1)
	_, _ = s.Submit(Job{Key: "p", Run: func(ctx context.Context) error { panic("boom") }, OnFinish: func(r Result) { done <- r }})
	if r := waitResult(t, done); r.Status != task.StatusFailed {
		t.Fatalf("result = %+v", r)
	}
}

func TestSubmitWhenStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	if _, err := s.Submit(Job{Key: "x", Run: func(ctx context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestApplyResizesRunningPool(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, CircuitTripFailures: -1})
	if got := s.Workers(); got != 1 {
		t.Fatalf("workers = %d, want 1", got)
	}

	s.Apply(Config{Workers: 3, CircuitTripFailures: -1})
	if got := s.Workers(); got != 3 {
		t.Fatalf("workers after grow = %d, want 3", got)
	}

	release := make(chan struct{})
	var running atomic.Int32
	done := make(chan Result, 3)
	for _, key := range []string{"a", "b", "c"} {
		_, err := s.Submit(Job{
			Key: key,
			Run: func(ctx context.Context) error {
				running.Add(1)
				<-release
				return nil
			},
			OnFinish: func(r Result) { done <- r },
		})
		if err != nil {
			t.Fatalf("Submit %s: %v", key, err)
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for running.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := running.Load(); got != 3 {
		t.Fatalf("concurrent runs = %d, want 3", got)
	}

	s.Apply(Config{Workers: 1, CircuitTripFailures: -1})
	if got := s.Workers(); got != 1 {
		t.Fatalf("workers after shrink = %d, want 1", got)
	}
	close(release)
	for i := 0; i < 3; i++ {
		if r := waitResult(t, done); r.Status != task.StatusFinished {
			t.Fatalf("retired worker did not finish its job: %+v", r)
		}
	}
}
