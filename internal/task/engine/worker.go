package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"clustersched/internal/task"
	logx "clustersched/pkg/logx"
)

func (s *Service) worker(ctx context.Context, queue <-chan queuedJob, quit <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case qj := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, qj)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qj queuedJob) {
	start := time.Now()
	queueDelay := start.Sub(qj.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.droppedStale.Add(1)
		if s.warn.Allow("stale") {
			s.log.Warn("job dropped: stale queue", logx.String("task", qj.job.Key), logx.Duration("queue_delay", queueDelay))
		}
		s.finish(qj, Result{Status: task.StatusSkipped, Err: ErrStale, Started: start, QueueDelay: queueDelay}, start)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	qj.state.mu.Lock()
	if qj.state.cancelRequested {
		qj.state.mu.Unlock()
		s.finish(qj, Result{Status: task.StatusCancelled, Err: ErrCancelled, Started: start, QueueDelay: queueDelay}, start)
		return
	}
	qj.state.cancel = cancel
	qj.state.mu.Unlock()

	s.started.Add(1)
	if qj.job.OnStart != nil {
		qj.job.OnStart(qj.job.RunID, start)
	}
	s.log.Debug("job started", logx.String("task", qj.job.Key), logx.String("run", qj.job.RunID), logx.Duration("queue_delay", queueDelay))

	retries := cfg.RetryMax
	if qj.job.RetryMax > 0 {
		retries = qj.job.RetryMax
	}

	attempts := 0
	op := func() error {
		attempts++
		err := s.attempt(runCtx, qj)
		if err == nil {
			return nil
		}
		if runCtx.Err() != nil {
			return backoff.Permanent(err)
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return backoff.Permanent(nr.err)
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryBase
	bo.MaxInterval = cfg.RetryMaxDelay
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), runCtx)
	notify := func(err error, d time.Duration) {
		s.log.Debug("job retry scheduled", logx.String("task", qj.job.Key), logx.Int("attempt", attempts+1), logx.Duration("delay", d), logx.Err(err))
	}

	var err error
	if cfg.CircuitTripFailures > 0 {
		_, err = s.breakerFor(qj.job.Key, cfg).Execute(func() (interface{}, error) {
			return nil, backoff.RetryNotify(op, policy, notify)
		})
	} else {
		err = backoff.RetryNotify(op, policy, notify)
	}

	qj.state.mu.Lock()
	stopped := qj.state.cancelRequested
	qj.state.mu.Unlock()

	res := Result{Started: start, QueueDelay: queueDelay, Attempts: attempts, Err: err}
	switch {
	case err == nil:
		res.Status = task.StatusFinished
	case stopped:
		res.Status = task.StatusCancelled
		res.Err = ErrCancelled
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		res.Status = task.StatusSkipped
		res.Err = ErrCircuitOpen
	case ctx.Err() != nil:
		res.Status = task.StatusCancelled
		res.Err = ErrStopped
	default:
		res.Status = task.StatusFailed
	}
	s.finish(qj, res, time.Now())
}

func (s *Service) attempt(ctx context.Context, qj queuedJob) (err error) {
	if qj.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qj.timeout)
		defer cancel()
	}
	// A panicking task must not take its worker down with it.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job panicked", logx.String("task", qj.job.Key), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qj.job.Run(ctx)
}

func (s *Service) finish(qj queuedJob, res Result, at time.Time) {
	res.RunID = qj.job.RunID
	res.Key = qj.job.Key
	res.Finished = at
	if res.Err != nil {
		res.Error = res.Err.Error()
	}
	qj.state.release()

	dur := res.Finished.Sub(res.Started)
	if res.Started.IsZero() {
		dur = 0
	}
	switch res.Status {
	case task.StatusFinished:
		s.succeeded.Add(1)
		s.log.Debug("job completed", logx.String("task", res.Key), logx.Duration("dur", dur), logx.Int("attempts", res.Attempts))
	case task.StatusFailed:
		s.failed.Add(1)
		s.log.Warn("job failed", logx.String("task", res.Key), logx.Err(res.Err), logx.Duration("dur", dur), logx.Int("attempts", res.Attempts))
	case task.StatusCancelled:
		s.cancelled.Add(1)
		s.log.Info("job cancelled", logx.String("task", res.Key), logx.String("run", res.RunID))
	}

	s.record(HistoryItem{
		RunID:      res.RunID,
		Key:        res.Key,
		Status:     res.Status,
		Started:    res.Started,
		QueueDelay: res.QueueDelay,
		Duration:   dur,
		Attempts:   res.Attempts,
		Error:      res.Error,
	})
	if qj.job.OnFinish != nil {
		qj.job.OnFinish(res)
	}
}
