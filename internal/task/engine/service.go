// Package engine executes task runs on a bounded worker pool with overlap
// gating, retries, per-task circuit breaking and cancellation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	rtsup "clustersched/internal/runtime/supervisor"
	"clustersched/internal/task"
	logx "clustersched/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	q        chan queuedJob
	sup      *rtsup.Supervisor
	stopping bool
	// quits holds one channel per live worker; closing it retires the
	// worker after its current job.
	quits   []chan struct{}
	spawned int

	stateMu  sync.Mutex
	states   map[string]*runState
	breakers map[string]*gobreaker.CircuitBreaker

	hmu     sync.Mutex
	history []HistoryItem

	inFlight atomic.Int32

	started          atomic.Uint64
	succeeded        atomic.Uint64
	failed           atomic.Uint64
	cancelled        atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64
	skippedOverlap   atomic.Uint64
	skippedCircuit   atomic.Uint64

	warn *logx.Throttle
}

type queuedJob struct {
	job        Job
	enqueuedAt time.Time
	timeout    time.Duration
	state      *runState
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		states:   map[string]*runState{},
		breakers: map[string]*gobreaker.CircuitBreaker{},
		warn:     logx.NewThrottle(0.2, 1),
	}
}

// Apply swaps the configuration. A running pool is resized to the new
// worker count; the queue size takes effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.withDefaults()
	if s.q == nil || s.stopping {
		return
	}
	s.resizeLocked(s.cfg.Workers)
}

// Workers is the number of live workers; zero while stopped.
func (s *Service) Workers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.quits)
}

func (s *Service) resizeLocked(n int) {
	before := len(s.quits)
	for len(s.quits) < n {
		quit := make(chan struct{})
		s.quits = append(s.quits, quit)
		s.spawnLocked(quit)
	}
	for len(s.quits) > n {
		last := len(s.quits) - 1
		close(s.quits[last])
		s.quits = s.quits[:last]
	}
	if before != 0 && before != n {
		s.log.Info("engine resized", logx.Int("from", before), logx.Int("to", n))
	}
}

func (s *Service) spawnLocked(quit <-chan struct{}) {
	queue := s.q
	name := fmt.Sprintf("worker.%d", s.spawned)
	s.spawned++
	s.sup.GoRestart(name, func(c context.Context) error {
		s.worker(c, queue, quit)
		if c.Err() != nil {
			return nil
		}
		select {
		case <-quit:
			return nil
		default:
		}
		return errors.New("worker exited unexpectedly")
	})
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q != nil {
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedJob, cfg.QueueSize)
	s.stopping = false
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.quits = nil
	s.resizeLocked(cfg.Workers)
	s.log.Info("engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop cancels running jobs, waits for workers and finishes queued jobs as
// cancelled.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.q == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	if err := sup.Stop(ctx); err != nil && errors.Is(err, ctx.Err()) {
		s.log.Warn("engine stop timed out", logx.Err(err))
	}

	for {
		select {
		case qj := <-queue:
			s.finish(qj, Result{Status: task.StatusCancelled, Err: ErrStopped}, time.Now())
			continue
		default:
		}
		break
	}

	s.mu.Lock()
	s.q = nil
	s.sup = nil
	s.quits = nil
	s.stopping = false
	s.mu.Unlock()
	s.log.Info("engine stopped")
}

// Submit enqueues job without blocking.
//
// It fails with ErrOverlapSkip if the same key is already queued or
// running, ErrCircuitOpen if the key's breaker is open, and ErrQueueFull if
// the queue has no room.
func (s *Service) Submit(job Job) (string, error) {
	if job.Run == nil {
		return "", errors.New("job Run is nil")
	}
	job.Key = strings.TrimSpace(job.Key)
	if job.Key == "" {
		return "", errors.New("job Key is required")
	}
	if job.RunID == "" {
		job.RunID = uuid.NewString()
	}

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	stopping := s.stopping
	s.mu.Unlock()

	if q == nil {
		return "", ErrStopped
	}
	if stopping {
		return "", ErrStopping
	}

	if cfg.CircuitTripFailures > 0 && s.breakerFor(job.Key, cfg).State() == gobreaker.StateOpen {
		s.skippedCircuit.Add(1)
		s.record(HistoryItem{RunID: job.RunID, Key: job.Key, Status: task.StatusSkipped, Started: time.Now(), Error: "circuit_open"})
		s.log.Debug("job skipped: circuit open", logx.String("task", job.Key))
		return "", ErrCircuitOpen
	}

	st := s.stateFor(job.Key)
	if !st.tryAcquire() {
		s.skippedOverlap.Add(1)
		s.log.Debug("job skipped due to overlap", logx.String("task", job.Key))
		return "", ErrOverlapSkip
	}
	st.mu.Lock()
	st.runID = job.RunID
	st.mu.Unlock()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	select {
	case q <- queuedJob{job: job, enqueuedAt: time.Now(), timeout: timeout, state: st}:
		return job.RunID, nil
	default:
		st.release()
		s.droppedQueueFull.Add(1)
		if s.warn.Allow("queue_full") {
			s.log.Warn("job dropped: queue full", logx.String("task", job.Key), logx.Int("queue_cap", cap(q)))
		}
		return "", ErrQueueFull
	}
}

// Cancel stops the queued or running job for key. It reports whether a job
// was found.
func (s *Service) Cancel(key string) bool {
	s.stateMu.Lock()
	st := s.states[key]
	s.stateMu.Unlock()
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.inflight {
		return false
	}
	st.cancelRequested = true
	if st.cancel != nil {
		st.cancel()
	}
	return true
}

// Running reports whether key is queued or running.
func (s *Service) Running(key string) bool {
	s.stateMu.Lock()
	st := s.states[key]
	s.stateMu.Unlock()
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inflight
}

// Forget drops per-key state for a removed task.
func (s *Service) Forget(key string) {
	s.stateMu.Lock()
	if st := s.states[key]; st != nil {
		st.mu.Lock()
		busy := st.inflight
		st.mu.Unlock()
		if !busy {
			delete(s.states, key)
		}
	}
	delete(s.breakers, key)
	s.stateMu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	snap := Snapshot{
		Running:          q != nil,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Started:          s.started.Load(),
		Succeeded:        s.succeeded.Load(),
		Failed:           s.failed.Load(),
		Cancelled:        s.cancelled.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		SkippedOverlap:   s.skippedOverlap.Load(),
		SkippedCircuit:   s.skippedCircuit.Load(),
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}

	s.stateMu.Lock()
	for _, cb := range s.breakers {
		if cb.State() == gobreaker.StateOpen {
			snap.CircuitOpen++
		}
	}
	s.stateMu.Unlock()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) stateFor(key string) *runState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[key]
	if st == nil {
		st = &runState{}
		s.states[key] = st
	}
	return st
}

func (s *Service) breakerFor(key string, cfg Config) *gobreaker.CircuitBreaker {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	cb := s.breakers[key]
	if cb != nil {
		return cb
	}
	trip := uint32(cfg.CircuitTripFailures)
	log := s.log
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     cfg.CircuitCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= trip },
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("task circuit state changed", logx.String("task", name), logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
	s.breakers[key] = cb
	return cb
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
