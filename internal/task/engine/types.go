package engine

import (
	"context"
	"sync"
	"time"

	"clustersched/internal/task"
)

// Config controls the execution engine.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Job.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops jobs that waited in the queue longer than this.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize   int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// Circuit breaker (consecutive failures per task key).
	// CircuitTripFailures < 0 disables it; 0 applies the default.
	CircuitTripFailures int
	CircuitCooldown     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = time.Minute
	}
	return c
}

// Job is one execution of a task.
//
// Key identifies the task for overlap gating, cancellation and the circuit
// breaker; it is normally task.ID.String().
type Job struct {
	RunID   string
	Key     string
	Timeout time.Duration
	Run     func(ctx context.Context) error

	// RetryMax overrides Config.RetryMax when > 0.
	RetryMax int

	OnStart  func(runID string, started time.Time)
	OnFinish func(Result)
}

// Result describes a finished (or dropped) job.
type Result struct {
	RunID      string        `json:"run_id"`
	Key        string        `json:"key"`
	Status     task.Status   `json:"status"`
	Started    time.Time     `json:"started"`
	Finished   time.Time     `json:"finished"`
	QueueDelay time.Duration `json:"queue_delay"`
	Attempts   int           `json:"attempts"`
	Err        error         `json:"-"`
	Error      string        `json:"error,omitempty"`
}

// runState tracks whether a task key is queued or running.
// Skipping while queued prevents queue blow-ups when a condition fires faster
// than the task executes.
type runState struct {
	mu              sync.Mutex
	inflight        bool
	cancelRequested bool
	cancel          context.CancelFunc
	runID           string
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	s.inflight = false
	s.cancelRequested = false
	s.cancel = nil
	s.runID = ""
	s.mu.Unlock()
}

type HistoryItem struct {
	RunID      string
	Key        string
	Status     task.Status
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// Snapshot is a lightweight view for diagnostics and metrics.
type Snapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Started          uint64
	Succeeded        uint64
	Failed           uint64
	Cancelled        uint64
	DroppedQueueFull uint64
	DroppedStale     uint64
	SkippedOverlap   uint64
	SkippedCircuit   uint64

	CircuitOpen int
	History     []HistoryItem
}
