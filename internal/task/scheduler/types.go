package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"clustersched/internal/task"
)

var (
	ErrNotRunning = errors.New("task not running")
	ErrReadOnly   = errors.New("task belongs to a read-only source")
	ErrStopped    = errors.New("scheduler not running")
)

// Config controls the scheduler service.
type Config struct {
	// Node is the local member name; tasks with an empty or matching Node
	// run here, others are dispatched.
	Node string

	Tick        time.Duration
	EvalWorkers int
	Location    *time.Location

	// SnapshotEvery is the full-state push cadence. <0 disables it.
	SnapshotEvery time.Duration
	// BalancerPoll is the balancer trigger poll cadence.
	BalancerPoll time.Duration

	// Registerer receives the scheduler metrics; nil leaves them unregistered.
	Registerer prometheus.Registerer

	// Now overrides the clock (tests).
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.EvalWorkers <= 0 {
		c.EvalWorkers = 8
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.SnapshotEvery == 0 {
		c.SnapshotEvery = 5 * time.Minute
	}
	if c.BalancerPoll <= 0 {
		c.BalancerPoll = time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Executor runs a task's action on the local member.
type Executor interface {
	Execute(ctx context.Context, def task.Definition, principal string) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, def task.Definition, principal string) error

func (f ExecutorFunc) Execute(ctx context.Context, def task.Definition, principal string) error {
	return f(ctx, def, principal)
}

// Dispatcher runs a task on another member and returns once it finished
// there.
type Dispatcher interface {
	Dispatch(ctx context.Context, node string, def task.Definition, runID, principal string) error
}

// Balancer is invoked when the balancer trigger is due.
type Balancer interface {
	Pass(ctx context.Context, now time.Time) error
}

// Counters are best-effort operational counters.
type Counters struct {
	Ticks           uint64 `json:"ticks"`
	Evaluations     uint64 `json:"evaluations"`
	Fired           uint64 `json:"fired"`
	ConditionErrors uint64 `json:"condition_errors"`
	SubmitErrors    uint64 `json:"submit_errors"`
	BalancerPasses  uint64 `json:"balancer_passes"`
	Tasks           int    `json:"tasks"`
	Running         int    `json:"running"`
}
