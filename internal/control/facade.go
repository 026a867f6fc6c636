package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"clustersched/internal/cluster"
	"clustersched/internal/replication"
	"clustersched/internal/task"
	"clustersched/internal/task/engine"
	"clustersched/internal/task/scheduler"
	logx "clustersched/pkg/logx"
)

// Deps are the collaborators of a Facade. Scheduler is required; the
// rest are optional.
type Deps struct {
	Scheduler  *scheduler.Service
	Engine     *engine.Service
	Replicator *replication.Replicator
	// Members defaults to a single-node membership.
	Members cluster.Membership
	// Clients reaches the scheduler member when it is not the local one.
	Clients *Pool
	Catalog Catalog
}

// Facade is a node's control surface. It owns the node lifecycle and
// routes task operations to the local scheduler when this node hosts it,
// and through a Client otherwise.
type Facade struct {
	deps Deps
	log  logx.Logger
	// life serializes lifecycle transitions: Start, Stop and role changes.
	life chan struct{}

	mu       sync.Mutex
	state    State
	startErr *StartError
	// localSched reports whether the local scheduler is running on
	// behalf of this Facade.
	localSched bool
	// runCtx bounds schedulers started by role changes.
	runCtx context.Context
}

func NewFacade(deps Deps, log logx.Logger) *Facade {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Members == nil {
		name := "local"
		if deps.Replicator != nil && deps.Replicator.Node() != "" {
			name = deps.Replicator.Node()
		}
		deps.Members = cluster.NewStatic(cluster.Member{Name: name, Worker: true}, nil, "")
	}
	f := &Facade{deps: deps, log: log, state: StateStopped, life: make(chan struct{}, 1)}
	if f.deps.Catalog == nil {
		f.deps.Catalog = ActionCatalog{Tasks: f.knownTasks}
	}
	return f
}

// knownTasks is the scheduler's task set, or the replica on other members.
func (f *Facade) knownTasks() []task.Definition {
	if f.deps.Scheduler.Running() || f.deps.Replicator == nil {
		return f.deps.Scheduler.Tasks()
	}
	return f.deps.Replicator.Model().Tasks()
}

func (f *Facade) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Facade) acquire(ctx context.Context) error {
	select {
	case f.life <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Facade) release() { <-f.life }

// Start brings the node up. On the scheduler member (or in single-node
// mode) this starts the local scheduler. A failed start leaves the Facade
// FAILED; Ping then reports the error and Start may be retried. ctx also
// bounds schedulers started later by SyncRole.
func (f *Facade) Start(ctx context.Context) error {
	if err := f.acquire(ctx); err != nil {
		return err
	}
	defer f.release()

	f.mu.Lock()
	if f.state == StateRunning {
		f.mu.Unlock()
		return nil
	}
	f.runCtx = ctx
	f.mu.Unlock()
	return f.bringUp(ctx)
}

// bringUp moves the Facade through STARTING and starts the local scheduler
// when this member holds the role. The caller holds life.
func (f *Facade) bringUp(ctx context.Context) error {
	f.mu.Lock()
	f.state = StateStarting
	f.startErr = nil
	f.mu.Unlock()

	start := time.Now()
	local := cluster.LocalIsScheduler(ctx, f.deps.Members)
	var err error
	if local {
		err = f.deps.Scheduler.Start(ctx)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.state = StateFailed
		f.localSched = false
		f.startErr = &StartError{Message: err.Error(), Err: err}
		f.log.Error("scheduler failed to start", logx.Err(err))
		return f.startErr
	}
	f.state = StateRunning
	f.localSched = local
	f.log.Info("node started",
		logx.String("node", f.deps.Members.Local().Name),
		logx.Bool("scheduler", local),
		logx.Bool("cluster", f.IsCluster()),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

// Stop waits for an in-flight Start or role change and then takes the node
// down.
func (f *Facade) Stop(ctx context.Context) error {
	if err := f.acquire(ctx); err != nil {
		return err
	}
	defer f.release()

	f.mu.Lock()
	switch f.state {
	case StateStopped:
		f.mu.Unlock()
		return nil
	case StateFailed:
		f.state = StateStopped
		f.startErr = nil
		f.mu.Unlock()
		return nil
	}
	f.state = StateStopping
	local := f.localSched
	f.mu.Unlock()

	if local {
		f.deps.Scheduler.Stop(ctx)
	}

	f.mu.Lock()
	f.state = StateStopped
	f.localSched = false
	f.mu.Unlock()
	f.log.Info("node stopped")
	return nil
}

// SyncRole reconciles the local scheduler with the membership: it starts
// the scheduler when this member has gained the role and stops it when the
// role has moved elsewhere. A FAILED node retries the start.
func (f *Facade) SyncRole(ctx context.Context) error {
	if err := f.acquire(ctx); err != nil {
		return err
	}
	defer f.release()

	f.mu.Lock()
	state, has, runCtx := f.state, f.localSched, f.runCtx
	f.mu.Unlock()
	if state != StateRunning && state != StateFailed {
		return nil
	}
	if runCtx == nil || runCtx.Err() != nil {
		return nil
	}

	want := cluster.LocalIsScheduler(ctx, f.deps.Members)
	switch {
	case want && !has:
		f.log.Info("scheduler role acquired", logx.String("node", f.deps.Members.Local().Name))
		return f.bringUp(runCtx)
	case !want && has:
		f.deps.Scheduler.Stop(ctx)
		f.mu.Lock()
		f.localSched = false
		f.mu.Unlock()
		f.log.Info("scheduler role released", logx.String("node", f.deps.Members.Local().Name))
	case !want && state == StateFailed:
		// The failed scheduler is no longer this member's to run.
		f.mu.Lock()
		f.state = StateRunning
		f.startErr = nil
		f.mu.Unlock()
	}
	return nil
}

// WatchRole runs SyncRole every interval until ctx is done.
func (f *Facade) WatchRole(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 5 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := f.SyncRole(ctx); err != nil && ctx.Err() == nil {
				f.log.Debug("role sync failed", logx.Err(err))
			}
		}
	}
}

// Ping reports readiness. A member that holds the scheduler role without
// running the scheduler yet is not ready.
func (f *Facade) Ping(ctx context.Context) (bool, error) {
	f.mu.Lock()
	state, startErr, has := f.state, f.startErr, f.localSched
	f.mu.Unlock()
	switch state {
	case StateRunning:
		if !has && !f.deps.Members.Single() && cluster.LocalIsScheduler(ctx, f.deps.Members) {
			return false, nil
		}
		return true, nil
	case StateFailed:
		return false, startErr
	}
	return false, nil
}

func (f *Facade) IsCluster() bool { return !f.deps.Members.Single() }

// route picks the controller for task operations: nil means the local
// scheduler.
func (f *Facade) route(ctx context.Context) (*Client, error) {
	if f.State() != StateRunning {
		return nil, ErrNotStarted
	}
	if cluster.LocalIsScheduler(ctx, f.deps.Members) {
		if !f.deps.Scheduler.Running() {
			return nil, ErrNotStarted
		}
		return nil, nil
	}
	if f.deps.Clients == nil {
		return nil, fmt.Errorf("%w: no client for the scheduler member", ErrNotStarted)
	}
	m, err := f.deps.Members.Scheduler(ctx)
	if err != nil {
		return nil, err
	}
	return f.deps.Clients.For(m)
}

func (f *Facade) RunNow(ctx context.Context, id task.ID, principal string) (string, error) {
	c, err := f.route(ctx)
	if err != nil {
		return "", err
	}
	if c != nil {
		return c.RunNow(ctx, id, principal)
	}
	return f.deps.Scheduler.RunNow(ctx, id, principal)
}

func (f *Facade) StopNow(ctx context.Context, id task.ID, principal string) error {
	c, err := f.route(ctx)
	if err != nil {
		return err
	}
	if c != nil {
		return c.StopNow(ctx, id, principal)
	}
	return f.deps.Scheduler.StopNow(id)
}

func (f *Facade) AddTask(ctx context.Context, def task.Definition, principal string) (bool, error) {
	c, err := f.route(ctx)
	if err != nil {
		return false, err
	}
	if c != nil {
		return c.AddTask(ctx, def, principal)
	}
	if def.Principal == "" {
		def.Principal = principal
	}
	return f.deps.Scheduler.AddTask(ctx, def)
}

func (f *Facade) RemoveTask(ctx context.Context, id task.ID, principal string) error {
	c, err := f.route(ctx)
	if err != nil {
		return err
	}
	if c != nil {
		return c.RemoveTask(ctx, id, principal)
	}
	return f.deps.Scheduler.RemoveTask(ctx, id)
}

// ScheduleActivities returns every task's activity from the scheduler. If
// the scheduler member cannot be reached, the local replica answers.
func (f *Facade) ScheduleActivities(ctx context.Context) ([]task.Activity, error) {
	c, err := f.route(ctx)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return f.deps.Scheduler.Activities(), nil
	}
	acts, err := c.ScheduleActivities(ctx)
	if err == nil || f.deps.Replicator == nil {
		return acts, err
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return nil, err
	}
	f.log.Warn("scheduler unreachable; serving replica activities", logx.Err(err))
	return f.deps.Replicator.Model().Activities(), nil
}

func (f *Facade) StartTime(ctx context.Context) (time.Time, error) {
	c, err := f.route(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if c != nil {
		return c.StartTime(ctx)
	}
	return f.deps.Scheduler.StartTime(), nil
}

// Health describes this node. It never routes.
func (f *Facade) Health(ctx context.Context) (Health, error) {
	f.mu.Lock()
	state, startErr := f.state, f.startErr
	f.mu.Unlock()

	h := Health{
		Node:    f.deps.Members.Local().Name,
		State:   state,
		Cluster: f.IsCluster(),
	}
	if startErr != nil {
		h.Error = startErr.Message
	}
	if m, err := f.deps.Members.Scheduler(ctx); err == nil {
		h.Scheduler = m.Name
	}
	h.IsScheduler = cluster.LocalIsScheduler(ctx, f.deps.Members)
	if ms, err := f.deps.Members.Members(ctx); err == nil {
		for _, m := range ms {
			h.Members = append(h.Members, m.Name)
		}
	}
	if f.deps.Scheduler.Running() {
		h.Started = f.deps.Scheduler.StartTime()
		h.Uptime = time.Since(h.Started).Truncate(time.Second).String()
		c := f.deps.Scheduler.Counters()
		h.Tasks, h.Running = c.Tasks, c.Running
	}
	if f.deps.Engine != nil {
		snap := f.deps.Engine.Snapshot()
		h.EngineQueue, h.EngineInFlight, h.CircuitOpen = snap.QueueLen, snap.InFlight, snap.CircuitOpen
	}
	if f.deps.Replicator != nil {
		st := f.deps.Replicator.Stats()
		h.ReplicationQueued, h.ReplicationDrops = st.Queued, st.Dropped
		h.ReplicaTasks = f.deps.Replicator.Model().Len()
	}
	return h, nil
}

func (f *Facade) ServerMetrics(ctx context.Context, prev *ServerMetrics, ts time.Time) (ServerMetrics, error) {
	c, err := f.route(ctx)
	if err != nil {
		return ServerMetrics{}, err
	}
	if c != nil {
		return c.ServerMetrics(ctx, prev, ts)
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	sc := f.deps.Scheduler.Counters()
	m := ServerMetrics{
		Timestamp:       ts,
		Node:            f.deps.Members.Local().Name,
		Tasks:           sc.Tasks,
		Running:         sc.Running,
		Ticks:           sc.Ticks,
		Evaluations:     sc.Evaluations,
		Fired:           sc.Fired,
		ConditionErrors: sc.ConditionErrors,
		SubmitErrors:    sc.SubmitErrors,
		BalancerPasses:  sc.BalancerPasses,
	}
	if f.deps.Engine != nil {
		es := f.deps.Engine.Snapshot()
		m.Succeeded, m.Failed, m.Cancelled = es.Succeeded, es.Failed, es.Cancelled
	}
	return m.withDelta(prev), nil
}

func (f *Facade) Viewsheets(ctx context.Context, principal string) ([]string, error) {
	return f.deps.Catalog.Viewsheets(ctx, principal)
}

func (f *Facade) Queries(ctx context.Context, principal string) ([]string, error) {
	return f.deps.Catalog.Queries(ctx, principal)
}
