package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"clustersched/internal/cluster"
	"clustersched/internal/condition"
	"clustersched/internal/replication"
	rtsup "clustersched/internal/runtime/supervisor"
	"clustersched/internal/storage"
	"clustersched/internal/task"
	"clustersched/internal/task/engine"
	"clustersched/internal/timerange"
	logx "clustersched/pkg/logx"
)

type entry struct {
	mu      sync.Mutex
	def     task.Definition
	conds   []condition.Condition
	next    time.Time
	parked  bool
	act     task.Activity
	removed bool
}

// Deps are the collaborators of a Service. Store, Replicator, Dispatcher
// and Members are optional.
type Deps struct {
	Ranges     *timerange.Registry
	Engine     *engine.Service
	Executor   Executor
	Dispatcher Dispatcher
	Store      storage.Store
	Replicator *replication.Replicator
	Sources    []TaskSource
	// Members gates the tick and balancer loops on this member holding the
	// scheduler role. Nil means the role is always held.
	Members cluster.Membership
}

type Service struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	warn *logx.Throttle
	m    *metrics

	mu       sync.RWMutex
	entries  map[string]*entry
	sup      *rtsup.Supervisor
	started  time.Time
	balancer Balancer

	ticks, evaluations, fired atomic.Uint64
	condErrors, submitErrors  atomic.Uint64
	balancerPasses            atomic.Uint64
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Ranges == nil {
		deps.Ranges = timerange.NewRegistry()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		deps:    deps,
		log:     log,
		warn:    logx.NewThrottle(1.0/30, 1),
		m:       newMetrics(cfg.Registerer),
		entries: map[string]*entry{},
	}
}

// SetBalancer installs the balancer driven by the balancer trigger.
func (s *Service) SetBalancer(b Balancer) {
	s.mu.Lock()
	s.balancer = b
	s.mu.Unlock()
}

func (s *Service) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sup != nil
}

// StartTime is the instant Start last succeeded; zero while stopped.
func (s *Service) StartTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// Start loads tasks from storage and the task sources, starts the engine and
// the scheduler loops, and announces the full state.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	defs, err := s.loadAll(ctx)
	if err != nil {
		return err
	}
	entries := make(map[string]*entry, len(defs))
	now := s.cfg.Now()
	for _, d := range defs {
		e, err := s.newEntry(d, now)
		if err != nil {
			s.log.Warn("skipping invalid task", logx.String("task", d.ID.String()), logx.Err(err))
			continue
		}
		s.inheritActivity(e)
		entries[d.ID.String()] = e
	}

	if s.deps.Engine != nil {
		s.deps.Engine.Start(ctx)
	}

	sup := rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.mu.Lock()
	s.entries = entries
	s.sup = sup
	s.started = now
	s.mu.Unlock()
	s.m.tasks.Set(float64(len(entries)))

	sup.GoRestart("scheduler.tick", s.tickLoop)
	sup.GoRestart("scheduler.balancer", s.balancerLoop)
	if s.cfg.SnapshotEvery > 0 {
		sup.GoRestart("scheduler.snapshot", s.snapshotLoop)
	}
	s.publishSnapshot()

	s.log.Info("scheduler started",
		logx.Int("tasks", len(entries)),
		logx.String("tz", s.cfg.Location.String()),
		logx.Duration("tick", s.cfg.Tick),
	)
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.started = time.Time{}
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("scheduler loops did not stop cleanly", logx.Err(err))
	}
	if s.deps.Engine != nil {
		s.deps.Engine.Stop(ctx)
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) loadAll(ctx context.Context) ([]task.Definition, error) {
	var defs []task.Definition
	if s.deps.Store != nil {
		stored, err := s.deps.Store.LoadTasks(ctx)
		if err != nil {
			return nil, fmt.Errorf("load tasks: %w", err)
		}
		defs = append(defs, stored...)
	}
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		seen[d.ID.String()] = true
	}
	defs = append(defs, s.adoptReplica(ctx, seen)...)
	for _, src := range s.deps.Sources {
		for _, d := range src.Tasks() {
			if seen[d.ID.String()] {
				s.log.Warn("source task shadowed by stored task", logx.String("task", d.ID.String()), logx.String("source", src.Name()))
				continue
			}
			d.Source = src.Name()
			seen[d.ID.String()] = true
			defs = append(defs, d)
		}
	}
	return defs, nil
}

// adoptReplica returns the replicated tasks missing from storage. They were
// created on the previous scheduler member; taking over the role persists
// them locally. Source tasks are skipped, the sources reload them.
func (s *Service) adoptReplica(ctx context.Context, seen map[string]bool) []task.Definition {
	if s.deps.Replicator == nil {
		return nil
	}
	var out []task.Definition
	for _, d := range s.deps.Replicator.Model().Tasks() {
		key := d.ID.String()
		if seen[key] || d.Source != "" {
			continue
		}
		if s.deps.Store != nil {
			if err := s.deps.Store.SaveTask(ctx, d); err != nil {
				s.log.Warn("replicated task not persisted", logx.String("task", key), logx.Err(err))
			}
		}
		seen[key] = true
		out = append(out, d)
	}
	if len(out) > 0 {
		s.log.Info("adopted replicated tasks", logx.Int("tasks", len(out)))
	}
	return out
}

// inheritActivity seeds e with the replicated run history of its task.
func (s *Service) inheritActivity(e *entry) {
	if s.deps.Replicator == nil {
		return
	}
	act, ok := s.deps.Replicator.Model().Activity(e.def.ID.String())
	if !ok {
		return
	}
	act.Running = false
	act.RunID = ""
	act.NextRun = time.Time{}
	act.Node = e.def.Node
	if act.LastStatus == task.StatusRunning {
		act.LastStatus = task.StatusNone
	}
	e.act = act
}

// ownsRole reports whether this member currently holds the scheduler role.
func (s *Service) ownsRole(ctx context.Context) bool {
	if s.deps.Members == nil {
		return true
	}
	return cluster.LocalIsScheduler(ctx, s.deps.Members)
}

func (s *Service) newEntry(def task.Definition, now time.Time) (*entry, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	conds, err := s.buildConditions(def, now)
	if err != nil {
		return nil, err
	}
	return &entry{
		def:   def,
		conds: conds,
		act:   task.Activity{Task: def.ID.String(), Node: def.Node, LastStatus: task.StatusNone},
	}, nil
}

func (s *Service) buildConditions(def task.Definition, now time.Time) ([]condition.Condition, error) {
	deps := condition.Deps{Ranges: s.deps.Ranges, Location: s.cfg.Location, Now: now}
	out := make([]condition.Condition, 0, len(def.Conditions))
	for i, spec := range def.Conditions {
		c, err := condition.Build(spec, deps)
		if err != nil {
			return nil, fmt.Errorf("task %s: condition %d: %w", def.ID, i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Service) snapshotEntries() []*entry {
	s.mu.RLock()
	out := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()
	return out
}

func (s *Service) lookup(id task.ID) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id.String()]
}

func (s *Service) tickLoop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every task once at the current clock. Different tasks are
// evaluated in parallel; one task's conditions are evaluated in order under
// that task's lock.
func (s *Service) Tick(ctx context.Context) {
	if !s.ownsRole(ctx) {
		if s.warn.Allow("role") {
			s.log.Warn("tick skipped: scheduler role held elsewhere")
		}
		return
	}
	now := s.cfg.Now().In(s.cfg.Location)
	s.ticks.Add(1)
	s.m.ticks.Inc()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.EvalWorkers)
	for _, e := range s.snapshotEntries() {
		g.Go(func() error {
			s.evaluate(gctx, e, now)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) evaluate(ctx context.Context, e *entry, now time.Time) {
	if ctx.Err() != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || !e.def.Enabled || e.parked {
		return
	}
	if !e.next.IsZero() && now.Before(e.next) {
		return
	}
	s.evaluations.Add(1)
	s.m.evaluations.Inc()

	key := e.def.ID.String()
	due, failed := false, false
	var next time.Time
	hasNext := false
	for i, c := range e.conds {
		res := condition.Evaluate(c, now)
		if res.Err != nil {
			failed = true
			s.condErrors.Add(1)
			s.m.conditionErrors.Inc()
			if s.warn.Allow(key) {
				s.log.Warn("condition evaluation failed", logx.String("task", key), logx.Int("condition", i), logx.Err(res.Err))
			}
			continue
		}
		due = due || res.Due
		if res.HasRetry && (!hasNext || res.Retry.Before(next)) {
			next, hasNext = res.Retry, true
		}
	}

	if due {
		_, _ = s.fireLocked(e, now, "", "condition")
	}

	switch {
	case failed:
		e.next = time.Time{}
	case hasNext:
		e.next = next
	default:
		e.parked = true
	}

	nextRun := time.Time{}
	if hasNext && !failed {
		nextRun = next
	}
	if !nextRun.Equal(e.act.NextRun) {
		e.act.NextRun = nextRun
		s.publishActivity(e.act)
	}
}

func (s *Service) balancerLoop(ctx context.Context) error {
	trigger := condition.NewBalancerTrigger(s.deps.Ranges)
	t := time.NewTicker(s.cfg.BalancerPoll)
	defer t.Stop()
	for {
		now := s.cfg.Now().In(s.cfg.Location)
		if res := condition.Evaluate(trigger, now); res.Due && s.ownsRole(ctx) {
			s.mu.RLock()
			b := s.balancer
			s.mu.RUnlock()
			if b != nil {
				s.balancerPasses.Add(1)
				s.m.balancerPasses.Inc()
				if err := b.Pass(ctx, now); err != nil {
					s.log.Warn("balancer pass reported errors", logx.Err(err))
				}
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (s *Service) snapshotLoop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.SnapshotEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.publishSnapshot()
		}
	}
}

// Snapshot is the complete replicated state of the scheduler.
func (s *Service) Snapshot() replication.Snapshot {
	entries := s.snapshotEntries()
	snap := replication.Snapshot{
		Tasks:      make([]task.Definition, 0, len(entries)),
		Activities: make([]task.Activity, 0, len(entries)),
	}
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			snap.Tasks = append(snap.Tasks, e.def.Clone())
			snap.Activities = append(snap.Activities, e.act)
		}
		e.mu.Unlock()
	}
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].ID.Less(snap.Tasks[j].ID) })
	sort.Slice(snap.Activities, func(i, j int) bool { return snap.Activities[i].Task < snap.Activities[j].Task })
	return snap
}

func (s *Service) publishSnapshot() {
	if s.deps.Replicator == nil {
		return
	}
	s.deps.Replicator.PublishSnapshot(s.Snapshot())
}

func (s *Service) publishActivity(act task.Activity) {
	if s.deps.Replicator == nil {
		return
	}
	s.deps.Replicator.PublishActivityChange(replication.ActivityChange{Task: act.Task, Activity: act})
}

func (s *Service) publishTask(def task.Definition, action replication.Action) {
	if s.deps.Replicator == nil {
		return
	}
	c := replication.TaskChange{Task: def.ID.String(), Action: action}
	if action != replication.ActionRemoved {
		c.Def = &def
	}
	s.deps.Replicator.PublishTaskChange(c)
}

// Counters returns best-effort operational counters.
func (s *Service) Counters() Counters {
	c := Counters{
		Ticks:           s.ticks.Load(),
		Evaluations:     s.evaluations.Load(),
		Fired:           s.fired.Load(),
		ConditionErrors: s.condErrors.Load(),
		SubmitErrors:    s.submitErrors.Load(),
		BalancerPasses:  s.balancerPasses.Load(),
	}
	for _, e := range s.snapshotEntries() {
		e.mu.Lock()
		if !e.removed {
			c.Tasks++
			if e.act.Running {
				c.Running++
			}
		}
		e.mu.Unlock()
	}
	return c
}
