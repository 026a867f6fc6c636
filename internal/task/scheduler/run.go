package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"clustersched/internal/condition"
	"clustersched/internal/task"
	"clustersched/internal/task/engine"
	logx "clustersched/pkg/logx"
)

// fireLocked hands e to the engine. Call with e.mu held.
func (s *Service) fireLocked(e *entry, now time.Time, principal, reason string) (string, error) {
	if s.deps.Engine == nil {
		return "", ErrStopped
	}
	def := e.def.Clone()
	if principal == "" {
		principal = def.Principal
	}
	key := def.ID.String()
	runID := uuid.NewString()
	node := s.executionNode(def)

	job := engine.Job{
		RunID:   runID,
		Key:     key,
		Timeout: def.Timeout,
		Run: func(ctx context.Context) error {
			return s.execute(ctx, node, def, runID, principal)
		},
		OnStart: func(id string, started time.Time) {
			s.onStart(key, node, id, started)
		},
		OnFinish: func(res engine.Result) {
			s.onFinish(key, res)
		},
	}
	if _, err := s.deps.Engine.Submit(job); err != nil {
		s.reportSubmitError(key, err)
		return "", err
	}
	s.fired.Add(1)
	s.m.fired.Inc()
	s.log.Debug("task fired", logx.String("task", key), logx.String("reason", reason), logx.String("node", node), logx.String("run", runID))
	return runID, nil
}

func (s *Service) executionNode(def task.Definition) string {
	if strings.TrimSpace(def.Node) == "" {
		return s.cfg.Node
	}
	return def.Node
}

func (s *Service) execute(ctx context.Context, node string, def task.Definition, runID, principal string) error {
	if !strings.EqualFold(node, s.cfg.Node) && s.deps.Dispatcher != nil {
		return s.deps.Dispatcher.Dispatch(ctx, node, def, runID, principal)
	}
	if s.deps.Executor == nil {
		return engine.NoRetry(errors.New("no executor configured"))
	}
	return s.deps.Executor.Execute(ctx, def, principal)
}

func (s *Service) reportSubmitError(key string, err error) {
	reason := "other"
	switch {
	case errors.Is(err, engine.ErrOverlapSkip):
		// Overlap skips happen during normal operation.
		s.m.submitErrors.WithLabelValues("overlap").Inc()
		s.log.Debug("task trigger skipped", logx.String("task", key), logx.Err(err))
		return
	case errors.Is(err, engine.ErrQueueFull):
		reason = "queue_full"
	case errors.Is(err, engine.ErrCircuitOpen):
		reason = "circuit_open"
	case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrStopping):
		reason = "stopped"
	}
	s.submitErrors.Add(1)
	s.m.submitErrors.WithLabelValues(reason).Inc()
	if s.warn.Allow("submit:" + key) {
		s.log.Warn("task failed to enqueue", logx.String("task", key), logx.String("reason", reason), logx.Err(err))
	}
}

func (s *Service) onStart(key, node, runID string, started time.Time) {
	s.mu.RLock()
	e := s.entries[key]
	s.mu.RUnlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return
	}
	e.act.Running = true
	e.act.Node = node
	e.act.RunID = runID
	e.act.LastStart = started
	e.act.LastStatus = task.StatusRunning
	e.act.LastError = ""
	act := e.act
	e.mu.Unlock()
	s.publishActivity(act)
}

func (s *Service) onFinish(key string, res engine.Result) {
	s.m.runs.WithLabelValues(string(res.Status)).Inc()
	if !res.Started.IsZero() {
		s.m.runSeconds.Observe(res.Finished.Sub(res.Started).Seconds())
	}

	s.mu.RLock()
	e := s.entries[key]
	s.mu.RUnlock()
	if e != nil {
		e.mu.Lock()
		if !e.removed {
			e.act.Running = false
			e.act.RunID = res.RunID
			e.act.LastEnd = res.Finished
			e.act.LastStatus = res.Status
			e.act.LastError = res.Error
			e.act.Attempts = res.Attempts
			act := e.act
			e.mu.Unlock()
			s.publishActivity(act)
		} else {
			e.mu.Unlock()
		}
	}

	if res.Status == task.StatusFinished {
		s.signalCompletion(key)
	}
}

// signalCompletion arms the completion conditions that wait on target.
func (s *Service) signalCompletion(target string) {
	for _, e := range s.snapshotEntries() {
		e.mu.Lock()
		armed := false
		for _, c := range e.conds {
			if cc, ok := c.(*condition.Completion); ok && cc.Target() == target {
				cc.SetComplete(true)
				armed = true
			}
		}
		if armed {
			e.parked = false
			e.next = time.Time{}
		}
		e.mu.Unlock()
	}
}

// RunNow fires id immediately, regardless of its conditions. The run is
// fire-and-forget; its outcome shows up in the task's activity.
func (s *Service) RunNow(ctx context.Context, id task.ID, principal string) (string, error) {
	_ = ctx
	if !s.Running() {
		return "", ErrStopped
	}
	e := s.lookup(id)
	if e == nil {
		return "", task.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return "", task.ErrNotFound
	}
	return s.fireLocked(e, s.cfg.Now(), principal, "run_now")
}

// StopNow cancels the queued or running execution of id.
func (s *Service) StopNow(id task.ID) error {
	if s.deps.Engine == nil || !s.deps.Engine.Cancel(id.String()) {
		return ErrNotRunning
	}
	return nil
}

// Activities returns the activity of every task, sorted by task name.
func (s *Service) Activities() []task.Activity {
	return s.Snapshot().Activities
}

func (s *Service) Activity(id task.ID) (task.Activity, bool) {
	e := s.lookup(id)
	if e == nil {
		return task.Activity{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.act, !e.removed
}
