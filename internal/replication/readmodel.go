package replication

import (
	"sort"
	"sync"

	"clustersched/internal/task"
)

// ReadModel is a member's replica of the scheduler state. Callers only read
// it; the Replicator is the single writer.
type ReadModel struct {
	mu         sync.RWMutex
	tasks      map[string]task.Definition
	activities map[string]task.Activity
	version    uint64
}

func NewReadModel() *ReadModel {
	return &ReadModel{
		tasks:      map[string]task.Definition{},
		activities: map[string]task.Activity{},
	}
}

func (m *ReadModel) Task(name string) (task.Definition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.tasks[name]
	if !ok {
		return task.Definition{}, false
	}
	return d.Clone(), true
}

// Tasks returns all replicated tasks sorted by identity.
func (m *ReadModel) Tasks() []task.Definition {
	m.mu.RLock()
	out := make([]task.Definition, 0, len(m.tasks))
	for _, d := range m.tasks {
		out = append(out, d.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

func (m *ReadModel) Activity(name string) (task.Activity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.activities[name]
	return a, ok
}

// Activities returns all replicated activities sorted by task name.
func (m *ReadModel) Activities() []task.Activity {
	m.mu.RLock()
	out := make([]task.Activity, 0, len(m.activities))
	for _, a := range m.activities {
		out = append(out, a)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Task < out[j].Task })
	return out
}

func (m *ReadModel) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// Version increases on every applied change.
func (m *ReadModel) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

func (m *ReadModel) applyTaskChange(c TaskChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch c.Action {
	case ActionAdded, ActionModified:
		if c.Def == nil {
			return
		}
		m.tasks[c.Task] = c.Def.Clone()
	case ActionRemoved:
		if _, ok := m.tasks[c.Task]; !ok {
			return
		}
		delete(m.tasks, c.Task)
		delete(m.activities, c.Task)
	default:
		return
	}
	m.version++
}

func (m *ReadModel) applyActivity(c ActivityChange) {
	m.mu.Lock()
	m.activities[c.Task] = c.Activity
	m.version++
	m.mu.Unlock()
}

func (m *ReadModel) applySnapshot(s Snapshot) {
	tasks := make(map[string]task.Definition, len(s.Tasks))
	for _, d := range s.Tasks {
		tasks[d.ID.String()] = d.Clone()
	}
	acts := make(map[string]task.Activity, len(s.Activities))
	for _, a := range s.Activities {
		acts[a.Task] = a
	}
	m.mu.Lock()
	m.tasks = tasks
	m.activities = acts
	m.version++
	m.mu.Unlock()
}
