package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"clustersched/internal/replication"
	"clustersched/internal/task"
	logx "clustersched/pkg/logx"
)

// AddTask stores def and schedules it. An existing task with the same
// identity is replaced (its activity is kept). It reports whether the task
// was new.
func (s *Service) AddTask(ctx context.Context, def task.Definition) (bool, error) {
	if err := def.Validate(); err != nil {
		return false, err
	}
	key := def.ID.String()
	if old := s.lookup(def.ID); old != nil {
		old.mu.Lock()
		src := old.def.Source
		old.mu.Unlock()
		if src != "" {
			return false, fmt.Errorf("%w: %s (%s)", ErrReadOnly, key, src)
		}
	}
	now := s.cfg.Now()
	def = def.Clone()
	def.Source = ""
	def.Updated = now
	if def.TimeRange != "" {
		if _, ok := s.deps.Ranges.Get(def.TimeRange); !ok {
			s.log.Warn("task bound to unknown time range", logx.String("task", key), logx.String("range", def.TimeRange))
		}
	}

	ne, err := s.newEntry(def, now)
	if err != nil {
		return false, err
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.SaveTask(ctx, def); err != nil {
			return false, fmt.Errorf("save task %s: %w", key, err)
		}
	}

	added := s.upsert(key, ne)
	action := replication.ActionModified
	if added {
		action = replication.ActionAdded
	}
	s.publishTask(def, action)
	s.log.Info("task saved", logx.String("task", key), logx.Bool("added", added))
	return added, nil
}

// upsert installs ne under key, carrying over the activity of a replaced
// entry. It reports whether key was new.
func (s *Service) upsert(key string, ne *entry) bool {
	s.mu.Lock()
	old := s.entries[key]
	s.entries[key] = ne
	n := len(s.entries)
	s.mu.Unlock()
	s.m.tasks.Set(float64(n))

	if old == nil {
		return true
	}
	old.mu.Lock()
	act := old.act
	old.removed = true
	old.mu.Unlock()

	ne.mu.Lock()
	act.Node = ne.def.Node
	ne.act = act
	ne.mu.Unlock()
	return false
}

// RemoveTask deletes id from storage and the schedule. A running execution
// is left to finish.
func (s *Service) RemoveTask(ctx context.Context, id task.ID) error {
	key := id.String()
	e := s.lookup(id)
	if e == nil {
		return task.ErrNotFound
	}
	e.mu.Lock()
	src := e.def.Source
	e.mu.Unlock()
	if src != "" {
		return fmt.Errorf("%w: %s (%s)", ErrReadOnly, key, src)
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.DeleteTask(ctx, id); err != nil {
			return fmt.Errorf("delete task %s: %w", key, err)
		}
	}
	s.drop(key)
	s.log.Info("task removed", logx.String("task", key))
	return nil
}

func (s *Service) drop(key string) {
	s.mu.Lock()
	e := s.entries[key]
	delete(s.entries, key)
	n := len(s.entries)
	s.mu.Unlock()
	s.m.tasks.Set(float64(n))
	s.warn.Forget(key)
	s.warn.Forget("submit:" + key)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	if s.deps.Engine != nil {
		s.deps.Engine.Forget(key)
	}
	s.publishTask(task.Definition{ID: task.ParseID(key)}, replication.ActionRemoved)
}

func (s *Service) Task(id task.ID) (task.Definition, bool) {
	e := s.lookup(id)
	if e == nil {
		return task.Definition{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.def.Clone(), !e.removed
}

// Tasks returns every scheduled task sorted by identity.
func (s *Service) Tasks() []task.Definition {
	return s.Snapshot().Tasks
}

// TasksInRange returns the enabled tasks bound to the named time range.
func (s *Service) TasksInRange(name string) []task.Definition {
	var out []task.Definition
	for _, e := range s.snapshotEntries() {
		e.mu.Lock()
		if !e.removed && e.def.Enabled && e.def.TimeRange == name {
			out = append(out, e.def.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// Reassign moves id to node, persisting and replicating the change.
func (s *Service) Reassign(ctx context.Context, id task.ID, node string) error {
	e := s.lookup(id)
	if e == nil {
		return task.ErrNotFound
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return task.ErrNotFound
	}
	if e.def.Node == node {
		e.mu.Unlock()
		return nil
	}
	def := e.def.Clone()
	def.Node = node
	def.Updated = s.cfg.Now()
	if def.Source == "" && s.deps.Store != nil {
		if err := s.deps.Store.SaveTask(ctx, def); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("save task %s: %w", id, err)
		}
	}
	e.def = def
	e.act.Node = node
	e.mu.Unlock()

	s.publishTask(def, replication.ActionModified)
	return nil
}

// ReloadSources re-reads every task source and applies the differences to
// the schedule. Stored tasks are never touched.
func (s *Service) ReloadSources() {
	want := map[string]task.Definition{}
	for _, src := range s.deps.Sources {
		for _, d := range src.Tasks() {
			d.Source = src.Name()
			want[d.ID.String()] = d
		}
	}

	now := s.cfg.Now()
	for _, e := range s.snapshotEntries() {
		e.mu.Lock()
		key, src := e.def.ID.String(), e.def.Source
		e.mu.Unlock()
		if src == "" {
			if _, shadow := want[key]; shadow {
				delete(want, key)
			}
			continue
		}
		if _, ok := want[key]; !ok {
			s.drop(key)
		}
	}

	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		d := want[key]
		cur, ok := s.Task(d.ID)
		if ok && sameDefinition(cur, d) {
			continue
		}
		if ok && d.Node == "" {
			d.Node = cur.Node
		}
		ne, err := s.newEntry(d, now)
		if err != nil {
			s.log.Warn("skipping invalid source task", logx.String("task", key), logx.String("source", d.Source), logx.Err(err))
			continue
		}
		action := replication.ActionModified
		if s.upsert(key, ne) {
			action = replication.ActionAdded
		}
		s.publishTask(d, action)
	}
}

func sameDefinition(a, b task.Definition) bool {
	if a.ID != b.ID || a.Enabled != b.Enabled || a.TimeRange != b.TimeRange ||
		a.Action != b.Action || a.Timeout != b.Timeout || a.Principal != b.Principal ||
		a.Source != b.Source || len(a.Conditions) != len(b.Conditions) {
		return false
	}
	// A balancer-assigned node survives reloads of a source task that does
	// not pin one.
	if b.Node != "" && a.Node != b.Node {
		return false
	}
	for i := range a.Conditions {
		if a.Conditions[i] != b.Conditions[i] {
			return false
		}
	}
	return true
}

// IdentityRemoved drops every task owned by owner.
func (s *Service) IdentityRemoved(owner string) {
	s.notifySources(func(l IdentityListener) { l.IdentityRemoved(owner) })
	s.rekeyStored(func(id task.ID) (task.ID, bool) {
		return id, id.Owner != owner
	})
}

// IdentityRenamed moves every task of oldOwner to newOwner.
func (s *Service) IdentityRenamed(oldOwner, newOwner string) {
	s.notifySources(func(l IdentityListener) { l.IdentityRenamed(oldOwner, newOwner) })
	s.rekeyStored(func(id task.ID) (task.ID, bool) {
		if id.Owner == oldOwner {
			id.Owner = newOwner
		}
		return id, true
	})
}

func (s *Service) FolderRenamed(owner, oldFolder, newFolder string) {
	s.notifySources(func(l IdentityListener) { l.FolderRenamed(owner, oldFolder, newFolder) })
	s.rekeyStored(func(id task.ID) (task.ID, bool) {
		if id.Owner == owner {
			id.Name = renameFolder(id.Name, oldFolder, newFolder)
		}
		return id, true
	})
}

func (s *Service) FolderRemoved(owner, folder string) {
	s.notifySources(func(l IdentityListener) { l.FolderRemoved(owner, folder) })
	s.rekeyStored(func(id task.ID) (task.ID, bool) {
		return id, !(id.Owner == owner && inFolder(id.Name, folder))
	})
}

func (s *Service) notifySources(fn func(IdentityListener)) {
	touched := false
	for _, src := range s.deps.Sources {
		if l, ok := src.(IdentityListener); ok {
			fn(l)
			touched = true
		}
	}
	if touched {
		s.ReloadSources()
	}
}

// rekeyStored applies fn to every stored task: keep=false removes the task,
// a changed identity re-adds it under the new identity.
func (s *Service) rekeyStored(fn func(task.ID) (task.ID, bool)) {
	ctx := context.Background()
	for _, snap := range s.Tasks() {
		// Earlier iterations may have rewritten this task's dependencies.
		d, ok := s.Task(snap.ID)
		if !ok || d.Source != "" {
			continue
		}
		nid, keep := fn(d.ID)
		switch {
		case !keep:
			if err := s.RemoveTask(ctx, d.ID); err != nil && !errors.Is(err, task.ErrNotFound) {
				s.log.Warn("identity cleanup failed", logx.String("task", d.ID.String()), logx.Err(err))
			}
		case nid != d.ID:
			nd := d.Clone()
			nd.ID = nid
			if _, err := s.AddTask(ctx, nd); err != nil {
				s.log.Warn("identity rename failed", logx.String("task", d.ID.String()), logx.String("to", nid.String()), logx.Err(err))
				continue
			}
			if err := s.RemoveTask(ctx, d.ID); err != nil && !errors.Is(err, task.ErrNotFound) {
				s.log.Warn("identity rename cleanup failed", logx.String("task", d.ID.String()), logx.Err(err))
			}
			s.retargetCompletions(d.ID.String(), nid.String())
		}
	}
}

// retargetCompletions rewrites completion conditions that named oldKey.
func (s *Service) retargetCompletions(oldKey, newKey string) {
	ctx := context.Background()
	for _, d := range s.Tasks() {
		if d.Source != "" || !d.DependsOn(oldKey) {
			continue
		}
		nd := d.Clone()
		for i := range nd.Conditions {
			if strings.EqualFold(nd.Conditions[i].Task, oldKey) {
				nd.Conditions[i].Task = newKey
			}
		}
		if _, err := s.AddTask(ctx, nd); err != nil {
			s.log.Warn("dependency rename failed", logx.String("task", d.ID.String()), logx.Err(err))
		}
	}
}
