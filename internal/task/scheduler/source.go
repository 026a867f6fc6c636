package scheduler

import (
	"sort"
	"strings"
	"sync"

	"clustersched/internal/task"
)

// TaskSource supplies tasks that do not live in primary storage (for
// example the tasks section of the config file). Its tasks are read-only
// through the control surface.
type TaskSource interface {
	Name() string
	Tasks() []task.Definition
	TasksFor(owner string) []task.Definition
	Contains(id task.ID) bool
	IsEnabled(id task.ID) bool
}

// IdentityListener is notified when owners or their task folders change,
// so that tasks keyed by them can follow.
//
// A folder is the leading "folder/" segment of a task name.
type IdentityListener interface {
	IdentityRemoved(owner string)
	IdentityRenamed(oldOwner, newOwner string)
	FolderRenamed(owner, oldFolder, newFolder string)
	FolderRemoved(owner, folder string)
}

// StaticSource is an in-memory TaskSource, used for config-file tasks.
// It also implements IdentityListener so its keys track identity changes.
type StaticSource struct {
	name string

	mu    sync.RWMutex
	tasks map[string]task.Definition
}

func NewStaticSource(name string, defs []task.Definition) *StaticSource {
	s := &StaticSource{name: name}
	s.Replace(defs)
	return s
}

func (s *StaticSource) Name() string { return s.name }

// Replace swaps the whole task set (config hot reload).
func (s *StaticSource) Replace(defs []task.Definition) {
	m := make(map[string]task.Definition, len(defs))
	for _, d := range defs {
		d = d.Clone()
		d.Source = s.name
		m[d.ID.String()] = d
	}
	s.mu.Lock()
	s.tasks = m
	s.mu.Unlock()
}

func (s *StaticSource) Tasks() []task.Definition {
	return s.filter(func(task.Definition) bool { return true })
}

func (s *StaticSource) TasksFor(owner string) []task.Definition {
	return s.filter(func(d task.Definition) bool { return d.ID.Owner == owner })
}

func (s *StaticSource) Contains(id task.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tasks[id.String()]
	return ok
}

func (s *StaticSource) IsEnabled(id task.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.tasks[id.String()]
	return ok && d.Enabled
}

func (s *StaticSource) filter(keep func(task.Definition) bool) []task.Definition {
	s.mu.RLock()
	out := make([]task.Definition, 0, len(s.tasks))
	for _, d := range s.tasks {
		if keep(d) {
			out = append(out, d.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

func (s *StaticSource) IdentityRemoved(owner string) {
	s.rewrite(func(d task.Definition) (task.Definition, bool) {
		return d, d.ID.Owner != owner
	})
}

func (s *StaticSource) IdentityRenamed(oldOwner, newOwner string) {
	s.rewrite(func(d task.Definition) (task.Definition, bool) {
		if d.ID.Owner == oldOwner {
			d.ID.Owner = newOwner
		}
		return d, true
	})
}

func (s *StaticSource) FolderRenamed(owner, oldFolder, newFolder string) {
	s.rewrite(func(d task.Definition) (task.Definition, bool) {
		if d.ID.Owner == owner {
			d.ID.Name = renameFolder(d.ID.Name, oldFolder, newFolder)
		}
		return d, true
	})
}

func (s *StaticSource) FolderRemoved(owner, folder string) {
	s.rewrite(func(d task.Definition) (task.Definition, bool) {
		return d, !(d.ID.Owner == owner && inFolder(d.ID.Name, folder))
	})
}

func (s *StaticSource) rewrite(fn func(task.Definition) (task.Definition, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]task.Definition, len(s.tasks))
	for _, d := range s.tasks {
		nd, keep := fn(d)
		if keep {
			next[nd.ID.String()] = nd
		}
	}
	s.tasks = next
}

func inFolder(name, folder string) bool {
	folder = strings.Trim(folder, "/")
	return folder != "" && strings.HasPrefix(name, folder+"/")
}

func renameFolder(name, oldFolder, newFolder string) string {
	if !inFolder(name, oldFolder) {
		return name
	}
	rest := strings.TrimPrefix(name, strings.Trim(oldFolder, "/")+"/")
	newFolder = strings.Trim(newFolder, "/")
	if newFolder == "" {
		return rest
	}
	return newFolder + "/" + rest
}
