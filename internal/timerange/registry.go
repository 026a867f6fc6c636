package timerange

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var ErrNameRequired = errors.New("time range name required")

// Registry is a read-mostly ordered set of TimeRange keyed by name.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]TimeRange
	sorted []TimeRange
	ver    uint64
}

// NewRegistry builds a registry from ranges. Ranges with a blank name are
// skipped; use Replace to have them rejected.
func NewRegistry(ranges ...TimeRange) *Registry {
	r := &Registry{byName: map[string]TimeRange{}}
	for _, tr := range ranges {
		tr.Name = strings.TrimSpace(tr.Name)
		if tr.Name != "" {
			r.byName[tr.Name] = tr
		}
	}
	r.rebuildLocked()
	return r
}

// TimeRanges returns a sorted snapshot. The slice is owned by the caller.
func (r *Registry) TimeRanges() []TimeRange {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]TimeRange, len(r.sorted))
	copy(out, r.sorted)
	r.mu.RUnlock()
	return out
}

func (r *Registry) Get(name string) (TimeRange, bool) {
	if r == nil {
		return TimeRange{}, false
	}
	r.mu.RLock()
	tr, ok := r.byName[strings.TrimSpace(name)]
	r.mu.RUnlock()
	return tr, ok
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	n := len(r.sorted)
	r.mu.RUnlock()
	return n
}

// Version increments on every mutation; callers use it to detect changes.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	v := r.ver
	r.mu.RUnlock()
	return v
}

// Put inserts or replaces a range.
func (r *Registry) Put(tr TimeRange) error {
	tr.Name = strings.TrimSpace(tr.Name)
	if tr.Name == "" {
		return ErrNameRequired
	}
	r.mu.Lock()
	r.byName[tr.Name] = tr
	r.rebuildLocked()
	r.mu.Unlock()
	return nil
}

// Remove deletes a range by name. It reports whether it existed.
func (r *Registry) Remove(name string) bool {
	name = strings.TrimSpace(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		return false
	}
	delete(r.byName, name)
	r.rebuildLocked()
	return true
}

// Replace swaps the whole catalogue atomically (config reload).
func (r *Registry) Replace(ranges []TimeRange) error {
	m := make(map[string]TimeRange, len(ranges))
	for _, tr := range ranges {
		tr.Name = strings.TrimSpace(tr.Name)
		if tr.Name == "" {
			return ErrNameRequired
		}
		m[tr.Name] = tr
	}
	r.mu.Lock()
	r.byName = m
	r.rebuildLocked()
	r.mu.Unlock()
	return nil
}

// Default returns the range flagged Default, if any.
func (r *Registry) Default() (TimeRange, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tr := range r.sorted {
		if tr.Default {
			return tr, true
		}
	}
	return TimeRange{}, false
}

func (r *Registry) rebuildLocked() {
	s := make([]TimeRange, 0, len(r.byName))
	for _, tr := range r.byName {
		s = append(s, tr)
	}
	sort.Slice(s, func(i, j int) bool { return less(s[i], s[j]) })
	r.sorted = s
	r.ver++
}
