package cluster

import (
	"context"
	"strings"
	"sync"
)

// Static is a fixed membership from configuration. The scheduler member is
// named up front; SetScheduler lets an external coordinator (or a test) move
// it.
type Static struct {
	mu        sync.RWMutex
	local     Member
	members   []Member
	scheduler string
}

// NewStatic builds a membership. An empty scheduler name means the local
// member. With no peers the deployment is single-node.
func NewStatic(local Member, peers []Member, scheduler string) *Static {
	ms := []Member{local}
	for _, p := range peers {
		if strings.EqualFold(p.Name, local.Name) {
			continue
		}
		ms = append(ms, p)
	}
	sortMembers(ms)
	if strings.TrimSpace(scheduler) == "" {
		scheduler = local.Name
	}
	return &Static{local: local, members: ms, scheduler: scheduler}
}

func (s *Static) Members(context.Context) ([]Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Member(nil), s.members...), nil
}

func (s *Static) Local() Member { return s.local }

func (s *Static) Scheduler(context.Context) (Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.members {
		if strings.EqualFold(m.Name, s.scheduler) {
			return m, nil
		}
	}
	return Member{}, ErrNoScheduler
}

func (s *Static) Single() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members) == 1
}

func (s *Static) SetScheduler(name string) {
	s.mu.Lock()
	s.scheduler = name
	s.mu.Unlock()
}

// SetMembers replaces the peer list; the local member is always kept.
func (s *Static) SetMembers(peers []Member) {
	ms := []Member{s.local}
	for _, p := range peers {
		if !strings.EqualFold(p.Name, s.local.Name) {
			ms = append(ms, p)
		}
	}
	sortMembers(ms)
	s.mu.Lock()
	s.members = ms
	s.mu.Unlock()
}
