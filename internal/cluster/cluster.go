// Package cluster exposes the membership facts the scheduler consumes:
// who is alive and which member hosts the active scheduler. Election is
// somebody else's job; implementations only read (and announce) state.
package cluster

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

var ErrNoScheduler = errors.New("no scheduler member")

// Member is one node of the cluster.
type Member struct {
	Name string `json:"name"`
	// Addr is the base URL of the member's control server.
	Addr string `json:"addr,omitempty"`
	// Worker reports whether the member accepts balanced task executions.
	Worker bool      `json:"worker"`
	Seen   time.Time `json:"seen,omitempty"`
}

type Membership interface {
	// Members returns the live members sorted by name.
	Members(ctx context.Context) ([]Member, error)
	Local() Member
	// Scheduler returns the member hosting the active scheduler.
	Scheduler(ctx context.Context) (Member, error)
	// Single reports a single-node deployment, which never fans out.
	Single() bool
}

// LocalIsScheduler reports whether the local member hosts the scheduler.
func LocalIsScheduler(ctx context.Context, m Membership) bool {
	if m.Single() {
		return true
	}
	s, err := m.Scheduler(ctx)
	return err == nil && strings.EqualFold(s.Name, m.Local().Name)
}

// Workers returns the names of the live members that accept work.
func Workers(ctx context.Context, m Membership) ([]string, error) {
	ms, err := m.Members(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ms))
	for _, mb := range ms {
		if mb.Worker {
			out = append(out, mb.Name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func sortMembers(ms []Member) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].Name < ms[j].Name })
}
