package balancer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"clustersched/internal/cluster"
	"clustersched/internal/task"
	"clustersched/internal/timerange"
	logx "clustersched/pkg/logx"
)

type memTasks struct {
	mu       sync.Mutex
	defs     map[string]task.Definition
	fail     map[string]bool
	reassign int
	// entered and block, when set, hold TasksInRange until block closes.
	entered chan struct{}
	block   chan struct{}
}

func newMemTasks(defs ...task.Definition) *memTasks {
	m := &memTasks{defs: map[string]task.Definition{}, fail: map[string]bool{}}
	for _, d := range defs {
		m.defs[d.ID.String()] = d
	}
	return m
}

func (m *memTasks) TasksInRange(name string) []task.Definition {
	if m.block != nil {
		m.entered <- struct{}{}
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Definition
	for _, d := range m.defs {
		if d.Enabled && d.TimeRange == name {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

func (m *memTasks) Reassign(ctx context.Context, id task.ID, node string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[id.String()]
	if !ok {
		return task.ErrNotFound
	}
	if m.fail[d.TimeRange] {
		return errors.New("store unavailable")
	}
	d.Node = node
	m.defs[id.String()] = d
	m.reassign++
	return nil
}

func (m *memTasks) load() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{}
	for _, d := range m.defs {
		out[d.Node]++
	}
	return out
}

func rangeTasks(rng string, n int, node string) []task.Definition {
	out := make([]task.Definition, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, task.Definition{
			ID:        task.ID{Name: fmt.Sprintf("%s-%02d", rng, i)},
			Enabled:   true,
			TimeRange: rng,
			Node:      node,
		})
	}
	return out
}

func TestPlanIsFair(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		tasks int
		nodes []string
	}{
		{"even", 6, []string{"a", "b", "c"}},
		{"uneven", 7, []string{"a", "b", "c"}},
		{"fewer tasks than nodes", 2, []string{"a", "b", "c", "d"}},
		{"single node", 5, []string{"a"}},
		{"empty", 0, []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defs := rangeTasks("r", tt.tasks, "")
			plan := Plan(defs, tt.nodes)
			if len(plan) != tt.tasks {
				t.Fatalf("plan covers %d tasks, want %d", len(plan), tt.tasks)
			}
			load := map[string]int{}
			for _, n := range plan {
				load[n]++
			}
			lo, hi := tt.tasks/len(tt.nodes), (tt.tasks+len(tt.nodes)-1)/len(tt.nodes)
			for _, n := range tt.nodes {
				if load[n] < lo || load[n] > hi {
					t.Fatalf("node %s has %d tasks, want %d..%d (%v)", n, load[n], lo, hi, load)
				}
			}
		})
	}
}

func TestPlanKeepsFairAssignments(t *testing.T) {
	t.Parallel()
	defs := []task.Definition{
		{ID: task.ID{Name: "t1"}, Node: "a"},
		{ID: task.ID{Name: "t2"}, Node: "b"},
		{ID: task.ID{Name: "t3"}, Node: "a"},
		{ID: task.ID{Name: "t4"}, Node: "gone"},
		{ID: task.ID{Name: "t5"}, Node: "a"},
	}
	plan := Plan(defs, []string{"a", "b", "c"})
	for _, key := range []string{"t1", "t2", "t3"} {
		want := "a"
		if key == "t2" {
			want = "b"
		}
		if plan[key] != want {
			t.Fatalf("%s moved to %s, want it kept on %s", key, plan[key], want)
		}
	}
	if plan["t4"] == "gone" {
		t.Fatal("task kept on a dead node")
	}
	if plan["t5"] == "a" {
		t.Fatal("overloaded node kept a third task")
	}
}

func TestBalanceTwiceMovesNothing(t *testing.T) {
	t.Parallel()
	tasks := newMemTasks(rangeTasks("morning", 7, "a")...)
	b := New(tasks, timerange.NewRegistry(), cluster.NewStatic(cluster.Member{Name: "a", Worker: true}, nil, ""), logx.Nop())
	rng := timerange.TimeRange{Name: "morning", Start: timerange.NewClock(9, 0, 0)}
	nodes := []string{"a", "b", "c"}

	res, err := b.Balance(context.Background(), rng, nodes)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if len(res.Moves) != 4 {
		t.Fatalf("first balance moved %d tasks, want 4", len(res.Moves))
	}
	load := tasks.load()
	for _, n := range nodes {
		if load[n] < 2 || load[n] > 3 {
			t.Fatalf("load after balance = %v", load)
		}
	}

	res, err = b.Balance(context.Background(), rng, nodes)
	if err != nil {
		t.Fatalf("second Balance: %v", err)
	}
	if len(res.Moves) != 0 {
		t.Fatalf("second balance moved %v", res.Moves)
	}
}

func TestBalanceWithoutNodes(t *testing.T) {
	t.Parallel()
	b := New(newMemTasks(), timerange.NewRegistry(), cluster.NewStatic(cluster.Member{Name: "a"}, nil, ""), logx.Nop())
	_, err := b.Balance(context.Background(), timerange.TimeRange{Name: "r"}, nil)
	if !errors.Is(err, ErrNoNodes) {
		t.Fatalf("err = %v, want ErrNoNodes", err)
	}
}

func TestPassIsolatesFailingRange(t *testing.T) {
	t.Parallel()
	defs := append(rangeTasks("good", 4, ""), rangeTasks("bad", 4, "")...)
	tasks := newMemTasks(defs...)
	tasks.fail["bad"] = true

	ranges := timerange.NewRegistry(
		timerange.TimeRange{Name: "good", Start: timerange.NewClock(9, 0, 0)},
		timerange.TimeRange{Name: "bad", Start: timerange.NewClock(9, 5, 0)},
		timerange.TimeRange{Name: "later", Start: timerange.NewClock(15, 0, 0)},
	)
	members := cluster.NewStatic(cluster.Member{Name: "a", Worker: true}, []cluster.Member{{Name: "b", Worker: true}}, "")
	b := New(tasks, ranges, members, logx.Nop())

	err := b.Pass(context.Background(), time.Date(2024, 6, 10, 8, 55, 0, 0, time.UTC))
	if err == nil {
		t.Fatal("Pass hid the failing range")
	}
	good := 0
	for _, d := range tasks.TasksInRange("good") {
		if d.Node != "" {
			good++
		}
	}
	if good != 4 {
		t.Fatalf("good range assigned %d of 4 tasks", good)
	}
}

func TestBalanceSkipsRangeInFlight(t *testing.T) {
	t.Parallel()
	tasks := newMemTasks(rangeTasks("r", 2, "")...)
	tasks.entered = make(chan struct{}, 1)
	tasks.block = make(chan struct{})
	b := New(tasks, timerange.NewRegistry(), cluster.NewStatic(cluster.Member{Name: "a"}, nil, ""), logx.Nop())
	rng := timerange.TimeRange{Name: "r"}

	done := make(chan error, 1)
	go func() {
		_, err := b.Balance(context.Background(), rng, []string{"a"})
		done <- err
	}()
	<-tasks.entered

	if _, err := b.Balance(context.Background(), rng, []string{"a"}); !errors.Is(err, ErrInFlight) {
		t.Fatalf("concurrent Balance err = %v, want ErrInFlight", err)
	}
	close(tasks.block)
	if err := <-done; err != nil {
		t.Fatalf("first Balance: %v", err)
	}
	if s := b.Stats(); s.Skipped == 0 {
		t.Fatalf("stats = %+v", s)
	}
}
