package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clustersched/internal/cluster"
	"clustersched/internal/condition"
	"clustersched/internal/replication"
	"clustersched/internal/task"
	"clustersched/internal/task/engine"
	"clustersched/internal/timerange"
	logx "clustersched/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recorder struct {
	mu   sync.Mutex
	runs map[string]int
	ch   chan string
}

func newRecorder() *recorder {
	return &recorder{runs: map[string]int{}, ch: make(chan string, 64)}
}

func (r *recorder) Execute(ctx context.Context, def task.Definition, principal string) error {
	r.mu.Lock()
	r.runs[def.ID.String()]++
	r.mu.Unlock()
	r.ch <- def.ID.String()
	return nil
}

func (r *recorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[key]
}

type fixture struct {
	svc   *Service
	clock *fakeClock
	exec  *recorder
	repl  *replication.Replicator
}

func newFixture(t *testing.T, deps Deps) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 6, 10, 10, 0, 0, 0, time.UTC)}
	rec := newRecorder()
	if deps.Engine == nil {
		deps.Engine = engine.New(engine.Config{Workers: 2, CircuitTripFailures: -1}, logx.Nop())
	}
	if deps.Executor == nil {
		deps.Executor = rec
	}
	svc := New(Config{
		Node:          "n1",
		Tick:          time.Hour,
		Location:      time.UTC,
		SnapshotEvery: -1,
		BalancerPoll:  time.Hour,
		Now:           clock.Now,
	}, deps, logx.Nop())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return &fixture{svc: svc, clock: clock, exec: rec, repl: deps.Replicator}
}

func (f *fixture) waitRun(t *testing.T, key string) {
	t.Helper()
	select {
	case got := <-f.exec.ch:
		if got != key {
			t.Fatalf("ran %q, want %q", got, key)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s to run", key)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func cronTask(name, spec string) task.Definition {
	return task.Definition{
		ID:         task.ID{Name: name},
		Enabled:    true,
		Conditions: []condition.Spec{{Kind: condition.KindCron, Cron: spec}},
	}
}

func TestCronTaskFiresWhenDue(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Deps{})
	ctx := context.Background()

	if _, err := f.svc.AddTask(ctx, cronTask("every5", "*/5 * * * *")); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	f.clock.Set(time.Date(2024, 6, 10, 10, 3, 0, 0, time.UTC))
	f.svc.Tick(ctx)
	if f.exec.count("every5") != 0 {
		t.Fatal("fired before the schedule instant")
	}

	f.clock.Set(time.Date(2024, 6, 10, 10, 5, 0, 0, time.UTC))
	f.svc.Tick(ctx)
	f.waitRun(t, "every5")

	eventually(t, "finished activity", func() bool {
		act, ok := f.svc.Activity(task.ID{Name: "every5"})
		return ok && act.LastStatus == task.StatusFinished && !act.Running
	})
	act, _ := f.svc.Activity(task.ID{Name: "every5"})
	if want := time.Date(2024, 6, 10, 10, 10, 0, 0, time.UTC); !act.NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", act.NextRun, want)
	}
}

func TestDisabledTaskNeverFires(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Deps{})
	ctx := context.Background()

	d := cronTask("off", "* * * * *")
	d.Enabled = false
	if _, err := f.svc.AddTask(ctx, d); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	for i := 1; i <= 3; i++ {
		f.clock.Set(time.Date(2024, 6, 10, 10, i, 0, 0, time.UTC))
		f.svc.Tick(ctx)
	}
	time.Sleep(20 * time.Millisecond)
	if n := f.exec.count("off"); n != 0 {
		t.Fatalf("disabled task ran %d times", n)
	}
}

func TestCompletionFiresDependentOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Deps{})
	ctx := context.Background()

	extract := task.Definition{ID: task.ID{Name: "extract"}, Enabled: true}
	load := task.Definition{ID: task.ID{Name: "load"}, Enabled: true,
		Conditions: []condition.Spec{{Kind: condition.KindCompletion, Task: "extract"}}}
	for _, d := range []task.Definition{extract, load} {
		if _, err := f.svc.AddTask(ctx, d); err != nil {
			t.Fatalf("AddTask(%s): %v", d.ID, err)
		}
	}

	f.svc.Tick(ctx)
	if f.exec.count("load") != 0 {
		t.Fatal("dependent fired before its dependency finished")
	}

	if _, err := f.svc.RunNow(ctx, extract.ID, "alice"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	f.waitRun(t, "extract")
	eventually(t, "extract finished", func() bool {
		act, _ := f.svc.Activity(extract.ID)
		return act.LastStatus == task.StatusFinished
	})

	f.svc.Tick(ctx)
	f.waitRun(t, "load")
	eventually(t, "load finished", func() bool {
		act, _ := f.svc.Activity(load.ID)
		return act.LastStatus == task.StatusFinished
	})
	f.svc.Tick(ctx)
	f.svc.Tick(ctx)
	time.Sleep(20 * time.Millisecond)
	if n := f.exec.count("load"); n != 1 {
		t.Fatalf("dependent ran %d times, want 1", n)
	}
}

func TestStopNowCancelsRun(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, def task.Definition, principal string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	f := newFixture(t, Deps{Executor: exec})
	ctx := context.Background()
	id := task.ID{Name: "slow"}

	if err := f.svc.StopNow(id); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("StopNow idle err = %v", err)
	}
	if _, err := f.svc.AddTask(ctx, task.Definition{ID: id, Enabled: true}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if _, err := f.svc.RunNow(ctx, id, ""); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	<-started
	if err := f.svc.StopNow(id); err != nil {
		t.Fatalf("StopNow: %v", err)
	}
	eventually(t, "cancelled activity", func() bool {
		act, _ := f.svc.Activity(id)
		return act.LastStatus == task.StatusCancelled
	})
}

func TestMutationsReplicate(t *testing.T) {
	t.Parallel()
	hub := replication.NewMemoryHub(0)
	local := replication.New(replication.Config{Node: "n1"}, hub, logx.Nop())
	peer := replication.New(replication.Config{Node: "n2"}, hub, logx.Nop())
	for _, r := range []*replication.Replicator{local, peer} {
		if err := r.Start(context.Background()); err != nil {
			t.Fatalf("replicator Start: %v", err)
		}
		t.Cleanup(func() { r.Stop(context.Background()) })
	}
	f := newFixture(t, Deps{Replicator: local})
	ctx := context.Background()

	d := cronTask("report", "0 9 * * *")
	if _, err := f.svc.AddTask(ctx, d); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	eventually(t, "peer sees task", func() bool { _, ok := peer.Model().Task("report"); return ok })

	if err := f.svc.RemoveTask(ctx, d.ID); err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}
	eventually(t, "peer drops task", func() bool { _, ok := peer.Model().Task("report"); return !ok })

	if err := f.svc.RemoveTask(ctx, d.ID); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("second RemoveTask err = %v", err)
	}
}

func TestSourceTasksAreReadOnlyAndReload(t *testing.T) {
	t.Parallel()
	src := NewStaticSource("config", []task.Definition{cronTask("nightly", "0 2 * * *")})
	f := newFixture(t, Deps{Sources: []TaskSource{src}})
	ctx := context.Background()

	got, ok := f.svc.Task(task.ID{Name: "nightly"})
	if !ok || got.Source != "config" {
		t.Fatalf("source task = %+v, %v", got, ok)
	}
	if err := f.svc.RemoveTask(ctx, got.ID); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("RemoveTask(source) err = %v", err)
	}
	if _, err := f.svc.AddTask(ctx, cronTask("nightly", "0 3 * * *")); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("AddTask over source err = %v", err)
	}

	src.Replace([]task.Definition{cronTask("hourly", "0 * * * *")})
	f.svc.ReloadSources()
	if _, ok := f.svc.Task(task.ID{Name: "nightly"}); ok {
		t.Fatal("task dropped from source still scheduled")
	}
	if _, ok := f.svc.Task(task.ID{Name: "hourly"}); !ok {
		t.Fatal("task added to source not scheduled")
	}
}

func TestIdentityRenameRekeysTasks(t *testing.T) {
	t.Parallel()
	src := NewStaticSource("config", []task.Definition{{ID: task.ID{Owner: "bob", Name: "reports/weekly"}, Enabled: true}})
	f := newFixture(t, Deps{Sources: []TaskSource{src}})
	ctx := context.Background()

	up := task.Definition{ID: task.ID{Owner: "bob", Name: "extract"}, Enabled: true}
	down := task.Definition{ID: task.ID{Owner: "bob", Name: "load"}, Enabled: true,
		Conditions: []condition.Spec{{Kind: condition.KindCompletion, Task: "bob/extract"}}}
	for _, d := range []task.Definition{up, down} {
		if _, err := f.svc.AddTask(ctx, d); err != nil {
			t.Fatalf("AddTask: %v", err)
		}
	}

	f.svc.IdentityRenamed("bob", "robert")
	if _, ok := f.svc.Task(up.ID); ok {
		t.Fatal("old identity still present")
	}
	nd, ok := f.svc.Task(task.ID{Owner: "robert", Name: "load"})
	if !ok || !nd.DependsOn("robert/extract") {
		t.Fatalf("renamed dependent = %+v, %v", nd, ok)
	}
	if _, ok := f.svc.Task(task.ID{Owner: "robert", Name: "reports/weekly"}); !ok {
		t.Fatal("source task not renamed")
	}

	f.svc.FolderRemoved("robert", "reports")
	if _, ok := f.svc.Task(task.ID{Owner: "robert", Name: "reports/weekly"}); ok {
		t.Fatal("folder removal kept the source task")
	}

	f.svc.IdentityRemoved("robert")
	if n := len(f.svc.Tasks()); n != 0 {
		t.Fatalf("tasks after identity removal = %d", n)
	}
}

type countingBalancer struct{ passes atomic.Int32 }

func (b *countingBalancer) Pass(ctx context.Context, now time.Time) error {
	b.passes.Add(1)
	return nil
}

func TestBalancerLoopRunsNearRangeStart(t *testing.T) {
	t.Parallel()
	ranges := timerange.NewRegistry(timerange.TimeRange{Name: "morning", Start: timerange.NewClock(9, 0, 0)})
	clock := &fakeClock{now: time.Date(2024, 6, 10, 8, 55, 0, 0, time.UTC)}
	bal := &countingBalancer{}

	svc := New(Config{Node: "n1", Tick: time.Hour, Location: time.UTC, SnapshotEvery: -1, BalancerPoll: 10 * time.Millisecond, Now: clock.Now},
		Deps{Ranges: ranges, Engine: engine.New(engine.Config{}, logx.Nop())}, logx.Nop())
	svc.SetBalancer(bal)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop(context.Background())

	eventually(t, "balancer pass", func() bool { return bal.passes.Load() > 0 })

	clock.Set(time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC))
	time.Sleep(30 * time.Millisecond)
	n := bal.passes.Load()
	time.Sleep(50 * time.Millisecond)
	if bal.passes.Load() != n {
		t.Fatal("balancer kept running outside the proximity window")
	}
}

func TestRunNowUnknownTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Deps{})
	if _, err := f.svc.RunNow(context.Background(), task.ID{Name: "nope"}, ""); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestRemoveTaskForgetsWarningBuckets(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Deps{})
	ctx := context.Background()
	d := cronTask("noisy", "0 3 * * *")
	if _, err := f.svc.AddTask(ctx, d); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	key := d.ID.String()
	f.svc.warn.Allow(key)
	f.svc.warn.Allow("submit:" + key)
	before := f.svc.warn.Len()
	if before < 2 {
		t.Fatalf("buckets = %d, want at least 2", before)
	}
	if err := f.svc.RemoveTask(ctx, d.ID); err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}
	if got := f.svc.warn.Len(); got != before-2 {
		t.Fatalf("buckets after remove = %d, want %d", got, before-2)
	}
}

func TestTickSkippedWhileRoleHeldElsewhere(t *testing.T) {
	t.Parallel()
	members := cluster.NewStatic(
		cluster.Member{Name: "n1", Worker: true},
		[]cluster.Member{{Name: "n2", Worker: true}},
		"n2",
	)
	f := newFixture(t, Deps{Members: members})
	ctx := context.Background()

	if _, err := f.svc.AddTask(ctx, cronTask("every5", "*/5 * * * *")); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	f.clock.Set(time.Date(2024, 6, 10, 10, 5, 0, 0, time.UTC))
	f.svc.Tick(ctx)
	time.Sleep(20 * time.Millisecond)
	if f.exec.count("every5") != 0 {
		t.Fatal("fired while another member holds the scheduler role")
	}

	members.SetScheduler("n1")
	f.svc.Tick(ctx)
	f.waitRun(t, "every5")
}
