package replication

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"clustersched/internal/task"
	logx "clustersched/pkg/logx"
)

func newNode(t *testing.T, name string, hub *MemoryHub) *Replicator {
	t.Helper()
	r := New(Config{Node: name}, hub, logx.Nop())
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start(%s): %v", name, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.Stop(ctx)
	})
	return r
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func def(name string) task.Definition {
	return task.Definition{ID: task.ID{Name: name}, Enabled: true}
}

func TestAddedThenRemovedLeavesTaskAbsent(t *testing.T) {
	t.Parallel()
	hub := NewMemoryHub(0)
	a := newNode(t, "a", hub)
	b := newNode(t, "b", hub)

	a.TaskAdded(def("report"))
	a.TaskRemoved("report")
	a.TaskAdded(def("marker"))

	eventually(t, "marker on b", func() bool { _, ok := b.Model().Task("marker"); return ok })
	if _, ok := b.Model().Task("report"); ok {
		t.Fatal("removed task still present on b")
	}
	if _, ok := a.Model().Task("report"); ok {
		t.Fatal("removed task still present on a")
	}
}

func TestRemovedUnknownIsNoOp(t *testing.T) {
	t.Parallel()
	r := New(Config{Node: "self"}, nil, logx.Nop())
	before := r.Model().Version()
	ok := r.Apply(Envelope{Sender: "peer", Epoch: "e", Seq: 1, Kind: KindTaskChange,
		TaskChange: &TaskChange{Task: "ghost", Action: ActionRemoved}})
	if !ok {
		t.Fatal("Apply rejected a fresh envelope")
	}
	if r.Model().Len() != 0 || r.Model().Version() != before {
		t.Fatal("REMOVED of unknown task changed the replica")
	}
}

func TestApplyUpsertsAndIgnoresStaleAndSelf(t *testing.T) {
	t.Parallel()
	r := New(Config{Node: "self"}, nil, logx.Nop())
	d := def("t")
	env := func(seq uint64, node string) Envelope {
		d.Node = node
		cp := d
		return Envelope{Sender: "peer", Epoch: "e1", Seq: seq, Kind: KindTaskChange,
			TaskChange: &TaskChange{Task: "t", Def: &cp, Action: ActionModified}}
	}

	tests := []struct {
		name     string
		env      Envelope
		applied  bool
		wantNode string
	}{
		{name: "first", env: env(1, "n1"), applied: true, wantNode: "n1"},
		{name: "newer", env: env(2, "n2"), applied: true, wantNode: "n2"},
		{name: "replayed", env: env(2, "n3"), applied: false, wantNode: "n2"},
		{name: "self", env: func() Envelope { e := env(9, "n4"); e.Sender = "self"; return e }(), applied: false, wantNode: "n2"},
		{name: "sender restarted", env: func() Envelope { e := env(1, "n5"); e.Epoch = "e2"; return e }(), applied: true, wantNode: "n5"},
	}
	for _, tt := range tests {
		if got := r.Apply(tt.env); got != tt.applied {
			t.Fatalf("%s: Apply = %v, want %v", tt.name, got, tt.applied)
		}
		got, _ := r.Model().Task("t")
		if got.Node != tt.wantNode {
			t.Fatalf("%s: node = %q, want %q", tt.name, got.Node, tt.wantNode)
		}
	}
}

func TestSameSenderOrderPreserved(t *testing.T) {
	t.Parallel()
	hub := NewMemoryHub(0)
	a := newNode(t, "a", hub)
	b := newNode(t, "b", hub)

	const n = 100
	for i := 0; i < n; i++ {
		a.PublishActivityChange(ActivityChange{Task: "job", Activity: task.Activity{Task: "job", Attempts: i}})
	}
	eventually(t, "last activity on b", func() bool {
		act, ok := b.Model().Activity("job")
		return ok && act.Attempts == n-1
	})
	if got := b.Stats().Ignored; got != 0 {
		t.Fatalf("b ignored %d envelopes from an in-order sender", got)
	}
}

func TestSnapshotReplacesReplica(t *testing.T) {
	t.Parallel()
	hub := NewMemoryHub(0)
	a := newNode(t, "a", hub)
	b := newNode(t, "b", hub)

	b.Apply(Envelope{Sender: "old", Epoch: "x", Seq: 1, Kind: KindTaskChange,
		TaskChange: &TaskChange{Task: "stale", Def: ptr(def("stale")), Action: ActionAdded}})

	tasks := make([]task.Definition, 0, 3)
	for i := 0; i < 3; i++ {
		tasks = append(tasks, def(fmt.Sprintf("t%d", i)))
	}
	a.PublishSnapshot(Snapshot{Tasks: tasks, Activities: []task.Activity{{Task: "t0", LastStatus: task.StatusFinished}}})

	eventually(t, "snapshot on b", func() bool { return b.Model().Len() == 3 })
	if _, ok := b.Model().Task("stale"); ok {
		t.Fatal("snapshot did not replace stale task")
	}
	if act, ok := b.Model().Activity("t0"); !ok || act.LastStatus != task.StatusFinished {
		t.Fatalf("activity = %+v,%v", act, ok)
	}
}

type failingTransport struct{ *MemoryHub }

func (f *failingTransport) Publish(context.Context, []byte) error { return errors.New("link down") }

func TestDeliveryFailureKeepsLocalApply(t *testing.T) {
	t.Parallel()
	tr := &failingTransport{MemoryHub: NewMemoryHub(0)}
	r := New(Config{Node: "a"}, tr, logx.Nop())
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(context.Background())

	r.TaskAdded(def("local"))
	if _, ok := r.Model().Task("local"); !ok {
		t.Fatal("local apply missing")
	}
	eventually(t, "drop counted", func() bool { return r.Stats().Dropped == 1 })
}

func TestDecodeRejectsMalformed(t *testing.T) {
	t.Parallel()
	tests := []string{
		`not json`,
		`{"kind":"task_change"}`,
		`{"kind":"weird","sender":"a"}`,
	}
	for _, in := range tests {
		if _, err := Decode([]byte(in)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Decode(%q) err = %v", in, err)
		}
	}
	b, err := Encode(Envelope{Sender: "a", Seq: 3, Kind: KindActivityChange, ActivityChange: &ActivityChange{Task: "x"}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if env, err := Decode(b); err != nil || env.Seq != 3 || env.ActivityChange.Task != "x" {
		t.Fatalf("Decode = %+v, %v", env, err)
	}
}

func ptr[T any](v T) *T { return &v }
