package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clustersched/internal/condition"
	"clustersched/internal/config"
	"clustersched/internal/task"
)

func writeConfig(t *testing.T, cfg *config.Config) string {
	t.Helper()
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "clustersched.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func baseConfig(t *testing.T) *config.Config {
	return &config.Config{
		Node:      config.NodeConfig{Name: "n1"},
		Logging:   config.LoggingConfig{Level: "error"},
		Scheduler: config.SchedulerConfig{Tick: "50ms", Timezone: "UTC"},
		Storage:   config.StorageConfig{Driver: "file", Path: filepath.Join(t.TempDir(), "store")},
		Control:   config.ControlConfig{Enabled: true, Addr: "127.0.0.1:0"},
		TimeRanges: []config.TimeRangeConfig{
			{Name: "morning", Start: "09:00", Default: true},
		},
		Tasks: []config.TaskConfig{
			{ID: "ops/nightly", Cron: []string{"0 2 * * *"}, Action: "log:nightly"},
			{ID: "ops/after", After: []string{"nightly"}, Action: "log:after"},
		},
	}
}

func TestMapTasks(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Tasks = append(cfg.Tasks, config.TaskConfig{
		ID: "bob/report", TimeRange: "morning", Timeout: "30s", Action: "shell:true",
		Enabled: new(bool),
	})
	defs, err := mapTasks(cfg)
	if err != nil {
		t.Fatalf("mapTasks: %v", err)
	}
	if len(defs) != 3 {
		t.Fatalf("got %d defs", len(defs))
	}
	nightly := defs[0]
	if nightly.ID != (task.ID{Owner: "ops", Name: "nightly"}) || !nightly.Enabled || nightly.Source != configSource {
		t.Fatalf("nightly = %+v", nightly)
	}
	if len(nightly.Conditions) != 1 || nightly.Conditions[0].Kind != condition.KindCron {
		t.Fatalf("nightly conditions = %+v", nightly.Conditions)
	}
	after := defs[1]
	if len(after.Conditions) != 1 || after.Conditions[0].Kind != condition.KindCompletion || after.Conditions[0].Task != "nightly" {
		t.Fatalf("after conditions = %+v", after.Conditions)
	}
	report := defs[2]
	if report.Enabled || report.Timeout != 30*time.Second || report.TimeRange != "morning" {
		t.Fatalf("report = %+v", report)
	}
}

func TestValidateConfigRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		mut  func(*config.Config)
		want string
	}{
		{"bad tick", func(c *config.Config) { c.Scheduler.Tick = "often" }, "scheduler.tick"},
		{"bad timezone", func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"bad clock", func(c *config.Config) { c.TimeRanges[0].Start = "25:00" }, "time_ranges[0]"},
		{"two defaults", func(c *config.Config) {
			c.TimeRanges = append(c.TimeRanges, config.TimeRangeConfig{Name: "noon", Start: "12:00", Default: true})
		}, "default"},
		{"unknown range", func(c *config.Config) { c.Tasks[0].TimeRange = "evening" }, "unknown time_range"},
		{"duplicate task", func(c *config.Config) { c.Tasks[1].ID = c.Tasks[0].ID }, "duplicate id"},
		{"unknown storage", func(c *config.Config) { c.Storage.Driver = "etcd" }, "storage.driver"},
		{"sqlite without path", func(c *config.Config) { c.Storage = config.StorageConfig{Driver: "sqlite"} }, "storage.path"},
		{"redis without addrs", func(c *config.Config) { c.Cluster.Membership = "redis" }, "cluster.redis.addrs"},
		{"unknown transport", func(c *config.Config) { c.Replication.Transport = "carrier-pigeon" }, "replication.transport"},
		{"peers without advertise", func(c *config.Config) {
			c.Cluster.Peers = []config.PeerConfig{{Name: "n2", Addr: "http://n2:7070"}}
		}, "node.advertise"},
		{"bad role poll", func(c *config.Config) { c.Cluster.RolePoll = "soon" }, "cluster.role_poll"},
		{"negative workers", func(c *config.Config) { c.Engine.Workers = -1 }, "engine.workers"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig(t)
			tc.mut(cfg)
			err := validateConfig(context.Background(), cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}

	if err := validateConfig(context.Background(), baseConfig(t)); err != nil {
		t.Fatalf("base config rejected: %v", err)
	}
}

func TestAppSingleNodeLifecycle(t *testing.T) {
	cfg := baseConfig(t)
	a, err := New(writeConfig(t, cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopAppStop)
	}()

	f := a.Facade()
	if ok, err := f.Ping(ctx); !ok || err != nil {
		t.Fatalf("Ping = %v, %v", ok, err)
	}
	if f.IsCluster() {
		t.Fatalf("single node reported as cluster")
	}

	// Config tasks are read-only.
	if _, err := f.AddTask(ctx, task.Definition{ID: task.ID{Owner: "ops", Name: "nightly"}, Enabled: true}, "ops"); err == nil {
		t.Fatalf("overwriting a config task should fail")
	}
	added, err := f.AddTask(ctx, task.Definition{ID: task.ID{Owner: "bob", Name: "adhoc"}, Enabled: true, Action: "log:hi"}, "bob")
	if err != nil || !added {
		t.Fatalf("AddTask = %v, %v", added, err)
	}
	acts, err := f.ScheduleActivities(ctx)
	if err != nil {
		t.Fatalf("ScheduleActivities: %v", err)
	}
	if len(acts) != 3 {
		t.Fatalf("got %d activities, want 3", len(acts))
	}

	// The control server is up and serves metrics from the app registry.
	deadline := time.Now().Add(2 * time.Second)
	for a.server.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + a.server.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics status %d", resp.StatusCode)
	}
}

func TestApplyReloadsRangesAndTasks(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Control.Enabled = false
	a, err := New(writeConfig(t, cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopAppStop)
	}()

	next := *cfg
	next.TimeRanges = append([]config.TimeRangeConfig{}, cfg.TimeRanges...)
	next.TimeRanges = append(next.TimeRanges, config.TimeRangeConfig{Name: "evening", Start: "18:30"})
	next.Tasks = []config.TaskConfig{
		{ID: "ops/nightly", Cron: []string{"0 3 * * *"}, Action: "log:nightly", TimeRange: "evening"},
	}
	a.apply(cfg, &next)

	if a.ranges.Len() != 2 {
		t.Fatalf("ranges = %d, want 2", a.ranges.Len())
	}
	if _, ok := a.sched.Task(task.ID{Owner: "ops", Name: "after"}); ok {
		t.Fatalf("removed config task still scheduled")
	}
	d, ok := a.sched.Task(task.ID{Owner: "ops", Name: "nightly"})
	if !ok || d.TimeRange != "evening" {
		t.Fatalf("nightly = %+v, %v", d, ok)
	}
}
