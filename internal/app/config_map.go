package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"clustersched/internal/cluster"
	"clustersched/internal/condition"
	"clustersched/internal/config"
	"clustersched/internal/control"
	"clustersched/internal/executor"
	"clustersched/internal/replication"
	"clustersched/internal/storage"
	"clustersched/internal/task"
	"clustersched/internal/task/engine"
	"clustersched/internal/task/scheduler"
	"clustersched/internal/timerange"
	logx "clustersched/pkg/logx"
)

// configSource names the task source backed by config.tasks.
const configSource = "config"

func nodeName(cfg *config.Config) string {
	if n := strings.TrimSpace(cfg.Node.Name); n != "" {
		return n
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "local"
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	switch {
	case ec.Workers < 0:
		return engine.Config{}, fmt.Errorf("engine.workers must be >= 0")
	case ec.QueueSize < 0:
		return engine.Config{}, fmt.Errorf("engine.queue_size must be >= 0")
	case ec.HistorySize < 0:
		return engine.Config{}, fmt.Errorf("engine.history_size must be >= 0")
	case ec.RetryMax < 0:
		return engine.Config{}, fmt.Errorf("engine.retry_max must be >= 0")
	}
	out := engine.Config{
		Workers:             ec.Workers,
		QueueSize:           ec.QueueSize,
		HistorySize:         ec.HistorySize,
		RetryMax:            ec.RetryMax,
		CircuitTripFailures: ec.CircuitTripFailures,
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"engine.default_timeout", ec.DefaultTimeout, &out.DefaultTimeout},
		{"engine.max_queue_delay", ec.MaxQueueDelay, &out.MaxQueueDelay},
		{"engine.retry_base", ec.RetryBase, &out.RetryBase},
		{"engine.retry_max_delay", ec.RetryMaxDelay, &out.RetryMaxDelay},
		{"engine.circuit_cooldown", ec.CircuitCooldown, &out.CircuitCooldown},
	}
	for _, d := range durations {
		v, err := config.ParseDurationField(d.key, d.raw)
		if err != nil {
			return engine.Config{}, err
		}
		*d.dst = v
	}
	return out, nil
}

func mapLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	if sc.EvalWorkers < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.eval_workers must be >= 0")
	}
	loc, err := mapLocation(cfg)
	if err != nil {
		return scheduler.Config{}, err
	}
	tick, err := config.ParseDurationField("scheduler.tick", sc.Tick)
	if err != nil {
		return scheduler.Config{}, err
	}
	poll, err := config.ParseDurationField("scheduler.balancer_poll", sc.BalancerPoll)
	if err != nil {
		return scheduler.Config{}, err
	}
	snap, err := config.ParseSignedDurationField("scheduler.snapshot_every", sc.SnapshotEvery)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Node:          nodeName(cfg),
		Tick:          tick,
		EvalWorkers:   sc.EvalWorkers,
		Location:      loc,
		SnapshotEvery: snap,
		BalancerPoll:  poll,
	}, nil
}

func mapTimeRanges(cfg *config.Config) ([]timerange.TimeRange, error) {
	out := make([]timerange.TimeRange, 0, len(cfg.TimeRanges))
	seen := map[string]bool{}
	defaults := 0
	for i, tc := range cfg.TimeRanges {
		name := strings.TrimSpace(tc.Name)
		if name == "" {
			return nil, fmt.Errorf("time_ranges[%d]: name required", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("time_ranges[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		start, err := timerange.ParseClock(tc.Start)
		if err != nil {
			return nil, fmt.Errorf("time_ranges[%d] %s: %w", i, name, err)
		}
		if tc.Default {
			defaults++
		}
		out = append(out, timerange.TimeRange{Name: name, Start: start, Default: tc.Default})
	}
	if defaults > 1 {
		return nil, fmt.Errorf("time_ranges: at most one range may be default")
	}
	return out, nil
}

// mapTasks converts config.tasks into read-only definitions of the config
// source.
func mapTasks(cfg *config.Config) ([]task.Definition, error) {
	out := make([]task.Definition, 0, len(cfg.Tasks))
	seen := map[task.ID]bool{}
	ranges := map[string]bool{}
	for _, tr := range cfg.TimeRanges {
		ranges[strings.TrimSpace(tr.Name)] = true
	}
	for i, tc := range cfg.Tasks {
		id := task.ParseID(tc.ID)
		key := fmt.Sprintf("tasks[%d] %s", i, id)
		if seen[id] {
			return nil, fmt.Errorf("%s: duplicate id", key)
		}
		seen[id] = true

		timeout, err := config.ParseDurationField(key+".timeout", tc.Timeout)
		if err != nil {
			return nil, err
		}
		def := task.Definition{
			ID:        id,
			Enabled:   boolOr(tc.Enabled, true),
			Node:      strings.TrimSpace(tc.Node),
			TimeRange: strings.TrimSpace(tc.TimeRange),
			Action:    strings.TrimSpace(tc.Action),
			Timeout:   timeout,
			Principal: strings.TrimSpace(tc.Principal),
			Source:    configSource,
		}
		if def.TimeRange != "" && !ranges[def.TimeRange] {
			return nil, fmt.Errorf("%s: unknown time_range %q", key, def.TimeRange)
		}
		for _, c := range tc.Cron {
			def.Conditions = append(def.Conditions, condition.Spec{Kind: condition.KindCron, Cron: strings.TrimSpace(c)})
		}
		for _, dep := range tc.After {
			def.Conditions = append(def.Conditions, condition.Spec{Kind: condition.KindCompletion, Task: strings.TrimSpace(dep)})
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out = append(out, def)
	}
	return out, nil
}

func mapRedisOptions(cfg *config.Config) (*redis.UniversalOptions, bool) {
	rc := cfg.Cluster.Redis
	if len(rc.Addrs) == 0 {
		return nil, false
	}
	return &redis.UniversalOptions{
		Addrs:    rc.Addrs,
		Username: rc.Username,
		Password: rc.Password,
		DB:       rc.DB,
	}, true
}

func redisPrefix(cfg *config.Config) string {
	if p := strings.TrimSpace(cfg.Cluster.Redis.Prefix); p != "" {
		return p
	}
	return "clustersched"
}

func mapRolePoll(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("cluster.role_poll", cfg.Cluster.RolePoll, 5*time.Second)
}

func membershipKind(cfg *config.Config) (string, error) {
	switch k := strings.ToLower(strings.TrimSpace(cfg.Cluster.Membership)); k {
	case "", "static":
		return "static", nil
	case "redis":
		if _, ok := mapRedisOptions(cfg); !ok {
			return "", fmt.Errorf("cluster.redis.addrs is required when cluster.membership=redis")
		}
		return k, nil
	default:
		return "", fmt.Errorf("unknown cluster.membership: %s", cfg.Cluster.Membership)
	}
}

func mapLocalMember(cfg *config.Config) cluster.Member {
	return cluster.Member{
		Name:   nodeName(cfg),
		Addr:   strings.TrimSpace(cfg.Node.Advertise),
		Worker: boolOr(cfg.Node.Worker, true),
	}
}

func mapPeers(cfg *config.Config) ([]cluster.Member, error) {
	out := make([]cluster.Member, 0, len(cfg.Cluster.Peers))
	for i, p := range cfg.Cluster.Peers {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, fmt.Errorf("cluster.peers[%d]: name required", i)
		}
		out = append(out, cluster.Member{
			Name:   name,
			Addr:   strings.TrimSpace(p.Addr),
			Worker: boolOr(p.Worker, true),
		})
	}
	return out, nil
}

func transportKind(cfg *config.Config) (string, error) {
	switch k := strings.ToLower(strings.TrimSpace(cfg.Replication.Transport)); k {
	case "", "none", "memory":
		return "memory", nil
	case "redis":
		if _, ok := mapRedisOptions(cfg); !ok {
			return "", fmt.Errorf("cluster.redis.addrs is required when replication.transport=redis")
		}
		return k, nil
	default:
		return "", fmt.Errorf("unknown replication.transport: %s", cfg.Replication.Transport)
	}
}

func mapReplicationConfig(cfg *config.Config) (replication.Config, error) {
	if cfg.Replication.QueueSize < 0 {
		return replication.Config{}, fmt.Errorf("replication.queue_size must be >= 0")
	}
	pt, err := config.ParseDurationField("replication.publish_timeout", cfg.Replication.PublishTimeout)
	if err != nil {
		return replication.Config{}, err
	}
	return replication.Config{
		Node:           nodeName(cfg),
		QueueSize:      cfg.Replication.QueueSize,
		PublishTimeout: pt,
	}, nil
}

func mapServerConfig(cfg *config.Config) (control.ServerConfig, error) {
	cc := cfg.Control
	out := control.ServerConfig{Addr: strings.TrimSpace(cc.Addr), Pprof: cc.Pprof}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"control.read_timeout", cc.ReadTimeout, &out.ReadTimeout},
		{"control.write_timeout", cc.WriteTimeout, &out.WriteTimeout},
		{"control.idle_timeout", cc.IdleTimeout, &out.IdleTimeout},
	}
	for _, d := range durations {
		v, err := config.ParseDurationField(d.key, d.raw)
		if err != nil {
			return control.ServerConfig{}, err
		}
		*d.dst = v
	}
	return out, nil
}

func mapClientConfig(cfg *config.Config) (control.ClientConfig, error) {
	cc := cfg.Control
	timeout, err := config.ParseDurationField("control.timeout", cc.Timeout)
	if err != nil {
		return control.ClientConfig{}, err
	}
	cooldown, err := config.ParseDurationField("control.breaker_cooldown", cc.BreakerCooldown)
	if err != nil {
		return control.ClientConfig{}, err
	}
	principal := strings.TrimSpace(cc.Principal)
	if principal == "" {
		principal = "member:" + nodeName(cfg)
	}
	return control.ClientConfig{
		Timeout:         timeout,
		Principal:       principal,
		BreakerFailures: cc.BreakerFailures,
		BreakerCooldown: cooldown,
	}, nil
}

func mapAuthorizer(cfg *config.Config) control.Authorizer {
	if cfg.Control.Auth == nil {
		return control.AllowAll
	}
	return control.RoleAuthorizer{
		Admins:  cfg.Control.Auth.Admins,
		Members: cfg.Control.Auth.Members,
	}
}

func mapShellConfig(cfg *config.Config) (executor.ShellConfig, error) {
	if cfg.Executor.MaxOutput < 0 {
		return executor.ShellConfig{}, fmt.Errorf("executor.max_output must be >= 0")
	}
	return executor.ShellConfig{
		Shell:     strings.TrimSpace(cfg.Executor.ShellPath),
		Dir:       strings.TrimSpace(cfg.Executor.Dir),
		MaxOutput: cfg.Executor.MaxOutput,
	}, nil
}

// validateConfig runs every mapping so a bad reload is rejected before it
// is committed.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTimeRanges(cfg); err != nil {
		return err
	}
	if _, err := mapTasks(cfg); err != nil {
		return err
	}
	if _, err := membershipKind(cfg); err != nil {
		return err
	}
	if _, err := mapPeers(cfg); err != nil {
		return err
	}
	if _, err := transportKind(cfg); err != nil {
		return err
	}
	if _, err := mapReplicationConfig(cfg); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("cluster.member_ttl", cfg.Cluster.MemberTTL); err != nil {
		return err
	}
	if _, err := mapRolePoll(cfg); err != nil {
		return err
	}
	if _, err := mapServerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapClientConfig(cfg); err != nil {
		return err
	}
	if _, err := mapShellConfig(cfg); err != nil {
		return err
	}
	if len(cfg.Cluster.Peers) > 0 && strings.TrimSpace(cfg.Node.Advertise) == "" {
		return fmt.Errorf("node.advertise is required when cluster.peers are configured")
	}
	return nil
}
