package config

import (
	"reflect"
	"sort"
	"strings"

	logx "clustersched/pkg/logx"
)

// liveSections are applied without a restart.
var liveSections = map[string]bool{
	"logging":     true,
	"engine":      true,
	"time_ranges": true,
	"tasks":       true,
}

// SummarizeConfigChange returns (1) the sorted changed sections, (2) safe
// structured attrs for logging (never secrets), and (3) the ids of config
// tasks that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Node, newCfg.Node) {
		changed = append(changed, "node")
		attrs = append(attrs, logx.String("node.name", strings.TrimSpace(newCfg.Node.Name)))
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.tick", strings.TrimSpace(newCfg.Scheduler.Tick)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
			logx.Int("engine.retry_max", newCfg.Engine.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Balancer, newCfg.Balancer) {
		changed = append(changed, "balancer")
	}

	// Never log redis credentials.
	oc, nc := oldCfg.Cluster, newCfg.Cluster
	oc.Redis.Password, nc.Redis.Password = "", ""
	if !reflect.DeepEqual(oc, nc) || (oldCfg.Cluster.Redis.Password == "") != (newCfg.Cluster.Redis.Password == "") {
		changed = append(changed, "cluster")
		attrs = append(attrs,
			logx.String("cluster.membership", strings.TrimSpace(newCfg.Cluster.Membership)),
			logx.Int("cluster.peers", len(newCfg.Cluster.Peers)),
			logx.Bool("cluster.redis_password_set", newCfg.Cluster.Redis.Password != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Replication, newCfg.Replication) {
		changed = append(changed, "replication")
		attrs = append(attrs, logx.String("replication.transport", strings.TrimSpace(newCfg.Replication.Transport)))
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Control, newCfg.Control) {
		changed = append(changed, "control")
		attrs = append(attrs,
			logx.Bool("control.enabled", newCfg.Control.Enabled),
			logx.String("control.addr", strings.TrimSpace(newCfg.Control.Addr)),
			logx.Bool("control.auth", newCfg.Control.Auth != nil),
		)
	}

	if !reflect.DeepEqual(oldCfg.Executor, newCfg.Executor) {
		changed = append(changed, "executor")
	}

	if !reflect.DeepEqual(oldCfg.TimeRanges, newCfg.TimeRanges) {
		changed = append(changed, "time_ranges")
		attrs = append(attrs, logx.Int("time_ranges.count", len(newCfg.TimeRanges)))
	}

	tasks := diffTasks(oldCfg.Tasks, newCfg.Tasks)
	if len(tasks) > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.changed_count", len(tasks)),
			logx.Int("tasks.count", len(newCfg.Tasks)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, tasks
}

// RestartRequired returns the sections that only take effect after a
// restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !liveSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func diffTasks(oldT, newT []TaskConfig) []string {
	index := func(ts []TaskConfig) map[string]TaskConfig {
		m := make(map[string]TaskConfig, len(ts))
		for _, t := range ts {
			m[strings.TrimSpace(t.ID)] = t
		}
		return m
	}
	om, nm := index(oldT), index(newT)

	set := map[string]struct{}{}
	for k := range om {
		set[k] = struct{}{}
	}
	for k := range nm {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		o, inOld := om[id]
		n, inNew := nm[id]
		if inOld != inNew || !reflect.DeepEqual(o, n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
