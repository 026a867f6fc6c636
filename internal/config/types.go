package config

// Config is the daemon configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted fields fall back to the component defaults.
type Config struct {
	Node        NodeConfig        `json:"node"`
	Logging     LoggingConfig     `json:"logging"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Engine      EngineConfig      `json:"engine"`
	Balancer    BalancerConfig    `json:"balancer"`
	Cluster     ClusterConfig     `json:"cluster"`
	Replication ReplicationConfig `json:"replication"`
	Storage     StorageConfig     `json:"storage"`
	Control     ControlConfig     `json:"control"`
	Executor    ExecutorConfig    `json:"executor"`

	TimeRanges []TimeRangeConfig `json:"time_ranges,omitempty"`
	// Tasks are read-only tasks sourced from this file.
	Tasks []TaskConfig `json:"tasks,omitempty"`
}

type NodeConfig struct {
	// Name is the member name; defaults to the host name.
	Name string `json:"name"`
	// Worker reports whether balanced tasks may be assigned here.
	// Omitted means true.
	Worker *bool `json:"worker,omitempty"`
	// Advertise is the control base URL other members use to reach this
	// node, e.g. "http://10.0.0.5:7070".
	Advertise string `json:"advertise,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the active scheduler.
//
// Defaults: tick "1s", eval_workers 8, snapshot_every "5m",
// balancer_poll "1m", timezone local.
type SchedulerConfig struct {
	Tick        string `json:"tick,omitempty"`
	EvalWorkers int    `json:"eval_workers,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	// SnapshotEvery is the full-state replication cadence. "-1s" disables it.
	SnapshotEvery string `json:"snapshot_every,omitempty"`
	BalancerPoll  string `json:"balancer_poll,omitempty"`
}

// EngineConfig controls task execution.
//
// Defaults: workers 2, queue_size 256, history_size 200, retry_max 0,
// retry_base "500ms", retry_max_delay "15s", circuit_trip_failures 5,
// circuit_cooldown "1m".
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	// MaxQueueDelay drops runs that waited longer than this. "0s" disables it.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	// CircuitTripFailures < 0 disables the per-task breaker.
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitCooldown     string `json:"circuit_cooldown,omitempty"`
}

type BalancerConfig struct {
	// Enabled defaults to true.
	Enabled *bool `json:"enabled,omitempty"`
}

// ClusterConfig selects the membership backend.
//
// Example:
//
//	"cluster": {
//	  "membership": "static",
//	  "scheduler": "n1",
//	  "peers": [{"name": "n2", "addr": "http://10.0.0.6:7070", "worker": true}]
//	}
type ClusterConfig struct {
	// Membership is "static" (default) or "redis".
	Membership string `json:"membership,omitempty"`
	// Scheduler names the scheduler member for static membership; empty
	// means this node.
	Scheduler string       `json:"scheduler,omitempty"`
	Peers     []PeerConfig `json:"peers,omitempty"`
	Redis     RedisConfig  `json:"redis"`
	// MemberTTL expires silent members (redis). Default "30s".
	MemberTTL string `json:"member_ttl,omitempty"`
	// RolePoll is how often a member rechecks whether it holds the
	// scheduler role. Default "5s".
	RolePoll string `json:"role_poll,omitempty"`
}

type PeerConfig struct {
	Name   string `json:"name"`
	Addr   string `json:"addr"`
	Worker *bool  `json:"worker,omitempty"`
}

type RedisConfig struct {
	Addrs    []string `json:"addrs,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"` // do not log
	DB       int      `json:"db,omitempty"`
	// Prefix namespaces keys and channels. Default "clustersched".
	Prefix string `json:"prefix,omitempty"`
}

// ReplicationConfig selects the replication transport.
type ReplicationConfig struct {
	// Transport is "none" (default for single-node), "memory" or "redis".
	// redis reuses cluster.redis for the connection.
	Transport      string `json:"transport,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	PublishTimeout string `json:"publish_timeout,omitempty"`
}

// StorageConfig controls task persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./clustersched.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// ControlConfig controls the member-to-member and admin HTTP surface.
//
// Security note: bind to a private interface; the principal header is
// trusted as sent.
type ControlConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default: "127.0.0.1:7070"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"`

	// Client settings for calls to other members.
	Timeout         string `json:"timeout,omitempty"`
	BreakerFailures uint32 `json:"breaker_failures,omitempty"`
	BreakerCooldown string `json:"breaker_cooldown,omitempty"`
	// Principal is sent on dispatched runs; it must be listed in
	// auth.members on the receiving side.
	Principal string `json:"principal,omitempty"`

	Auth *AuthConfig `json:"auth,omitempty"`
}

// AuthConfig enables role checks. Without it every principal is allowed.
type AuthConfig struct {
	Admins  []string `json:"admins,omitempty"`
	Members []string `json:"members,omitempty"`
}

type ExecutorConfig struct {
	Shell     bool   `json:"shell"`
	ShellPath string `json:"shell_path,omitempty"`
	Dir       string `json:"dir,omitempty"`
	MaxOutput int    `json:"max_output,omitempty"`
	Systemd   bool   `json:"systemd"`
}

type TimeRangeConfig struct {
	Name string `json:"name"`
	// Start is "HH:MM" or "HH:MM:SS" in the scheduler timezone.
	Start   string `json:"start"`
	Default bool   `json:"default,omitempty"`
}

// TaskConfig declares a task. ID is "owner/name" or a bare name.
type TaskConfig struct {
	ID      string `json:"id"`
	Enabled *bool  `json:"enabled,omitempty"`
	// Cron conditions, one per entry.
	Cron []string `json:"cron,omitempty"`
	// After lists tasks whose completion fires this one.
	After []string `json:"after,omitempty"`
	// Node pins the task to a member. Tasks bound to a TimeRange are
	// spread over the workers by the balancer instead.
	Node      string `json:"node,omitempty"`
	TimeRange string `json:"time_range,omitempty"`
	Action    string `json:"action"`
	Timeout   string `json:"timeout,omitempty"`
	Principal string `json:"principal,omitempty"`
}
