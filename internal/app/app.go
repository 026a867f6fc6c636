package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"clustersched/internal/balancer"
	"clustersched/internal/cluster"
	"clustersched/internal/config"
	"clustersched/internal/control"
	"clustersched/internal/executor"
	"clustersched/internal/replication"
	rtsup "clustersched/internal/runtime/supervisor"
	"clustersched/internal/storage"
	"clustersched/internal/task/engine"
	"clustersched/internal/task/scheduler"
	"clustersched/internal/timerange"
	logx "clustersched/pkg/logx"
)

// App wires one clustersched member from its config file.
type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	reg  *prometheus.Registry

	store   storage.Store
	rdb     redis.UniversalClient
	members cluster.Membership
	beacon  *cluster.Redis
	ranges  *timerange.Registry
	source  *scheduler.StaticSource
	repl    *replication.Replicator
	engine  *engine.Service
	exec    *executor.Router
	systemd *executor.Systemd
	sched   *scheduler.Service
	pool    *control.Pool
	facade  *control.Facade
	server  *control.Server

	// rolePoll is the scheduler role recheck interval.
	rolePoll time.Duration
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, root := logx.NewService(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	a := &App{cfgm: cfgm, log: log, logs: logSvc}
	if err := a.build(cfg, root); err != nil {
		a.closeResources()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }
	node := nodeName(cfg)

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, comp("storage"))
		if err != nil {
			return err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	if opts, ok := mapRedisOptions(cfg); ok {
		a.rdb = redis.NewUniversalClient(opts)
	}

	// Membership.
	local := mapLocalMember(cfg)
	kind, err := membershipKind(cfg)
	if err != nil {
		return err
	}
	switch kind {
	case "redis":
		ttl, err := config.ParseDurationField("cluster.member_ttl", cfg.Cluster.MemberTTL)
		if err != nil {
			return err
		}
		a.beacon = cluster.NewRedis(a.rdb, redisPrefix(cfg), local, ttl, comp("cluster"))
		a.members = a.beacon
	default:
		peers, err := mapPeers(cfg)
		if err != nil {
			return err
		}
		a.members = cluster.NewStatic(local, peers, cfg.Cluster.Scheduler)
	}

	// Replication.
	rcfg, err := mapReplicationConfig(cfg)
	if err != nil {
		return err
	}
	var tr replication.Transport
	tkind, err := transportKind(cfg)
	if err != nil {
		return err
	}
	if tkind == "redis" {
		tr = replication.NewRedisTransport(a.rdb, redisPrefix(cfg))
	} else {
		tr = replication.NewMemoryHub(rcfg.QueueSize)
	}
	a.repl = replication.New(rcfg, tr, comp("replication"))

	// Time ranges and config tasks.
	ranges, err := mapTimeRanges(cfg)
	if err != nil {
		return err
	}
	a.ranges = timerange.NewRegistry(ranges...)
	defs, err := mapTasks(cfg)
	if err != nil {
		return err
	}
	a.source = scheduler.NewStaticSource(configSource, defs)

	// Execution.
	ecfg, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(ecfg, comp("engine"))
	a.exec = executor.NewRouter(comp("executor"))
	if cfg.Executor.Shell {
		shcfg, err := mapShellConfig(cfg)
		if err != nil {
			return err
		}
		a.exec.Handle("shell", executor.Shell(shcfg, comp("executor.shell")))
	}
	if cfg.Executor.Systemd {
		a.systemd = executor.NewSystemd()
		a.exec.Handle("systemd", a.systemd.Handle)
	}

	ccfg, err := mapClientConfig(cfg)
	if err != nil {
		return err
	}
	a.pool = control.NewPool(a.members, ccfg)

	// Scheduler.
	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	scfg.Registerer = a.reg
	deps := scheduler.Deps{
		Ranges:     a.ranges,
		Engine:     a.engine,
		Executor:   a.exec,
		Store:      a.store,
		Replicator: a.repl,
		Sources:    []scheduler.TaskSource{a.source},
		Members:    a.members,
	}
	if !a.members.Single() {
		deps.Dispatcher = a.pool
	}
	a.sched = scheduler.New(scfg, deps, comp("scheduler"))
	if boolOr(cfg.Balancer.Enabled, true) {
		a.sched.SetBalancer(balancer.New(a.sched, a.ranges, a.members, comp("balancer")))
	}

	// Control surface.
	if a.rolePoll, err = mapRolePoll(cfg); err != nil {
		return err
	}
	a.facade = control.NewFacade(control.Deps{
		Scheduler:  a.sched,
		Engine:     a.engine,
		Replicator: a.repl,
		Members:    a.members,
		Clients:    a.pool,
	}, comp("control"))
	if cfg.Control.Enabled {
		svcfg, err := mapServerConfig(cfg)
		if err != nil {
			return err
		}
		a.server = control.NewServer(svcfg, control.ServerDeps{
			Controller: a.facade,
			Executor:   a.exec,
			Authorizer: mapAuthorizer(cfg),
			Gatherer:   a.reg,
			Registerer: a.reg,
		}, comp("control.http"))
	}

	a.log.Info("node configured",
		logx.String("node", node),
		logx.String("membership", kind),
		logx.String("replication", tkind),
		logx.Int("time_ranges", len(ranges)),
		logx.Int("config_tasks", len(defs)),
		logx.Strings("actions", a.exec.Kinds()),
	)
	return nil
}

// Facade is the node's control surface.
func (a *App) Facade() *control.Facade { return a.facade }

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the node. A scheduler that fails to start leaves the node up
// and FAILED (reported by Ping); only infrastructure failures are returned.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateConfig)

	if a.beacon != nil {
		if err := a.beacon.Announce(ctx); err != nil {
			return fmt.Errorf("announce membership: %w", err)
		}
		a.sup.Go("cluster.announce", a.beacon.Run)
	}
	if err := a.repl.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start replication: %w", err)
	}
	if a.server != nil {
		a.server.Start(a.sup.Context())
	}
	if err := a.facade.Start(a.sup.Context()); err != nil {
		a.log.Error("node started without scheduler", logx.Err(err))
	}
	if !a.members.Single() {
		a.sup.GoRestart("control.role", func(c context.Context) error {
			return a.facade.WatchRole(c, a.rolePoll)
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
			for drained := false; !drained; {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					next = newer
				default:
					drained = true
				}
			}
			a.apply(last, next)
			last = next
		}
	}
}

// apply pushes the live sections of next into the running components.
func (a *App) apply(prev, next *config.Config) {
	sections, attrs, tasks := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}

	if changed["logging"] {
		a.logs.Apply(mapLoggingConfig(next))
	}
	if changed["engine"] {
		if ecfg, err := mapEngineConfig(next); err != nil {
			a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
		} else {
			a.engine.Apply(ecfg)
		}
	}
	if changed["time_ranges"] {
		if ranges, err := mapTimeRanges(next); err != nil {
			a.log.Warn("invalid time ranges; keeping previous", logx.Err(err))
		} else if err := a.ranges.Replace(ranges); err != nil {
			a.log.Warn("time range reload failed", logx.Err(err))
		}
	}
	if changed["tasks"] || changed["time_ranges"] {
		if defs, err := mapTasks(next); err != nil {
			a.log.Warn("invalid config tasks; keeping previous", logx.Err(err))
		} else {
			a.source.Replace(defs)
			if a.sched.Running() {
				a.sched.ReloadSources()
			}
			if len(tasks) > 0 {
				a.log.Debug("config tasks changed", logx.Strings("tasks", tasks))
			}
		}
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts the node down in reverse dependency order. Each step is bounded
// so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	a.step(ctx, "facade", 3*time.Second, a.facade.Stop)
	a.step(ctx, "control.http", 2*time.Second, func(c context.Context) error {
		if a.server != nil {
			a.server.Stop(c)
		}
		return nil
	})
	a.step(ctx, "replication", 2*time.Second, func(c context.Context) error { a.repl.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.closeResources()

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
		max = time.Until(dl)
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

func (a *App) closeResources() {
	if a.systemd != nil {
		a.systemd.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
		a.rdb = nil
	}
}
