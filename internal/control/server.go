package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "clustersched/internal/runtime/supervisor"
	"clustersched/internal/task"
	"clustersched/internal/task/engine"
	"clustersched/internal/task/scheduler"
	logx "clustersched/pkg/logx"
)

// ServerConfig controls the control HTTP server.
type ServerConfig struct {
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool
}

// ServerDeps are the collaborators of a Server. Controller is required.
type ServerDeps struct {
	Controller Controller
	// Executor runs tasks dispatched by the scheduler member.
	Executor   scheduler.Executor
	Authorizer Authorizer
	// Gatherer backs /metrics; nil serves the default registry.
	Gatherer   prometheus.Gatherer
	Registerer prometheus.Registerer
}

// Server exposes a Controller over HTTP/JSON.
type Server struct {
	cfg  ServerConfig
	deps ServerDeps
	log  logx.Logger

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec

	mu   sync.Mutex
	ln   net.Listener
	srv  *http.Server
	sup  *rtsup.Supervisor
	addr string
}

func NewServer(cfg ServerConfig, deps ServerDeps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Authorizer == nil {
		deps.Authorizer = AllowAll
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	f := promauto.With(deps.Registerer)
	return &Server{
		cfg:  cfg,
		deps: deps,
		log:  log,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clustersched_control_requests_total",
			Help: "Control requests by route and result code.",
		}, []string{"route", "code"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clustersched_control_request_seconds",
			Help:    "Control request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler returns the routing table; Start serves it.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /v1/start", s.handleStart)
	s.route(mux, "POST /v1/stop", s.handleStop)
	s.route(mux, "POST /v1/tasks/run", s.handleRunNow)
	s.route(mux, "POST /v1/tasks/stop", s.handleStopNow)
	s.route(mux, "PUT /v1/tasks", s.handleAddTask)
	s.route(mux, "POST /v1/tasks/remove", s.handleRemoveTask)
	s.route(mux, "GET /v1/activities", s.handleActivities)
	s.route(mux, "GET /v1/start-time", s.handleStartTime)
	s.route(mux, "GET /v1/ping", s.handlePing)
	s.route(mux, "GET /v1/health", s.handleHealth)
	s.route(mux, "POST /v1/metrics", s.handleMetrics)
	s.route(mux, "GET /v1/viewsheets", s.handleViewsheets)
	s.route(mux, "GET /v1/queries", s.handleQueries)
	s.route(mux, "GET /v1/cluster", s.handleCluster)
	s.route(mux, "POST /v1/execute", s.handleExecute)

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return mux
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, principal string) error

func (s *Server) route(mux *http.ServeMux, pattern string, h handlerFunc) {
	name := pattern[strings.Index(pattern, " ")+1:]
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		principal := strings.TrimSpace(r.Header.Get(PrincipalHeader))
		code := "ok"
		if err := h(w, r, principal); err != nil {
			status, c := codeFor(err)
			code = c
			if status >= http.StatusInternalServerError {
				s.log.Warn("control request failed", logx.String("route", name), logx.String("principal", principal), logx.Err(err))
			}
			writeJSON(w, status, errorResponse{Code: c, Error: err.Error()})
		}
		s.requests.WithLabelValues(name, code).Inc()
		s.latency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) authorize(r *http.Request, principal string, op Operation, id task.ID) error {
	return s.deps.Authorizer.Authorize(r.Context(), principal, op, id)
}

func decode(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, principal string) error {
	if err := s.authorize(r, principal, OpLifecycle, task.ID{}); err != nil {
		return err
	}
	// A failed start is reported through ping, not as a request failure.
	var se *StartError
	if err := s.deps.Controller.Start(r.Context()); err != nil && !errors.As(err, &se) {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, principal string) error {
	if err := s.authorize(r, principal, OpLifecycle, task.ID{}); err != nil {
		return err
	}
	if err := s.deps.Controller.Stop(r.Context()); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request, principal string) error {
	var req idRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if err := s.authorize(r, principal, OpRun, req.ID); err != nil {
		return err
	}
	runID, err := s.deps.Controller.RunNow(r.Context(), req.ID, principal)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusAccepted, runResponse{RunID: runID})
	return nil
}

func (s *Server) handleStopNow(w http.ResponseWriter, r *http.Request, principal string) error {
	var req idRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if err := s.authorize(r, principal, OpStop, req.ID); err != nil {
		return err
	}
	if err := s.deps.Controller.StopNow(r.Context(), req.ID, principal); err != nil {
		return err
	}
	w.WriteHeader(http.StatusAccepted)
	return nil
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request, principal string) error {
	var def task.Definition
	if err := decode(r, &def); err != nil {
		return err
	}
	if err := s.authorize(r, principal, OpWrite, def.ID); err != nil {
		return err
	}
	added, err := s.deps.Controller.AddTask(r.Context(), def, principal)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, addResponse{Added: added})
	return nil
}

func (s *Server) handleRemoveTask(w http.ResponseWriter, r *http.Request, principal string) error {
	var req idRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if err := s.authorize(r, principal, OpWrite, req.ID); err != nil {
		return err
	}
	if err := s.deps.Controller.RemoveTask(r.Context(), req.ID, principal); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleActivities(w http.ResponseWriter, r *http.Request, principal string) error {
	if err := s.authorize(r, principal, OpRead, task.ID{}); err != nil {
		return err
	}
	acts, err := s.deps.Controller.ScheduleActivities(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, acts)
	return nil
}

func (s *Server) handleStartTime(w http.ResponseWriter, r *http.Request, principal string) error {
	t, err := s.deps.Controller.StartTime(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, startTimeResponse{Started: t})
	return nil
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request, principal string) error {
	running, err := s.deps.Controller.Ping(r.Context())
	resp := pingResponse{Running: running, State: StateStopped}
	if running {
		resp.State = StateRunning
	}
	var se *StartError
	switch {
	case errors.As(err, &se):
		resp.State, resp.StartError = StateFailed, se.Message
	case err != nil:
		return err
	}
	if f, ok := s.deps.Controller.(*Facade); ok && resp.State != StateFailed {
		resp.State = f.State()
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, principal string) error {
	h, err := s.deps.Controller.Health(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, h)
	return nil
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request, principal string) error {
	if err := s.authorize(r, principal, OpRead, task.ID{}); err != nil {
		return err
	}
	var req metricsRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	m, err := s.deps.Controller.ServerMetrics(r.Context(), req.Previous, req.Timestamp)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, m)
	return nil
}

func (s *Server) handleViewsheets(w http.ResponseWriter, r *http.Request, principal string) error {
	names, err := s.deps.Controller.Viewsheets(r.Context(), principal)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, namesResponse{Names: names})
	return nil
}

func (s *Server) handleQueries(w http.ResponseWriter, r *http.Request, principal string) error {
	names, err := s.deps.Controller.Queries(r.Context(), principal)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, namesResponse{Names: names})
	return nil
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request, principal string) error {
	writeJSON(w, http.StatusOK, clusterResponse{Cluster: s.deps.Controller.IsCluster()})
	return nil
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request, principal string) error {
	var req executeRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if err := s.authorize(r, principal, OpExecute, req.Task.ID); err != nil {
		return err
	}
	if s.deps.Executor == nil {
		return engine.NoRetry(errors.New("no executor on this member"))
	}
	start := time.Now()
	err := s.deps.Executor.Execute(r.Context(), req.Task, req.Principal)
	s.log.Info("dispatched run finished",
		logx.String("task", req.Task.ID.String()),
		logx.String("run", req.RunID),
		logx.Duration("took", time.Since(start)),
		logx.Err(err),
	)
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// Addr is the bound listen address while serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start serves in the background under a restart loop. It is idempotent.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("control.http", s.serveOnce)
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv, s.ln = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("control server stop incomplete", logx.Err(err))
	}
	s.log.Info("control server stopped")
}

func (s *Server) serveOnce(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:7070"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("control listen %s: %w", addr, err)
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.ln, s.srv, s.addr = ln, srv, ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("control server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("control server exited unexpectedly")
	}
	return err
}
