// Package control is the externally callable surface of a node: a Facade
// with a per-node lifecycle that routes operations to the member hosting
// the active scheduler, an HTTP/JSON Server that exposes a Controller, and
// the Client used to reach another member's Server.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clustersched/internal/task"
)

var (
	// ErrUnknownOutcome means the request was sent but no answer arrived in
	// time. It is neither a success nor a failure.
	ErrUnknownOutcome = errors.New("request sent, outcome unknown")
	ErrNotStarted     = errors.New("scheduler not started")
	ErrForbidden      = errors.New("operation not permitted")
	ErrBadRequest     = errors.New("bad request")
)

// Controller is the control surface shared by the local Facade and the
// remote Client.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	RunNow(ctx context.Context, id task.ID, principal string) (string, error)
	StopNow(ctx context.Context, id task.ID, principal string) error
	AddTask(ctx context.Context, def task.Definition, principal string) (bool, error)
	RemoveTask(ctx context.Context, id task.ID, principal string) error
	ScheduleActivities(ctx context.Context) ([]task.Activity, error)
	StartTime(ctx context.Context) (time.Time, error)
	// Ping reports whether the scheduler is running. A failed start is
	// reported as (false, *StartError).
	Ping(ctx context.Context) (bool, error)
	Health(ctx context.Context) (Health, error)
	// ServerMetrics returns the current metrics; with a previous sample the
	// result carries the deltas since then.
	ServerMetrics(ctx context.Context, prev *ServerMetrics, ts time.Time) (ServerMetrics, error)
	Viewsheets(ctx context.Context, principal string) ([]string, error)
	Queries(ctx context.Context, principal string) ([]string, error)
	IsCluster() bool
}

// State is the lifecycle state of a node's scheduler.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

// StartError is reported by Ping after the scheduler failed to start.
type StartError struct {
	Message string
	Err     error
}

func (e *StartError) Error() string {
	if e.Message == "" {
		return "scheduler failed to start"
	}
	return "scheduler failed to start: " + e.Message
}

func (e *StartError) Unwrap() error { return e.Err }

// RemoteError is an explicit failure answer from another member.
type RemoteError struct {
	Member  string
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s (%d %s)", e.Member, e.Message, e.Status, e.Code)
}

// Unwrap maps the wire code back to the local sentinel, so errors.Is works
// across the wire.
func (e *RemoteError) Unwrap() error { return errorForCode(e.Code) }

type Health struct {
	Node        string    `json:"node"`
	State       State     `json:"state"`
	Error       string    `json:"error,omitempty"`
	Cluster     bool      `json:"cluster"`
	Scheduler   string    `json:"scheduler,omitempty"`
	IsScheduler bool      `json:"is_scheduler"`
	Members     []string  `json:"members,omitempty"`
	Started     time.Time `json:"started,omitempty"`
	Uptime      string    `json:"uptime,omitempty"`

	Tasks   int `json:"tasks"`
	Running int `json:"running"`

	EngineQueue       int    `json:"engine_queue"`
	EngineInFlight    int    `json:"engine_in_flight"`
	CircuitOpen       int    `json:"circuit_open"`
	ReplicationQueued uint64 `json:"replication_queued"`
	ReplicationDrops  uint64 `json:"replication_dropped"`
	ReplicaTasks      int    `json:"replica_tasks"`
}

// ServerMetrics is one metrics sample. Counters are cumulative since the
// scheduler process started; Delta is set when a previous sample was given.
type ServerMetrics struct {
	Timestamp time.Time `json:"timestamp"`
	Node      string    `json:"node"`

	Tasks           int    `json:"tasks"`
	Running         int    `json:"running"`
	Ticks           uint64 `json:"ticks"`
	Evaluations     uint64 `json:"evaluations"`
	Fired           uint64 `json:"fired"`
	Succeeded       uint64 `json:"succeeded"`
	Failed          uint64 `json:"failed"`
	Cancelled       uint64 `json:"cancelled"`
	ConditionErrors uint64 `json:"condition_errors"`
	SubmitErrors    uint64 `json:"submit_errors"`
	BalancerPasses  uint64 `json:"balancer_passes"`

	Delta *MetricsDelta `json:"delta,omitempty"`
}

type MetricsDelta struct {
	Interval    time.Duration `json:"interval"`
	Fired       uint64        `json:"fired"`
	Succeeded   uint64        `json:"succeeded"`
	Failed      uint64        `json:"failed"`
	Evaluations uint64        `json:"evaluations"`
	// FiredPerMinute is Fired normalised over Interval.
	FiredPerMinute float64 `json:"fired_per_minute"`
}

// withDelta fills m.Delta against prev. A missing, later or restarted
// previous sample yields no delta.
func (m ServerMetrics) withDelta(prev *ServerMetrics) ServerMetrics {
	if prev == nil || prev.Timestamp.IsZero() || !prev.Timestamp.Before(m.Timestamp) {
		return m
	}
	if prev.Fired > m.Fired || prev.Succeeded > m.Succeeded || prev.Failed > m.Failed || prev.Evaluations > m.Evaluations {
		return m
	}
	iv := m.Timestamp.Sub(prev.Timestamp)
	d := &MetricsDelta{
		Interval:    iv,
		Fired:       m.Fired - prev.Fired,
		Succeeded:   m.Succeeded - prev.Succeeded,
		Failed:      m.Failed - prev.Failed,
		Evaluations: m.Evaluations - prev.Evaluations,
	}
	d.FiredPerMinute = float64(d.Fired) / iv.Minutes()
	m.Delta = d
	return m
}
