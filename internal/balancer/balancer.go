// Package balancer spreads the tasks bound to a time range evenly over the
// worker members shortly before the range starts.
//
// Assignments are sticky: a task stays where it is as long as its node is
// alive and not above its fair share, so running Balance twice with the same
// inputs moves nothing.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"clustersched/internal/cluster"
	"clustersched/internal/task"
	"clustersched/internal/timerange"
	logx "clustersched/pkg/logx"
)

var (
	ErrNoNodes  = errors.New("balancer: no worker nodes")
	ErrInFlight = errors.New("balancer: range already being balanced")
)

// Tasks is the task set the balancer reads and rewrites.
type Tasks interface {
	// TasksInRange returns the enabled tasks bound to the named range.
	TasksInRange(name string) []task.Definition
	// Reassign moves a task to node; it persists and replicates the change.
	Reassign(ctx context.Context, id task.ID, node string) error
}

// Move is one reassignment.
type Move struct {
	Task string `json:"task"`
	From string `json:"from,omitempty"`
	To   string `json:"to"`
}

// Result describes one range's balancing.
type Result struct {
	Range string         `json:"range"`
	Tasks int            `json:"tasks"`
	Load  map[string]int `json:"load"`
	Moves []Move         `json:"moves,omitempty"`
}

type Stats struct {
	Passes  uint64 `json:"passes"`
	Ranges  uint64 `json:"ranges"`
	Moves   uint64 `json:"moves"`
	Skipped uint64 `json:"skipped"`
	Errors  uint64 `json:"errors"`
}

type Balancer struct {
	tasks   Tasks
	ranges  *timerange.Registry
	members cluster.Membership
	log     logx.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	passes, balanced, moves, skipped, errs atomic.Uint64
}

func New(tasks Tasks, ranges *timerange.Registry, members cluster.Membership, log logx.Logger) *Balancer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Balancer{
		tasks:   tasks,
		ranges:  ranges,
		members: members,
		log:     log,
		locks:   map[string]*sync.Mutex{},
	}
}

func (b *Balancer) rangeLock(name string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.locks[name]
	if l == nil {
		l = &sync.Mutex{}
		b.locks[name] = l
	}
	return l
}

// Pass balances every range whose start is within timerange.Proximity of
// now. Ranges run concurrently; a failing range does not stop the others and
// the joined errors are returned.
func (b *Balancer) Pass(ctx context.Context, now time.Time) error {
	b.passes.Add(1)
	nodes, err := cluster.Workers(ctx, b.members)
	if err != nil {
		b.errs.Add(1)
		return fmt.Errorf("balancer: members: %w", err)
	}

	var (
		errMu sync.Mutex
		all   []error
	)
	var g errgroup.Group
	for _, rng := range b.ranges.TimeRanges() {
		if !timerange.WithinProximity(rng.Start, now) {
			continue
		}
		g.Go(func() error {
			res, err := b.Balance(ctx, rng, nodes)
			switch {
			case errors.Is(err, ErrInFlight):
				b.log.Debug("range balance already in flight", logx.String("range", rng.Name))
			case err != nil:
				b.log.Warn("range balance failed", logx.String("range", rng.Name), logx.Err(err))
				errMu.Lock()
				all = append(all, fmt.Errorf("range %s: %w", rng.Name, err))
				errMu.Unlock()
			case len(res.Moves) > 0:
				b.log.Info("range balanced",
					logx.String("range", rng.Name),
					logx.Int("tasks", res.Tasks),
					logx.Int("moves", len(res.Moves)),
					logx.Any("load", res.Load),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(all...)
}

// Balance spreads the tasks of rng over nodes. It fails with ErrInFlight if
// another Balance of the same range is running.
func (b *Balancer) Balance(ctx context.Context, rng timerange.TimeRange, nodes []string) (Result, error) {
	l := b.rangeLock(rng.Name)
	if !l.TryLock() {
		b.skipped.Add(1)
		return Result{Range: rng.Name}, ErrInFlight
	}
	defer l.Unlock()

	if len(nodes) == 0 {
		b.errs.Add(1)
		return Result{Range: rng.Name}, ErrNoNodes
	}
	b.balanced.Add(1)

	defs := b.tasks.TasksInRange(rng.Name)
	assign := Plan(defs, nodes)

	res := Result{Range: rng.Name, Tasks: len(defs), Load: map[string]int{}}
	for _, n := range nodes {
		res.Load[n] = 0
	}
	var errs []error
	for _, d := range defs {
		key := d.ID.String()
		to := assign[key]
		res.Load[to]++
		if strings.EqualFold(d.Node, to) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := b.tasks.Reassign(ctx, d.ID, to); err != nil {
			if errors.Is(err, task.ErrNotFound) {
				// Removed while balancing.
				res.Load[to]--
				continue
			}
			errs = append(errs, fmt.Errorf("reassign %s: %w", key, err))
			continue
		}
		res.Moves = append(res.Moves, Move{Task: key, From: d.Node, To: to})
		b.moves.Add(1)
	}
	if len(errs) > 0 {
		b.errs.Add(1)
	}
	return res, errors.Join(errs...)
}

// Plan computes the target node of every task. Each node ends with either
// floor(N/M) or ceil(N/M) tasks, and a task keeps its current node whenever
// that node is in nodes and still below its share.
func Plan(defs []task.Definition, nodes []string) map[string]string {
	out := make(map[string]string, len(defs))
	if len(nodes) == 0 {
		return out
	}
	sorted := append([]string(nil), nodes...)
	sort.Strings(sorted)
	live := make(map[string]string, len(sorted))
	for _, n := range sorted {
		live[strings.ToLower(n)] = n
	}

	ordered := append([]task.Definition(nil), defs...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID.Less(ordered[j].ID) })

	base, extra := len(ordered)/len(sorted), len(ordered)%len(sorted)
	load := make(map[string]int, len(sorted))
	big := 0

	var pending []task.Definition
	for _, d := range ordered {
		n, ok := live[strings.ToLower(strings.TrimSpace(d.Node))]
		switch {
		case !ok:
			pending = append(pending, d)
		case load[n] < base:
			load[n]++
			out[d.ID.String()] = n
		case load[n] == base && big < extra:
			load[n]++
			big++
			out[d.ID.String()] = n
		default:
			pending = append(pending, d)
		}
	}

	for _, d := range pending {
		target := sorted[0]
		for _, n := range sorted[1:] {
			if load[n] < load[target] {
				target = n
			}
		}
		load[target]++
		out[d.ID.String()] = target
	}
	return out
}

func (b *Balancer) Stats() Stats {
	return Stats{
		Passes:  b.passes.Load(),
		Ranges:  b.balanced.Load(),
		Moves:   b.moves.Load(),
		Skipped: b.skipped.Load(),
		Errors:  b.errs.Load(),
	}
}
