package replication

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	rtsup "clustersched/internal/runtime/supervisor"
	"clustersched/internal/task"
	logx "clustersched/pkg/logx"
)

var ErrNoTransport = errors.New("replication transport not configured")

type Config struct {
	// Node is the local member name stamped on outgoing envelopes.
	Node      string
	QueueSize int
	// PublishTimeout bounds one transport publish.
	PublishTimeout time.Duration
}

// Stats are best-effort counters.
type Stats struct {
	Queued    uint64 `json:"queued"`
	Sent      uint64 `json:"sent"`
	Dropped   uint64 `json:"dropped"`
	Received  uint64 `json:"received"`
	Applied   uint64 `json:"applied"`
	Ignored   uint64 `json:"ignored"`
	Malformed uint64 `json:"malformed"`
}

// Replicator applies changes to the local ReadModel and ships them to the
// other members through one ordered outbound queue.
//
// Publishing is fire-and-forget: the local apply always succeeds and a
// delivery failure is logged and skipped.
type Replicator struct {
	cfg   Config
	epoch string
	tr    Transport
	model *ReadModel
	log   logx.Logger
	warn  *logx.Throttle

	seq atomic.Uint64
	out chan Envelope

	mu        sync.Mutex
	sup       *rtsup.Supervisor
	lastSeen  map[string]senderPos
	listeners []func(Envelope)

	queued, sent, dropped                 atomic.Uint64
	received, applied, ignored, malformed atomic.Uint64
}

type senderPos struct {
	epoch string
	seq   uint64
}

func New(cfg Config, tr Transport, log logx.Logger) *Replicator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Replicator{
		cfg:      cfg,
		epoch:    uuid.NewString(),
		tr:       tr,
		model:    NewReadModel(),
		log:      log,
		warn:     logx.NewThrottle(0.1, 1),
		out:      make(chan Envelope, cfg.QueueSize),
		lastSeen: map[string]senderPos{},
	}
}

func (r *Replicator) Node() string      { return r.cfg.Node }
func (r *Replicator) Model() *ReadModel { return r.model }

// OnApply registers fn to run after every applied envelope, local or remote.
// fn runs with the replicator locked; it must neither block nor publish.
func (r *Replicator) OnApply(fn func(Envelope)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Replicator) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sup != nil {
		return nil
	}
	if r.tr == nil {
		return ErrNoTransport
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log))
	in, err := r.tr.Subscribe(sup.Context())
	if err != nil {
		sup.Cancel()
		return err
	}
	r.sup = sup

	sup.Go("replication.send", func(c context.Context) error {
		r.sendLoop(c)
		return nil
	})
	sup.Go("replication.receive", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return nil
			case b, ok := <-in:
				if !ok {
					return nil
				}
				r.receive(b)
			}
		}
	})
	r.log.Info("replication started", logx.String("node", r.cfg.Node))
	return nil
}

func (r *Replicator) Stop(ctx context.Context) {
	r.mu.Lock()
	sup := r.sup
	r.sup = nil
	r.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil {
		r.log.Warn("replication stop incomplete", logx.Err(err))
	}
}

func (r *Replicator) PublishTaskChange(c TaskChange) {
	if c.Def != nil {
		d := c.Def.Clone()
		c.Def = &d
	}
	r.publish(Envelope{Kind: KindTaskChange, TaskChange: &c})
}

func (r *Replicator) PublishActivityChange(c ActivityChange) {
	r.publish(Envelope{Kind: KindActivityChange, ActivityChange: &c})
}

func (r *Replicator) PublishSnapshot(s Snapshot) {
	r.publish(Envelope{Kind: KindSnapshot, Snapshot: &s})
}

// TaskAdded, TaskModified and TaskRemoved are shorthands over
// PublishTaskChange.
func (r *Replicator) TaskAdded(def task.Definition) {
	r.PublishTaskChange(TaskChange{Task: def.ID.String(), Def: &def, Action: ActionAdded})
}

func (r *Replicator) TaskModified(def task.Definition) {
	r.PublishTaskChange(TaskChange{Task: def.ID.String(), Def: &def, Action: ActionModified})
}

func (r *Replicator) TaskRemoved(name string) {
	r.PublishTaskChange(TaskChange{Task: name, Action: ActionRemoved})
}

func (r *Replicator) publish(env Envelope) {
	env.Sender = r.cfg.Node
	env.Epoch = r.epoch
	env.Sent = time.Now()

	// Sequence assignment and enqueue happen under one lock so the queue
	// order matches the sequence order.
	r.mu.Lock()
	env.Seq = r.seq.Add(1)
	r.applyLocked(env)
	select {
	case r.out <- env:
		r.queued.Add(1)
	default:
		r.dropped.Add(1)
		if r.warn.Allow("queue_full") {
			r.log.Warn("replication queue full; message dropped", logx.String("kind", string(env.Kind)), logx.Uint64("seq", env.Seq))
		}
	}
	r.mu.Unlock()
}

func (r *Replicator) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-r.out:
			b, err := Encode(env)
			if err != nil {
				r.dropped.Add(1)
				r.log.Error("replication encode failed", logx.String("kind", string(env.Kind)), logx.Err(err))
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
			err = r.tr.Publish(pctx, b)
			cancel()
			if err != nil {
				r.dropped.Add(1)
				if r.warn.Allow("publish") {
					r.log.Warn("replication publish failed; message skipped", logx.String("kind", string(env.Kind)), logx.Uint64("seq", env.Seq), logx.Err(err))
				}
				continue
			}
			r.sent.Add(1)
		}
	}
}

func (r *Replicator) receive(b []byte) {
	r.received.Add(1)
	env, err := Decode(b)
	if err != nil {
		r.malformed.Add(1)
		if r.warn.Allow("malformed") {
			r.log.Warn("replication message rejected", logx.Err(err))
		}
		return
	}
	r.Apply(env)
}

// Apply is the receive path: it applies env from another member to the
// local replica. Envelopes from the local member, and envelopes that are not
// newer than the last one seen from their sender, are ignored.
func (r *Replicator) Apply(env Envelope) bool {
	if strings.EqualFold(env.Sender, r.cfg.Node) {
		r.ignored.Add(1)
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	pos := r.lastSeen[env.Sender]
	if pos.epoch == env.Epoch && env.Seq <= pos.seq {
		r.ignored.Add(1)
		return false
	}
	r.lastSeen[env.Sender] = senderPos{epoch: env.Epoch, seq: env.Seq}
	r.applyLocked(env)
	return true
}

func (r *Replicator) applyLocked(env Envelope) {
	switch env.Kind {
	case KindTaskChange:
		if env.TaskChange == nil {
			return
		}
		r.model.applyTaskChange(*env.TaskChange)
	case KindActivityChange:
		if env.ActivityChange == nil {
			return
		}
		r.model.applyActivity(*env.ActivityChange)
	case KindSnapshot:
		if env.Snapshot == nil {
			return
		}
		r.model.applySnapshot(*env.Snapshot)
	default:
		return
	}
	r.applied.Add(1)
	for _, fn := range r.listeners {
		fn(env)
	}
}

func (r *Replicator) Stats() Stats {
	return Stats{
		Queued:    r.queued.Load(),
		Sent:      r.sent.Load(),
		Dropped:   r.dropped.Load(),
		Received:  r.received.Load(),
		Applied:   r.applied.Load(),
		Ignored:   r.ignored.Load(),
		Malformed: r.malformed.Load(),
	}
}
