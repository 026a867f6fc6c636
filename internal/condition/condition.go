// Package condition decides whether a task is due and when to look again.
//
// Conditions form a closed set of variants (Completion, BalancerTrigger,
// Cron). Callers go through Evaluate, which dispatches over the variants in
// one place and turns a misbehaving variant into an error instead of a crash.
//
// Every variant answers two questions:
//   - Check(now): should the task fire at now?
//   - RetryTime(now): when is the next instant worth re-checking? ok=false
//     means "don't poll; wait for an external signal".
package condition

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"clustersched/internal/timerange"
)

type Kind string

const (
	KindCompletion Kind = "completion"
	KindBalancer   Kind = "balancer"
	KindCron       Kind = "cron"
)

var (
	ErrUnknownKind = errors.New("unknown condition kind")
	ErrInvalidSpec = errors.New("invalid condition spec")
)

// Condition is implemented only by the variants in this package.
type Condition interface {
	Kind() Kind
	sealed()
}

// Result is the outcome of one evaluation.
type Result struct {
	Due      bool
	Retry    time.Time
	HasRetry bool
	Err      error
}

// Evaluate checks c at now and computes its next retry.
//
// A panic inside a variant is reported via Result.Err and the condition is
// treated as not due.
func Evaluate(c Condition, now time.Time) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("condition %s panicked: %v", kindOf(c), r)}
		}
	}()

	switch v := c.(type) {
	case *Completion:
		res.Due = v.Check(now)
		res.Retry, res.HasRetry = v.RetryTime(now)
	case *BalancerTrigger:
		res.Due = v.Check(now)
		res.Retry, res.HasRetry = v.RetryTime(now)
	case *Cron:
		res.Due = v.Check(now)
		res.Retry, res.HasRetry = v.RetryTime(now)
	case nil:
		res.Err = fmt.Errorf("%w: nil condition", ErrUnknownKind)
	default:
		res.Err = fmt.Errorf("%w: %T", ErrUnknownKind, c)
	}
	return res
}

func kindOf(c Condition) string {
	if c == nil {
		return "<nil>"
	}
	return string(c.Kind())
}

// Spec is the serialisable description of a condition, stored with the task
// definition and carried in replication messages.
type Spec struct {
	Kind Kind `json:"kind"`
	// Task is the dependency name for completion conditions.
	Task string `json:"task,omitempty"`
	// Cron is the schedule for cron conditions.
	Cron string `json:"cron,omitempty"`
}

func (s Spec) Validate() error {
	switch s.Kind {
	case KindCompletion:
		if strings.TrimSpace(s.Task) == "" {
			return fmt.Errorf("%w: completion requires task", ErrInvalidSpec)
		}
	case KindBalancer:
	case KindCron:
		if _, err := cronParser.Parse(s.Cron); err != nil {
			return fmt.Errorf("%w: cron %q: %v", ErrInvalidSpec, s.Cron, err)
		}
	default:
		return fmt.Errorf("%w %q", ErrUnknownKind, s.Kind)
	}
	return nil
}

// Deps are the collaborators variants may need at construction time.
type Deps struct {
	Ranges   *timerange.Registry
	Location *time.Location
	// Now anchors stateful variants (cron); zero means time.Now().
	Now time.Time
}

// Build constructs the runtime variant for spec.
func Build(spec Spec, deps Deps) (Condition, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	switch spec.Kind {
	case KindCompletion:
		return NewCompletion(spec.Task), nil
	case KindBalancer:
		return NewBalancerTrigger(deps.Ranges), nil
	case KindCron:
		now := deps.Now
		if now.IsZero() {
			now = time.Now()
		}
		return NewCron(spec.Cron, deps.Location, now)
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownKind, spec.Kind)
}
