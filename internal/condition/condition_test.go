package condition

import (
	"errors"
	"testing"
	"time"

	"clustersched/internal/timerange"
)

func at(h, m int) time.Time {
	return time.Date(2024, 6, 10, h, m, 0, 0, time.UTC)
}

func TestCompletionLatchFiresOncePerSignal(t *testing.T) {
	t.Parallel()
	c := NewCompletion("extract")
	now := at(10, 0)

	if c.Check(now) {
		t.Fatal("unarmed completion fired")
	}
	if _, ok := c.RetryTime(now); ok {
		t.Fatal("unarmed completion should have no retry")
	}

	c.SetComplete(true)
	if got, ok := c.RetryTime(now); !ok || !got.Equal(now) {
		t.Fatalf("armed RetryTime = %v,%v want now,true", got, ok)
	}
	if !c.Check(now) {
		t.Fatal("first Check after SetComplete(true) = false")
	}
	for i := 0; i < 3; i++ {
		if c.Check(now) {
			t.Fatalf("Check #%d after consume = true", i+2)
		}
	}
	if _, ok := c.RetryTime(now); ok {
		t.Fatal("consumed completion should have no retry")
	}
}

func TestCompletionConcurrentSignalsFireOnce(t *testing.T) {
	t.Parallel()
	c := NewCompletion("dep")
	c.SetComplete(true)

	fired := make(chan bool, 16)
	for i := 0; i < cap(fired); i++ {
		go func() { fired <- c.Check(time.Now()) }()
	}
	n := 0
	for i := 0; i < cap(fired); i++ {
		if <-fired {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("concurrent checks fired %d times, want 1", n)
	}
}

func TestBalancerTriggerProximity(t *testing.T) {
	t.Parallel()
	reg := timerange.NewRegistry(
		timerange.TimeRange{Name: "morning", Start: timerange.NewClock(9, 0, 0)},
		timerange.TimeRange{Name: "afternoon", Start: timerange.NewClock(14, 0, 0)},
	)
	b := NewBalancerTrigger(reg)

	if !b.Check(at(8, 51)) {
		t.Fatal("08:51 should be within 10 minutes of 09:00")
	}
	if b.Check(at(8, 45)) {
		t.Fatal("08:45 should not be within 10 minutes of 09:00")
	}
	if !b.Check(at(9, 10)) {
		t.Fatal("window is symmetric: 09:10 should match")
	}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{name: "before window", now: at(8, 45), want: at(8, 50)},
		{name: "inside window returns now", now: at(8, 51), want: at(8, 51)},
		{name: "between ranges", now: at(11, 0), want: at(13, 50)},
		{name: "after last range wraps", now: at(15, 0), want: at(8, 50).AddDate(0, 0, 1)},
	}
	for _, tt := range tests {
		got, ok := b.RetryTime(tt.now)
		if !ok {
			t.Fatalf("%s: RetryTime ok=false", tt.name)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("%s: RetryTime = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestBalancerTriggerMidnightWrap(t *testing.T) {
	t.Parallel()
	reg := timerange.NewRegistry(timerange.TimeRange{Name: "early", Start: timerange.NewClock(0, 5, 0)})
	b := NewBalancerTrigger(reg)

	now := at(23, 58)
	if !b.Check(now) {
		t.Fatal("23:58 should be 7 minutes from 00:05")
	}
	// Tomorrow 00:05 minus the window is 23:55 today, already behind now.
	if got, _ := b.RetryTime(now); !got.Equal(now) {
		t.Fatalf("RetryTime = %v, want now", got)
	}
	if got, _ := b.RetryTime(at(23, 0)); !got.Equal(at(23, 55)) {
		t.Fatalf("RetryTime(23:00) = %v, want 23:55 same day", got)
	}
}

func TestBalancerTriggerEmptyRegistry(t *testing.T) {
	t.Parallel()
	b := NewBalancerTrigger(timerange.NewRegistry())
	if b.Check(at(12, 0)) {
		t.Fatal("empty registry fired")
	}
	if _, ok := b.RetryTime(at(12, 0)); ok {
		t.Fatal("empty registry should not schedule a retry")
	}
}

func TestCronCoalescesMissedInstants(t *testing.T) {
	t.Parallel()
	c, err := NewCron("*/5 * * * *", time.UTC, at(10, 0))
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}
	if c.Check(at(10, 3)) {
		t.Fatal("fired before first instant")
	}
	if got, ok := c.RetryTime(at(10, 3)); !ok || !got.Equal(at(10, 5)) {
		t.Fatalf("RetryTime = %v,%v want 10:05", got, ok)
	}
	if !c.Check(at(10, 17)) {
		t.Fatal("expected firing after crossing instants")
	}
	if c.Check(at(10, 18)) {
		t.Fatal("missed instants should coalesce into one firing")
	}
	if got, _ := c.RetryTime(at(10, 18)); !got.Equal(at(10, 20)) {
		t.Fatalf("RetryTime = %v, want 10:20", got)
	}
}

type rogue struct{}

func (rogue) Kind() Kind { return "rogue" }
func (rogue) sealed()    {}

func TestEvaluateDispatch(t *testing.T) {
	t.Parallel()
	c := NewCompletion("dep")
	c.SetComplete(true)
	res := Evaluate(c, at(1, 0))
	if res.Err != nil || !res.Due || res.HasRetry {
		t.Fatalf("Evaluate(completion) = %+v", res)
	}

	if res := Evaluate(nil, at(1, 0)); !errors.Is(res.Err, ErrUnknownKind) || res.Due {
		t.Fatalf("Evaluate(nil) = %+v", res)
	}
	if res := Evaluate(rogue{}, at(1, 0)); !errors.Is(res.Err, ErrUnknownKind) {
		t.Fatalf("Evaluate(rogue) = %+v", res)
	}

	// A trigger with a nil registry behaves like an empty one.
	if res := Evaluate(NewBalancerTrigger(nil), at(1, 0)); res.Err != nil || res.Due {
		t.Fatalf("Evaluate(nil-registry trigger) = %+v", res)
	}
}

func TestBuildValidates(t *testing.T) {
	t.Parallel()
	if _, err := Build(Spec{Kind: KindCompletion}, Deps{}); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("completion without task: err = %v", err)
	}
	if _, err := Build(Spec{Kind: KindCron, Cron: "nope"}, Deps{}); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("bad cron: err = %v", err)
	}
	if _, err := Build(Spec{Kind: "weekly"}, Deps{}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("unknown kind: err = %v", err)
	}
	c, err := Build(Spec{Kind: KindCompletion, Task: "a"}, Deps{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if c.(*Completion).Target() != "a" {
		t.Fatal("target not carried")
	}
}
