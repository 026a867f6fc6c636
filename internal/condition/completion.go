package condition

import (
	"sync/atomic"
	"time"
)

// Completion fires its task once per completion signal of the target task.
//
// Check is read-and-reset: SetComplete(true) arms the latch, the first Check
// consumes it. Check runs on the scheduler's evaluation goroutine while
// SetComplete is called from task-completion callbacks, so the latch is an
// atomic flag.
type Completion struct {
	target string
	armed  atomic.Bool
}

func NewCompletion(target string) *Completion {
	return &Completion{target: target}
}

func (*Completion) Kind() Kind { return KindCompletion }
func (*Completion) sealed()    {}

// Target is the name of the task whose completion arms the latch.
func (c *Completion) Target() string { return c.target }

func (c *Completion) SetComplete(v bool) { c.armed.Store(v) }

// Armed reports the latch without consuming it.
func (c *Completion) Armed() bool { return c.armed.Load() }

func (c *Completion) Check(time.Time) bool {
	return c.armed.CompareAndSwap(true, false)
}

// RetryTime returns now while armed; otherwise the condition stays parked
// until SetComplete(true).
func (c *Completion) RetryTime(now time.Time) (time.Time, bool) {
	if c.armed.Load() {
		return now, true
	}
	return time.Time{}, false
}
