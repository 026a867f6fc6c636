package condition

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cron is due once for every schedule instant crossed since the last check.
// Several missed instants coalesce into a single firing.
type Cron struct {
	spec  string
	sched cron.Schedule
	loc   *time.Location

	mu   sync.Mutex
	last time.Time
}

// NewCron parses spec in loc (nil means time.Local); anchor is the instant
// after which the first firing is looked for.
func NewCron(spec string, loc *time.Location, anchor time.Time) (*Cron, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}
	return &Cron{spec: spec, sched: sched, loc: loc, last: anchor.In(loc)}, nil
}

func (*Cron) Kind() Kind { return KindCron }
func (*Cron) sealed()    {}

func (c *Cron) Spec() string { return c.spec }

func (c *Cron) Check(now time.Time) bool {
	now = now.In(c.loc)
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.sched.Next(c.last)
	if next.IsZero() || next.After(now) {
		return false
	}
	c.last = now
	return true
}

func (c *Cron) RetryTime(now time.Time) (time.Time, bool) {
	now = now.In(c.loc)
	c.mu.Lock()
	next := c.sched.Next(c.last)
	c.mu.Unlock()
	if next.IsZero() {
		return time.Time{}, false
	}
	if next.Before(now) {
		return now, true
	}
	return next, true
}
