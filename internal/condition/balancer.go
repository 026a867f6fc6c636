package condition

import (
	"time"

	"clustersched/internal/timerange"
)

// BalancerTrigger is due whenever some registered time range starts within
// timerange.Proximity of now. It holds no state of its own.
type BalancerTrigger struct {
	ranges *timerange.Registry
}

func NewBalancerTrigger(ranges *timerange.Registry) *BalancerTrigger {
	return &BalancerTrigger{ranges: ranges}
}

func (*BalancerTrigger) Kind() Kind { return KindBalancer }
func (*BalancerTrigger) sealed()    {}

func (b *BalancerTrigger) Check(now time.Time) bool {
	for _, tr := range b.ranges.TimeRanges() {
		if timerange.WithinProximity(tr.Start, now) {
			return true
		}
	}
	return false
}

// RetryTime is the earliest upcoming range start minus the proximity window.
// Past today's last start it wraps to tomorrow's first. If that instant is
// already behind now, now is returned so the check happens immediately.
func (b *BalancerTrigger) RetryTime(now time.Time) (time.Time, bool) {
	ranges := b.ranges.TimeRanges()
	if len(ranges) == 0 {
		return time.Time{}, false
	}

	nowClock := timerange.ClockOf(now)
	var next time.Time
	for _, tr := range ranges {
		if tr.Start >= nowClock {
			next = tr.Start.On(now)
			break
		}
	}
	if next.IsZero() {
		next = ranges[0].Start.On(now.AddDate(0, 0, 1))
	}

	at := next.Add(-timerange.Proximity)
	if at.Before(now) {
		return now, true
	}
	return at, true
}
