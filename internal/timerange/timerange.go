// Package timerange holds the process-wide catalogue of named daily time
// windows. Ranges are read by the balancer-trigger condition and by the task
// balancer; they change only through administrative configuration.
package timerange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Proximity is the symmetric band around a range start that counts as
// "about to start".
const Proximity = 10 * time.Minute

const day = 24 * time.Hour

var ErrInvalidClock = errors.New("invalid time of day")

// Clock is a wall-clock time of day, stored as the offset from midnight.
type Clock time.Duration

// NewClock builds a Clock from hour/minute/second.
func NewClock(hour, minute, second int) Clock {
	return Clock(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute + time.Duration(second)*time.Second)
}

// ClockOf returns the time of day of t in t's location.
func ClockOf(t time.Time) Clock {
	h, m, s := t.Clock()
	return Clock(time.Duration(h)*time.Hour+time.Duration(m)*time.Minute+time.Duration(s)*time.Second) + Clock(time.Duration(t.Nanosecond()))
}

// ParseClock accepts "HH:MM" or "HH:MM:SS".
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("%w %q, expected HH:MM[:SS]", ErrInvalidClock, s)
	}
	lim := []int{23, 59, 59}
	vals := make([]int, 3)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v > lim[i] {
			return 0, fmt.Errorf("%w %q", ErrInvalidClock, s)
		}
		vals[i] = v
	}
	return NewClock(vals[0], vals[1], vals[2]), nil
}

func (c Clock) String() string {
	d := time.Duration(c)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	sec := int(d % time.Minute / time.Second)
	if sec != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

// On returns the instant of c on the calendar day of ref (ref's location).
func (c Clock) On(ref time.Time) time.Time {
	y, mo, d := ref.Date()
	off := time.Duration(c)
	return time.Date(y, mo, d, int(off/time.Hour), int(off%time.Hour/time.Minute), int(off%time.Minute/time.Second), 0, ref.Location())
}

func (c Clock) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Clock) UnmarshalText(b []byte) error {
	v, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// MinutesApart is the circular time-of-day distance between a and b,
// truncated to whole minutes. 23:58 and 00:05 are 7 minutes apart.
func MinutesApart(a, b Clock) int {
	diff := time.Duration(a - b)
	if diff < 0 {
		diff = -diff
	}
	diff %= day
	if alt := day - diff; alt < diff {
		diff = alt
	}
	return int(diff / time.Minute)
}

// WithinProximity reports whether start is within Proximity of now's time
// of day.
func WithinProximity(start Clock, now time.Time) bool {
	return MinutesApart(start, ClockOf(now)) <= int(Proximity/time.Minute)
}

// TimeRange is a named daily window.
type TimeRange struct {
	Name  string `json:"name"`
	Start Clock  `json:"start"`
	// Default marks the range used for tasks that don't bind one explicitly.
	Default bool `json:"default,omitempty"`
}

func (r TimeRange) String() string { return r.Name + "@" + r.Start.String() }

func less(a, b TimeRange) bool {
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	return a.Name < b.Name
}
