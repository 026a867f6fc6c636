package logx

import (
	"sync"

	"golang.org/x/time/rate"
)

// Throttle limits how often a keyed message is emitted.
//
// Each key gets its own token bucket so one noisy task can't hide warnings
// from the others. The zero value is not usable; use NewThrottle.
type Throttle struct {
	mu    sync.Mutex
	every rate.Limit
	burst int
	keys  map[string]*rate.Limiter
}

// NewThrottle allows perSec messages per key with the given burst.
func NewThrottle(perSec float64, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{every: rate.Limit(perSec), burst: burst, keys: map[string]*rate.Limiter{}}
}

// Allow reports whether a message for key may be logged now.
func (t *Throttle) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	lim := t.keys[key]
	if lim == nil {
		lim = rate.NewLimiter(t.every, t.burst)
		t.keys[key] = lim
	}
	t.mu.Unlock()
	return lim.Allow()
}

// Forget drops the bucket of a key (e.g. when a task is removed).
func (t *Throttle) Forget(key string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.keys, key)
	t.mu.Unlock()
}

// Len is the number of keys with a bucket.
func (t *Throttle) Len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.keys)
}
