package replication

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryHub is an in-process Transport shared by several members living in
// the same process (tests, single-binary demos).
//
// Publish never blocks: a subscriber whose buffer is full misses the
// payload, which is counted in Dropped.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[uint64]chan []byte
	seq    atomic.Uint64
	buffer int

	dropped atomic.Uint64
}

func NewMemoryHub(buffer int) *MemoryHub {
	if buffer <= 0 {
		buffer = 1024
	}
	return &MemoryHub{subs: map[uint64]chan []byte{}, buffer: buffer}
}

func (h *MemoryHub) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- payload:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

func (h *MemoryHub) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ch := make(chan []byte, h.buffer)
	id := h.seq.Add(1)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		// Publish holds the read lock while sending, so no send can race this close.
		close(ch)
	}()
	return ch, nil
}

func (h *MemoryHub) Dropped() uint64 { return h.dropped.Load() }
