package streaming

import (
	"context"
	"slices"
	"sync"
)

const defaultChannelBuffer = 64

// MemoryHub is an in-process EventHub: one goroutine-safe subscriber table,
// buffered channels per subscriber. Delivery is non-blocking; a subscriber
// that falls behind loses events and recovers them by resuming from its last
// acknowledged sequence through the Streamer.
type MemoryHub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]hubSub
}

type hubSub struct {
	filter EventFilter
	ch     chan StreamEvent
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]hubSub)}
}

// Subscribe registers a filtered subscription and returns its channel plus an
// unsubscribe func. A cancelled context is rejected up front.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	ch := make(chan StreamEvent, defaultChannelBuffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = hubSub{filter: filter, ch: ch}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return ch, unsubscribe, nil
}

// Publish offers the event to every matching subscriber without blocking.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Slow subscriber, drop rather than stall the publisher.
		}
	}
	return nil
}

func (f EventFilter) matches(e StreamEvent) bool {
	if f.InstanceID != "" && f.InstanceID != e.InstanceID {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
		return false
	}
	return true
}
