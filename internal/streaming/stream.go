package streaming

import (
	"context"
	"encoding/json"

	"github.com/rendis/conduit/internal/store"
)

// EventBridge decorates a Store so every appended state-change event is also
// published to the live hub, carrying the sequence the store assigned. The
// engine keeps writing through the plain Store interface; subscribers get
// live delivery without the engine knowing the hub exists.
type EventBridge struct {
	store.Store
	hub EventHub
}

// NewEventBridge wraps a store with live event publication.
func NewEventBridge(st store.Store, hub EventHub) *EventBridge {
	return &EventBridge{Store: st, hub: hub}
}

func (b *EventBridge) AppendEvent(ctx context.Context, event *store.StateChangeEvent) error {
	if err := b.Store.AppendEvent(ctx, event); err != nil {
		return err
	}
	// Best-effort: the persisted log is the source of truth, the hub is a
	// delivery optimization.
	_ = b.hub.Publish(ctx, toStreamEvent(event))
	return nil
}

func toStreamEvent(event *store.StateChangeEvent) StreamEvent {
	return StreamEvent{
		InstanceID: event.InstanceID,
		Node:       event.Node,
		EventType:  event.Type,
		Sequence:   event.Sequence,
		Payload:    decodePayload(event.Payload),
	}
}

func decodePayload(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// EventSource is the slice of the Store the Streamer replays from.
type EventSource interface {
	GetEvents(ctx context.Context, instanceID string, sinceSeq int64) ([]*store.StateChangeEvent, error)
}

// Streamer merges persisted event history with live hub delivery so a
// consumer can resume from its last acknowledged sequence without a gap:
// subscribe live first, replay everything after sinceSeq from the store,
// then forward live events deduplicated by sequence.
type Streamer struct {
	src EventSource
	hub EventHub
}

// NewStreamer creates a Streamer over an event source and hub.
func NewStreamer(src EventSource, hub EventHub) *Streamer {
	return &Streamer{src: src, hub: hub}
}

// SubscribeFrom streams an instance's events starting after sinceSeq
// (0 replays the full history). The channel closes when ctx is done; events
// are delivered in sequence order exactly once.
func (s *Streamer) SubscribeFrom(ctx context.Context, instanceID string, sinceSeq int64) (<-chan StreamEvent, error) {
	live, cancel, err := s.hub.Subscribe(ctx, EventFilter{InstanceID: instanceID})
	if err != nil {
		return nil, err
	}
	history, err := s.src.GetEvents(ctx, instanceID, sinceSeq)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan StreamEvent, defaultChannelBuffer)
	go func() {
		defer cancel()
		defer close(out)

		last := sinceSeq
		for _, ev := range history {
			if ev.Sequence <= last {
				continue
			}
			select {
			case out <- toStreamEvent(ev):
				last = ev.Sequence
			case <-ctx.Done():
				return
			}
		}

		for {
			select {
			case ev, ok := <-live:
				if !ok {
					return
				}
				if ev.Sequence <= last {
					continue // already replayed from the store
				}
				select {
				case out <- ev:
					last = ev.Sequence
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
