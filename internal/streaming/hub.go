package streaming

import "context"

// StreamEvent is a real-time state-change event emitted during instance
// execution. Sequence is the per-instance monotonic position from the
// persisted event log, so consumers can acknowledge and resume.
type StreamEvent struct {
	InstanceID string `json:"instance_id"`
	Node       string `json:"node,omitempty"`
	EventType  string `json:"event_type"`
	Sequence   int64  `json:"sequence"`
	Payload    any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	InstanceID string   `json:"instance_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for live instance events. Replay of history is
// the Streamer's job; the hub only carries what happens after Subscribe.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
