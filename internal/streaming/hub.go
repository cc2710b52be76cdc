package streaming

import "github.com/rendis/blockflow/pkg/schema"

// EventFilter restricts which event types a subscriber receives. An empty
// filter matches everything.
type EventFilter struct {
	Types []schema.EventType `json:"types,omitempty"`
}

// SubscribeOptions configures a per-execution subscription.
type SubscribeOptions struct {
	// Replay delivers every event already emitted for the execution before
	// live events, in original order and without duplicates.
	Replay bool        `json:"replay,omitempty"`
	Filter EventFilter `json:"filter,omitempty"`
}

// EventHub provides ordered pub/sub for execution events.
type EventHub interface {
	// Publish assigns the next sequence number of the execution and delivers
	// the event. It never blocks on slow subscribers and never drops events.
	Publish(event schema.ExecutionEvent) schema.ExecutionEvent
	// Subscribe registers fn for one execution and returns its cancel func.
	Subscribe(executionID string, fn func(schema.ExecutionEvent), opts SubscribeOptions) func()
	// AddTap registers fn for the events of every execution.
	AddTap(fn func(schema.ExecutionEvent), filter EventFilter) func()
}

func (f EventFilter) match(e schema.ExecutionEvent) bool {
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}
