package streaming

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/blockflow/pkg/schema"
)

// stream is the ordered history and subscriber set of one execution.
type stream struct {
	mu      sync.Mutex
	seq     int64
	history []schema.ExecutionEvent
	subs    map[uint64]*subscriber
}

// MemoryHub is an in-memory EventHub. Events of one execution are numbered
// and delivered in publish order; the history is kept until Forget.
type MemoryHub struct {
	mu      sync.RWMutex
	streams map[string]*stream
	taps    map[uint64]*subscriber
	nextID  atomic.Uint64
	now     func() time.Time
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		streams: make(map[string]*stream),
		taps:    make(map[uint64]*subscriber),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (h *MemoryHub) stream(executionID string) *stream {
	h.mu.RLock()
	st, ok := h.streams[executionID]
	h.mu.RUnlock()
	if ok {
		return st
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok = h.streams[executionID]; ok {
		return st
	}
	st = &stream{subs: make(map[uint64]*subscriber)}
	h.streams[executionID] = st
	return st
}

// Publish numbers the event, appends it to the execution history and queues
// it for every matching subscriber and tap.
func (h *MemoryHub) Publish(event schema.ExecutionEvent) schema.ExecutionEvent {
	if event.Timestamp.IsZero() {
		event.Timestamp = h.now()
	}
	st := h.stream(event.ExecutionID)

	st.mu.Lock()
	defer st.mu.Unlock()

	st.seq++
	event.Seq = st.seq
	st.history = append(st.history, event)
	for _, sub := range st.subs {
		sub.push(event)
	}

	// Taps are fed under the stream lock to keep per-execution order.
	h.mu.RLock()
	for _, tap := range h.taps {
		tap.push(event)
	}
	h.mu.RUnlock()

	return event
}

// Subscribe registers fn for events of executionID. With Replay, the history
// so far is queued ahead of live events atomically.
func (h *MemoryHub) Subscribe(executionID string, fn func(schema.ExecutionEvent), opts SubscribeOptions) func() {
	st := h.stream(executionID)
	id := h.nextID.Add(1)
	sub := newSubscriber(fn, opts.Filter)

	st.mu.Lock()
	if opts.Replay {
		for _, e := range st.history {
			sub.push(e)
		}
	}
	st.subs[id] = sub
	st.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			st.mu.Lock()
			delete(st.subs, id)
			st.mu.Unlock()
			sub.close(false)
		})
	}
}

// AddTap registers fn for events of all executions.
func (h *MemoryHub) AddTap(fn func(schema.ExecutionEvent), filter EventFilter) func() {
	id := h.nextID.Add(1)
	tap := newSubscriber(fn, filter)

	h.mu.Lock()
	h.taps[id] = tap
	h.mu.Unlock()

	go tap.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.taps, id)
			h.mu.Unlock()
			tap.close(true)
		})
	}
}

// History returns a copy of the events emitted so far for executionID.
func (h *MemoryHub) History(executionID string) []schema.ExecutionEvent {
	h.mu.RLock()
	st, ok := h.streams[executionID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]schema.ExecutionEvent(nil), st.history...)
}

// Forget drops the history of executionID. Subscribers receive what is
// already queued and are then closed.
func (h *MemoryHub) Forget(executionID string) {
	h.mu.Lock()
	st, ok := h.streams[executionID]
	delete(h.streams, executionID)
	h.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	subs := st.subs
	st.subs = make(map[uint64]*subscriber)
	st.history = nil
	st.mu.Unlock()

	for _, sub := range subs {
		sub.close(true)
	}
}

var _ EventHub = (*MemoryHub)(nil)
