package streaming

import (
	"sync"

	"github.com/rendis/blockflow/pkg/schema"
)

// subscriber owns an unbounded FIFO drained by a single goroutine, so a slow
// callback delays only itself.
type subscriber struct {
	fn     func(schema.ExecutionEvent)
	filter EventFilter

	mu      sync.Mutex
	cond    *sync.Cond
	items   []schema.ExecutionEvent
	closed  bool
	discard bool
	done    chan struct{}
}

func newSubscriber(fn func(schema.ExecutionEvent), filter EventFilter) *subscriber {
	s := &subscriber{fn: fn, filter: filter, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber) push(e schema.ExecutionEvent) {
	if !s.filter.match(e) {
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.items = append(s.items, e)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// close stops the subscriber. With drain, queued events are still delivered.
func (s *subscriber) close(drain bool) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.discard = !drain
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.items) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.discard || (s.closed && len(s.items) == 0) {
			s.mu.Unlock()
			return
		}
		e := s.items[0]
		s.items[0] = schema.ExecutionEvent{}
		s.items = s.items[1:]
		s.mu.Unlock()

		s.deliver(e)
	}
}

func (s *subscriber) deliver(e schema.ExecutionEvent) {
	defer func() { _ = recover() }()
	s.fn(e)
}
