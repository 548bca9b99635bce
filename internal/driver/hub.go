package driver

import (
	"sync"
)

// Hub fans change events out to subscribers.
//
// Each subscription owns a goroutine draining an unbounded FIFO queue, so
// Publish never blocks on a handler and events reach every handler in the
// order they were published. Drivers call Publish while still holding the
// lock that serialized the write, which makes publication order equal to
// commit order.
type Hub struct {
	mu     sync.Mutex
	next   uint64
	subs   map[uint64]*subscription
	closed bool
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscription)}
}

// Subscribe registers h for events of collection.
func (h *Hub) Subscribe(collection string, fn Handler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return func() {}
	}
	s := &subscription{
		collection: collection,
		fn:         fn,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	id := h.next
	h.next++
	h.subs[id] = s
	go s.loop()
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			s.stop()
		})
	}
}

// Publish queues ev for every subscriber of its collection. Each subscriber
// gets its own copy of the record.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if s.collection != ev.Collection {
			continue
		}
		e := ev
		e.Record = ev.Record.Clone()
		s.push(e)
	}
}

// Len returns the number of active subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close stops every subscription. Queued events are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = map[uint64]*subscription{}
	h.closed = true
	h.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

type subscription struct {
	collection string
	fn         Handler
	wake       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once

	mu    sync.Mutex
	queue []Event
}

func (s *subscription) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *subscription) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(ev)
		}
	}
}
