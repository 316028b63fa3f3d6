// Package events multiplexes scan progress, finding and terminal events to
// subscribers.
//
// Delivery is lossy under backpressure: each subscriber owns a bounded
// buffer and the oldest buffered event is dropped when it fills. Events
// for a task are never reordered.
package events

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/soclab/argus/internal/models"
)

const defaultBufferSize = 256

var hubDroppedEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "argus",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped per subscriber because its buffer was full.",
	},
	[]string{"subscriber"},
)

func init() {
	prometheus.MustRegister(hubDroppedEvents)
}

// Subscriber receives events through C. Close the subscription with
// Hub.Unsubscribe.
type Subscriber struct {
	ID        string
	Principal string // non-admins only see their own tasks' events
	Admin     bool

	mu      sync.Mutex
	buf     []models.Event
	notify  chan struct{}
	closed  bool
	dropped uint64
	size    int
}

// Next blocks until an event is available or the subscription is closed.
// The second return is false once closed and drained.
func (s *Subscriber) Next() (models.Event, bool) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			ev := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return ev, true
		}
		if s.closed {
			s.mu.Unlock()
			return models.Event{}, false
		}
		notify := s.notify
		s.mu.Unlock()
		<-notify
	}
}

// TryNext returns the next buffered event without blocking.
func (s *Subscriber) TryNext() (models.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return models.Event{}, false
	}
	ev := s.buf[0]
	s.buf = s.buf[1:]
	return ev, true
}

// Dropped returns how many events this subscriber lost to backpressure.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscriber) push(ev models.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.buf) >= s.size {
		// Drop-oldest keeps the stream current for slow consumers
		s.buf = s.buf[1:]
		s.dropped++
		hubDroppedEvents.WithLabelValues(s.ID).Inc()
	}
	s.buf = append(s.buf, ev)
	notify := s.notify
	s.notify = make(chan struct{})
	s.mu.Unlock()
	close(notify)
}

func (s *Subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	notify := s.notify
	s.mu.Unlock()
	close(notify)
}

// Hub fans events out to subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*Subscriber
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]*Subscriber)}
}

// Subscribe registers a subscriber for the given principal. Admin
// subscribers see every task's events.
func (h *Hub) Subscribe(id, principal string, admin bool) *Subscriber {
	sub := &Subscriber{
		ID:        id,
		Principal: principal,
		Admin:     admin,
		notify:    make(chan struct{}),
		size:      defaultBufferSize,
	}
	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()
	log.Debug().Str("subscriber", id).Str("principal", principal).Msg("Event subscriber registered")
	return sub
}

// Unsubscribe removes and closes a subscriber.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		sub.close()
		log.Debug().Str("subscriber", id).Msg("Event subscriber removed")
	}
}

// Publish delivers the event to every subscriber allowed to see it. The
// call never blocks on slow subscribers.
func (h *Hub) Publish(ev models.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		if s.Admin || s.Principal == "" || ev.Principal == "" || s.Principal == ev.Principal {
			subs = append(subs, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range subs {
		s.push(ev)
	}
}

// SubscriberCount returns the number of registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
