// Package notify fans per-task updates out to any number of observers.
package notify

import (
	"errors"
	"sync"
)

// DefaultBuffer is the per-subscriber buffer used when none is configured.
const DefaultBuffer = 16

// ErrUnknownTopic is returned when subscribing to a topic that was never
// opened or has already been dropped.
var ErrUnknownTopic = errors.New("notify: unknown topic")

// Sequenced is implemented by every value carried through a Hub. Sequence
// numbers must be strictly increasing per topic.
type Sequenced interface {
	Seq() uint64
}

// Hub is a per-topic broadcast primitive. Publishers never block: each
// subscriber owns a bounded buffer and the oldest pending value is dropped
// when it is full.
type Hub[T Sequenced] struct {
	mu     sync.Mutex
	topics map[string]*topic[T]
	buffer int
}

type topic[T Sequenced] struct {
	latest    T
	hasLatest bool
	closed    bool
	subs      map[*Subscription[T]]struct{}
}

// Subscription is a handle on one observer's stream.
type Subscription[T Sequenced] struct {
	hub    *Hub[T]
	id     string
	ch     chan T
	closed bool
}

// NewHub creates a hub whose subscribers buffer up to buffer values.
func NewHub[T Sequenced](buffer int) *Hub[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub[T]{
		topics: make(map[string]*topic[T]),
		buffer: buffer,
	}
}

// Open registers a topic. Opening an existing topic is a no-op.
func (h *Hub[T]) Open(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.topics[id]; ok {
		return
	}
	h.topics[id] = &topic[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Publish records v as the latest value of the topic and delivers it to every
// live subscriber. Values whose sequence is not greater than the latest one,
// and values published after Close, are discarded.
func (h *Hub[T]) Publish(id string, v T) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[id]
	if !ok || t.closed {
		return false
	}
	if t.hasLatest && v.Seq() <= t.latest.Seq() {
		return false
	}
	t.latest = v
	t.hasLatest = true

	for sub := range t.subs {
		sub.offer(v)
	}
	return true
}

// Subscribe returns a stream that starts with the topic's latest value, if
// any. Subscribing to a closed topic yields that final value and then
// end-of-stream.
func (h *Hub[T]) Subscribe(id string) (*Subscription[T], error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[id]
	if !ok {
		return nil, ErrUnknownTopic
	}

	sub := &Subscription[T]{
		hub: h,
		id:  id,
		ch:  make(chan T, h.buffer),
	}
	if t.hasLatest {
		sub.ch <- t.latest
	}
	if t.closed {
		sub.closeLocked()
		return sub, nil
	}
	t.subs[sub] = struct{}{}
	return sub, nil
}

// Close ends the topic. Subscribers drain what is buffered, the terminal
// value included, and then observe end-of-stream. The topic stays
// subscribable until Drop so late observers still see the final value.
func (h *Hub[T]) Close(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[id]
	if !ok || t.closed {
		return
	}
	t.closed = true
	for sub := range t.subs {
		sub.closeLocked()
	}
	t.subs = nil
}

// Drop closes and forgets the topic.
func (h *Hub[T]) Drop(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[id]
	if !ok {
		return
	}
	for sub := range t.subs {
		sub.closeLocked()
	}
	delete(h.topics, id)
}

// Subscribers returns the number of live subscribers of a topic.
func (h *Hub[T]) Subscribers(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[id]; ok {
		return len(t.subs)
	}
	return 0
}

// C returns the channel the subscriber reads from. It is closed at
// end-of-stream.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Unsubscribe detaches the subscriber. It is safe to call more than once and
// after the topic was closed.
func (s *Subscription[T]) Unsubscribe() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()

	if t, ok := s.hub.topics[s.id]; ok && t.subs != nil {
		delete(t.subs, s)
	}
	s.closeLocked()
}

// offer delivers v without blocking, dropping the oldest buffered value when
// the buffer is full. Callers hold the hub lock, so there is a single sender.
func (s *Subscription[T]) offer(v T) {
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- v:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

func (s *Subscription[T]) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
