// Package hub fans out realtime events to dashboard subscribers. Topics are
// cheap strings ("calls", "call:{sid}", "transcripts", "transcript:{sid}");
// each keeps a short replay buffer so a subscriber that connects mid-call
// sees recent history.
package hub

import (
	"sync"
	"time"
)

// replayDepth is how many recent events each topic retains for new
// subscribers.
const replayDepth = 50

// subscriberBuffer bounds the per-subscriber channel. A subscriber that
// cannot keep up has events dropped rather than stalling publishers.
const subscriberBuffer = 64

// Event is one realtime notification.
type Event struct {
	Topic     string    `json:"topic"`
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscriber receives events for the topics it subscribed to.
type Subscriber struct {
	ch     chan Event
	close  sync.Once
	closed chan struct{}

	mu      sync.Mutex
	dropped int
}

// Events is the subscriber's receive channel. It is never closed;
// consumers select on Closed to learn the subscriber was removed. Closing
// the channel itself would race with concurrent publishers still holding a
// reference to it.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Closed is signalled (by close) when the subscriber is removed from the
// hub and no further events will arrive.
func (s *Subscriber) Closed() <-chan struct{} { return s.closed }

// Dropped reports how many events were discarded because the subscriber
// fell behind.
func (s *Subscriber) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscriber) send(ev Event) {
	select {
	case <-s.closed:
	case s.ch <- ev:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

type topic struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
	ring []Event
}

// Hub routes published events to topic subscribers. Topic state is guarded
// per topic, so heavy traffic on one call does not contend with another.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]*topic
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{topics: make(map[string]*topic)}
}

func (h *Hub) topicFor(name string, create bool) *topic {
	h.mu.RLock()
	t, ok := h.topics[name]
	h.mu.RUnlock()
	if ok || !create {
		return t
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok = h.topics[name]; ok {
		return t
	}
	t = &topic{subs: make(map[*Subscriber]struct{})}
	h.topics[name] = t
	return t
}

// Publish delivers an event to every subscriber of the topic and records it
// in the topic's replay buffer.
func (h *Hub) Publish(topicName, eventType string, data any) {
	ev := Event{Topic: topicName, Type: eventType, Data: data, Timestamp: time.Now()}
	t := h.topicFor(topicName, true)

	t.mu.Lock()
	t.ring = append(t.ring, ev)
	if len(t.ring) > replayDepth {
		t.ring = t.ring[len(t.ring)-replayDepth:]
	}
	subs := make([]*Subscriber, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.send(ev)
	}
}

// Subscribe attaches a new subscriber to the given topics. Each topic's
// replay buffer is delivered first, before any live event published after
// this call.
func (h *Hub) Subscribe(topics ...string) *Subscriber {
	s := &Subscriber{
		ch:     make(chan Event, subscriberBuffer),
		closed: make(chan struct{}),
	}
	for _, name := range topics {
		t := h.topicFor(name, true)
		t.mu.Lock()
		for _, ev := range t.ring {
			s.send(ev)
		}
		t.subs[s] = struct{}{}
		t.mu.Unlock()
	}
	return s
}

// AddTopic subscribes s to an additional topic, with replay.
func (h *Hub) AddTopic(s *Subscriber, name string) {
	t := h.topicFor(name, true)
	t.mu.Lock()
	for _, ev := range t.ring {
		s.send(ev)
	}
	t.subs[s] = struct{}{}
	t.mu.Unlock()
}

// RemoveTopic unsubscribes s from one topic without closing it.
func (h *Hub) RemoveTopic(s *Subscriber, name string) {
	t := h.topicFor(name, false)
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.subs, s)
	t.mu.Unlock()
}

// Unsubscribe detaches the subscriber from every topic and signals Closed.
// The event channel is left open: a publisher that snapshotted the
// subscriber before removal may still attempt a send, and send resolves
// that race against the closed signal.
func (h *Hub) Unsubscribe(s *Subscriber) {
	s.close.Do(func() { close(s.closed) })
	h.mu.RLock()
	topics := make([]*topic, 0, len(h.topics))
	for _, t := range h.topics {
		topics = append(topics, t)
	}
	h.mu.RUnlock()
	for _, t := range topics {
		t.mu.Lock()
		delete(t.subs, s)
		t.mu.Unlock()
	}
}

// Direct delivers an event to a single subscriber, bypassing topic fan-out
// and the replay ring. Used for per-connection snapshots.
func (h *Hub) Direct(s *Subscriber, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.send(ev)
}

// SubscriberCount reports how many subscribers a topic currently has.
func (h *Hub) SubscriberCount(topicName string) int {
	t := h.topicFor(topicName, false)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
