package bus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/paveldudka/async-job-scheduler/internal/jobs"
	"github.com/paveldudka/async-job-scheduler/internal/logger"
)

// subscriberBuffer bounds the backlog of a slow subscriber. Events beyond
// it are dropped for that subscriber only.
const subscriberBuffer = 16

// Subscriber is one registered consumer of bus events. Events arrive on C
// in publish order for any single topic.
type Subscriber struct {
	ID       uuid.UUID
	C        chan jobs.Event
	topic    string
	wildcard bool
	once     sync.Once
}

// Topic returns the topic the subscriber registered for; empty for
// wildcard subscribers.
func (s *Subscriber) Topic() string { return s.topic }

// Hub is the in-process topic-keyed publish/subscribe primitive. Delivery
// is best-effort and at-most-once per subscriber: there is no replay
// buffer, and a publisher never blocks on a slow or absent consumer.
type Hub struct {
	log      *logger.Logger
	mu       sync.RWMutex
	topics   map[string]map[*Subscriber]struct{}
	wildcard map[*Subscriber]struct{}
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:      log.With("component", "Hub"),
		topics:   make(map[string]map[*Subscriber]struct{}),
		wildcard: make(map[*Subscriber]struct{}),
	}
}

// Subscribe registers for a single topic.
func (h *Hub) Subscribe(topic string) *Subscriber {
	sub := &Subscriber{
		ID:    uuid.New(),
		C:     make(chan jobs.Event, subscriberBuffer),
		topic: topic,
	}
	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("Subscriber added", "subscriber_id", sub.ID, "topic", topic)
	return sub
}

// SubscribeAll registers for every job topic.
func (h *Hub) SubscribeAll() *Subscriber {
	sub := &Subscriber{
		ID:       uuid.New(),
		C:        make(chan jobs.Event, subscriberBuffer),
		wildcard: true,
	}
	h.mu.Lock()
	h.wildcard[sub] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("Wildcard subscriber added", "subscriber_id", sub.ID)
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Safe to call
// more than once and from any of the gateway's cleanup triggers.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if sub.wildcard {
		delete(h.wildcard, sub)
	} else if subs, ok := h.topics[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.topics, sub.topic)
		}
	}
	h.mu.Unlock()

	// Publish sends only under the read lock, so after removal above no
	// send can race the close.
	sub.once.Do(func() { close(sub.C) })
	h.log.Debug("Subscriber removed", "subscriber_id", sub.ID)
}

// Publish fans the event out to the topic's subscribers and every
// wildcard subscriber. It never blocks: a full subscriber buffer drops
// the event for that subscriber alone.
func (h *Hub) Publish(evt jobs.Event) {
	topic := evt.Topic()
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.topics[topic] {
		h.send(sub, evt)
	}
	for sub := range h.wildcard {
		h.send(sub, evt)
	}
}

func (h *Hub) send(sub *Subscriber, evt jobs.Event) {
	select {
	case sub.C <- evt:
	default:
		h.log.Warn("Dropping event; subscriber buffer full", "subscriber_id", sub.ID, "topic", evt.Topic())
	}
}
