package notify

import (
	"sync"

	"go.uber.org/zap"
)

const defaultBuffer = 64

// Hub is an in-process publish/subscribe broker keyed by topic. Delivery is
// at-most-once with no replay: subscribers joining after a publish never see
// it, and a subscriber whose buffer is full loses the message rather than
// blocking the publisher.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[int]chan Event
	nextID int
	buffer int
}

// NewHub creates a Hub with the default per-subscriber buffer.
func NewHub() *Hub {
	return &Hub{
		topics: make(map[string]map[int]chan Event),
		buffer: defaultBuffer,
	}
}

// Subscribe registers for events on a topic. The returned cancel function
// removes the subscription and closes the channel; it is safe to call twice.
func (h *Hub) Subscribe(topic string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	ch := make(chan Event, h.buffer)

	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[int]chan Event)
		h.topics[topic] = subs
	}
	subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs, ok := h.topics[topic]; ok {
				if ch, ok := subs[id]; ok {
					delete(subs, id)
					close(ch)
				}
				if len(subs) == 0 {
					delete(h.topics, topic)
				}
			}
		})
	}
	return ch, cancel
}

// Publish delivers an event to every current subscriber of the topic.
// Fire-and-forget: it never blocks and never fails with zero subscribers.
func (h *Hub) Publish(topic string, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.topics[topic] {
		select {
		case ch <- ev:
		default:
			zap.L().Warn("notify: subscriber buffer full, dropping event",
				zap.String("topic", topic),
				zap.String("type", string(ev.Type)),
			)
		}
	}
}

// PublishJob delivers an event on the job's topic.
func (h *Hub) PublishJob(jobID string, ev Event) {
	h.Publish(JobTopic(jobID), ev)
}

// Broadcast delivers an event on the global broadcast topic.
func (h *Hub) Broadcast(ev Event) {
	h.Publish(BroadcastTopic, ev)
}

// SubscriberCount reports current subscribers on a topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
