package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// subscriptionBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind loses events rather than stalling the publisher.
const subscriptionBuffer = 64

// Subscription is one in-process listener on a channel. Receive from C;
// Close when done.
type Subscription struct {
	C       <-chan []byte
	c       chan []byte
	channel string
	hub     *Hub
	once    sync.Once
}

// Close detaches the subscription from its hub.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.drop(s) })
}

// Hub is the in-process side of event delivery: components inside the
// process (the interact endpoint waiting for a reply, telemetry, tests)
// subscribe here, independent of any WebSocket client.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string][]*Subscription
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string][]*Subscription),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a listener on a channel.
func (h *Hub) Subscribe(channel string) *Subscription {
	sub := &Subscription{
		c:       make(chan []byte, subscriptionBuffer),
		channel: channel,
		hub:     h,
	}
	sub.C = sub.c

	h.mu.Lock()
	h.subs[channel] = append(h.subs[channel], sub)
	h.mu.Unlock()
	return sub
}

// Publish delivers a payload to every subscriber of the channel without
// blocking: a full subscriber drops the event.
func (h *Hub) Publish(channel string, payload []byte) {
	h.mu.RLock()
	subs := h.subs[channel]
	h.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.c <- payload:
		default:
			if h.dropped.Add(1)%100 == 1 {
				h.logger.Warn("Dropping events for slow subscriber",
					"channel", channel, "dropped_total", h.dropped.Load())
			}
		}
	}
}

// Dropped returns the lifetime count of events dropped on full subscriber
// buffers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// SubscriberCount returns the number of live subscriptions on a channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

func (h *Hub) drop(sub *Subscription) {
	h.mu.Lock()
	subs := h.subs[sub.channel]
	for i, s := range subs {
		if s == sub {
			h.subs[sub.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subs[sub.channel]) == 0 {
		delete(h.subs, sub.channel)
	}
	h.mu.Unlock()
	close(sub.c)
}
