// Package gateway implements the event broadcaster and JSON-RPC control
// plane (C11): a fan-out bus with bounded per-subscriber queues delivers
// channel/agent events to connected clients, while a small JSON-RPC method
// table drives channel lifecycle control over the same websocket connection.
// Message delivery happens over the broadcaster, never as a JSON-RPC
// response (spec.md §4.11).
package gateway

import (
	"sync"

	"go.uber.org/zap"
)

// DefaultQueueSize bounds each subscriber's pending-event buffer.
const DefaultQueueSize = 64

// Event is a server push, wire-shaped per spec.md §6:
// { type: "event", event, data }.
type Event struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Event names from spec.md §4.11/§6.
const (
	EventChannelStarted = "channel.started"
	EventChannelStopped = "channel.stopped"
	EventChannelError   = "channel.error"
	EventChannelMessage = "channel.message"
	EventAgentResponse  = "agent.response"
	EventToolResult     = "tool.result"
)

// Broadcaster fans events out to subscribers, each with its own bounded
// queue. A subscriber whose queue is full when a new event arrives is
// dropped from the queue's perspective (spec.md §4.11: "slow subscribers
// are dropped on queue overflow") — the event is simply not delivered to
// it; the subscriber itself remains registered and may still read whatever
// is already queued.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	queueSize   int
}

// NewBroadcaster builds a Broadcaster whose subscriber queues hold queueSize events;
// queueSize <= 0 falls back to DefaultQueueSize.
func NewBroadcaster(queueSize int) *Broadcaster {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broadcaster{subscribers: map[string]chan Event{}, queueSize: queueSize}
}

// Subscribe registers id and returns the channel it will receive events on.
// Re-subscribing an existing id replaces its queue.
func (b *Broadcaster) Subscribe(id string) <-chan Event {
	ch := make(chan Event, b.queueSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes id and closes its queue. Safe to call more than once.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish delivers event to every current subscriber, dropping it for any
// subscriber whose queue is currently full.
func (b *Broadcaster) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			zap.L().Warn("gateway: dropping event for slow subscriber", zap.String("subscriber_id", id), zap.String("event", event.Event))
		}
	}
}

// SubscriberCount reports how many subscribers are currently registered.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
