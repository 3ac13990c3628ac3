package sync

import (
	gosync "sync"
)

// Message types carried on the EventBus.
const (
	MessageEvent = "event"
	MessagePass  = "pass_completed"
)

// BusMessage is one item broadcast to subscribers: a live SyncEvent while
// a pass runs, or the summary once it finishes.
type BusMessage struct {
	Type    string       `json:"type"`
	Pair    string       `json:"pair"`
	Event   *SyncEvent   `json:"event,omitempty"`
	Summary *PassSummary `json:"summary,omitempty"`
}

// EventBus broadcasts BusMessages to all subscribers.
type EventBus struct {
	mu      gosync.RWMutex
	clients map[chan BusMessage]struct{}
}

// NewEventBus creates a new EventBus.
func NewEventBus() *EventBus {
	return &EventBus{
		clients: make(map[chan BusMessage]struct{}),
	}
}

// Subscribe registers a new client and returns its channel.
func (b *EventBus) Subscribe() chan BusMessage {
	ch := make(chan BusMessage, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *EventBus) Unsubscribe(ch chan BusMessage) {
	b.mu.Lock()
	delete(b.clients, ch)
	b.mu.Unlock()
	close(ch)
}

// Publish sends a message to all subscribers.
// Slow subscribers are skipped (non-blocking send).
func (b *EventBus) Publish(msg BusMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- msg:
		default:
			// slow client, drop message
		}
	}
}

// PublishEvent broadcasts a single SyncEvent for pair.
func (b *EventBus) PublishEvent(pair string, e SyncEvent) {
	b.Publish(BusMessage{Type: MessageEvent, Pair: pair, Event: &e})
}

// PublishSummary broadcasts the end-of-pass summary.
func (b *EventBus) PublishSummary(s PassSummary) {
	b.Publish(BusMessage{Type: MessagePass, Pair: s.Pair, Summary: &s})
}

// Subscribers returns the number of connected subscribers.
func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
