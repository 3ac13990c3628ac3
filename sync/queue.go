package sync

import (
	"log/slog"
	gosync "sync"
)

// PassQueue is a thread-safe set-based FIFO of pair names waiting for a
// pass. A pair already waiting is not queued again, so bursts of ticks and
// watcher triggers collapse into one pass.
type PassQueue struct {
	mu     gosync.Mutex
	set    map[string]struct{}
	order  []string
	notify chan struct{} // signaled when items are added
}

// NewPassQueue creates an empty queue.
func NewPassQueue() *PassQueue {
	return &PassQueue{
		set:    make(map[string]struct{}),
		notify: make(chan struct{}, 1),
	}
}

// Push adds a pair name. Returns false if it was already queued.
func (q *PassQueue) Push(name string) bool {
	q.mu.Lock()
	if _, exists := q.set[name]; exists {
		q.mu.Unlock()
		if logEnabled(slog.LevelDebug) {
			sub("queue").Debug("push coalesced", "pair", name)
		}
		return false
	}
	q.set[name] = struct{}{}
	q.order = append(q.order, name)
	newLen := len(q.order)
	q.mu.Unlock()

	if logEnabled(slog.LevelDebug) {
		sub("queue").Debug("push", "pair", name, "queueLen", newLen)
	}

	// Non-blocking signal
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop removes and returns the next name. Blocks until a name is available
// or the done channel is closed. Returns ("", false) when done.
func (q *PassQueue) Pop(done <-chan struct{}) (string, bool) {
	for {
		q.mu.Lock()
		if len(q.order) > 0 {
			name := q.order[0]
			q.order = q.order[1:]
			delete(q.set, name)
			remaining := len(q.order)
			q.mu.Unlock()
			if logEnabled(slog.LevelDebug) {
				sub("queue").Debug("pop", "pair", name, "queueLen", remaining)
			}
			return name, true
		}
		q.mu.Unlock()

		select {
		case <-done:
			sub("queue").Debug("pop cancelled")
			return "", false
		case <-q.notify:
		}
	}
}

// Has checks if a name is currently queued.
func (q *PassQueue) Has(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, exists := q.set[name]
	return exists
}

// Len returns the current queue size.
func (q *PassQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Drain removes and returns all queued names.
func (q *PassQueue) Drain() []string {
	q.mu.Lock()
	result := q.order
	q.order = nil
	q.set = make(map[string]struct{})
	q.mu.Unlock()

	if logEnabled(slog.LevelDebug) {
		sub("queue").Debug("drain", "count", len(result))
	}
	return result
}
