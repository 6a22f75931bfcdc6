package events

import (
	"sync"

	"github.com/amaumene/sermonsync/internal/models"
)

// queue is an unbounded FIFO of change events. Handlers publish follow-up
// events onto queues drained by the same workers, so Enqueue never blocks.
type queue struct {
	mu     sync.Mutex
	events []models.ChangeEvent
	closed bool
	signal chan struct{} // buffered, size 1
}

func newQueue() *queue {
	return &queue{
		events: make([]models.ChangeEvent, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends e; returns false once the queue is closed
func (q *queue) Enqueue(e models.ChangeEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the front event without blocking
func (q *queue) TryDequeue() (models.ChangeEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return models.ChangeEvent{}, false
	}
	e := q.events[0]
	q.events[0] = models.ChangeEvent{}
	q.events = q.events[1:]
	return e, true
}

// Len returns the number of queued events
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close stops accepting events and wakes any waiter
func (q *queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Signal returns the channel that fires when events may be available
func (q *queue) Signal() <-chan struct{} {
	return q.signal
}
