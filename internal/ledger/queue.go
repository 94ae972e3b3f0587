package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oribe-ai/mokuroku/internal/model"
)

// Queue is the append-only, drain-once outgoing event queue.
//
// Appends may interleave from concurrent observation updates; draining is
// intended for a single consumer loop so per-run delivery order is
// preserved. Appends never block: the change signal is a best-effort
// buffered channel used by the SSE broker to wake up.
type Queue struct {
	mu     sync.Mutex
	events []model.Event
	signal chan struct{}
	clock  func() time.Time
}

// NewQueue creates an empty event queue.
func NewQueue() *Queue {
	return &Queue{
		signal: make(chan struct{}, 1),
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// Append adds a typed event to the queue and pokes the change signal.
func (q *Queue) Append(payload model.EventPayload) model.Event {
	ev := model.Event{
		ID:        uuid.New(),
		Type:      payload.EventType(),
		Timestamp: q.clock(),
		Payload:   payload,
	}

	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
		// A wakeup is already pending.
	}
	return ev
}

// Drain returns all queued events and clears the queue.
func (q *Queue) Drain() []model.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.events
	q.events = nil
	return events
}

// Len returns the number of undrained events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Signal returns a channel that receives a wakeup after appends.
// Multiple appends may coalesce into one wakeup.
func (q *Queue) Signal() <-chan struct{} {
	return q.signal
}
