package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/oribe-ai/mokuroku/internal/ledger"
	"github.com/oribe-ai/mokuroku/internal/model"
)

// maxPending bounds the broker's undelivered-event buffer. When the single
// drain consumer falls this far behind, the oldest events are dropped.
const maxPending = 10_000

// Broker is the single consumer of the ledger event queue. It runs a
// background goroutine that drains the queue whenever it signals, holds the
// drained events for the poll endpoint, and fans each one out to SSE
// subscribers as it arrives.
type Broker struct {
	queue  *ledger.Queue
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}

	pendingMu sync.Mutex
	pending   []model.Event

	subscriberBuffer int
	hooks            []func(context.Context, model.Event)
}

// NewBroker creates a broker over the given queue. Call Start to begin
// draining.
func NewBroker(queue *ledger.Queue, subscriberBuffer int, logger *slog.Logger) *Broker {
	if subscriberBuffer <= 0 {
		subscriberBuffer = 64
	}
	return &Broker{
		queue:            queue,
		logger:           logger,
		subscribers:      make(map[chan []byte]struct{}),
		subscriberBuffer: subscriberBuffer,
	}
}

// RegisterHook adds a callback fired once per event, synchronously in the
// drain loop so hooks observe events in emission order. A hook that blocks
// stalls all event delivery; hand slow work off inside the hook.
// Must be called before Start.
func (b *Broker) RegisterHook(fn func(context.Context, model.Event)) {
	b.hooks = append(b.hooks, fn)
}

// Start drains the queue until ctx is cancelled. It blocks, so call it in a
// goroutine.
func (b *Broker) Start(ctx context.Context) {
	b.logger.Info("broker: draining event queue")
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.queue.Signal():
			for _, ev := range b.queue.Drain() {
				b.deliver(ctx, ev)
			}
		}
	}
}

func (b *Broker) deliver(ctx context.Context, ev model.Event) {
	b.pendingMu.Lock()
	b.pending = append(b.pending, ev)
	if len(b.pending) > maxPending {
		dropped := len(b.pending) - maxPending
		b.pending = b.pending[dropped:]
		b.logger.Warn("broker: pending buffer full, dropping oldest events", "dropped", dropped)
	}
	b.pendingMu.Unlock()

	for _, hook := range b.hooks {
		hook(ctx, ev)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("broker: marshal event", "type", ev.Type, "error", err)
		return
	}
	b.broadcast(formatSSE(string(ev.Type), string(data)))
}

// DrainPending returns all undelivered events and clears the buffer.
func (b *Broker) DrainPending() []model.Event {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

// Pending reports the number of undelivered events.
func (b *Broker) Pending() int {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return len(b.pending)
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, b.subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to all subscribers. Slow subscribers with a full
// buffer are skipped (their event is dropped) to prevent one slow client from
// blocking all others.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats an event as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
