package ledger

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oribe-ai/mokuroku/internal/model"
)

func TestQueueDrainOnce(t *testing.T) {
	q := NewQueue()
	q.Append(model.ManifestOpenedPayload{RunID: uuid.New(), TargetCombos: 3})
	q.Append(model.ManifestClosedPayload{RunID: uuid.New()})

	events := q.Drain()
	require.Len(t, events, 2)
	assert.Equal(t, model.EventManifestOpened, events[0].Type)
	assert.Equal(t, model.EventManifestClosed, events[1].Type)

	// Second drain yields nothing: consume-once semantics.
	assert.Empty(t, q.Drain())
	assert.Zero(t, q.Len())
}

func TestQueueAppendSetsTypeAndTimestamp(t *testing.T) {
	q := NewQueue()
	ev := q.Append(model.MIISkippedPayload{RunID: uuid.New(), Coverage: 0.5, Message: "below floor"})

	assert.Equal(t, model.EventMIISkipped, ev.Type)
	assert.False(t, ev.Timestamp.IsZero())
	assert.NotEqual(t, uuid.Nil, ev.ID)
}

func TestQueueSignalCoalesces(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 10; i++ {
		q.Append(model.ManifestOpenedPayload{RunID: uuid.New()})
	}

	// Many appends, at least one wakeup pending, appends never blocked.
	select {
	case <-q.Signal():
	default:
		t.Fatal("expected a pending wakeup after appends")
	}
	assert.Equal(t, 10, q.Len())
}

func TestQueueConcurrentAppends(t *testing.T) {
	q := NewQueue()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				q.Append(model.ManifestOpenedPayload{RunID: uuid.New()})
			}
		}()
	}
	wg.Wait()

	assert.Len(t, q.Drain(), 1000)
}
