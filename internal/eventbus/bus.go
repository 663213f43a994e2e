package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Post lifecycle event types.
const (
	PostScheduled   = "post.scheduled"
	PostCancelled   = "post.cancelled"
	PostRetried     = "post.retried"
	PostDispatching = "post.dispatching"
	PostPublished   = "post.published"
	PostFailed      = "post.failed"

	DispatchSkipped = "dispatch.skipped"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

// PostEvent is the Data payload of post.* events.
type PostEvent struct {
	ID          string    `json:"id"`
	Platform    string    `json:"platform"`
	Status      string    `json:"status"`
	ScheduledAt time.Time `json:"scheduled_at"`
	RetryCount  int       `json:"retry_count"`
	Error       string    `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Holding the read lock while sending keeps unsubscribe from closing a
	// channel mid-send; sends never block so the hold is short.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
