// Package events fans limiter decisions out to live subscribers.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/slotkeeper/slotkeeper/internal/metrics"
	"github.com/slotkeeper/slotkeeper/internal/ratelimit"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

// Broker is an in-memory publish/subscribe hub for ratelimit.Decision values.
// Publish never blocks: a subscriber whose buffer is full misses the event.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int]chan ratelimit.Decision
	nextID      int
	bufferSize  int

	dropped atomic.Int64
}

// NewBroker creates a broker with the given per-subscriber buffer.
func NewBroker(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broker{
		subscribers: make(map[int]chan ratelimit.Decision),
		bufferSize:  bufferSize,
	}
}

// Publish delivers d to every subscriber with room for it.
func (b *Broker) Publish(d ratelimit.Decision) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- d:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber. The returned function unsubscribes and
// closes the channel; calling it more than once is safe.
func (b *Broker) Subscribe() (<-chan ratelimit.Decision, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan ratelimit.Decision, b.bufferSize)
	b.subscribers[id] = ch
	metrics.StreamSubscribers.Inc()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
			metrics.StreamSubscribers.Dec()
		}
	}
	return ch, unsubscribe
}

// Subscribers returns the number of active subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// Close unsubscribes everyone.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
		metrics.StreamSubscribers.Dec()
	}
}
