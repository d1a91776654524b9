package events

import (
	"sync"

	"tradebot/internal/monitor"
)

// Bus routes payloads between the bot's components by channel name.
// Delivery is at-most-once: nothing is persisted and there is no
// ordering guarantee across channels, so consumers correlate by client
// order id, never by arrival order.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	topics map[string]map[uint64]chan any
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{topics: make(map[string]map[uint64]chan any)}
}

// Subscribe registers a listener on a channel and returns its buffered
// stream plus an unsubscribe func. Unsubscribing closes the stream and
// is safe to call more than once.
func (b *Bus) Subscribe(channel string, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[channel]
	if !ok {
		subs = make(map[uint64]chan any)
		b.topics[channel] = subs
	}
	id := b.nextID
	b.nextID++
	ch := make(chan any, buffer)
	subs[id] = ch

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, live := b.topics[channel][id]; live {
			delete(b.topics[channel], id)
			close(c)
		}
	}
	return ch, unsub
}

// Publish hands the payload to every subscriber that can take it right
// now. A subscriber with a full buffer misses the message rather than
// stalling the publisher; the engine's pending timeout and
// reconciliation absorb a lost update.
func (b *Bus) Publish(channel string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.topics[channel] {
		select {
		case ch <- payload:
		default:
			monitor.BusDropped.WithLabelValues(channel).Inc()
		}
	}
}
