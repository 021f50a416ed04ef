package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known event types published on the bus.
const (
	EventConfigReloaded   = "config.reloaded"
	EventBroadcastState   = "broadcast.state"
	EventBroadcastPulse   = "broadcast.progress"
	EventBroadcastDone    = "broadcast.done"
	EventMembersSynced    = "members.synced"
	EventListChanged      = "lists.changed"
	EventTransportStarted = "transport.started"
)

// Event is an in-memory signal decoupling components that should not
// import each other (the sync scheduler announcing a fresh snapshot,
// the runner announcing progress).
//
// Publish never blocks; a subscriber that stops draining its buffer
// loses events rather than stalling the publisher. Data should be
// small and JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())

	// Dropped reports how many events were discarded because a subscriber
	// buffer was full. Operational signal only.
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// Publish delivers e to every subscriber with room in its buffer.
// Sends happen under the read lock, so unsubscribe (which closes the
// channel under the write lock) can never race a send.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
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

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
