package events

import (
	"sync"

	"stride/internal/domain"
)

// Bus fans committed events out to in-process subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the event and can catch up
// from the event log.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscriber
}

type subscriber struct {
	ch        chan domain.Event
	sessionID string
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]subscriber)}
}

// Subscribe registers a listener. An empty sessionID receives every event.
// The returned cancel func closes the channel and is safe to call twice.
func (b *Bus) Subscribe(sessionID string, buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan domain.Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscriber{ch: ch, sessionID: sessionID}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers events in order. It returns the number of deliveries
// dropped because a subscriber was full.
func (b *Bus) Publish(evts ...domain.Event) int {
	if b == nil {
		return 0
	}
	dropped := 0
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, evt := range evts {
		for _, s := range b.subs {
			if s.sessionID != "" && s.sessionID != evt.SessionID {
				continue
			}
			select {
			case s.ch <- evt:
			default:
				dropped++
			}
		}
	}
	return dropped
}

// Len reports the number of active subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
