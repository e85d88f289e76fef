package store

import (
	"sync"

	"github.com/google/uuid"
)

// Event bus channel depth per subscriber. A full channel drops events
// rather than stalling the match runner.
const subscriberBuffer = 64

// EventBus fans live match events out to API subscribers. Persistence is
// the store's job; the bus only covers the window between poll cycles.
type EventBus struct {
	mu   sync.RWMutex
	subs map[string]map[string]chan *Event
}

// NewEventBus builds an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string]map[string]chan *Event)}
}

// Subscribe opens a channel receiving events for one match. The returned
// token identifies the subscription to Unsubscribe.
func (b *EventBus) Subscribe(matchID string) (string, <-chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	token := uuid.New().String()[:8]
	ch := make(chan *Event, subscriberBuffer)
	if b.subs[matchID] == nil {
		b.subs[matchID] = make(map[string]chan *Event)
	}
	b.subs[matchID][token] = ch
	return token, ch
}

// Unsubscribe closes a subscription. Unknown tokens are ignored.
func (b *EventBus) Unsubscribe(matchID, token string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[matchID]
	ch, ok := subs[token]
	if !ok {
		return
	}
	delete(subs, token)
	if len(subs) == 0 {
		delete(b.subs, matchID)
	}
	close(ch)
}

// Publish delivers an event to every subscriber of its match. Slow
// subscribers miss events instead of blocking the publisher.
func (b *EventBus) Publish(e *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[e.MatchID] {
		select {
		case ch <- e:
		default:
		}
	}
}
