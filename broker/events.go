package broker

import (
	"sync"
)

// Event types pushed to session clients.
const (
	EventResponseCaptured       = "RESPONSE_CAPTURED"
	EventSendResult             = "SEND_RESULT"
	EventTabStatus              = "TAB_STATUS_UPDATE"
	EventNewConversationResults = "NEW_CONVERSATION_RESULTS"
)

// Event is one asynchronous notification.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Bus fans events out to subscribers. Delivery is best-effort: a subscriber
// that stops draining loses events rather than stalling the producers.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called to release the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
