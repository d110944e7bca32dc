package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/qaml/internal/types"
)

// Handler receives one event. Handlers run on the publishing goroutine and
// must not call Publish on the same bus.
type Handler func(types.Event)

// Bus is the observable event hub. The agent publishes run events; the
// display, the history recorder and the audit trail subscribe.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[types.EventType][]Handler
	taps        []Handler
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[types.EventType][]Handler)}
}

// Publish delivers ev to every subscriber of ev.Type in subscription order,
// then to every tap. ID and Timestamp are filled in when missing.
//
// Expectations:
//   - Assigns a uuid ID and a UTC timestamp when they are zero
//   - Delivers synchronously: all handlers have returned when Publish returns
//   - Type subscribers are called before taps
//   - A nil *Bus is a no-op
func (b *Bus) Publish(ev types.Event) {
	if b == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := append([]Handler(nil), b.subscribers[ev.Type]...)
	taps := append([]Handler(nil), b.taps...)
	b.mu.RUnlock()

	for _, h := range subs {
		h(ev)
	}
	for _, h := range taps {
		h(ev)
	}
}

// Subscribe registers h for events of type t.
func (b *Bus) Subscribe(t types.EventType, h Handler) {
	b.mu.Lock()
	b.subscribers[t] = append(b.subscribers[t], h)
	b.mu.Unlock()
}

// Tap registers h for every event regardless of type.
func (b *Bus) Tap(h Handler) {
	b.mu.Lock()
	b.taps = append(b.taps, h)
	b.mu.Unlock()
}
