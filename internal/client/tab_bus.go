package client

import "sync"

const TabLogout = "logout"

// TabEvent is announced to every client sharing a TabBus.
type TabEvent struct {
	Kind   string
	UserID string
	// Origin is the id of the publishing client.
	Origin string
}

// TabBus connects clients that share one identity store, the way browser
// tabs share storage. A logout in one tab ends the session in the others.
type TabBus struct {
	mu   sync.Mutex
	next int
	subs map[int]func(TabEvent)
}

func NewTabBus() *TabBus {
	return &TabBus{subs: make(map[int]func(TabEvent))}
}

// Subscribe registers fn and returns a function that removes it.
func (b *TabBus) Subscribe(fn func(TabEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish calls every subscriber, the publisher included, outside the lock.
func (b *TabBus) Publish(ev TabEvent) {
	b.mu.Lock()
	subs := make([]func(TabEvent), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}
