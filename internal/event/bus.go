// Package event is the publication interface between the replay engine and
// its subscribers: one ordered handler list per category, invoked
// synchronously on the publishing goroutine.
package event

import (
	"sync"
)

// Subscription identifies one registered handler.
type Subscription struct {
	category Category
	id       uint64
}

// Category returns the category the handler is registered for.
func (s Subscription) Category() Category { return s.category }

type handler struct {
	id uint64
	fn func(Event)
}

// Bus holds the handler lists. Registration is safe from any goroutine;
// Publish is meant to be called from a single dispatch goroutine, and a handler
// that blocks delays every later event.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers [numCategories][]handler // Copy-on-write; never mutated in place
}

// NewBus returns a bus with no subscribers.
func NewBus() *Bus { return &Bus{} }

// Subscribe registers fn for category c. Handlers of one category run in
// registration order.
func (b *Bus) Subscribe(c Category, fn func(Event)) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	list := b.handlers[c]
	next := make([]handler, len(list), len(list)+1)
	copy(next, list)
	b.handlers[c] = append(next, handler{id: b.nextID, fn: fn})
	return Subscription{category: c, id: b.nextID}
}

// SubscribeAll registers fn for every category.
func (b *Bus) SubscribeAll(fn func(Event)) []Subscription {
	subs := make([]Subscription, 0, numCategories)
	for _, c := range Categories() {
		subs = append(subs, b.Subscribe(c, fn))
	}
	return subs
}

// Unsubscribe removes the handler. It reports whether it was registered.
func (b *Bus) Unsubscribe(s Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.handlers[s.category]
	for i, h := range list {
		if h.id != s.id {
			continue
		}
		next := make([]handler, 0, len(list)-1)
		next = append(next, list[:i]...)
		b.handlers[s.category] = append(next, list[i+1:]...)
		return true
	}
	return false
}

// Publish delivers e to the handlers of its category and returns how many
// ran. Handlers registered during the call see the next event, not this one.
func (b *Bus) Publish(e Event) int {
	b.mu.RLock()
	list := b.handlers[e.Category()]
	b.mu.RUnlock()

	for _, h := range list {
		h.fn(e)
	}
	return len(list)
}

// Subscribers returns the number of handlers registered for c.
func (b *Bus) Subscribers(c Category) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[c])
}

func (b *Bus) OnIncomingPlayerState(fn func(PlayerState)) Subscription {
	return b.Subscribe(IncomingPlayerState, func(e Event) { fn(e.(PlayerState)) })
}

func (b *Bus) OnOutgoingPlayerState(fn func(PlayerState)) Subscription {
	return b.Subscribe(OutgoingPlayerState, func(e Event) { fn(e.(PlayerState)) })
}

func (b *Bus) OnIncomingChat(fn func(Chat)) Subscription {
	return b.Subscribe(IncomingChat, func(e Event) { fn(e.(Chat)) })
}

func (b *Bus) OnIncomingPlayerEnteredWorld(fn func(PlayerEnteredWorld)) Subscription {
	return b.Subscribe(IncomingPlayerEnteredWorld, func(e Event) { fn(e.(PlayerEnteredWorld)) })
}

func (b *Bus) OnIncomingRideOn(fn func(RideOn)) Subscription {
	return b.Subscribe(IncomingRideOn, func(e Event) { fn(e.(RideOn)) })
}

func (b *Bus) OnCommandAvailable(fn func(Command)) Subscription {
	return b.Subscribe(CommandAvailable, func(e Event) { fn(e.(Command)) })
}

func (b *Bus) OnCommandSent(fn func(Command)) Subscription {
	return b.Subscribe(CommandSent, func(e Event) { fn(e.(Command)) })
}

// OnError registers fn for recoverable decode failures.
func (b *Bus) OnError(fn func(Report)) Subscription {
	return b.Subscribe(Error, func(e Event) { fn(e.(Report)) })
}
