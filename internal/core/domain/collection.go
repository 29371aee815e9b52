package domain

import (
	"sync"

	"go.uber.org/zap"

	"rtcsession/internal/core/events"
)

// Entity is anything stored in a Collection.
type Entity interface {
	Key() string
}

// CollectionEventKind is the kind of mutation a collection reports.
type CollectionEventKind int

const (
	EntityAdded CollectionEventKind = iota
	EntityRemoved
	EntityUpdated
)

// CollectionEvent describes one mutation.
type CollectionEvent[T Entity] struct {
	Kind   CollectionEventKind
	Entity T
	// Reason is set on removals.
	Reason DestroyReason
	// Changes is set on updates.
	Changes []PropertyChange
}

// Collection is a keyed set of entities that reports every mutation
// synchronously to its listeners.
type Collection[T Entity] struct {
	mu      sync.RWMutex
	items   map[string]T
	emitter *events.Emitter[CollectionEvent[T]]
}

// NewCollection creates an empty collection.
func NewCollection[T Entity](logger *zap.SugaredLogger) *Collection[T] {
	return &Collection[T]{
		items:   make(map[string]T),
		emitter: events.NewEmitter[CollectionEvent[T]](logger),
	}
}

// Events returns the emitter listeners subscribe to.
func (c *Collection[T]) Events() *events.Emitter[CollectionEvent[T]] {
	return c.emitter
}

// Add inserts item. Adding a key that is already present is a no-op that
// returns false.
func (c *Collection[T]) Add(item T) bool {
	c.mu.Lock()
	if _, exists := c.items[item.Key()]; exists {
		c.mu.Unlock()
		return false
	}
	c.items[item.Key()] = item
	c.mu.Unlock()

	c.emitter.Emit(CollectionEvent[T]{Kind: EntityAdded, Entity: item})
	return true
}

// Get returns the item with key id.
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[id]
	return item, ok
}

// Has reports whether key id is present.
func (c *Collection[T]) Has(id string) bool {
	_, ok := c.Get(id)
	return ok
}

// Remove deletes the item with key id and reports it with reason.
func (c *Collection[T]) Remove(id string, reason DestroyReason) (T, bool) {
	c.mu.Lock()
	item, ok := c.items[id]
	if ok {
		delete(c.items, id)
	}
	c.mu.Unlock()

	if ok {
		c.emitter.Emit(CollectionEvent[T]{Kind: EntityRemoved, Entity: item, Reason: reason})
	}
	return item, ok
}

// NotifyUpdated reports an in-place change of an item already present.
func (c *Collection[T]) NotifyUpdated(id string, changes []PropertyChange) bool {
	item, ok := c.Get(id)
	if !ok {
		return false
	}
	c.emitter.Emit(CollectionEvent[T]{Kind: EntityUpdated, Entity: item, Changes: changes})
	return true
}

// Len returns the number of items.
func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// All returns a snapshot of every item in no particular order.
func (c *Collection[T]) All() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]T, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, item)
	}
	return out
}

// Where returns the items matching pred.
func (c *Collection[T]) Where(pred func(T) bool) []T {
	var out []T
	for _, item := range c.All() {
		if pred(item) {
			out = append(out, item)
		}
	}
	return out
}

// Clear removes every item, reporting each removal with reason.
func (c *Collection[T]) Clear(reason DestroyReason) {
	for _, item := range c.All() {
		c.Remove(item.Key(), reason)
	}
}
