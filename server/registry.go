package server

import "sync"

// named is implemented by every pluggable strategy.
type named interface {
	Name() string
}

// registry is a name-keyed set of strategies. The first registration of a
// name wins and iteration follows registration order.
type registry[T named] struct {
	mu    sync.RWMutex
	byKey map[string]T
	order []string
}

func newRegistry[T named]() *registry[T] {
	return &registry[T]{byKey: make(map[string]T)}
}

// register adds item unless its name is taken. It reports whether item was added.
func (r *registry[T]) register(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := item.Name()
	if _, exists := r.byKey[name]; exists {
		return false
	}
	r.byKey[name] = item
	r.order = append(r.order, name)
	return true
}

func (r *registry[T]) get(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.byKey[name]
	return item, ok
}

func (r *registry[T]) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *registry[T]) all() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]T, 0, len(r.order))
	for _, name := range r.order {
		items = append(items, r.byKey[name])
	}
	return items
}
