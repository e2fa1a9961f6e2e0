package types

import (
	"container/list"
	"iter"
	"sync"
)

// CallbackManager keeps an ordered set of callbacks.
// Callbacks are invoked outside of the manager lock, so a callback
// may register or remove other callbacks.
type CallbackManager[T any] struct {
	mu     sync.RWMutex
	cbs    map[uint64]*list.Element
	order  list.List
	nextID uint64
}

type callback[T any] struct {
	id uint64
	fn T
}

// Len returns the number of registered callbacks.
func (m *CallbackManager[T]) Len() int {
	if m == nil {
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cbs)
}

// Add registers the callback and returns a function that removes it.
// The remove function is idempotent.
func (m *CallbackManager[T]) Add(fn T) (remove func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.cbs == nil {
		m.cbs = make(map[uint64]*list.Element)
	}
	m.cbs[id] = m.order.PushBack(&callback[T]{id, fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if el, ok := m.cbs[id]; ok {
				m.order.Remove(el)
				delete(m.cbs, id)
			}
			m.mu.Unlock()
		})
	}
}

// All returns an iterator over a snapshot of the registered callbacks in registration order.
func (m *CallbackManager[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		if m == nil {
			return
		}

		m.mu.RLock()
		fns := make([]T, 0, m.order.Len())
		for el := m.order.Front(); el != nil; el = el.Next() {
			fns = append(fns, el.Value.(*callback[T]).fn) //nolint:forcetypeassert
		}
		m.mu.RUnlock()

		for _, fn := range fns {
			if !yield(fn) {
				return
			}
		}
	}
}

// Range calls fn for each registered callback.
func (m *CallbackManager[T]) Range(fn func(T)) {
	for cb := range m.All() {
		fn(cb)
	}
}
