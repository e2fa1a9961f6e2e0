package syncutil

import "sync"

// KeyMutex provides a mutex per key.
// Per-key mutexes are reference counted and released once no goroutine holds or waits for them.
type KeyMutex[K comparable] struct {
	mu   sync.Mutex
	muxs map[K]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock acquires the mutex for the given key.
// Returns a function that releases the mutex.
func (km *KeyMutex[K]) Lock(key K) (unlock func()) {
	km.mu.Lock()
	if km.muxs == nil {
		km.muxs = make(map[K]*refMutex)
	}
	m, ok := km.muxs[key]
	if !ok {
		m = &refMutex{}
		km.muxs[key] = m
	}
	m.refs++
	km.mu.Unlock()

	m.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.Unlock()

			km.mu.Lock()
			m.refs--
			if m.refs == 0 {
				delete(km.muxs, key)
			}
			km.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently locked or awaited.
func (km *KeyMutex[K]) Len() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.muxs)
}
