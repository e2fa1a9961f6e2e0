package types

import "sync/atomic"

// Serializer runs queued functions one at a time in FIFO order.
//
// Flush drains the queue on the calling goroutine unless another goroutine
// is already draining it, in which case the other goroutine runs the queued
// functions. A function run by Flush may itself call Push and Flush,
// the nested Flush returns immediately and the outer one picks up the work.
type Serializer struct {
	queue    Deque[func()]
	draining atomic.Bool
}

// Push queues fn without running it.
func (s *Serializer) Push(fn ...func()) {
	s.queue.Append(fn...)
}

// Flush runs all queued functions.
func (s *Serializer) Flush() {
	for {
		if !s.draining.CompareAndSwap(false, true) {
			return
		}
		for {
			fn, ok := s.queue.PopFirst()
			if !ok {
				break
			}
			fn()
		}
		s.draining.Store(false)
		// Re-check: a concurrent Push may have landed after the last pop
		// but before the flag was cleared.
		if s.queue.IsEmpty() {
			return
		}
	}
}
