package timeutil

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultTick  = 10 * time.Millisecond
	DefaultSlots = 512
)

var (
	defWheelOnce sync.Once
	defWheel     *Wheel
)

// DefaultWheel returns the process-wide wheel with [DefaultTick] resolution.
func DefaultWheel() *Wheel {
	defWheelOnce.Do(func() {
		defWheel = NewWheel(DefaultTick, DefaultSlots)
	})
	return defWheel
}

// Wheel is a hashed timing wheel.
// Timer resolution equals the wheel tick, expiries are never delivered early.
type Wheel struct {
	tick time.Duration

	mu       sync.Mutex
	slots    []list.List
	pos      int
	lastTick time.Time
	count    int
	running  bool
	stopped  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewWheel creates a wheel with the given tick and number of slots.
// Non-positive values fall back to [DefaultTick] and [DefaultSlots].
func NewWheel(tick time.Duration, slots int) *Wheel {
	if tick <= 0 {
		tick = DefaultTick
	}
	if slots <= 0 {
		slots = DefaultSlots
	}
	return &Wheel{
		tick:   tick,
		slots:  make([]list.List, slots),
		stopCh: make(chan struct{}),
	}
}

// Tick returns the wheel resolution.
func (w *Wheel) Tick() time.Duration { return w.tick }

// Len returns the number of armed timers.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// NewTimer creates an unarmed timer that calls fn in its own goroutine on expiry.
// Use [Timer.Reset] to arm it.
func (w *Wheel) NewTimer(fn func()) *Timer {
	return &Timer{w: w, fn: fn}
}

// AfterFunc arms a new timer that calls fn after d.
// Zero and negative durations expire on the next tick, never synchronously.
func (w *Wheel) AfterFunc(d time.Duration, fn func()) *Timer {
	t := w.NewTimer(fn)
	t.Reset(d)
	return t
}

// Stop stops the wheel goroutine and discards all pending timers.
// Timers armed after Stop never fire.
func (w *Wheel) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.stopCh)
	for i := range w.slots {
		for el := w.slots[i].Front(); el != nil; el = el.Next() {
			t := el.Value.(*Timer) //nolint:forcetypeassert
			t.elem = nil
			t.gen++
		}
		w.slots[i].Init()
	}
	w.count = 0
	w.mu.Unlock()

	w.wg.Wait()
}

// schedule inserts the timer. Caller holds w.mu.
func (w *Wheel) schedule(t *Timer, d time.Duration) {
	now := time.Now()
	if !w.running {
		w.lastTick = now
	}

	n := len(w.slots)
	k := int((d + now.Sub(w.lastTick) + w.tick - 1) / w.tick)
	if k < 1 {
		k = 1
	}
	t.slot = (w.pos + k) % n
	t.rounds = (k - 1) / n
	t.elem = w.slots[t.slot].PushBack(t)
	w.count++

	if !w.running {
		w.running = true
		w.wg.Add(1)
		go w.run()
	}
}

// unschedule removes the timer from its slot. Caller holds w.mu.
func (w *Wheel) unschedule(t *Timer) bool {
	if t.elem == nil {
		return false
	}
	w.slots[t.slot].Remove(t.elem)
	t.elem = nil
	w.count--
	return true
}

func (w *Wheel) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case now := <-ticker.C:
			var fired []expiry

			w.mu.Lock()
			// catch up on ticks the ticker dropped
			for now.Sub(w.lastTick) >= w.tick {
				w.lastTick = w.lastTick.Add(w.tick)
				w.pos = (w.pos + 1) % len(w.slots)
				fired = w.advance(fired)
			}
			if w.count == 0 {
				w.running = false
				w.mu.Unlock()
				w.dispatch(fired)
				return
			}
			w.mu.Unlock()

			w.dispatch(fired)
		}
	}
}

type expiry struct {
	t   *Timer
	gen uint64
}

// advance collects expired timers of the current slot. Caller holds w.mu.
func (w *Wheel) advance(fired []expiry) []expiry {
	l := &w.slots[w.pos]
	for el := l.Front(); el != nil; {
		next := el.Next()
		t := el.Value.(*Timer) //nolint:forcetypeassert
		if t.rounds > 0 {
			t.rounds--
		} else {
			l.Remove(el)
			t.elem = nil
			t.pending = true
			w.count--
			fired = append(fired, expiry{t, t.gen})
		}
		el = next
	}
	return fired
}

func (*Wheel) dispatch(fired []expiry) {
	for _, e := range fired {
		go e.t.fire(e.gen)
	}
}

// Timer is a single timer armed on a [Wheel].
type Timer struct {
	w  *Wheel
	fn func()

	// guarded by w.mu
	gen      uint64
	dur      time.Duration
	deadline time.Time
	elem     *list.Element
	slot     int
	rounds   int
	pending  bool
}

// Reset re-arms the timer to expire after d.
// Any earlier expiry, including one already collected but not yet delivered, is discarded.
// It reports whether the timer was active.
func (t *Timer) Reset(d time.Duration) bool {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()

	active := t.w.unschedule(t) || t.pending
	t.pending = false
	t.gen++
	t.dur = d
	t.deadline = time.Now().Add(d)
	if !t.w.stopped {
		t.w.schedule(t, d)
	}
	return active
}

// Stop prevents the timer from firing.
// It reports whether the call stopped the timer, false means the callback
// has already run or the timer was never armed.
func (t *Timer) Stop() bool {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()

	active := t.w.unschedule(t) || t.pending
	t.pending = false
	t.gen++
	return active
}

// Duration returns the duration the timer was last armed with.
func (t *Timer) Duration() time.Duration {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	return t.dur
}

// Left returns the time remaining until the expiry, zero if the timer is not armed.
func (t *Timer) Left() time.Duration {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	if t.elem == nil && !t.pending {
		return 0
	}
	return max(time.Until(t.deadline), 0)
}

// Generation returns the current timer generation.
func (t *Timer) Generation() uint64 {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	return t.gen
}

func (t *Timer) fire(gen uint64) {
	t.w.mu.Lock()
	if t.gen != gen || !t.pending {
		t.w.mu.Unlock()
		return
	}
	t.pending = false
	t.w.mu.Unlock()

	if t.fn != nil {
		t.fn()
	}
}
