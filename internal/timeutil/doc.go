// Package timeutil implements a hashed timing wheel used to drive protocol timers.
//
// A single [Wheel] goroutine services every timer armed on it and exits when
// no timers are pending, so idle stacks do not keep background goroutines.
// Timers carry a generation counter: each Reset or Stop bumps it, and an
// expiry collected for an older generation never runs the callback.
//
//	w := timeutil.NewWheel(10*time.Millisecond, 512)
//	defer w.Stop()
//
//	tmr := w.AfterFunc(500*time.Millisecond, func() {
//		log.Println("timer A fired")
//	})
//	tmr.Reset(time.Second) // the 500ms expiry is discarded
package timeutil
