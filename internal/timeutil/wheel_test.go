package timeutil_test

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ghettovoice/sipcore/internal/timeutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWheel_AfterFunc(t *testing.T) {
	t.Parallel()

	w := timeutil.NewWheel(5*time.Millisecond, 8)
	defer w.Stop()

	start := time.Now()
	fired := make(chan time.Time, 1)
	w.AfterFunc(30*time.Millisecond, func() { fired <- time.Now() })

	select {
	case at := <-fired:
		if got := at.Sub(start); got < 30*time.Millisecond {
			t.Fatalf("timer fired after %v, want >= 30ms", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestWheel_MultipleRounds(t *testing.T) {
	t.Parallel()

	// 4 slots of 5ms: 60ms needs several rotations
	w := timeutil.NewWheel(5*time.Millisecond, 4)
	defer w.Stop()

	start := time.Now()
	fired := make(chan time.Duration, 1)
	w.AfterFunc(60*time.Millisecond, func() { fired <- time.Since(start) })

	select {
	case got := <-fired:
		if got < 60*time.Millisecond {
			t.Fatalf("timer fired after %v, want >= 60ms", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestWheel_ZeroDurationIsAsync(t *testing.T) {
	t.Parallel()

	w := timeutil.NewWheel(5*time.Millisecond, 8)
	defer w.Stop()

	var inline atomic.Bool
	inline.Store(true)
	fired := make(chan bool, 1)
	w.AfterFunc(0, func() { fired <- inline.Load() })
	inline.Store(false)

	select {
	case wasInline := <-fired:
		if wasInline {
			t.Fatal("zero-duration timer fired synchronously")
		}
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestTimer_Stop(t *testing.T) {
	t.Parallel()

	w := timeutil.NewWheel(5*time.Millisecond, 8)
	defer w.Stop()

	var calls atomic.Int32
	tmr := w.AfterFunc(20*time.Millisecond, func() { calls.Add(1) })
	if !tmr.Stop() {
		t.Fatal("tmr.Stop() = false, want true")
	}
	if tmr.Stop() {
		t.Fatal("second tmr.Stop() = true, want false")
	}
	if got := tmr.Left(); got != 0 {
		t.Fatalf("tmr.Left() = %v, want 0", got)
	}

	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Fatalf("callback calls = %d, want 0", got)
	}
}

func TestTimer_ResetDiscardsOldGeneration(t *testing.T) {
	t.Parallel()

	w := timeutil.NewWheel(5*time.Millisecond, 8)
	defer w.Stop()

	var calls atomic.Int32
	done := make(chan struct{})
	tmr := w.NewTimer(func() {
		if calls.Add(1) == 1 {
			close(done)
		}
	})
	if tmr.Reset(10 * time.Millisecond) {
		t.Fatal("first tmr.Reset() = true, want false")
	}
	gen := tmr.Generation()
	if !tmr.Reset(40 * time.Millisecond) {
		t.Fatal("second tmr.Reset() = false, want true")
	}
	if tmr.Generation() == gen {
		t.Fatal("tmr.Generation() did not change after Reset")
	}
	if got := tmr.Duration(); got != 40*time.Millisecond {
		t.Fatalf("tmr.Duration() = %v, want 40ms", got)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	time.Sleep(30 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("callback calls = %d, want 1", got)
	}
}

func TestTimer_StopRace(t *testing.T) {
	t.Parallel()

	w := timeutil.NewWheel(time.Millisecond, 8)
	defer w.Stop()

	// Stop racing the expiry must either run the callback or report success, never both.
	for range 200 {
		var fired atomic.Bool
		tmr := w.AfterFunc(time.Millisecond, func() { fired.Store(true) })
		time.Sleep(time.Millisecond)
		stopped := tmr.Stop()
		time.Sleep(3 * time.Millisecond)
		if stopped && fired.Load() {
			t.Fatal("timer callback ran after successful Stop")
		}
	}
}

func TestWheel_IdleGoroutineExits(t *testing.T) {
	t.Parallel()

	w := timeutil.NewWheel(2*time.Millisecond, 8)

	fired := make(chan struct{})
	w.AfterFunc(5*time.Millisecond, func() { close(fired) })
	<-fired

	deadline := time.Now().Add(time.Second)
	for w.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := w.Len(); got != 0 {
		t.Fatalf("w.Len() = %d, want 0", got)
	}
	w.Stop()
}
