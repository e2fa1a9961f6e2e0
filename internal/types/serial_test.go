package types_test

import (
	"slices"
	"sync"
	"testing"

	"github.com/ghettovoice/sipcore/internal/types"
)

func TestSerializer_Order(t *testing.T) {
	t.Parallel()

	var (
		s   types.Serializer
		got []int
	)
	s.Push(func() {
		got = append(got, 1)
		s.Push(func() { got = append(got, 3) })
		s.Flush() // nested flush must not run the new item inline
		got = append(got, 2)
	})
	s.Flush()

	if want := []int{1, 2, 3}; !slices.Equal(got, want) {
		t.Fatalf("execution order = %v, want %v", got, want)
	}
}

func TestSerializer_Concurrent(t *testing.T) {
	t.Parallel()

	var (
		s       types.Serializer
		mu      sync.Mutex
		running int
		maxRun  int
		total   int
		wg      sync.WaitGroup
	)
	for range 100 {
		wg.Go(func() {
			s.Push(func() {
				mu.Lock()
				running++
				maxRun = max(maxRun, running)
				total++
				mu.Unlock()

				mu.Lock()
				running--
				mu.Unlock()
			})
			s.Flush()
		})
	}
	wg.Wait()
	s.Flush()

	if total != 100 {
		t.Fatalf("executed functions = %d, want 100", total)
	}
	if maxRun != 1 {
		t.Fatalf("max concurrent executions = %d, want 1", maxRun)
	}
}
