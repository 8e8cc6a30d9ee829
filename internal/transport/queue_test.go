package transport

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// fakeWriter rejects a write issued while another is still in flight.
type fakeWriter struct {
	inflight   atomic.Int32
	violations atomic.Int32
	completed  atomic.Int32

	mu    sync.Mutex
	order []int
}

func (w *fakeWriter) op(n int) Op {
	return func(done func(error)) {
		if w.inflight.Add(1) > 1 {
			w.violations.Add(1)
		}
		time.Sleep(200 * time.Microsecond)
		w.mu.Lock()
		w.order = append(w.order, n)
		w.mu.Unlock()
		w.inflight.Add(-1)
		w.completed.Add(1)
		done(nil)
	}
}

func TestWriteQueueOneInFlight(t *testing.T) {
	q := NewWriteQueue(nil)
	w := &fakeWriter{}

	const n = 100
	for i := 0; i < n; i++ {
		q.Enqueue(w.op(i))
	}
	waitFor(t, "all writes", func() bool { return w.completed.Load() == n })

	if v := w.violations.Load(); v != 0 {
		t.Errorf("%d writes were issued while another was in flight", v)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, got := range w.order {
		if got != i {
			t.Fatalf("write %d issued at position %d, want FIFO order", got, i)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestWriteQueueConcurrentEnqueue(t *testing.T) {
	q := NewWriteQueue(nil)
	w := &fakeWriter{}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				q.Enqueue(w.op(g*100 + i))
			}
		}(g)
	}
	wg.Wait()
	waitFor(t, "all writes", func() bool { return w.completed.Load() == 160 })
	if v := w.violations.Load(); v != 0 {
		t.Errorf("%d writes were issued while another was in flight", v)
	}
}

func TestWriteQueueFailureAdvances(t *testing.T) {
	var failures atomic.Int32
	q := NewWriteQueue(func(error) { failures.Add(1) })

	var second atomic.Bool
	q.Enqueue(func(done func(error)) { done(errors.New("gatt write failed")) })
	q.Enqueue(func(done func(error)) {
		second.Store(true)
		done(nil)
	})

	waitFor(t, "second write", second.Load)
	if failures.Load() != 1 {
		t.Errorf("error hook called %d times, want 1", failures.Load())
	}
}

func TestWriteQueueDoneTwiceIgnored(t *testing.T) {
	q := NewWriteQueue(nil)
	var runs atomic.Int32
	q.Enqueue(func(done func(error)) {
		runs.Add(1)
		done(nil)
		done(nil)
	})
	q.Enqueue(func(done func(error)) { runs.Add(1) }) // never completes
	q.Enqueue(func(done func(error)) { runs.Add(1); done(nil) })

	waitFor(t, "two ops issued", func() bool { return runs.Load() == 2 })
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != 2 {
		t.Errorf("runs = %d: a duplicate completion advanced the queue", runs.Load())
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}
}

func TestWriteQueueDrain(t *testing.T) {
	q := NewWriteQueue(nil)

	held := make(chan func(error), 1)
	q.Enqueue(func(done func(error)) { held <- done })

	var stale atomic.Bool
	q.Enqueue(func(done func(error)) { stale.Store(true); done(nil) })

	done := <-held
	if dropped := q.Drain(); dropped != 2 {
		t.Errorf("Drain() = %d, want 2", dropped)
	}

	// Completion of the drained head must not issue anything.
	done(nil)
	time.Sleep(20 * time.Millisecond)
	if stale.Load() {
		t.Fatal("op enqueued before Drain was issued")
	}

	var fresh atomic.Bool
	q.Enqueue(func(done func(error)) { fresh.Store(true); done(nil) })
	waitFor(t, "write after drain", fresh.Load)
}
