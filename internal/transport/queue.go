package transport

import (
	"sync"
)

// Op is one write against the OS. It must call done exactly once when the OS
// reports completion; later calls are ignored.
type Op func(done func(error))

// WriteQueue serializes writes on one link: at most one Op is in flight and
// the next is issued only from the previous one's completion. Ops are issued
// on their own goroutine so Enqueue never blocks on I/O.
type WriteQueue struct {
	onError func(error)

	mu   sync.Mutex
	ops  []Op
	busy bool
	gen  uint64
}

// NewWriteQueue returns an empty queue. onError, if non-nil, is called for
// every failed op.
func NewWriteQueue(onError func(error)) *WriteQueue {
	return &WriteQueue{onError: onError}
}

// Enqueue appends op and issues it when the queue is idle.
func (q *WriteQueue) Enqueue(op Op) {
	q.mu.Lock()
	q.ops = append(q.ops, op)
	if q.busy {
		q.mu.Unlock()
		return
	}
	q.busy = true
	gen := q.gen
	q.mu.Unlock()

	q.issue(gen, op)
}

// Len returns the number of ops queued, including the one in flight.
func (q *WriteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Drain discards every pending op and returns how many were dropped.
// Completions of ops issued before the drain are ignored.
func (q *WriteQueue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.ops)
	q.ops = nil
	q.busy = false
	q.gen++
	return n
}

func (q *WriteQueue) issue(gen uint64, op Op) {
	var once sync.Once
	go op(func(err error) {
		once.Do(func() { q.complete(gen, err) })
	})
}

// complete pops the head regardless of err and issues the next op.
func (q *WriteQueue) complete(gen uint64, err error) {
	q.mu.Lock()
	if gen != q.gen || len(q.ops) == 0 {
		q.mu.Unlock()
		return
	}
	q.ops[0] = nil
	q.ops = q.ops[1:]
	var next Op
	if len(q.ops) > 0 {
		next = q.ops[0]
	} else {
		q.busy = false
	}
	q.mu.Unlock()

	if err != nil && q.onError != nil {
		q.onError(err)
	}
	if next != nil {
		q.issue(gen, next)
	}
}
