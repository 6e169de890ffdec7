/*
 * Created:       Tue Aug  4 09:10:00 2026 wtools
 *
 */

// queue implements the bounded blocking queue that is the sole
// synchronization primitive between pipeline stages (spec §4.2).
// Grounded on the teacher's sync.Cond-over-MutexLocked idiom
// (ibtree/hugger/hugger.go, util/limiter.go).
package queue

import (
	"sync"

	"github.com/herumi/walb-tools/walberr"
)

// Queue is a fixed-capacity FIFO with push/pop/sync/fail control
// signals (spec §4.2).
type Queue struct {
	mu       sync.Mutex
	notEmpty sync.Cond
	notFull  sync.Cond
	items    []interface{}
	capacity int
	closed   bool
	failed   bool
	err      error
}

// New creates a Queue that holds at most capacity items at once.
func New(capacity int) *Queue {
	q := &Queue{capacity: capacity}
	q.notEmpty.L = &q.mu
	q.notFull.L = &q.mu
	return q
}

// Push blocks while the queue is full and open. It returns
// walberr.Closed if sync() was already called, or the failure reason
// if fail() was already called.
func (q *Queue) Push(v interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) >= q.capacity && !q.closed && !q.failed {
		q.notFull.Wait()
	}
	if q.failed {
		return q.err
	}
	if q.closed {
		return walberr.Closed
	}
	q.items = append(q.items, v)
	q.notEmpty.Signal()
	return nil
}

// Pop blocks while the queue is empty and open. It returns (nil,
// nil, false) once the queue is both closed and empty (end of
// stream). It returns a non-nil error if fail() was called.
func (q *Queue) Pop() (v interface{}, err error, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed && !q.failed {
		q.notEmpty.Wait()
	}
	if q.failed {
		return nil, q.err, false
	}
	if len(q.items) == 0 {
		return nil, nil, false
	}
	v = q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	return v, nil, true
}

// Sync marks the queue closed: no more pushes are accepted, but
// consumers drain remaining items before observing end-of-stream.
func (q *Queue) Sync() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Fail marks the queue errored: all waiters wake and observe err (or
// walberr.QueueError if err is nil), and pending items are dropped.
func (q *Queue) Fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failed {
		return
	}
	if err == nil {
		err = walberr.QueueError
	}
	q.failed = true
	q.err = err
	q.items = nil
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Len returns the current number of buffered items, for tests and
// status reporting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
