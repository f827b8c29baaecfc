package outbound

import (
	"sync"
)

// Overflow selects what a full Queue does with a new item.
type Overflow string

const (
	// OverflowReject refuses the new item.
	OverflowReject Overflow = "reject"
	// OverflowDropOldest evicts the head to make room.
	OverflowDropOldest Overflow = "drop_oldest"
)

// Valid reports whether o is a known overflow policy.
func (o Overflow) Valid() bool {
	return o == OverflowReject || o == OverflowDropOldest
}

// Queue is a thread-safe bounded FIFO ring.
type Queue[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	overflow Overflow

	// Stats
	totalPushed  int64
	totalPopped  int64
	totalDropped int64
	totalReject  int64
}

// NewQueue creates a queue holding at most capacity items.
func NewQueue[T any](capacity int, overflow Overflow) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	if !overflow.Valid() {
		overflow = OverflowReject
	}
	return &Queue[T]{
		buf:      make([]T, capacity),
		overflow: overflow,
	}
}

// Push appends item. When the queue is full, OverflowReject returns
// ok=false and leaves the queue unchanged; OverflowDropOldest evicts the
// head and returns it as evicted.
func (q *Queue[T]) Push(item T) (evicted T, didEvict bool, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.buf) {
		if q.overflow == OverflowReject {
			q.totalReject++
			return evicted, false, false
		}
		evicted = q.popLocked()
		didEvict = true
		q.totalDropped++
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % len(q.buf)
	q.count++
	q.totalPushed++
	return evicted, didEvict, true
}

// Peek returns the head without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.buf[q.head], true
}

// Pop removes and returns the head.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	item := q.popLocked()
	q.totalPopped++
	return item, true
}

// popLocked removes the head. Must be called with lock held and count > 0.
func (q *Queue[T]) popLocked() T {
	item := q.buf[q.head]
	var zero T
	q.buf[q.head] = zero // Clear reference for GC
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return item
}

// DrainTo removes up to max items (all when max <= 0) in FIFO order.
func (q *Queue[T]) DrainTo(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}

	n := q.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = q.popLocked()
		q.totalPopped++
	}
	return result
}

// Len returns the current number of items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the maximum number of items.
func (q *Queue[T]) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Count:         q.count,
		Capacity:      len(q.buf),
		TotalPushed:   q.totalPushed,
		TotalPopped:   q.totalPopped,
		TotalDropped:  q.totalDropped,
		TotalRejected: q.totalReject,
	}
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Count         int
	Capacity      int
	TotalPushed   int64
	TotalPopped   int64
	TotalDropped  int64
	TotalRejected int64
}
