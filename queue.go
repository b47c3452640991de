package xbot

import (
	"sync"
	"sync/atomic"
)

// Queue is a bounded FIFO of pending messages with a drop-oldest overflow
// policy: under sustained overload the freshest data wins and the producer
// never blocks. Evictions are counted, not logged.
//
// Multiple producers may Add concurrently with a single consumer calling
// Pop; a single mutex makes both linearizable.
type Queue struct {
	mu    sync.Mutex
	buf   []*Message
	head  int
	count int

	dropped atomic.Uint64
}

// NewQueue creates a queue holding at most capacity messages.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{buf: make([]*Message, capacity)}
}

// Add inserts msg at the tail, evicting the head first if the queue is full.
// Never fails, never blocks.
func (q *Queue) Add(msg *Message) {
	q.mu.Lock()
	if q.count == len(q.buf) {
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		q.dropped.Add(1)
	}
	q.buf[(q.head+q.count)%len(q.buf)] = msg
	q.count++
	q.mu.Unlock()
}

// Pop removes and returns the oldest message, or nil if the queue is empty.
// Never blocks; the dispatch loop polls.
func (q *Queue) Pop() *Message {
	q.mu.Lock()
	if q.count == 0 {
		q.mu.Unlock()
		return nil
	}
	msg := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.mu.Unlock()
	return msg
}

// Len returns the current element count.
func (q *Queue) Len() int {
	q.mu.Lock()
	n := q.count
	q.mu.Unlock()
	return n
}

// Cap returns the fixed capacity.
func (q *Queue) Cap() int { return len(q.buf) }

// Dropped returns the number of messages evicted by overflow since creation.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
