// Package scheduler provides the device-style work queue of patch ids
// awaiting processing. Blocks pop a patch at launch, and push it back when
// a round aborts on lock contention; the host relaunch loop runs until the
// queue drains. Queue emptiness is the protocol's only termination signal.
package scheduler

import (
	"fmt"
	"sync/atomic"
)

// Queue is a bounded multi-producer multi-consumer ring buffer over patch
// ids. Each slot carries a sequence number so producers and consumers
// coordinate with one CAS each and no locks.
//
// By protocol a patch id is in the queue at most once (a block re-pushes
// only the patch it popped), so a capacity of the patch count never
// overflows.
type Queue struct {
	slots []slot
	mask  uint64
	_     [48]byte
	head  atomic.Uint64
	_     [56]byte
	tail  atomic.Uint64
}

type slot struct {
	seq atomic.Uint64
	pid uint32
}

// New creates a queue with at least the given capacity,
// rounded up to a power of two
func New(capacity int) *Queue {
	c := uint64(1)
	for c < uint64(capacity) {
		c <<= 1
	}
	q := &Queue{
		slots: make([]slot, c),
		mask:  c - 1,
	}
	for i := range q.slots {
		q.slots[i].seq.Store(uint64(i))
	}
	return q
}

// Capacity returns the ring capacity
func (q *Queue) Capacity() int {
	return len(q.slots)
}

// Push enqueues a patch id. Returns an error when the ring is full, which
// indicates a protocol violation (duplicate outstanding pushes).
func (q *Queue) Push(pid uint32) error {
	for {
		tail := q.tail.Load()
		s := &q.slots[tail&q.mask]
		seq := s.seq.Load()
		switch {
		case seq == tail:
			if q.tail.CompareAndSwap(tail, tail+1) {
				s.pid = pid
				s.seq.Store(tail + 1)
				return nil
			}
		case seq < tail:
			return fmt.Errorf("patch queue full (capacity %d)", len(q.slots))
		}
	}
}

// Pop dequeues a patch id, reporting false when the queue is empty
func (q *Queue) Pop() (uint32, bool) {
	for {
		head := q.head.Load()
		s := &q.slots[head&q.mask]
		seq := s.seq.Load()
		switch {
		case seq == head+1:
			if q.head.CompareAndSwap(head, head+1) {
				pid := s.pid
				s.seq.Store(head + q.mask + 1)
				return pid, true
			}
		case seq <= head:
			return 0, false
		}
	}
}

// IsEmpty reports whether the queue holds no patches. Between launches the
// queue is quiescent and the answer is exact; mid-launch it is advisory.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// Len returns the number of queued patches
func (q *Queue) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

// Refill resets the queue to hold patch ids 0..numPatches-1. Callers must
// guarantee no concurrent Push/Pop; it is meant for re-arming the queue
// between kernel launches.
func (q *Queue) Refill(numPatches int) error {
	if numPatches > len(q.slots) {
		return fmt.Errorf("refill with %d patches exceeds queue capacity %d",
			numPatches, len(q.slots))
	}
	q.head.Store(0)
	q.tail.Store(0)
	for i := range q.slots {
		q.slots[i].seq.Store(uint64(i))
	}
	for i := 0; i < numPatches; i++ {
		if err := q.Push(uint32(i)); err != nil {
			return err
		}
	}
	return nil
}
