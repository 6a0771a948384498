package scheduler

import (
	"sync"
	"testing"
)

func TestQueuePushPop(t *testing.T) {
	q := New(4)
	for _, pid := range []uint32{2, 0, 3} {
		if err := q.Push(pid); err != nil {
			t.Fatalf("push %d: %v", pid, err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}
	for _, want := range []uint32{2, 0, 3} {
		pid, ok := q.Pop()
		if !ok {
			t.Fatal("pop on non-empty queue failed")
		}
		if pid != want {
			t.Errorf("popped %d, want %d", pid, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("pop on empty queue succeeded")
	}
	if !q.IsEmpty() {
		t.Error("queue not empty after draining")
	}
}

func TestQueueFullErrors(t *testing.T) {
	q := New(2)
	for i := 0; i < q.Capacity(); i++ {
		if err := q.Push(uint32(i)); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if err := q.Push(99); err == nil {
		t.Error("expected error on full queue")
	}
}

func TestQueueRefill(t *testing.T) {
	q := New(8)
	if err := q.Push(5); err != nil {
		t.Fatal(err)
	}
	if err := q.Refill(6); err != nil {
		t.Fatal(err)
	}
	if q.Len() != 6 {
		t.Fatalf("Len after refill = %d, want 6", q.Len())
	}
	seen := make(map[uint32]bool)
	for {
		pid, ok := q.Pop()
		if !ok {
			break
		}
		seen[pid] = true
	}
	for i := uint32(0); i < 6; i++ {
		if !seen[i] {
			t.Errorf("patch %d missing after refill", i)
		}
	}
	if err := q.Refill(100); err == nil {
		t.Error("expected error refilling past capacity")
	}
}

// Concurrent pops and re-pushes must neither lose nor duplicate patch ids.
func TestQueueConcurrentPopPush(t *testing.T) {
	const numPatches = 64
	q := New(numPatches)
	if err := q.Refill(numPatches); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	counts := make(map[uint32]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				pid, ok := q.Pop()
				if !ok {
					return
				}
				mu.Lock()
				counts[pid]++
				done := counts[pid]
				mu.Unlock()
				// Cycle each patch through the queue once more, the way
				// an aborted round re-enqueues it
				if done == 1 {
					if err := q.Push(pid); err != nil {
						t.Errorf("re-push %d: %v", pid, err)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	for pid := uint32(0); pid < numPatches; pid++ {
		if counts[pid] != 2 {
			t.Errorf("patch %d processed %d times, want 2", pid, counts[pid])
		}
	}
}
