package patch

import (
	"sort"
	"sync/atomic"
)

// LockTable holds one spinlock word per patch. A patch's connectivity,
// masks, and LP tables may be mutated cross-patch only while its lock is
// held; reads that merely determine whether locking is needed are allowed
// without it.
//
// Acquisition over a set of patches is non-blocking and all-or-nothing:
// locks are tried in ascending patch id order and, on any failure, the ones
// already taken are released in reverse before reporting failure. A block
// never holds one lock while waiting on another, which rules out deadlock
// between patches that need each other in the same round.
type LockTable struct {
	words []atomic.Uint32
}

// NewLockTable creates a table for numPatches patches, all unlocked
func NewLockTable(numPatches int) *LockTable {
	return &LockTable{words: make([]atomic.Uint32, numPatches)}
}

// TryAcquire attempts to take the lock for one patch without blocking
func (lt *LockTable) TryAcquire(pid uint32) bool {
	return lt.words[pid].CompareAndSwap(0, 1)
}

// Release unlocks one patch. The caller must hold the lock.
func (lt *LockTable) Release(pid uint32) {
	lt.words[pid].Store(0)
}

// IsLocked reports the current lock state (diagnostic only; the answer can
// be stale by the time the caller acts on it)
func (lt *LockTable) IsLocked(pid uint32) bool {
	return lt.words[pid].Load() != 0
}

// TryAcquireAll attempts to take every lock in pids, in ascending id order.
// On failure no locks remain held and false is returned. pids is sorted in
// place and must not contain duplicates.
func (lt *LockTable) TryAcquireAll(pids []uint32) bool {
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	for i, pid := range pids {
		if !lt.TryAcquire(pid) {
			for j := i - 1; j >= 0; j-- {
				lt.Release(pids[j])
			}
			return false
		}
	}
	return true
}

// ReleaseAll releases every lock in pids in reverse order
func (lt *LockTable) ReleaseAll(pids []uint32) {
	for i := len(pids) - 1; i >= 0; i-- {
		lt.Release(pids[i])
	}
}

// Grow extends the table to cover more patches (used after slicing)
func (lt *LockTable) Grow(numPatches int) {
	if numPatches <= len(lt.words) {
		return
	}
	words := make([]atomic.Uint32, numPatches)
	for i := range lt.words {
		words[i].Store(lt.words[i].Load())
	}
	lt.words = words
}
