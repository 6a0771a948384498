package patch

import (
	"fmt"
	"sync/atomic"
)

// StashSize is the fixed capacity of the per-patch neighbor stash. It also
// bounds how many distinct patches one cavity round can touch, which in
// turn caps ownership-chain length during resolution.
const StashSize = 32

// InvalidSlot marks an unused stash slot reference
const InvalidSlot uint8 = 0xFF

// Stash is a small fixed-capacity table of neighboring patch ids. LPPairs
// and the cavity manager's lock masks reference neighbor patches by their
// stash slot rather than by full patch id. Slots are read atomically:
// owner chases from other blocks consult the stash without locking.
type Stash struct {
	ids [StashSize]uint32
}

// NewStash creates an empty stash
func NewStash() *Stash {
	s := &Stash{}
	for i := range s.ids {
		s.ids[i] = InvalidPatch
	}
	return s
}

// Insert adds a patch id, returning its slot. Inserting an existing id
// returns the existing slot. Returns an error when the stash is full.
func (s *Stash) Insert(pid uint32) (uint8, error) {
	free := -1
	for i := range s.ids {
		id := atomic.LoadUint32(&s.ids[i])
		if id == pid {
			return uint8(i), nil
		}
		if id == InvalidPatch && free < 0 {
			free = i
		}
	}
	if free < 0 {
		return InvalidSlot, fmt.Errorf("patch stash full (%d neighbors)", StashSize)
	}
	atomic.StoreUint32(&s.ids[free], pid)
	return uint8(free), nil
}

// Find returns the slot holding a patch id
func (s *Stash) Find(pid uint32) (uint8, bool) {
	for i := range s.ids {
		if atomic.LoadUint32(&s.ids[i]) == pid {
			return uint8(i), true
		}
	}
	return InvalidSlot, false
}

// Get returns the patch id stored in a slot
func (s *Stash) Get(slot uint8) uint32 {
	if slot >= StashSize {
		return InvalidPatch
	}
	return atomic.LoadUint32(&s.ids[slot])
}

// ForEach visits every occupied slot
func (s *Stash) ForEach(fn func(slot uint8, pid uint32)) {
	for i := range s.ids {
		if id := atomic.LoadUint32(&s.ids[i]); id != InvalidPatch {
			fn(uint8(i), id)
		}
	}
}

// Clone returns an independent copy
func (s *Stash) Clone() *Stash {
	c := &Stash{}
	for i := range s.ids {
		c.ids[i] = atomic.LoadUint32(&s.ids[i])
	}
	return c
}

// CopyFrom overwrites this stash with src
func (s *Stash) CopyFrom(src *Stash) {
	for i := range s.ids {
		atomic.StoreUint32(&s.ids[i], src.ids[i])
	}
}
