package patch

import (
	"math/bits"
	"sync/atomic"
)

// Bitmask is a fixed-capacity bit vector over local element indices within
// one patch. Several parallel bitmasks per element kind track active/owned
// state in the patch store, and the cavity manager keeps its own families of
// scratch masks (in-cavity, ownership-change, migrate, ...) rebuilt from
// scratch each round.
//
// Set, Clear, Test, and CopyFrom are atomic at word granularity. Patch
// store masks are written by the block holding the patch lock, but owner
// chases read them from other blocks without locking.
type Bitmask struct {
	words []uint64
	n     int
}

// NewBitmask creates a cleared bitmask with capacity for n bits
func NewBitmask(n int) *Bitmask {
	return &Bitmask{
		words: make([]uint64, (n+63)/64),
		n:     n,
	}
}

// Size returns the bit capacity
func (b *Bitmask) Size() int {
	return b.n
}

// Set sets bit i
func (b *Bitmask) Set(i uint16) {
	atomic.OrUint64(&b.words[i>>6], 1<<(i&63))
}

// Clear clears bit i
func (b *Bitmask) Clear(i uint16) {
	atomic.AndUint64(&b.words[i>>6], ^(uint64(1) << (i & 63)))
}

// Test reports whether bit i is set
func (b *Bitmask) Test(i uint16) bool {
	return atomic.LoadUint64(&b.words[i>>6])&(1<<(i&63)) != 0
}

// Reset clears all bits. Only for block-local scratch masks.
func (b *Bitmask) Reset() {
	for i := range b.words {
		b.words[i] = 0
	}
}

// Fill sets all bits up to the capacity. Only for block-local scratch
// masks.
func (b *Bitmask) Fill() {
	for i := range b.words {
		b.words[i] = ^uint64(0)
	}
	// Mask off the tail beyond capacity
	if tail := b.n & 63; tail != 0 {
		b.words[len(b.words)-1] &= (1 << tail) - 1
	}
}

// Count returns the number of set bits
func (b *Bitmask) Count() int {
	c := 0
	for i := range b.words {
		c += bits.OnesCount64(atomic.LoadUint64(&b.words[i]))
	}
	return c
}

// CopyFrom overwrites this mask with the contents of src.
// Both masks must have the same capacity.
func (b *Bitmask) CopyFrom(src *Bitmask) {
	for i := range b.words {
		atomic.StoreUint64(&b.words[i], atomic.LoadUint64(&src.words[i]))
	}
}

// Clone returns an independent copy of the mask
func (b *Bitmask) Clone() *Bitmask {
	c := NewBitmask(b.n)
	for i := range b.words {
		c.words[i] = atomic.LoadUint64(&b.words[i])
	}
	return c
}

// NumBytes returns the storage footprint of a mask over n bits.
// Used by the launch-box shared memory sizing contract.
func NumBytes(n int) int {
	return 8 * ((n + 63) / 64)
}
