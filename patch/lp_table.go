package patch

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// LPPair maps a locally-held, non-owned element to its owner. The owner
// patch is referenced indirectly through the holding patch's stash so the
// pair stays compact.
type LPPair struct {
	Key        uint16 // local index in the holding patch
	OwnerLocal uint16 // local index in the owner patch
	OwnerSlot  uint8  // owner patch's slot in the holding patch's stash
}

const (
	lpEmpty     uint16 = InvalidLocal
	lpTombstone uint16 = 0xFFFE

	// LPStashSize is the capacity of the overflow stash appended to each
	// open-addressed table
	LPStashSize = 16
)

// LPTable is a small open-addressed (linear probe) hashtable per element
// kind per patch, with a fixed overflow stash. Every non-owned active
// element of the patch has exactly one entry; owned elements have none
// (stale entries may linger between a topology round and Cleanup).
//
// Entries are packed into single words accessed atomically: the owning
// block mutates the table under its patch lock while remote blocks chase
// ownership through it without locking. The live-entry count is
// owner-block bookkeeping and is not read concurrently.
type LPTable struct {
	pairs []uint64
	stash []uint64
	mask  uint32
	count int
}

func packLP(p LPPair) uint64 {
	return uint64(p.Key) | uint64(p.OwnerLocal)<<16 | uint64(p.OwnerSlot)<<32
}

func unpackLP(w uint64) LPPair {
	return LPPair{Key: uint16(w), OwnerLocal: uint16(w >> 16), OwnerSlot: uint8(w >> 32)}
}

// NewLPTable creates a table with at least the given capacity,
// rounded up to a power of two
func NewLPTable(capacity int) *LPTable {
	c := 1
	for c < capacity {
		c <<= 1
	}
	t := &LPTable{
		pairs: make([]uint64, c),
		stash: make([]uint64, LPStashSize),
		mask:  uint32(c - 1),
	}
	empty := packLP(LPPair{Key: lpEmpty})
	for i := range t.pairs {
		t.pairs[i] = empty
	}
	for i := range t.stash {
		t.stash[i] = empty
	}
	return t
}

func lpBucket(key uint16, mask uint32) uint32 {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], key)
	return uint32(xxhash.Sum64(b[:])) & mask
}

// Capacity returns the main table capacity (excluding the stash)
func (t *LPTable) Capacity() int {
	return len(t.pairs)
}

// Count returns the number of live entries
func (t *LPTable) Count() int {
	return t.count
}

// Insert adds a pair. Inserting an existing key overwrites its entry.
// Returns an error only when both the table and the stash are full.
func (t *LPTable) Insert(p LPPair) error {
	if p.Key == lpEmpty || p.Key == lpTombstone {
		return fmt.Errorf("lp table: reserved key %#x", p.Key)
	}
	firstFree := -1
	b := lpBucket(p.Key, t.mask)
probe:
	for i := 0; i < len(t.pairs); i++ {
		idx := (b + uint32(i)) & t.mask
		switch uint16(atomic.LoadUint64(&t.pairs[idx])) {
		case p.Key:
			atomic.StoreUint64(&t.pairs[idx], packLP(p))
			return nil
		case lpTombstone:
			if firstFree < 0 {
				firstFree = int(idx)
			}
		case lpEmpty:
			if firstFree < 0 {
				firstFree = int(idx)
			}
			// An empty slot terminates the probe chain
			break probe
		}
	}
	// The stash may already hold the key even when the main array has
	// room; inserting there too would leave a duplicate that survives one
	// Remove and resurrects the stale entry.
	stashFree := -1
	for i := range t.stash {
		switch uint16(atomic.LoadUint64(&t.stash[i])) {
		case p.Key:
			atomic.StoreUint64(&t.stash[i], packLP(p))
			return nil
		case lpEmpty:
			if stashFree < 0 {
				stashFree = i
			}
		}
	}
	if firstFree >= 0 {
		atomic.StoreUint64(&t.pairs[firstFree], packLP(p))
		t.count++
		return nil
	}
	if stashFree >= 0 {
		atomic.StoreUint64(&t.stash[stashFree], packLP(p))
		t.count++
		return nil
	}
	return fmt.Errorf("lp table full: capacity %d + stash %d", len(t.pairs), len(t.stash))
}

// Find looks up the entry for a local index
func (t *LPTable) Find(key uint16) (LPPair, bool) {
	b := lpBucket(key, t.mask)
	for i := 0; i < len(t.pairs); i++ {
		idx := (b + uint32(i)) & t.mask
		w := atomic.LoadUint64(&t.pairs[idx])
		switch uint16(w) {
		case key:
			return unpackLP(w), true
		case lpEmpty:
			goto stash
		}
	}
stash:
	for i := range t.stash {
		w := atomic.LoadUint64(&t.stash[i])
		if uint16(w) == key {
			return unpackLP(w), true
		}
	}
	return LPPair{}, false
}

// Remove deletes the entry for a local index, reporting whether it existed
func (t *LPTable) Remove(key uint16) bool {
	b := lpBucket(key, t.mask)
	for i := 0; i < len(t.pairs); i++ {
		idx := (b + uint32(i)) & t.mask
		switch uint16(atomic.LoadUint64(&t.pairs[idx])) {
		case key:
			atomic.StoreUint64(&t.pairs[idx], packLP(LPPair{Key: lpTombstone}))
			t.count--
			return true
		case lpEmpty:
			goto stash
		}
	}
stash:
	for i := range t.stash {
		if uint16(atomic.LoadUint64(&t.stash[i])) == key {
			atomic.StoreUint64(&t.stash[i], packLP(LPPair{Key: lpEmpty}))
			t.count--
			return true
		}
	}
	return false
}

// FindCopy scans for an entry that references (ownerSlot, ownerLocal),
// returning the local index holding that copy. Used by migration to avoid
// duplicating ghost copies of the same remote element.
func (t *LPTable) FindCopy(ownerSlot uint8, ownerLocal uint16) (uint16, bool) {
	found := InvalidLocal
	t.ForEach(func(p LPPair) bool {
		if p.OwnerSlot == ownerSlot && p.OwnerLocal == ownerLocal {
			found = p.Key
			return false
		}
		return true
	})
	return found, found != InvalidLocal
}

// ForEach visits every live entry until fn returns false
func (t *LPTable) ForEach(fn func(LPPair) bool) {
	for i := range t.pairs {
		w := atomic.LoadUint64(&t.pairs[i])
		if k := uint16(w); k != lpEmpty && k != lpTombstone {
			if !fn(unpackLP(w)) {
				return
			}
		}
	}
	for i := range t.stash {
		w := atomic.LoadUint64(&t.stash[i])
		if uint16(w) != lpEmpty {
			if !fn(unpackLP(w)) {
				return
			}
		}
	}
}

// Clone returns an independent copy of the table. The cavity manager
// shadows each table at round start and flushes it back on commit.
func (t *LPTable) Clone() *LPTable {
	c := &LPTable{
		pairs: make([]uint64, len(t.pairs)),
		stash: make([]uint64, len(t.stash)),
		mask:  t.mask,
		count: t.count,
	}
	for i := range t.pairs {
		c.pairs[i] = atomic.LoadUint64(&t.pairs[i])
	}
	for i := range t.stash {
		c.stash[i] = atomic.LoadUint64(&t.stash[i])
	}
	return c
}

// CopyFrom overwrites this table with src. Capacities must match.
func (t *LPTable) CopyFrom(src *LPTable) {
	for i := range t.pairs {
		atomic.StoreUint64(&t.pairs[i], src.pairs[i])
	}
	for i := range t.stash {
		atomic.StoreUint64(&t.stash[i], src.stash[i])
	}
	t.count = src.count
}
