package patch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLPTableInsertFindRemove(t *testing.T) {
	lp := NewLPTable(16)
	require.NoError(t, lp.Insert(LPPair{Key: 5, OwnerLocal: 42, OwnerSlot: 1}))
	require.NoError(t, lp.Insert(LPPair{Key: 9, OwnerLocal: 7, OwnerSlot: 2}))

	pair, ok := lp.Find(5)
	require.True(t, ok)
	require.Equal(t, uint16(42), pair.OwnerLocal)
	require.Equal(t, uint8(1), pair.OwnerSlot)

	_, ok = lp.Find(6)
	require.False(t, ok)

	require.True(t, lp.Remove(5))
	require.False(t, lp.Remove(5))
	_, ok = lp.Find(5)
	require.False(t, ok)
	require.Equal(t, 1, lp.Count())
}

func TestLPTableInsertOverwrites(t *testing.T) {
	lp := NewLPTable(16)
	require.NoError(t, lp.Insert(LPPair{Key: 3, OwnerLocal: 10, OwnerSlot: 0}))
	require.NoError(t, lp.Insert(LPPair{Key: 3, OwnerLocal: 20, OwnerSlot: 4}))
	pair, ok := lp.Find(3)
	require.True(t, ok)
	require.Equal(t, uint16(20), pair.OwnerLocal)
	require.Equal(t, 1, lp.Count())
}

func TestLPTableReservedKeys(t *testing.T) {
	lp := NewLPTable(8)
	require.Error(t, lp.Insert(LPPair{Key: lpEmpty}))
	require.Error(t, lp.Insert(LPPair{Key: lpTombstone}))
}

// A table of capacity c must absorb c entries plus the stash before
// reporting full, regardless of hash collisions.
func TestLPTableFillsToCapacityPlusStash(t *testing.T) {
	lp := NewLPTable(8)
	total := lp.Capacity() + LPStashSize
	for i := 0; i < total; i++ {
		require.NoError(t, lp.Insert(LPPair{Key: uint16(i), OwnerLocal: uint16(i), OwnerSlot: 0}))
	}
	require.Error(t, lp.Insert(LPPair{Key: uint16(total), OwnerSlot: 0}))
	for i := 0; i < total; i++ {
		pair, ok := lp.Find(uint16(i))
		require.True(t, ok, "key %d lost", i)
		require.Equal(t, uint16(i), pair.OwnerLocal)
	}
}

func TestLPTableReusesTombstones(t *testing.T) {
	lp := NewLPTable(4)
	total := lp.Capacity() + LPStashSize
	for i := 0; i < total; i++ {
		require.NoError(t, lp.Insert(LPPair{Key: uint16(i)}))
	}
	require.True(t, lp.Remove(2))
	require.NoError(t, lp.Insert(LPPair{Key: 100}))
	_, ok := lp.Find(100)
	require.True(t, ok)
}

// Re-inserting a key that overflowed into the stash must update the stash
// entry even when tombstones have opened room in the main array; a second
// copy there would outlive one Remove and resurrect the old pair.
func TestLPTableStashKeyStaysSingle(t *testing.T) {
	lp := NewLPTable(1)
	require.NoError(t, lp.Insert(LPPair{Key: 1, OwnerLocal: 11}))
	require.NoError(t, lp.Insert(LPPair{Key: 2, OwnerLocal: 12}))
	require.True(t, lp.Remove(1))

	require.NoError(t, lp.Insert(LPPair{Key: 2, OwnerLocal: 22}))
	require.Equal(t, 1, lp.Count())
	pair, ok := lp.Find(2)
	require.True(t, ok)
	require.Equal(t, uint16(22), pair.OwnerLocal)

	require.True(t, lp.Remove(2))
	_, ok = lp.Find(2)
	require.False(t, ok)
	require.False(t, lp.Remove(2))
}

func TestLPTableFindCopy(t *testing.T) {
	lp := NewLPTable(16)
	require.NoError(t, lp.Insert(LPPair{Key: 4, OwnerLocal: 17, OwnerSlot: 3}))
	require.NoError(t, lp.Insert(LPPair{Key: 8, OwnerLocal: 17, OwnerSlot: 5}))

	key, ok := lp.FindCopy(3, 17)
	require.True(t, ok)
	require.Equal(t, uint16(4), key)

	_, ok = lp.FindCopy(3, 18)
	require.False(t, ok)
}

func TestLPTableCloneIsIndependent(t *testing.T) {
	lp := NewLPTable(8)
	require.NoError(t, lp.Insert(LPPair{Key: 1, OwnerLocal: 2, OwnerSlot: 0}))
	c := lp.Clone()
	require.NoError(t, c.Insert(LPPair{Key: 3, OwnerLocal: 4, OwnerSlot: 0}))
	_, ok := lp.Find(3)
	require.False(t, ok)
	_, ok = c.Find(1)
	require.True(t, ok)
}
