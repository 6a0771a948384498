package mesh

import (
	"fmt"

	"github.com/notargets/remesh/patch"
)

// Cleanup recalibrates the hashtables after a batch of topology rounds.
// Ownership transfers and patch slicing leave stale LP entries behind:
// entries on elements a patch now owns, forwarding entries on retired
// copies, and entries for ghosts whose owner copy was deleted. Cleanup
// runs three passes over the patch set:
//
//  1. prune ghost copies nothing local references anymore,
//  2. rewrite every surviving ghost entry to reference its final owner
//     directly, deactivating ghosts whose owner copy is gone,
//  3. drop the stale entries, release vacated slots for reuse, and clear
//     the dirty flags.
//
// Recalibration runs over all patches before any stale entry is dropped:
// chases recalibrating one patch may route through forwarding entries
// another patch is about to shed. Slots only rejoin the reuse pool here,
// once no hashtable in the mesh can still resolve to them. The mesh must
// be quiescent.
func (m *Mesh) Cleanup() error {
	for _, p := range m.ctx.Patches {
		pruneUnreferenced(p)
	}
	for _, p := range m.ctx.Patches {
		for k := 0; k < 3; k++ {
			if err := m.recalibrate(p, patch.ElementKind(k)); err != nil {
				return err
			}
		}
	}
	for _, p := range m.ctx.Patches {
		for k := 0; k < 3; k++ {
			kind := patch.ElementKind(k)
			m.dropStale(p, kind)
			grantReclaim(p, kind)
		}
		p.ClearDirty()
	}
	return nil
}

// pruneUnreferenced deactivates ghost copies nothing local needs: ribbon
// faces that no longer ring an owned vertex, then edges and vertices no
// active element references. Their LP entries fall to dropStale.
func pruneUnreferenced(p *patch.Patch) {
	for f := uint16(0); f < p.NumFaces; f++ {
		if !p.ActiveF.Test(f) || p.OwnedF.Test(f) {
			continue
		}
		keep := false
		for _, de := range p.FaceEdges(f) {
			a, b := p.EdgeVertices(de.Edge())
			if p.OwnedV.Test(a) || p.OwnedV.Test(b) {
				keep = true
				break
			}
		}
		if !keep {
			p.ActiveF.Clear(f)
		}
	}

	edgeRef := patch.NewBitmask(int(p.EdgeCap))
	for f := uint16(0); f < p.NumFaces; f++ {
		if !p.ActiveF.Test(f) {
			continue
		}
		for _, de := range p.FaceEdges(f) {
			edgeRef.Set(de.Edge())
		}
	}
	for e := uint16(0); e < p.NumEdges; e++ {
		if p.ActiveE.Test(e) && !p.OwnedE.Test(e) && !edgeRef.Test(e) {
			p.ActiveE.Clear(e)
		}
	}

	vertRef := patch.NewBitmask(int(p.VertexCap))
	for e := uint16(0); e < p.NumEdges; e++ {
		if !p.ActiveE.Test(e) {
			continue
		}
		a, b := p.EdgeVertices(e)
		vertRef.Set(a)
		vertRef.Set(b)
	}
	for v := uint16(0); v < p.NumVertices; v++ {
		if p.ActiveV.Test(v) && !p.OwnedV.Test(v) && !vertRef.Test(v) {
			p.ActiveV.Clear(v)
		}
	}
}

// recalibrate rewrites each active ghost's LP entry to its final owner and
// deactivates ghosts whose owner copy is gone
func (m *Mesh) recalibrate(p *patch.Patch, kind patch.ElementKind) error {
	lp := p.LP(kind)
	active := p.Active(kind)
	owned := p.Owned(kind)

	// Collect first; rewriting while iterating would skip probe chains
	var fix []uint16
	lp.ForEach(func(pair patch.LPPair) bool {
		if owned.Test(pair.Key) || !active.Test(pair.Key) {
			return true
		}
		fix = append(fix, pair.Key)
		return true
	})

	for _, key := range fix {
		r, rl, err := m.ctx.ResolveOwner(kind, p.ID, key)
		if err != nil {
			// Owner copy is gone; the ghost dies with it
			active.Clear(key)
			continue
		}
		rp := m.ctx.GetPatch(r)
		if !rp.Active(kind).Test(rl) {
			active.Clear(key)
			continue
		}
		slot, err := p.Stash.Insert(r)
		if err != nil {
			return fmt.Errorf("cleanup patch %d: %w", p.ID, err)
		}
		if err := lp.Insert(patch.LPPair{Key: key, OwnerLocal: rl, OwnerSlot: slot}); err != nil {
			return fmt.Errorf("cleanup patch %d: %w", p.ID, err)
		}
	}
	return nil
}

// dropStale removes entries keyed by owned or inactive slots. Runs only
// after every patch has recalibrated.
func (m *Mesh) dropStale(p *patch.Patch, kind patch.ElementKind) {
	lp := p.LP(kind)
	active := p.Active(kind)
	owned := p.Owned(kind)

	var drop []uint16
	lp.ForEach(func(pair patch.LPPair) bool {
		if owned.Test(pair.Key) || !active.Test(pair.Key) {
			drop = append(drop, pair.Key)
		}
		return true
	})
	for _, key := range drop {
		lp.Remove(key)
	}
}

// grantReclaim opens this patch's inactive slots for reuse. Safe only
// after every patch has recalibrated: no hashtable still resolves to a
// vacated slot.
func grantReclaim(p *patch.Patch, kind patch.ElementKind) {
	active := p.Active(kind)
	reclaim := p.Reclaim(kind)
	for i := uint16(0); i < p.Count(kind); i++ {
		if active.Test(i) {
			reclaim.Clear(i)
		} else {
			reclaim.Set(i)
		}
	}
}
