package mesh

import (
	"fmt"

	"github.com/notargets/remesh/attribute"
	"github.com/notargets/remesh/patch"
	"github.com/notargets/remesh/scheduler"
)

// SlicePatches bisects every patch flagged during launches plus every
// patch whose owned face count exceeds faceThreshold, appending one new
// patch per split. The second half of each patch's owned faces moves to
// the new patch along with its vertex and edge closure; ownership of a
// vertex or edge follows when all its incident owned faces move. Retired
// copies keep forwarding LP entries so outstanding ghost chases terminate,
// and both patches keep ghost rings around their owned seam vertices.
// Registered attributes are grown and their transferred entries copied.
// Returns the number of patches created. The mesh must be quiescent with
// the queue drained; run Cleanup afterwards to shed the forwarding
// entries.
func (m *Mesh) SlicePatches(faceThreshold int, attrs ...attribute.Remappable) (int, error) {
	targets := make(map[uint32]bool)
	for _, pid := range m.NeedsSlice() {
		targets[pid] = true
	}
	for _, p := range m.ctx.Patches {
		if p.NumOwned(patch.FaceKind) > faceThreshold {
			targets[p.ID] = true
		}
	}
	if len(targets) == 0 {
		return 0, nil
	}

	// Attributes must span the appended patches before the first transfer
	// is recorded against them
	for _, a := range attrs {
		if g, ok := a.(interface{ GrowPatches(int) }); ok {
			g.GrowPatches(m.ctx.NumPatches() + len(targets))
		}
	}

	created := 0
	for pid := range targets {
		if err := m.slicePatch(m.ctx.GetPatch(pid), attrs); err != nil {
			return created, err
		}
		m.clearNeedsSlice(pid)
		created++
	}

	n := m.ctx.NumPatches()
	m.locks.Grow(n)
	m.queue = scheduler.New(n)
	return created, nil
}

// sliceCopy tracks one split in progress: the source and target patches
// and the local index maps of elements copied so far
type sliceCopy struct {
	p, n *patch.Patch
	vmap map[uint16]uint16
	emap map[uint16]uint16
	fmap map[uint16]uint16
}

func (m *Mesh) slicePatch(p *patch.Patch, attrs []attribute.Remappable) error {
	var ownedFaces []uint16
	for f := uint16(0); f < p.NumFaces; f++ {
		if p.ActiveF.Test(f) && p.OwnedF.Test(f) {
			ownedFaces = append(ownedFaces, f)
		}
	}
	if len(ownedFaces) < 2 {
		return fmt.Errorf("patch %d: cannot slice with %d owned faces", p.ID, len(ownedFaces))
	}

	movedF := patch.NewBitmask(int(p.FaceCap))
	for _, f := range ownedFaces[len(ownedFaces)/2:] {
		movedF.Set(f)
	}

	// Incidence of vertices and edges on p's owned faces, split into
	// moving and staying. Ownership follows when every incident owned
	// face moves.
	eTot := make([]int, p.NumEdges)
	eMov := make([]int, p.NumEdges)
	vTot := make([]int, p.NumVertices)
	vMov := make([]int, p.NumVertices)
	for _, f := range ownedFaces {
		moved := movedF.Test(f)
		for _, de := range p.FaceEdges(f) {
			e := de.Edge()
			eTot[e]++
			v := faceCorner(p, de)
			vTot[v]++
			if moved {
				eMov[e]++
				vMov[v]++
			}
		}
	}

	sc := &sliceCopy{
		p:    p,
		n:    patch.NewPatch(uint32(m.ctx.NumPatches()), p.VertexCap, p.EdgeCap, p.FaceCap, p.LPV.Capacity()),
		vmap: make(map[uint16]uint16),
		emap: make(map[uint16]uint16),
		fmap: make(map[uint16]uint16),
	}

	for _, f := range ownedFaces[len(ownedFaces)/2:] {
		if _, err := sc.copyFace(f, true); err != nil {
			return err
		}
	}

	movedV := make(map[uint16]bool)
	for v := range sc.vmap {
		if p.OwnedV.Test(v) && vTot[v] > 0 && vMov[v] == vTot[v] {
			movedV[v] = true
		}
	}
	movedE := make(map[uint16]bool)
	for e := range sc.emap {
		if p.OwnedE.Test(e) && eTot[e] > 0 && eMov[e] == eTot[e] {
			movedE[e] = true
		}
	}

	// Ghost ring completion: every vertex the new patch will own needs its
	// full face ring locally present
	for f := uint16(0); f < p.NumFaces; f++ {
		if !p.ActiveF.Test(f) || movedF.Test(f) {
			continue
		}
		for _, de := range p.FaceEdges(f) {
			if movedV[faceCorner(p, de)] {
				if _, err := sc.copyFace(f, false); err != nil {
					return err
				}
				break
			}
		}
	}

	if err := sc.commit(m.ctx, movedV, movedE, movedF, attrs); err != nil {
		return err
	}
	m.ctx.Patches = append(m.ctx.Patches, sc.n)
	p.MarkDirty()
	sc.n.MarkDirty()
	return nil
}

// faceCorner returns the face corner vertex contributed by one directed
// edge, following the winding
func faceCorner(p *patch.Patch, de patch.DirEdge) uint16 {
	a, b := p.EdgeVertices(de.Edge())
	if de.Reversed() {
		return b
	}
	return a
}

func (sc *sliceCopy) copyVertex(v uint16) (uint16, error) {
	if nv, ok := sc.vmap[v]; ok {
		return nv, nil
	}
	if sc.n.NumVertices == sc.n.VertexCap {
		return patch.InvalidLocal, fmt.Errorf("slicing patch %d: new patch vertex capacity exhausted", sc.p.ID)
	}
	nv := sc.n.NumVertices
	sc.n.NumVertices++
	sc.n.ActiveV.Set(nv)
	sc.vmap[v] = nv
	return nv, nil
}

func (sc *sliceCopy) copyEdge(e uint16) (uint16, error) {
	if ne, ok := sc.emap[e]; ok {
		return ne, nil
	}
	if sc.n.NumEdges == sc.n.EdgeCap {
		return patch.InvalidLocal, fmt.Errorf("slicing patch %d: new patch edge capacity exhausted", sc.p.ID)
	}
	a, b := sc.p.EdgeVertices(e)
	na, err := sc.copyVertex(a)
	if err != nil {
		return patch.InvalidLocal, err
	}
	nb, err := sc.copyVertex(b)
	if err != nil {
		return patch.InvalidLocal, err
	}
	ne := sc.n.NumEdges
	sc.n.NumEdges++
	sc.n.SetEdge(ne, na, nb)
	sc.n.ActiveE.Set(ne)
	sc.emap[e] = ne
	return ne, nil
}

func (sc *sliceCopy) copyFace(f uint16, owned bool) (uint16, error) {
	if nf, ok := sc.fmap[f]; ok {
		return nf, nil
	}
	if sc.n.NumFaces == sc.n.FaceCap {
		return patch.InvalidLocal, fmt.Errorf("slicing patch %d: new patch face capacity exhausted", sc.p.ID)
	}
	var des [3]patch.DirEdge
	for i, de := range sc.p.FaceEdges(f) {
		ne, err := sc.copyEdge(de.Edge())
		if err != nil {
			return patch.InvalidLocal, err
		}
		des[i] = patch.NewDirEdge(ne, de.Reversed())
	}
	nf := sc.n.NumFaces
	sc.n.NumFaces++
	sc.n.SetFace(nf, des[0], des[1], des[2])
	sc.n.ActiveF.Set(nf)
	if owned {
		sc.n.OwnedF.Set(nf)
	}
	sc.fmap[f] = nf
	return nf, nil
}

// commit applies the ownership decisions to both patches: owned bits and
// ghost LP entries in the new patch, forwarding entries and ghost pruning
// in the source
func (sc *sliceCopy) commit(ctx *patch.Context, movedV, movedE map[uint16]bool,
	movedF *patch.Bitmask, attrs []attribute.Remappable) error {

	p, n := sc.p, sc.n

	for v, nv := range sc.vmap {
		if movedV[v] {
			n.OwnedV.Set(nv)
		}
	}
	for e, ne := range sc.emap {
		if movedE[e] {
			n.OwnedE.Set(ne)
		}
	}

	// Ghost copies in n reference their owner through n's stash. Elements
	// whose ownership stays behind resolve through p; pre-existing ghosts
	// of p resolve to their remote owner.
	maps := [3]map[uint16]uint16{sc.vmap, sc.emap, sc.fmap}
	for k, mm := range maps {
		kind := patch.ElementKind(k)
		for old, nw := range mm {
			if n.Owned(kind).Test(nw) {
				continue
			}
			r, rl := p.ID, old
			if !p.Owned(kind).Test(old) {
				var err error
				r, rl, err = ctx.ResolveOwner(kind, p.ID, old)
				if err != nil {
					return fmt.Errorf("slicing patch %d: %w", p.ID, err)
				}
			}
			slot, err := n.Stash.Insert(r)
			if err != nil {
				return fmt.Errorf("slicing patch %d: %w", p.ID, err)
			}
			if err := n.LP(kind).Insert(patch.LPPair{Key: nw, OwnerLocal: rl, OwnerSlot: slot}); err != nil {
				return fmt.Errorf("slicing patch %d: %w", p.ID, err)
			}
		}
	}

	nSlot, err := p.Stash.Insert(n.ID)
	if err != nil {
		return fmt.Errorf("slicing patch %d: %w", p.ID, err)
	}

	// Retire p's transferred copies: ownership clears, a forwarding entry
	// keeps outstanding chases alive until Cleanup
	forward := func(kind patch.ElementKind, old, nw uint16) error {
		p.Owned(kind).Clear(old)
		if err := p.LP(kind).Insert(patch.LPPair{Key: old, OwnerLocal: nw, OwnerSlot: nSlot}); err != nil {
			return fmt.Errorf("slicing patch %d: %w", p.ID, err)
		}
		for _, a := range attrs {
			if a.ElementKind() == kind {
				a.OwnerChanged(p.ID, old, n.ID, nw)
			}
		}
		return nil
	}
	for v := range movedV {
		if err := forward(patch.VertexKind, v, sc.vmap[v]); err != nil {
			return err
		}
	}
	for e := range movedE {
		if err := forward(patch.EdgeKind, e, sc.emap[e]); err != nil {
			return err
		}
	}
	for f := uint16(0); f < p.NumFaces; f++ {
		if movedF.Test(f) {
			if err := forward(patch.FaceKind, f, sc.fmap[f]); err != nil {
				return err
			}
		}
	}

	// Prune p's side: a moved face stays active only while it rings a
	// vertex p still owns; touched ghost edges and vertices stay active
	// only while something active still references them
	for f := uint16(0); f < p.NumFaces; f++ {
		if !movedF.Test(f) {
			continue
		}
		keep := false
		for _, de := range p.FaceEdges(f) {
			if p.OwnedV.Test(faceCorner(p, de)) {
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
	for e := range sc.emap {
		if !p.OwnedE.Test(e) && !edgeRef.Test(e) {
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
	for v := range sc.vmap {
		if !p.OwnedV.Test(v) && !vertRef.Test(v) {
			p.ActiveV.Clear(v)
		}
	}
	return nil
}
