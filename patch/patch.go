package patch

import (
	"fmt"
	"sync/atomic"
)

// Patch is a spatially local subset of the mesh and the unit of per-block
// processing. It stores edge and face connectivity for every element it
// holds (owned or ghost), active and owned bitmasks per element kind, one
// LP hashtable per kind for its ghost copies, and a stash of the neighbor
// patches those ghosts resolve to.
//
// Connectivity layout: EV holds two vertex indices per edge slot, FE holds
// three direction-encoded edge references per face slot. Slots past the
// current count up to the capacity are spare room for topology changes.
type Patch struct {
	ID uint32

	NumVertices uint16
	NumEdges    uint16
	NumFaces    uint16

	VertexCap uint16
	EdgeCap   uint16
	FaceCap   uint16

	EV []uint16  // 2 * EdgeCap
	FE []DirEdge // 3 * FaceCap

	ActiveV *Bitmask
	ActiveE *Bitmask
	ActiveF *Bitmask

	OwnedV *Bitmask
	OwnedE *Bitmask
	OwnedF *Bitmask

	// Reclaim marks inactive slots Cleanup has confirmed unreferenced by
	// every hashtable in the mesh. Only these slots may back new elements;
	// slots vacated since the last Cleanup stay out of the pool because a
	// neighbor ghost entry may still resolve to them.
	ReclaimV *Bitmask
	ReclaimE *Bitmask
	ReclaimF *Bitmask

	LPV *LPTable
	LPE *LPTable
	LPF *LPTable

	Stash *Stash

	dirty atomic.Bool
}

// NewPatch allocates an empty patch with the given per-kind capacities.
// lpCap sizes each LP hashtable's main array.
func NewPatch(id uint32, vertexCap, edgeCap, faceCap uint16, lpCap int) *Patch {
	return &Patch{
		ID:        id,
		VertexCap: vertexCap,
		EdgeCap:   edgeCap,
		FaceCap:   faceCap,
		EV:        make([]uint16, 2*int(edgeCap)),
		FE:        make([]DirEdge, 3*int(faceCap)),
		ActiveV:   NewBitmask(int(vertexCap)),
		ActiveE:   NewBitmask(int(edgeCap)),
		ActiveF:   NewBitmask(int(faceCap)),
		OwnedV:    NewBitmask(int(vertexCap)),
		OwnedE:    NewBitmask(int(edgeCap)),
		OwnedF:    NewBitmask(int(faceCap)),
		ReclaimV:  NewBitmask(int(vertexCap)),
		ReclaimE:  NewBitmask(int(edgeCap)),
		ReclaimF:  NewBitmask(int(faceCap)),
		LPV:       NewLPTable(lpCap),
		LPE:       NewLPTable(lpCap),
		LPF:       NewLPTable(lpCap),
		Stash:     NewStash(),
	}
}

// Count returns the number of element slots in use for a kind
func (p *Patch) Count(kind ElementKind) uint16 {
	switch kind {
	case VertexKind:
		return p.NumVertices
	case EdgeKind:
		return p.NumEdges
	default:
		return p.NumFaces
	}
}

// SetCount updates the number of element slots in use for a kind
func (p *Patch) SetCount(kind ElementKind, n uint16) {
	switch kind {
	case VertexKind:
		p.NumVertices = n
	case EdgeKind:
		p.NumEdges = n
	default:
		p.NumFaces = n
	}
}

// Cap returns the slot capacity for a kind
func (p *Patch) Cap(kind ElementKind) uint16 {
	switch kind {
	case VertexKind:
		return p.VertexCap
	case EdgeKind:
		return p.EdgeCap
	default:
		return p.FaceCap
	}
}

// Active returns the active bitmask for a kind
func (p *Patch) Active(kind ElementKind) *Bitmask {
	switch kind {
	case VertexKind:
		return p.ActiveV
	case EdgeKind:
		return p.ActiveE
	default:
		return p.ActiveF
	}
}

// Owned returns the owned bitmask for a kind
func (p *Patch) Owned(kind ElementKind) *Bitmask {
	switch kind {
	case VertexKind:
		return p.OwnedV
	case EdgeKind:
		return p.OwnedE
	default:
		return p.OwnedF
	}
}

// Reclaim returns the reusable-slot bitmask for a kind
func (p *Patch) Reclaim(kind ElementKind) *Bitmask {
	switch kind {
	case VertexKind:
		return p.ReclaimV
	case EdgeKind:
		return p.ReclaimE
	default:
		return p.ReclaimF
	}
}

// LP returns the LP hashtable for a kind
func (p *Patch) LP(kind ElementKind) *LPTable {
	switch kind {
	case VertexKind:
		return p.LPV
	case EdgeKind:
		return p.LPE
	default:
		return p.LPF
	}
}

// EdgeVertices returns the two endpoints of an edge slot
func (p *Patch) EdgeVertices(e uint16) (uint16, uint16) {
	return p.EV[2*e], p.EV[2*e+1]
}

// SetEdge stores the endpoints of an edge slot
func (p *Patch) SetEdge(e, v0, v1 uint16) {
	p.EV[2*e] = v0
	p.EV[2*e+1] = v1
}

// FaceEdges returns the three direction-encoded edges of a face slot
func (p *Patch) FaceEdges(f uint16) [3]DirEdge {
	return [3]DirEdge{p.FE[3*f], p.FE[3*f+1], p.FE[3*f+2]}
}

// SetFace stores the three direction-encoded edges of a face slot
func (p *Patch) SetFace(f uint16, e0, e1, e2 DirEdge) {
	p.FE[3*f] = e0
	p.FE[3*f+1] = e1
	p.FE[3*f+2] = e2
}

// MarkDirty flags the patch as modified since the last host sync
func (p *Patch) MarkDirty() {
	p.dirty.Store(true)
}

// ClearDirty resets the modification flag
func (p *Patch) ClearDirty() {
	p.dirty.Store(false)
}

// IsDirty reports whether the patch was modified since the last host sync
func (p *Patch) IsDirty() bool {
	return p.dirty.Load()
}

// NumOwned counts owned active elements of a kind
func (p *Patch) NumOwned(kind ElementKind) int {
	n := 0
	active := p.Active(kind)
	owned := p.Owned(kind)
	for i := uint16(0); i < p.Count(kind); i++ {
		if active.Test(i) && owned.Test(i) {
			n++
		}
	}
	return n
}

func (p *Patch) String() string {
	return fmt.Sprintf("patch %d: %d/%d/%d v/e/f (caps %d/%d/%d)",
		p.ID, p.NumVertices, p.NumEdges, p.NumFaces,
		p.VertexCap, p.EdgeCap, p.FaceCap)
}
