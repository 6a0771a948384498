package patch

import "fmt"

// ElementKind identifies one of the three mesh element types
type ElementKind uint8

const (
	VertexKind ElementKind = iota
	EdgeKind
	FaceKind
)

func (k ElementKind) String() string {
	switch k {
	case VertexKind:
		return "vertex"
	case EdgeKind:
		return "edge"
	case FaceKind:
		return "face"
	}
	return fmt.Sprintf("ElementKind(%d)", uint8(k))
}

// Sentinel values for local indices and patch ids
const (
	InvalidLocal uint16 = 0xFFFF
	InvalidPatch uint32 = 0xFFFFFFFF
)

// Handle references a mesh element by its holding patch and local index.
// The same underlying element may be referenced through several handles
// (one per patch holding a copy); the owner handle is the canonical one.
type Handle struct {
	Kind  ElementKind
	Patch uint32
	Local uint16
}

// Vertex creates a vertex handle
func Vertex(pid uint32, local uint16) Handle {
	return Handle{Kind: VertexKind, Patch: pid, Local: local}
}

// Edge creates an edge handle
func Edge(pid uint32, local uint16) Handle {
	return Handle{Kind: EdgeKind, Patch: pid, Local: local}
}

// Face creates a face handle
func Face(pid uint32, local uint16) Handle {
	return Handle{Kind: FaceKind, Patch: pid, Local: local}
}

// IsValid reports whether the handle references an element slot
func (h Handle) IsValid() bool {
	return h.Patch != InvalidPatch && h.Local != InvalidLocal
}

func (h Handle) String() string {
	return fmt.Sprintf("%s(p%d:%d)", h.Kind, h.Patch, h.Local)
}

// DirEdge encodes an edge index together with a direction bit in the LSB.
// Direction 0 traverses the edge from its stored first vertex to its second;
// direction 1 traverses it reversed. Face-edge connectivity and cavity
// boundary loops store edges in this form so winding survives the encoding.
type DirEdge uint16

// NewDirEdge packs an edge index and direction flag
func NewDirEdge(edge uint16, reversed bool) DirEdge {
	d := DirEdge(edge) << 1
	if reversed {
		d |= 1
	}
	return d
}

// Edge returns the undirected edge index
func (d DirEdge) Edge() uint16 {
	return uint16(d >> 1)
}

// Reversed reports whether the edge is traversed against its stored order
func (d DirEdge) Reversed() bool {
	return d&1 == 1
}

// Flip returns the same edge traversed in the opposite direction
func (d DirEdge) Flip() DirEdge {
	return d ^ 1
}
