// Package attribute holds per-element application data that must survive
// topology rounds. The cavity manager records every index displacement and
// ownership transfer it performs and replays the log against each
// registered Remappable, so attribute storage never chases mesh internals.
package attribute

import "github.com/notargets/remesh/patch"

// Tombstone as a destination local index marks deletion
const Tombstone uint16 = 0xFFFF

// Remappable is implemented by any per-element container that needs its
// entries relocated when topology changes displace element indices
type Remappable interface {
	// ElementKind reports which element kind the container is keyed by
	ElementKind() patch.ElementKind

	// Relocate moves the entry at (pid, old) to (pid, new). A Tombstone
	// destination deletes the entry.
	Relocate(pid uint32, old, new uint16)

	// OwnerChanged copies the entry at (fromPID, fromLocal) to
	// (toPID, toLocal) when ownership of an element transfers across
	// patches
	OwnerChanged(fromPID uint32, fromLocal uint16, toPID uint32, toLocal uint16)
}

// Move is one entry of the relocation log a cavity round produces.
// Replayed in order, the log migrates attribute data exactly as the
// topology moved underneath it.
type Move struct {
	Kind        patch.ElementKind
	FromPatch   uint32
	FromLocal   uint16
	ToPatch     uint32
	ToLocal     uint16 // Tombstone deletes
	OwnerChange bool
}

// Apply replays one move against every matching attribute
func Apply(m Move, attrs ...Remappable) {
	for _, a := range attrs {
		if a.ElementKind() != m.Kind {
			continue
		}
		if m.OwnerChange {
			a.OwnerChanged(m.FromPatch, m.FromLocal, m.ToPatch, m.ToLocal)
		} else {
			a.Relocate(m.FromPatch, m.FromLocal, m.ToLocal)
		}
	}
}

// Attribute is a typed per-element array mirrored across patches. Entries
// are addressed by (patch id, local index), matching element handles.
type Attribute[T any] struct {
	Name string
	Kind patch.ElementKind
	Data [][]T
}

// New creates an attribute sized to the context's per-patch capacities
func New[T any](name string, kind patch.ElementKind, ctx *patch.Context) *Attribute[T] {
	data := make([][]T, ctx.NumPatches())
	for i := range data {
		data[i] = make([]T, ctx.Cap(kind))
	}
	return &Attribute[T]{Name: name, Kind: kind, Data: data}
}

// Get returns the value for an element
func (a *Attribute[T]) Get(pid uint32, local uint16) T {
	return a.Data[pid][local]
}

// Set stores the value for an element
func (a *Attribute[T]) Set(pid uint32, local uint16, v T) {
	a.Data[pid][local] = v
}

// GrowPatches appends zeroed rows until the attribute covers numPatches
// patches. Called after slicing appends patches to the mesh.
func (a *Attribute[T]) GrowPatches(numPatches int) {
	for len(a.Data) < numPatches {
		a.Data = append(a.Data, make([]T, len(a.Data[0])))
	}
}

// ElementKind implements Remappable
func (a *Attribute[T]) ElementKind() patch.ElementKind {
	return a.Kind
}

// Relocate implements Remappable
func (a *Attribute[T]) Relocate(pid uint32, old, new uint16) {
	var zero T
	if new == Tombstone {
		a.Data[pid][old] = zero
		return
	}
	a.Data[pid][new] = a.Data[pid][old]
	a.Data[pid][old] = zero
}

// OwnerChanged implements Remappable
func (a *Attribute[T]) OwnerChanged(fromPID uint32, fromLocal uint16, toPID uint32, toLocal uint16) {
	a.Data[toPID][toLocal] = a.Data[fromPID][fromLocal]
}
