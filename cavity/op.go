package cavity

import "github.com/notargets/remesh/patch"

// CavityID identifies one cavity within a single patch round. Ids are
// assigned in seed registration order; the lowest id wins every tie.
type CavityID = int16

// InvalidCavity marks an element that belongs to no cavity
const InvalidCavity CavityID = -1

// Op selects the seed element kind and the footprint a cavity grows to
// cover. Footprints are closure-consistent: deleting a vertex pulls in all
// its incident edges and faces, deleting an edge pulls in its faces, so the
// surviving mesh never references a removed element.
type Op uint8

const (
	// OpV removes a vertex: the seed vertex, its incident edges, and
	// their incident faces
	OpV Op = iota

	// OpE removes an edge and its two incident faces, keeping all
	// vertices (the edge-flip footprint)
	OpE

	// OpF removes a face, its three edges, their six vertices, and the
	// closure of those vertices' rings
	OpF

	// OpEV removes an edge together with both end vertices and the full
	// one-ring of each (the edge-collapse footprint)
	OpEV
)

// SeedKind returns the element kind Create accepts for this op
func (op Op) SeedKind() patch.ElementKind {
	switch op {
	case OpV:
		return patch.VertexKind
	case OpF:
		return patch.FaceKind
	default:
		return patch.EdgeKind
	}
}

func (op Op) String() string {
	switch op {
	case OpV:
		return "OpV"
	case OpE:
		return "OpE"
	case OpF:
		return "OpF"
	case OpEV:
		return "OpEV"
	}
	return "Op(?)"
}

// State tracks the per-round protocol position. Aborted is a scheduling
// outcome, not a failure: the patch re-enters Idle on a later pop.
type State uint8

const (
	StateIdle State = iota
	StateSeedsRegistered
	StatePropagated
	StateConflictsResolved
	StateAborted
	StateLocksAcquired
	StateMigrated
	StateEditApplied
	StateOwnershipReconciled
	StateFlushed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSeedsRegistered:
		return "SeedsRegistered"
	case StatePropagated:
		return "Propagated"
	case StateConflictsResolved:
		return "ConflictsResolved"
	case StateAborted:
		return "Aborted"
	case StateLocksAcquired:
		return "LocksAcquired"
	case StateMigrated:
		return "Migrated"
	case StateEditApplied:
		return "EditApplied"
	case StateOwnershipReconciled:
		return "OwnershipReconciled"
	case StateFlushed:
		return "Flushed"
	}
	return "State(?)"
}
