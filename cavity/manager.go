// Package cavity implements the per-patch, per-block topology edit
// protocol: seed registration, cavity propagation with lowest-id-wins
// conflict resolution, non-blocking cross-patch locking, ghost migration,
// cavity fill, ownership reconciliation, and flush.
//
// One Manager is instantiated per (block, patch) per launch. All of its
// mutable state is a block-local shadow of the patch; the patch store is
// only written on the commit path of Epilogue, and neighbor patches are
// only written while their locks are held.
package cavity

import (
	"fmt"

	"github.com/notargets/remesh/attribute"
	"github.com/notargets/remesh/patch"
	"github.com/notargets/remesh/scheduler"
)

// elementSet is the block-local state for one element kind: the shadow
// copies of the patch store masks plus the round-scoped scratch families.
// Parameterizing by kind keeps the vertex/edge/face protocol logic single
// sourced.
type elementSet struct {
	kind patch.ElementKind

	num uint16
	cap uint16

	active  *patch.Bitmask
	owned   *patch.Bitmask
	reclaim *patch.Bitmask
	lp      *patch.LPTable

	// cavity tags, InvalidCavity when untagged
	cavity []CavityID

	// round-scoped scratch, each valid only in its phase
	inCavity    *patch.Bitmask // set when tags freeze, element deleted
	ownerChange *patch.Bitmask // ownership transfers to this patch
	calibrated  *patch.Bitmask // lp entry rewritten to the true owner

	// resolved true owner for ownership-change slots
	resolvedPID   []uint32
	resolvedLocal []uint16
}

func newElementSet(kind patch.ElementKind, p *patch.Patch) *elementSet {
	c := int(p.Cap(kind))
	s := &elementSet{
		kind:          kind,
		num:           p.Count(kind),
		cap:           p.Cap(kind),
		active:        p.Active(kind).Clone(),
		owned:         p.Owned(kind).Clone(),
		reclaim:       p.Reclaim(kind).Clone(),
		lp:            p.LP(kind).Clone(),
		cavity:        make([]CavityID, c),
		inCavity:      patch.NewBitmask(c),
		ownerChange:   patch.NewBitmask(c),
		calibrated:    patch.NewBitmask(c),
		resolvedPID:   make([]uint32, c),
		resolvedLocal: make([]uint16, c),
	}
	for i := range s.cavity {
		s.cavity[i] = InvalidCavity
	}
	for i := range s.resolvedPID {
		s.resolvedPID[i] = patch.InvalidPatch
		s.resolvedLocal[i] = patch.InvalidLocal
	}
	return s
}

// tag returns the cavity id of an element, InvalidCavity when untagged
func (s *elementSet) tag(i uint16) CavityID {
	return s.cavity[i]
}

type seedRec struct {
	local uint16
	id    CavityID
}

// Manager drives the full lifecycle of one patch's topology round
type Manager struct {
	ctx   *patch.Context
	locks *patch.LockTable
	queue *scheduler.Queue
	op    Op
	pid   uint32
	p     *patch.Patch

	state State

	// shadow connectivity
	ev []uint16
	fe []patch.DirEdge

	sets  [3]*elementSet
	stash *patch.Stash

	cavityActive []bool
	seeds        []seedRec

	// boundary loops, concatenated per cavity
	loopEdges  []patch.DirEdge
	loopOffset []int
	loopSize   []int

	// locks held, ascending acquisition order starting with own patch
	lockSet []uint32

	moves []attribute.Move

	prologueOK  bool
	fillFailed  bool
	shouldSlice bool
}

// New instantiates a Manager for one popped patch id and acquires the
// patch's own lock. When the lock is contended the patch is pushed back on
// the scheduler and (nil, false) is returned; the block simply exits.
func New(ctx *patch.Context, locks *patch.LockTable, queue *scheduler.Queue, op Op, pid uint32) (*Manager, bool) {
	if !locks.TryAcquire(pid) {
		// Contention is a scheduling signal, not an error
		if err := queue.Push(pid); err != nil {
			panic(fmt.Sprintf("cavity: requeue patch %d: %v", pid, err))
		}
		return nil, false
	}
	p := ctx.GetPatch(pid)
	m := &Manager{
		ctx:     ctx,
		locks:   locks,
		queue:   queue,
		op:      op,
		pid:     pid,
		p:       p,
		state:   StateIdle,
		ev:      make([]uint16, len(p.EV)),
		fe:      make([]patch.DirEdge, len(p.FE)),
		stash:   p.Stash.Clone(),
		lockSet: []uint32{pid},
	}
	copy(m.ev, p.EV)
	copy(m.fe, p.FE)
	for k := 0; k < 3; k++ {
		m.sets[k] = newElementSet(patch.ElementKind(k), p)
	}
	return m, true
}

// PatchID returns the patch this manager operates on
func (m *Manager) PatchID() uint32 {
	return m.pid
}

// Op returns the configured cavity operation
func (m *Manager) Op() Op {
	return m.op
}

func (m *Manager) set(kind patch.ElementKind) *elementSet {
	return m.sets[kind]
}

// NumVertices returns the shadow vertex slot count
func (m *Manager) NumVertices() uint16 { return m.sets[patch.VertexKind].num }

// NumEdges returns the shadow edge slot count
func (m *Manager) NumEdges() uint16 { return m.sets[patch.EdgeKind].num }

// NumFaces returns the shadow face slot count
func (m *Manager) NumFaces() uint16 { return m.sets[patch.FaceKind].num }

// IsActive reports whether a shadow element slot is live
func (m *Manager) IsActive(kind patch.ElementKind, local uint16) bool {
	return m.set(kind).active.Test(local)
}

// IsOwned reports whether a shadow element slot is owned by this patch
func (m *Manager) IsOwned(kind patch.ElementKind, local uint16) bool {
	return m.set(kind).owned.Test(local)
}

// EdgeVertices returns the shadow endpoints of an edge
func (m *Manager) EdgeVertices(e uint16) (uint16, uint16) {
	return m.ev[2*e], m.ev[2*e+1]
}

// FaceEdges returns the shadow direction-encoded edges of a face
func (m *Manager) FaceEdges(f uint16) [3]patch.DirEdge {
	return [3]patch.DirEdge{m.fe[3*f], m.fe[3*f+1], m.fe[3*f+2]}
}

// Create registers a cavity seeded at a local element of the op's seed
// kind. The seed must be active and owned by this patch. Returns
// InvalidCavity when the seed is ineligible or an earlier seed already
// claimed the element (lowest id wins the round).
func (m *Manager) Create(seed uint16) CavityID {
	if m.state != StateIdle && m.state != StateSeedsRegistered {
		panic("cavity: Create called after Prologue")
	}
	s := m.set(m.op.SeedKind())
	if seed >= s.num || !s.active.Test(seed) || !s.owned.Test(seed) {
		return InvalidCavity
	}
	if s.cavity[seed] != InvalidCavity {
		return InvalidCavity
	}
	id := CavityID(len(m.cavityActive))
	s.cavity[seed] = id
	m.cavityActive = append(m.cavityActive, true)
	m.seeds = append(m.seeds, seedRec{local: seed, id: id})
	m.state = StateSeedsRegistered
	return id
}

// IsSuccessful reports whether the cavity seeded at the given element
// survived conflict resolution. Valid only after Prologue returned true.
func (m *Manager) IsSuccessful(seed uint16) bool {
	if !m.prologueOK {
		return false
	}
	for _, sr := range m.seeds {
		if sr.local == seed {
			return m.cavityActive[sr.id]
		}
	}
	return false
}

// ShouldSlice reports whether this round hit the patch capacity budget.
// The surrounding system is expected to slice the patch before retrying.
func (m *Manager) ShouldSlice() bool {
	return m.shouldSlice
}

// State returns the protocol position, for tests and diagnostics
func (m *Manager) State() State {
	return m.state
}

// NumCavities returns the number of cavities that survived resolution.
// Valid after Prologue.
func (m *Manager) NumCavities() int {
	n := 0
	for _, a := range m.cavityActive {
		if a {
			n++
		}
	}
	return n
}

// deactivate turns a cavity off; its tags are reclaimed by the next
// conflict resolution pass
func (m *Manager) deactivate(c CavityID) {
	m.cavityActive[c] = false
}

// requeue pushes the patch back for another round. The queue holds one
// slot per live patch, so a failed push means a patch would vanish from
// scheduling forever; that is a protocol violation, not a recoverable
// condition.
func (m *Manager) requeue() {
	if err := m.queue.Push(m.pid); err != nil {
		panic(fmt.Sprintf("cavity: requeue patch %d: %v", m.pid, err))
	}
}

// abortRound releases every lock, re-enqueues the patch, and drops all
// shadow state. Nothing was committed: neighbor patches are only written
// after fill succeeds.
func (m *Manager) abortRound() {
	for i := range m.cavityActive {
		m.cavityActive[i] = false
	}
	m.requeue()
	m.locks.ReleaseAll(m.lockSet)
	m.lockSet = nil
	m.state = StateAborted
}
