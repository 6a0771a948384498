// Package mesh ties the patch store, scheduler, and lock table into the
// top-level dynamic mesh: launch configuration, the kernel relaunch loop,
// topology validation, post-round cleanup, and patch slicing.
package mesh

import (
	"fmt"
	"sync"

	"github.com/notargets/remesh/patch"
	"github.com/notargets/remesh/scheduler"
)

// DefaultSharedMemLimit is the per-block scratch budget validated by
// PrepareLaunchBox when the config does not override it
const DefaultSharedMemLimit = 164 << 10

// Config controls launch sizing and execution width
type Config struct {
	// SharedMemLimit is the per-block scratch budget in bytes
	SharedMemLimit int

	// Workers caps the number of concurrent blocks per launch;
	// 0 means one block per patch
	Workers int
}

// Mesh is a dynamic triangle mesh held as a set of patches. Topology
// changes run through cavity managers, one block per patch per launch.
type Mesh struct {
	ctx   *patch.Context
	queue *scheduler.Queue
	locks *patch.LockTable
	cfg   Config

	mu          sync.Mutex
	sliceNeeded map[uint32]bool
}

// NewFromPatches assembles a mesh from built patches and arms the
// scheduler queue with every patch id
func NewFromPatches(patches []*patch.Patch, cfg Config) (*Mesh, error) {
	ctx, err := patch.NewContext(patches)
	if err != nil {
		return nil, fmt.Errorf("building mesh context: %w", err)
	}
	if cfg.SharedMemLimit == 0 {
		cfg.SharedMemLimit = DefaultSharedMemLimit
	}
	q := scheduler.New(len(patches))
	if err := q.Refill(len(patches)); err != nil {
		return nil, fmt.Errorf("arming patch queue: %w", err)
	}
	return &Mesh{
		ctx:         ctx,
		queue:       q,
		locks:       patch.NewLockTable(len(patches)),
		cfg:         cfg,
		sliceNeeded: make(map[uint32]bool),
	}, nil
}

// Context exposes the read-only patch context
func (m *Mesh) Context() *patch.Context {
	return m.ctx
}

// NumPatches returns the patch count
func (m *Mesh) NumPatches() int {
	return m.ctx.NumPatches()
}

// GetPatch returns one patch by id
func (m *Mesh) GetPatch(pid uint32) *patch.Patch {
	return m.ctx.GetPatch(pid)
}

// NumVertices counts owned active vertices across all patches
func (m *Mesh) NumVertices() int {
	return m.ctx.NumOwned(patch.VertexKind)
}

// NumEdges counts owned active edges across all patches
func (m *Mesh) NumEdges() int {
	return m.ctx.NumOwned(patch.EdgeKind)
}

// NumFaces counts owned active faces across all patches
func (m *Mesh) NumFaces() int {
	return m.ctx.NumOwned(patch.FaceKind)
}

// IsQueueEmpty reports whether any patch still awaits processing.
// This is the termination signal of the relaunch loop.
func (m *Mesh) IsQueueEmpty() bool {
	return m.queue.IsEmpty()
}

// ResetQueue re-arms the queue with every patch for another kernel. A
// single kernel does not need this; the queue is armed at construction.
func (m *Mesh) ResetQueue() error {
	return m.queue.Refill(m.ctx.NumPatches())
}

// NeedsSlice lists patches whose last round hit the capacity budget.
// The caller should slice them before relaunching.
func (m *Mesh) NeedsSlice() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	pids := make([]uint32, 0, len(m.sliceNeeded))
	for pid := range m.sliceNeeded {
		pids = append(pids, pid)
	}
	return pids
}

func (m *Mesh) markNeedsSlice(pid uint32) {
	m.mu.Lock()
	m.sliceNeeded[pid] = true
	m.mu.Unlock()
}

func (m *Mesh) clearNeedsSlice(pid uint32) {
	m.mu.Lock()
	delete(m.sliceNeeded, pid)
	m.mu.Unlock()
}

// FaceVertices returns the three corner vertices of a face in winding
// order, as canonical owner handles
func (m *Mesh) FaceVertices(pid uint32, f uint16) ([3]patch.Handle, error) {
	p := m.ctx.GetPatch(pid)
	var hs [3]patch.Handle
	for i, de := range p.FaceEdges(f) {
		a, b := p.EdgeVertices(de.Edge())
		v := a
		if de.Reversed() {
			v = b
		}
		r, rl, err := m.ctx.ResolveOwner(patch.VertexKind, pid, v)
		if err != nil {
			return hs, fmt.Errorf("face %d in patch %d: %w", f, pid, err)
		}
		hs[i] = patch.Vertex(r, rl)
	}
	return hs, nil
}

// EdgeVertices returns an edge's endpoints as canonical owner handles
func (m *Mesh) EdgeVertices(pid uint32, e uint16) ([2]patch.Handle, error) {
	p := m.ctx.GetPatch(pid)
	a, b := p.EdgeVertices(e)
	var hs [2]patch.Handle
	for i, v := range [2]uint16{a, b} {
		r, rl, err := m.ctx.ResolveOwner(patch.VertexKind, pid, v)
		if err != nil {
			return hs, fmt.Errorf("edge %d in patch %d: %w", e, pid, err)
		}
		hs[i] = patch.Vertex(r, rl)
	}
	return hs, nil
}
