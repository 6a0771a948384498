package cavity

import "github.com/notargets/remesh/patch"

// Prologue runs the round through propagation, conflict resolution,
// locking, and migration, leaving the surviving cavities ready to fill.
// Returns false when the round produced no usable cavities or had to
// abort on lock contention; in the abort case the patch has already been
// pushed back on the scheduler and every lock released. Epilogue must be
// called on every path, including after a false return.
func (m *Manager) Prologue() bool {
	if m.state == StateIdle {
		// No seeds were registered
		return false
	}
	m.propagate()
	m.state = StatePropagated

	m.deactivateConflictingCavities()
	m.state = StateConflictsResolved

	if m.NumCavities() == 0 {
		return false
	}

	if !m.lockPatchesToLock() {
		return false
	}
	m.state = StateLocksAcquired

	if !m.migrate() {
		m.abortRound()
		return false
	}
	// Migration can retag shared remote elements; resolve again
	m.deactivateConflictingCavities()
	m.state = StateMigrated

	if m.NumCavities() == 0 {
		return false
	}

	m.computeInCavity()
	if !m.markOwnershipChanges() {
		m.abortRound()
		return false
	}

	m.constructCavitiesEdgeLoop()
	m.sortCavitiesEdgeLoop()

	m.prologueOK = true
	return true
}

// propagate spreads cavity tags over the op's footprint, one topological
// hop per pass
func (m *Manager) propagate() {
	switch m.op {
	case OpV:
		m.markEdgesThroughVertices()
		m.markFacesThroughEdges()
	case OpE:
		m.markFacesThroughEdges()
	case OpF:
		m.markEdgesThroughFaces()
		m.markVerticesThroughEdges()
		m.markEdgesThroughVertices()
		m.markFacesThroughEdges()
	case OpEV:
		m.markVerticesThroughEdges()
		m.markEdgesThroughVertices()
		m.markFacesThroughEdges()
	}
}

// markEdgesThroughVertices has every active edge adopt a tag from its
// endpoints (gather)
func (m *Manager) markEdgesThroughVertices() {
	vs := m.sets[patch.VertexKind]
	es := m.sets[patch.EdgeKind]
	for e := uint16(0); e < es.num; e++ {
		if !es.active.Test(e) {
			continue
		}
		v0, v1 := m.ev[2*e], m.ev[2*e+1]
		if t := vs.tag(v0); t != InvalidCavity {
			m.markElement(es, e, t)
		}
		if t := vs.tag(v1); t != InvalidCavity {
			m.markElement(es, e, t)
		}
	}
}

// markFacesThroughEdges has every active face adopt a tag from its three
// edges (gather)
func (m *Manager) markFacesThroughEdges() {
	es := m.sets[patch.EdgeKind]
	fs := m.sets[patch.FaceKind]
	for f := uint16(0); f < fs.num; f++ {
		if !fs.active.Test(f) {
			continue
		}
		for _, de := range m.FaceEdges(f) {
			if t := es.tag(de.Edge()); t != InvalidCavity {
				m.markElement(fs, f, t)
			}
		}
	}
}

// markVerticesThroughEdges pushes each tagged edge's tag onto its
// endpoints (scatter)
func (m *Manager) markVerticesThroughEdges() {
	vs := m.sets[patch.VertexKind]
	es := m.sets[patch.EdgeKind]
	for e := uint16(0); e < es.num; e++ {
		if !es.active.Test(e) {
			continue
		}
		t := es.tag(e)
		if t == InvalidCavity {
			continue
		}
		m.markElement(vs, m.ev[2*e], t)
		m.markElement(vs, m.ev[2*e+1], t)
	}
}

// markEdgesThroughFaces pushes each tagged face's tag onto its three
// edges (scatter)
func (m *Manager) markEdgesThroughFaces() {
	es := m.sets[patch.EdgeKind]
	fs := m.sets[patch.FaceKind]
	for f := uint16(0); f < fs.num; f++ {
		if !fs.active.Test(f) {
			continue
		}
		t := fs.tag(f)
		if t == InvalidCavity {
			continue
		}
		for _, de := range m.FaceEdges(f) {
			m.markElement(es, de.Edge(), t)
		}
	}
}

// markElement proposes cavity c for one element slot. Lowest cavity id
// wins a contested slot; the loser is deactivated and reclaimed by the
// next conflict resolution pass.
func (m *Manager) markElement(s *elementSet, idx uint16, c CavityID) {
	if !m.cavityActive[c] {
		return
	}
	cur := s.cavity[idx]
	if cur == c {
		return
	}
	if cur != InvalidCavity && m.cavityActive[cur] {
		if c < cur {
			m.deactivate(cur)
			s.cavity[idx] = c
		} else {
			m.deactivate(c)
		}
		return
	}
	s.cavity[idx] = c
}

// deactivateConflictingCavities clears every tag that references a
// deactivated cavity, returning those elements to the untouched pool
func (m *Manager) deactivateConflictingCavities() {
	for _, s := range m.sets {
		for i := uint16(0); i < s.num; i++ {
			if t := s.cavity[i]; t != InvalidCavity && !m.cavityActive[t] {
				s.cavity[i] = InvalidCavity
			}
		}
	}
}

// computeInCavity freezes the surviving tags: tagged elements move to the
// in-cavity mask, drop out of the active mask, and their attribute entries
// are tombstoned
func (m *Manager) computeInCavity() {
	for _, s := range m.sets {
		for i := uint16(0); i < s.num; i++ {
			if s.cavity[i] == InvalidCavity || !s.active.Test(i) {
				continue
			}
			s.inCavity.Set(i)
			s.active.Clear(i)
			m.logTombstone(s.kind, m.pid, i)
		}
	}
}
