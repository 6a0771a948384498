package cavity

import (
	"github.com/notargets/remesh/attribute"
	"github.com/notargets/remesh/patch"
)

// lockPatchesToLock attempts to lock every patch a surviving cavity's
// footprint resolves to through one LP hop, in ascending patch id order.
// Any single failure aborts the round: previously acquired locks are
// released, the patch re-enters the scheduler, and false is returned.
// Patches discovered deeper in ownership chains are locked incrementally
// during migration under the same abort-on-failure policy.
func (m *Manager) lockPatchesToLock() bool {
	var toLock []uint32
	seen := map[uint32]bool{m.pid: true}
	for _, s := range m.sets {
		for i := uint16(0); i < s.num; i++ {
			t := s.cavity[i]
			if t == InvalidCavity || s.owned.Test(i) {
				continue
			}
			pair, ok := s.lp.Find(i)
			if !ok {
				continue
			}
			q := m.stash.Get(pair.OwnerSlot)
			if q == patch.InvalidPatch || seen[q] {
				continue
			}
			seen[q] = true
			toLock = append(toLock, q)
		}
	}
	if !m.locks.TryAcquireAll(toLock) {
		m.abortRound()
		return false
	}
	m.lockSet = append(m.lockSet, toLock...)
	return true
}

// isLocked reports whether this block holds the lock for a patch
func (m *Manager) isLocked(r uint32) bool {
	for _, pid := range m.lockSet {
		if pid == r {
			return true
		}
	}
	return false
}

// lockDiscovered ensures a patch discovered mid-migration is locked and
// stashed. The try is non-blocking; failure means the caller aborts the
// whole round, so no lock is ever held while waiting on another.
func (m *Manager) lockDiscovered(r uint32) bool {
	if _, err := m.stash.Insert(r); err != nil {
		m.shouldSlice = true
		return false
	}
	if r == m.pid || m.isLocked(r) {
		return true
	}
	if !m.locks.TryAcquire(r) {
		return false
	}
	m.lockSet = append(m.lockSet, r)
	return true
}

// resolveOwner resolves a shadow-local element to its true owner, using
// the shadow LP table for the first hop and the global context beyond it
func (m *Manager) resolveOwner(kind patch.ElementKind, local uint16) (uint32, uint16, bool) {
	s := m.set(kind)
	if s.owned.Test(local) {
		return m.pid, local, true
	}
	pair, ok := s.lp.Find(local)
	if !ok {
		return patch.InvalidPatch, patch.InvalidLocal, false
	}
	q := m.stash.Get(pair.OwnerSlot)
	if q == patch.InvalidPatch {
		return patch.InvalidPatch, patch.InvalidLocal, false
	}
	r, rl, err := m.ctx.ResolveOwner(kind, q, pair.OwnerLocal)
	if err != nil {
		return patch.InvalidPatch, patch.InvalidLocal, false
	}
	return r, rl, true
}

// migrate pulls every remote element a surviving cavity needs into the
// local shadow: rings of deleted ghost vertices, and remote faces of
// deleted edges whose endpoints live elsewhere. Copies arrive as active
// non-owned ghosts with calibrated LP entries. Returns false when a lock
// cannot be taken or capacity runs out; the caller aborts the round.
func (m *Manager) migrate() bool {
	vs := m.sets[patch.VertexKind]
	es := m.sets[patch.EdgeKind]

	// Deleted vertices drag their whole one-ring into the cavity. Rings
	// of owned vertices are locally present by the ribbon invariant;
	// ghost vertices need theirs pulled from the owner.
	for v := uint16(0); v < vs.num; v++ {
		t := vs.cavity[v]
		if t == InvalidCavity || !m.cavityActive[t] || vs.owned.Test(v) {
			continue
		}
		q, ql, ok := m.resolveOwner(patch.VertexKind, v)
		if !ok || q == m.pid {
			return false
		}
		if !m.lockDiscovered(q) {
			return false
		}
		if !m.pullVertexRing(q, ql, t) {
			return false
		}
	}

	// Deleted edges need both incident faces in the cavity. The face on
	// the far side of a patch boundary is reached through the owner of a
	// non-owned endpoint.
	for e := uint16(0); e < es.num; e++ {
		t := es.cavity[e]
		if t == InvalidCavity || !m.cavityActive[t] {
			continue
		}
		if !m.pullEdgeFaces(e, t) {
			return false
		}
	}
	return true
}

// pullVertexRing copies the one-ring of vertex (q, vq) into the local
// shadow and tags it with cavity t
func (m *Manager) pullVertexRing(q uint32, vq uint16, t CavityID) bool {
	qp := m.ctx.GetPatch(q)
	for eq := uint16(0); eq < qp.NumEdges; eq++ {
		if !qp.ActiveE.Test(eq) {
			continue
		}
		a, b := qp.EdgeVertices(eq)
		if a != vq && b != vq {
			continue
		}
		le, ok := m.ensureEdgeLocal(q, eq)
		if !ok {
			return false
		}
		m.markElement(m.sets[patch.EdgeKind], le, t)
	}
	for fq := uint16(0); fq < qp.NumFaces; fq++ {
		if !qp.ActiveF.Test(fq) {
			continue
		}
		incident := false
		for _, de := range qp.FaceEdges(fq) {
			a, b := qp.EdgeVertices(de.Edge())
			if a == vq || b == vq {
				incident = true
				break
			}
		}
		if !incident {
			continue
		}
		lf, ok := m.ensureFaceLocal(q, fq)
		if !ok {
			return false
		}
		m.markElement(m.sets[patch.FaceKind], lf, t)
	}
	return true
}

// pullEdgeFaces ensures every face incident to tagged local edge e is in
// the local shadow and tagged. Faces reachable only through a non-owned
// endpoint are copied from that endpoint's owner patch.
func (m *Manager) pullEdgeFaces(e uint16, t CavityID) bool {
	vs := m.sets[patch.VertexKind]
	r, rl, ok := m.resolveOwner(patch.EdgeKind, e)
	if !ok {
		return false
	}
	for _, v := range [2]uint16{m.ev[2*e], m.ev[2*e+1]} {
		if vs.owned.Test(v) {
			// Faces around owned vertices are local by the ribbon
			// invariant and were tagged during propagation
			continue
		}
		q, _, okV := m.resolveOwner(patch.VertexKind, v)
		if !okV {
			return false
		}
		if q == m.pid {
			continue
		}
		if !m.lockDiscovered(q) {
			return false
		}
		qp := m.ctx.GetPatch(q)
		eq, found := m.findCopyInPatch(qp, patch.EdgeKind, r, rl)
		if !found {
			// q owns an endpoint, so it must hold the edge
			return false
		}
		for fq := uint16(0); fq < qp.NumFaces; fq++ {
			if !qp.ActiveF.Test(fq) {
				continue
			}
			incident := false
			for _, de := range qp.FaceEdges(fq) {
				if de.Edge() == eq {
					incident = true
					break
				}
			}
			if !incident {
				continue
			}
			lf, okF := m.ensureFaceLocal(q, fq)
			if !okF {
				return false
			}
			m.markElement(m.sets[patch.FaceKind], lf, t)
		}
	}
	return true
}

// findCopyInPatch locates patch qp's copy of the element owned at (r, rl).
// The direct stash lookup covers calibrated entries; the chase fallback
// covers entries left stale by chained transfers.
func (m *Manager) findCopyInPatch(qp *patch.Patch, kind patch.ElementKind, r uint32, rl uint16) (uint16, bool) {
	if qp.ID == r {
		return rl, true
	}
	if slot, ok := qp.Stash.Find(r); ok {
		if idx, found := qp.LP(kind).FindCopy(slot, rl); found {
			return idx, true
		}
	}
	found := patch.InvalidLocal
	qp.LP(kind).ForEach(func(pair patch.LPPair) bool {
		cr, crl, err := m.ctx.ResolveOwner(kind, qp.ID, pair.Key)
		if err == nil && cr == r && crl == rl {
			found = pair.Key
			return false
		}
		return true
	})
	return found, found != patch.InvalidLocal
}

// ensureVertexLocal returns the local shadow index of vertex (q, vq),
// migrating a ghost copy if the patch does not hold one yet
func (m *Manager) ensureVertexLocal(q uint32, vq uint16) (uint16, bool) {
	r, rl, err := m.ctx.ResolveOwner(patch.VertexKind, q, vq)
	if err != nil {
		return patch.InvalidLocal, false
	}
	if r == m.pid {
		return rl, true
	}
	if !m.lockDiscovered(r) {
		return patch.InvalidLocal, false
	}
	s := m.sets[patch.VertexKind]
	slot, _ := m.stash.Find(r)
	if idx, found := s.lp.FindCopy(slot, rl); found {
		return idx, true
	}
	i, ok := m.addSlot(s)
	if !ok {
		return patch.InvalidLocal, false
	}
	s.active.Set(i)
	s.owned.Clear(i)
	if err := s.lp.Insert(patch.LPPair{Key: i, OwnerLocal: rl, OwnerSlot: slot}); err != nil {
		m.shouldSlice = true
		return patch.InvalidLocal, false
	}
	s.calibrated.Set(i)
	m.logCopy(patch.VertexKind, r, rl, i)
	return i, true
}

// ensureEdgeLocal returns the local shadow index of edge (q, eq),
// migrating endpoints and the edge record as needed
func (m *Manager) ensureEdgeLocal(q uint32, eq uint16) (uint16, bool) {
	r, rl, err := m.ctx.ResolveOwner(patch.EdgeKind, q, eq)
	if err != nil {
		return patch.InvalidLocal, false
	}
	if r == m.pid {
		return rl, true
	}
	if !m.lockDiscovered(r) {
		return patch.InvalidLocal, false
	}
	s := m.sets[patch.EdgeKind]
	slot, _ := m.stash.Find(r)
	if idx, found := s.lp.FindCopy(slot, rl); found {
		return idx, true
	}
	rp := m.ctx.GetPatch(r)
	ra, rb := rp.EdgeVertices(rl)
	la, ok := m.ensureVertexLocal(r, ra)
	if !ok {
		return patch.InvalidLocal, false
	}
	lb, ok := m.ensureVertexLocal(r, rb)
	if !ok {
		return patch.InvalidLocal, false
	}
	i, ok := m.addSlot(s)
	if !ok {
		return patch.InvalidLocal, false
	}
	m.ev[2*i] = la
	m.ev[2*i+1] = lb
	s.active.Set(i)
	s.owned.Clear(i)
	if err := s.lp.Insert(patch.LPPair{Key: i, OwnerLocal: rl, OwnerSlot: slot}); err != nil {
		m.shouldSlice = true
		return patch.InvalidLocal, false
	}
	s.calibrated.Set(i)
	m.logCopy(patch.EdgeKind, r, rl, i)
	return i, true
}

// ensureFaceLocal returns the local shadow index of face (q, fq),
// migrating its edge closure as needed
func (m *Manager) ensureFaceLocal(q uint32, fq uint16) (uint16, bool) {
	r, rl, err := m.ctx.ResolveOwner(patch.FaceKind, q, fq)
	if err != nil {
		return patch.InvalidLocal, false
	}
	if r == m.pid {
		return rl, true
	}
	if !m.lockDiscovered(r) {
		return patch.InvalidLocal, false
	}
	s := m.sets[patch.FaceKind]
	slot, _ := m.stash.Find(r)
	if idx, found := s.lp.FindCopy(slot, rl); found {
		return idx, true
	}
	rp := m.ctx.GetPatch(r)
	var les [3]patch.DirEdge
	for k, de := range rp.FaceEdges(rl) {
		le, ok := m.ensureEdgeLocal(r, de.Edge())
		if !ok {
			return patch.InvalidLocal, false
		}
		les[k] = patch.NewDirEdge(le, de.Reversed())
	}
	i, ok := m.addSlot(s)
	if !ok {
		return patch.InvalidLocal, false
	}
	m.fe[3*i] = les[0]
	m.fe[3*i+1] = les[1]
	m.fe[3*i+2] = les[2]
	s.active.Set(i)
	s.owned.Clear(i)
	if err := s.lp.Insert(patch.LPPair{Key: i, OwnerLocal: rl, OwnerSlot: slot}); err != nil {
		m.shouldSlice = true
		return patch.InvalidLocal, false
	}
	s.calibrated.Set(i)
	m.logCopy(patch.FaceKind, r, rl, i)
	return i, true
}

// markOwnershipChanges resolves every in-cavity ghost to its true owner,
// locks owners reached only through stale redirection chains (a one-hop
// entry can point at a retired copy between a transfer and the next
// Cleanup), recalibrates the LP entry to point directly at that owner,
// and marks the slot for the ownership flip in Epilogue. A lock that
// cannot be taken means a neighbor is racing this round; it aborts and
// retries.
func (m *Manager) markOwnershipChanges() bool {
	for _, s := range m.sets {
		for i := uint16(0); i < s.num; i++ {
			if !s.inCavity.Test(i) || s.owned.Test(i) {
				continue
			}
			r, rl, ok := m.resolveOwner(s.kind, i)
			if !ok || r == m.pid {
				return false
			}
			if !m.lockDiscovered(r) {
				return false
			}
			slot, found := m.stash.Find(r)
			if !found {
				return false
			}
			if err := s.lp.Insert(patch.LPPair{Key: i, OwnerLocal: rl, OwnerSlot: slot}); err != nil {
				m.shouldSlice = true
				return false
			}
			s.calibrated.Set(i)
			s.ownerChange.Set(i)
			s.resolvedPID[i] = r
			s.resolvedLocal[i] = rl
			m.logTombstone(s.kind, r, rl)
		}
	}
	return true
}

func (m *Manager) logCopy(kind patch.ElementKind, fromPID uint32, fromLocal, toLocal uint16) {
	m.moves = append(m.moves, attribute.Move{
		Kind:        kind,
		FromPatch:   fromPID,
		FromLocal:   fromLocal,
		ToPatch:     m.pid,
		ToLocal:     toLocal,
		OwnerChange: true,
	})
}

func (m *Manager) logTombstone(kind patch.ElementKind, pid uint32, local uint16) {
	m.moves = append(m.moves, attribute.Move{
		Kind:      kind,
		FromPatch: pid,
		FromLocal: local,
		ToPatch:   pid,
		ToLocal:   attribute.Tombstone,
	})
}
