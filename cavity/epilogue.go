package cavity

import (
	"github.com/notargets/remesh/attribute"
)

// UpdateAttributes replays this round's relocation log against each
// registered attribute container, then clears the log. Call after the fill
// phase and before Epilogue so attribute data tracks the committed
// topology.
func (m *Manager) UpdateAttributes(attrs ...attribute.Remappable) {
	if m.fillFailed || m.state == StateAborted {
		// Nothing will be committed; the log dies with the shadow
		m.moves = m.moves[:0]
		return
	}
	for _, mv := range m.moves {
		attribute.Apply(mv, attrs...)
	}
	m.moves = m.moves[:0]
}

// changeOwnership commits the ownership flips marked during migration:
// this patch becomes the owner of every marked slot and the previous
// owner's live copy is retired. Stale LP entries on the old owner's side
// stay behind until Cleanup so in-flight redirection chases still
// terminate.
func (m *Manager) changeOwnership() {
	for _, s := range m.sets {
		for i := uint16(0); i < s.num; i++ {
			if !s.ownerChange.Test(i) {
				continue
			}
			q, ql := s.resolvedPID[i], s.resolvedLocal[i]
			qp := m.ctx.GetPatch(q)
			qp.Owned(s.kind).Clear(ql)
			qp.Active(s.kind).Clear(ql)
			s.owned.Set(i)
		}
	}
	m.state = StateOwnershipReconciled
}

// flush writes the shadow state back to the patch store. Only reached on
// the commit path, with every touched patch still locked.
func (m *Manager) flush() {
	p := m.p
	p.NumVertices = m.sets[0].num
	p.NumEdges = m.sets[1].num
	p.NumFaces = m.sets[2].num
	copy(p.EV, m.ev)
	copy(p.FE, m.fe)
	for _, s := range m.sets {
		p.Active(s.kind).CopyFrom(s.active)
		p.Owned(s.kind).CopyFrom(s.owned)
		p.Reclaim(s.kind).CopyFrom(s.reclaim)
		p.LP(s.kind).CopyFrom(s.lp)
	}
	p.Stash.CopyFrom(m.stash)
}

// Epilogue finalizes the round. On the commit path it reconciles
// ownership, flushes the shadow to the patch store, and marks every locked
// patch dirty; on the no-op and failed-fill paths it discards the shadow.
// Locks are released on every path, in reverse acquisition order, by the
// same block that acquired them.
func (m *Manager) Epilogue() {
	if m.state == StateAborted || m.lockSet == nil {
		// abortRound already released the locks and re-enqueued
		return
	}
	defer func() {
		m.locks.ReleaseAll(m.lockSet)
		m.lockSet = nil
	}()

	if !m.prologueOK {
		return
	}
	if m.fillFailed {
		m.requeue()
		return
	}

	m.changeOwnership()
	m.flush()
	for _, pid := range m.lockSet {
		m.ctx.GetPatch(pid).MarkDirty()
	}
	m.state = StateFlushed
}
