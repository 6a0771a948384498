package cavity

import (
	"errors"
	"fmt"

	"github.com/notargets/remesh/patch"
)

// ErrPatchFull is returned by the Add functions when the patch has no slot
// left for a new element. It is a capacity signal, not a protocol failure:
// the round is rolled back and the patch should be sliced before retrying.
var ErrPatchFull = errors.New("patch element capacity exhausted")

// ForEachCavity invokes fill once per surviving cavity with a non-empty
// boundary loop. The callback rebuilds the cavity interior through
// AddVertex/AddEdge/AddFace using the loop accessors. An error from fill
// (typically ErrPatchFull) abandons the round: nothing is committed and
// Epilogue re-enqueues the patch.
func (m *Manager) ForEachCavity(fill func(c CavityID, size int) error) error {
	if !m.prologueOK {
		return nil
	}
	for c := range m.cavityActive {
		if !m.cavityActive[c] || m.loopSize[c] == 0 {
			continue
		}
		if err := fill(CavityID(c), m.loopSize[c]); err != nil {
			m.fillFailed = true
			m.state = StateEditApplied
			return fmt.Errorf("cavity %d in patch %d: %w", c, m.pid, err)
		}
	}
	m.state = StateEditApplied
	return nil
}

// addSlot claims a free slot, preferring slots released by the last
// Cleanup over growing the patch. On exhaustion the slice flag is raised
// and false returned.
func (m *Manager) addSlot(s *elementSet) (uint16, bool) {
	for i := uint16(0); i < s.num; i++ {
		if s.active.Test(i) || !m.reusable(s, i) {
			continue
		}
		m.reclaim(s, i)
		return i, true
	}
	if s.num < s.cap {
		i := s.num
		s.num++
		return i, true
	}
	m.shouldSlice = true
	return patch.InvalidLocal, false
}

// reusable applies the slot-reuse policy: only slots the last Cleanup
// marked reclaimable back new elements. Slots vacated since then, the
// current round's in-cavity deletions included, may still be referenced
// by neighbor hashtable entries that have not been recalibrated; handing
// them out would graft those ghosts onto an unrelated element.
func (m *Manager) reusable(s *elementSet, i uint16) bool {
	if s.inCavity.Test(i) || s.cavity[i] != InvalidCavity {
		return false
	}
	return s.reclaim.Test(i)
}

// reclaim scrubs a vacated slot's leftover state before handing it out
func (m *Manager) reclaim(s *elementSet, i uint16) {
	s.reclaim.Clear(i)
	s.lp.Remove(i)
	s.cavity[i] = InvalidCavity
	m.logTombstone(s.kind, m.pid, i)
}

// AddVertex allocates a vertex slot owned by this patch
func (m *Manager) AddVertex() (uint16, error) {
	s := m.sets[patch.VertexKind]
	i, ok := m.addSlot(s)
	if !ok {
		return patch.InvalidLocal, fmt.Errorf("patch %d vertices: %w", m.pid, ErrPatchFull)
	}
	s.active.Set(i)
	s.owned.Set(i)
	return i, nil
}

// AddEdge allocates an edge slot owned by this patch, connecting two local
// vertices
func (m *Manager) AddEdge(v0, v1 uint16) (uint16, error) {
	s := m.sets[patch.EdgeKind]
	i, ok := m.addSlot(s)
	if !ok {
		return patch.InvalidLocal, fmt.Errorf("patch %d edges: %w", m.pid, ErrPatchFull)
	}
	m.ev[2*i] = v0
	m.ev[2*i+1] = v1
	s.active.Set(i)
	s.owned.Set(i)
	return i, nil
}

// AddFace allocates a face slot owned by this patch from three directed
// edges ordered along the face winding
func (m *Manager) AddFace(e0, e1, e2 patch.DirEdge) (uint16, error) {
	s := m.sets[patch.FaceKind]
	i, ok := m.addSlot(s)
	if !ok {
		return patch.InvalidLocal, fmt.Errorf("patch %d faces: %w", m.pid, ErrPatchFull)
	}
	m.fe[3*i] = e0
	m.fe[3*i+1] = e1
	m.fe[3*i+2] = e2
	s.active.Set(i)
	s.owned.Set(i)
	return i, nil
}
