package cavity

import (
	"fmt"

	"github.com/notargets/remesh/patch"
)

// constructCavitiesEdgeLoop collects, per cavity, the edges that bound it:
// every edge of an in-cavity face that is not itself in the cavity. The
// direction bit recorded in the contributing face's winding is kept, so
// each boundary edge arrives already directed along the loop.
func (m *Manager) constructCavitiesEdgeLoop() {
	es := m.sets[patch.EdgeKind]
	fs := m.sets[patch.FaceKind]

	n := len(m.cavityActive)
	m.loopSize = make([]int, n)
	m.loopOffset = make([]int, n+1)

	for f := uint16(0); f < fs.num; f++ {
		t := fs.cavity[f]
		if t == InvalidCavity || !fs.inCavity.Test(f) {
			continue
		}
		for _, de := range m.FaceEdges(f) {
			if !es.inCavity.Test(de.Edge()) {
				m.loopSize[t]++
			}
		}
	}
	for c := 0; c < n; c++ {
		m.loopOffset[c+1] = m.loopOffset[c] + m.loopSize[c]
	}

	m.loopEdges = make([]patch.DirEdge, m.loopOffset[n])
	cursor := make([]int, n)
	copy(cursor, m.loopOffset[:n])
	for f := uint16(0); f < fs.num; f++ {
		t := fs.cavity[f]
		if t == InvalidCavity || !fs.inCavity.Test(f) {
			continue
		}
		for _, de := range m.FaceEdges(f) {
			if !es.inCavity.Test(de.Edge()) {
				m.loopEdges[cursor[t]] = de
				cursor[t]++
			}
		}
	}
}

// sortCavitiesEdgeLoop chains each cavity's boundary edges into a closed
// cycle: each edge starts at the vertex the previous one ended on. A chain
// that cannot be closed indicates a non-manifold cavity, which is a logic
// defect in the op footprint, not a runtime condition.
func (m *Manager) sortCavitiesEdgeLoop() {
	for c := range m.cavityActive {
		if !m.cavityActive[c] || m.loopSize[c] == 0 {
			continue
		}
		seg := m.loopEdges[m.loopOffset[c] : m.loopOffset[c]+m.loopSize[c]]
		for k := 1; k < len(seg); k++ {
			want := m.loopEnd(seg[k-1])
			found := false
			for j := k; j < len(seg); j++ {
				if m.loopStart(seg[j]) == want {
					seg[k], seg[j] = seg[j], seg[k]
					found = true
					break
				}
			}
			if !found {
				panic(fmt.Sprintf(
					"cavity %d: boundary loop broken at edge %d of %d in patch %d",
					c, k, len(seg), m.pid))
			}
		}
		if m.loopEnd(seg[len(seg)-1]) != m.loopStart(seg[0]) {
			panic(fmt.Sprintf("cavity %d: boundary loop does not close in patch %d", c, m.pid))
		}
	}
}

// loopStart returns the vertex a directed boundary edge starts at
func (m *Manager) loopStart(de patch.DirEdge) uint16 {
	if de.Reversed() {
		return m.ev[2*de.Edge()+1]
	}
	return m.ev[2*de.Edge()]
}

// loopEnd returns the vertex a directed boundary edge ends at
func (m *Manager) loopEnd(de patch.DirEdge) uint16 {
	if de.Reversed() {
		return m.ev[2*de.Edge()]
	}
	return m.ev[2*de.Edge()+1]
}

// CavitySize returns the boundary loop edge count of a cavity.
// Valid after Prologue.
func (m *Manager) CavitySize(c CavityID) int {
	return m.loopSize[c]
}

// CavityEdge returns boundary edge i of cavity c, directed along the loop
func (m *Manager) CavityEdge(c CavityID, i int) patch.DirEdge {
	if i < 0 || i >= m.loopSize[c] {
		panic(fmt.Sprintf("cavity %d: boundary edge %d out of range [0,%d)", c, i, m.loopSize[c]))
	}
	return m.loopEdges[m.loopOffset[c]+i]
}

// CavityVertex returns the vertex boundary edge i starts at, so indices
// 0..size-1 walk the loop's vertices in winding order
func (m *Manager) CavityVertex(c CavityID, i int) uint16 {
	return m.loopStart(m.CavityEdge(c, i))
}
