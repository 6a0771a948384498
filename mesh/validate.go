package mesh

import (
	"fmt"

	"github.com/notargets/remesh/patch"
)

// Validate checks the distributed topology invariants across every patch:
// connectivity references stay in range and active, every non-owned
// active element's redirection chase terminates at an element its final
// patch reports as owned and active, and no element resolves to two
// distinct owners. Intended between rounds; the mesh must be quiescent.
func (m *Mesh) Validate() error {
	for _, p := range m.ctx.Patches {
		if err := m.validateConnectivity(p); err != nil {
			return err
		}
		if err := m.validateHashtable(p); err != nil {
			return err
		}
	}
	return m.validateOwnership()
}

func (m *Mesh) validateConnectivity(p *patch.Patch) error {
	for e := uint16(0); e < p.NumEdges; e++ {
		if !p.ActiveE.Test(e) {
			continue
		}
		a, b := p.EdgeVertices(e)
		if a >= p.NumVertices || b >= p.NumVertices {
			return fmt.Errorf("patch %d: edge %d references vertex out of range", p.ID, e)
		}
		if a == b {
			return fmt.Errorf("patch %d: edge %d is a self loop on vertex %d", p.ID, e, a)
		}
		if !p.ActiveV.Test(a) || !p.ActiveV.Test(b) {
			return fmt.Errorf("patch %d: edge %d references inactive vertex", p.ID, e)
		}
	}
	for f := uint16(0); f < p.NumFaces; f++ {
		if !p.ActiveF.Test(f) {
			continue
		}
		prev := patch.InvalidLocal
		first := patch.InvalidLocal
		for i, de := range p.FaceEdges(f) {
			e := de.Edge()
			if e >= p.NumEdges {
				return fmt.Errorf("patch %d: face %d references edge out of range", p.ID, f)
			}
			if !p.ActiveE.Test(e) {
				return fmt.Errorf("patch %d: face %d references inactive edge %d", p.ID, f, e)
			}
			a, b := p.EdgeVertices(e)
			start, end := a, b
			if de.Reversed() {
				start, end = b, a
			}
			if i == 0 {
				first = start
			} else if start != prev {
				return fmt.Errorf("patch %d: face %d winding broken at corner %d", p.ID, f, i)
			}
			prev = end
		}
		if prev != first {
			return fmt.Errorf("patch %d: face %d edge cycle does not close", p.ID, f)
		}
	}
	return nil
}

func (m *Mesh) validateHashtable(p *patch.Patch) error {
	for k := 0; k < 3; k++ {
		kind := patch.ElementKind(k)
		active := p.Active(kind)
		owned := p.Owned(kind)
		for i := uint16(0); i < p.Count(kind); i++ {
			if !active.Test(i) || owned.Test(i) {
				continue
			}
			r, rl, err := m.ctx.ResolveOwner(kind, p.ID, i)
			if err != nil {
				return fmt.Errorf("patch %d: %w", p.ID, err)
			}
			rp := m.ctx.GetPatch(r)
			if !rp.Active(kind).Test(rl) || !rp.Owned(kind).Test(rl) {
				return fmt.Errorf("patch %d: ghost %s %d resolves to (%d,%d) which is not an owned active element",
					p.ID, kind, i, r, rl)
			}
		}
	}
	return nil
}

// validateOwnership checks that no two patches own copies of the same
// element, using canonical vertex handles as element identity
func (m *Mesh) validateOwnership() error {
	type edgeKey struct{ a, b patch.Handle }
	type faceKey struct{ a, b, c patch.Handle }

	edges := make(map[edgeKey]patch.Handle)
	faces := make(map[faceKey]patch.Handle)

	for _, p := range m.ctx.Patches {
		for e := uint16(0); e < p.NumEdges; e++ {
			if !p.ActiveE.Test(e) || !p.OwnedE.Test(e) {
				continue
			}
			hs, err := m.EdgeVertices(p.ID, e)
			if err != nil {
				return err
			}
			k := edgeKey{hs[0], hs[1]}
			if k.b.Local < k.a.Local || (k.b.Local == k.a.Local && k.b.Patch < k.a.Patch) {
				k.a, k.b = k.b, k.a
			}
			if prev, dup := edges[k]; dup {
				return fmt.Errorf("edge (%v,%v) owned by both %v and %v",
					hs[0], hs[1], prev, patch.Edge(p.ID, e))
			}
			edges[k] = patch.Edge(p.ID, e)
		}
		for f := uint16(0); f < p.NumFaces; f++ {
			if !p.ActiveF.Test(f) || !p.OwnedF.Test(f) {
				continue
			}
			hs, err := m.FaceVertices(p.ID, f)
			if err != nil {
				return err
			}
			// Rotate the lowest corner first; winding stays fixed
			lo := 0
			for i := 1; i < 3; i++ {
				if hs[i].Patch < hs[lo].Patch ||
					(hs[i].Patch == hs[lo].Patch && hs[i].Local < hs[lo].Local) {
					lo = i
				}
			}
			k := faceKey{hs[lo], hs[(lo+1)%3], hs[(lo+2)%3]}
			if prev, dup := faces[k]; dup {
				return fmt.Errorf("face (%v,%v,%v) owned by both %v and %v",
					hs[0], hs[1], hs[2], prev, patch.Face(p.ID, f))
			}
			faces[k] = patch.Face(p.ID, f)
		}
	}
	return nil
}
