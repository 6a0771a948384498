// Package patcher turns a global triangle soup into the patch set the
// dynamic mesh runs on: faces are grouped into spatially local patches,
// vertex and edge ownership is settled, and every patch gets a ghost
// ribbon wide enough that each vertex it owns has its full face ring
// locally present.
package patcher

import (
	"fmt"
	"sort"

	"github.com/notargets/remesh/attribute"
	"github.com/notargets/remesh/mesh"
	"github.com/notargets/remesh/patch"
)

// Strategy selects how faces are grouped into patches
type Strategy int

const (
	// StrategyBlock chunks faces in input order. Cheap, and adequate when
	// the input is already spatially sorted.
	StrategyBlock Strategy = iota

	// StrategySpaceFillingCurve sorts face centroids along a Hilbert curve
	// before chunking, giving compact patches for arbitrary input order
	StrategySpaceFillingCurve

	// StrategyGraph would minimize the edge cut with a graph partitioner.
	// No partitioner is wired in, so it currently falls back to the
	// space-filling curve.
	StrategyGraph
)

// Config controls patch construction
type Config struct {
	// TargetPatchSize is the desired owned-face count per patch
	TargetPatchSize int

	// Strategy selects the face grouping method
	Strategy Strategy

	// MaxImbalance, when positive, caps the allowed relative spread of
	// owned-face counts; Build fails when the partition exceeds it
	MaxImbalance float64

	// CapacityScale sizes patch element capacities as a multiple of the
	// largest per-patch element count, leaving room for topology changes.
	// 0 means 2.
	CapacityScale float64

	// Mesh is passed through to mesh construction
	Mesh mesh.Config
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.TargetPatchSize < 1 {
		return fmt.Errorf("target patch size must be positive, got %d", c.TargetPatchSize)
	}
	if c.Strategy < StrategyBlock || c.Strategy > StrategyGraph {
		return fmt.Errorf("unknown strategy %d", c.Strategy)
	}
	if c.MaxImbalance < 0 {
		return fmt.Errorf("max imbalance must be non-negative, got %g", c.MaxImbalance)
	}
	if c.CapacityScale != 0 && c.CapacityScale < 1 {
		return fmt.Errorf("capacity scale must be at least 1, got %g", c.CapacityScale)
	}
	return nil
}

// Build partitions a triangle mesh given as per-face vertex triples and
// vertex coordinates, returning the assembled dynamic mesh and a vertex
// position attribute aligned with it
func Build(fv [][3]int, coords [][3]float64, cfg Config) (*mesh.Mesh, *attribute.Attribute[[3]float64], error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("patcher config: %w", err)
	}
	if len(fv) == 0 {
		return nil, nil, fmt.Errorf("patcher: no faces")
	}
	for f, tri := range fv {
		for _, v := range tri {
			if v < 0 || v >= len(coords) {
				return nil, nil, fmt.Errorf("face %d references vertex %d outside [0,%d)", f, v, len(coords))
			}
		}
		if tri[0] == tri[1] || tri[1] == tri[2] || tri[0] == tri[2] {
			return nil, nil, fmt.Errorf("face %d is degenerate", f)
		}
	}

	g := buildGlobal(fv)
	facePatch := assignFaces(fv, coords, cfg)
	numPatches := 0
	for _, p := range facePatch {
		if p+1 > numPatches {
			numPatches = p + 1
		}
	}
	g.settleOwnership(facePatch, numPatches)

	pbs := gatherPatches(g, facePatch, numPatches)
	patches, err := assemble(g, pbs, cfg)
	if err != nil {
		return nil, nil, err
	}

	m, err := mesh.NewFromPatches(patches, cfg.Mesh)
	if err != nil {
		return nil, nil, err
	}
	if cfg.MaxImbalance > 0 {
		s := ComputeStats(m)
		if s.Imbalance > cfg.MaxImbalance {
			return nil, nil, fmt.Errorf("partition imbalance %.3f exceeds limit %.3f", s.Imbalance, cfg.MaxImbalance)
		}
	}

	pos := attribute.New[[3]float64]("position", patch.VertexKind, m.Context())
	for pi, pb := range pbs {
		for lv, gv := range pb.verts {
			pos.Set(uint32(pi), uint16(lv), coords[gv])
		}
	}
	return m, pos, nil
}

// global is the intermediate fully-shared view of the mesh: deduplicated
// edges, per-face directed edges, incidence, and ownership
type global struct {
	fv [][3]int

	// edge endpoints in first-seen direction
	ev [][2]int

	// per-face directed global edges following the winding
	fe [][3]gdirEdge

	// incident faces per vertex and per edge
	vFaces [][]int
	eFaces [][]int

	// owner patch per element, settled after face assignment
	vOwner []int
	eOwner []int
	fOwner []int
}

type gdirEdge struct {
	edge     int
	reversed bool
}

func buildGlobal(fv [][3]int) *global {
	numVerts := 0
	for _, tri := range fv {
		for _, v := range tri {
			if v+1 > numVerts {
				numVerts = v + 1
			}
		}
	}
	g := &global{
		fv:     fv,
		fe:     make([][3]gdirEdge, len(fv)),
		vFaces: make([][]int, numVerts),
	}
	lookup := make(map[[2]int]int)
	for f, tri := range fv {
		for i := 0; i < 3; i++ {
			a, b := tri[i], tri[(i+1)%3]
			key := [2]int{a, b}
			if a > b {
				key = [2]int{b, a}
			}
			e, seen := lookup[key]
			if !seen {
				e = len(g.ev)
				lookup[key] = e
				g.ev = append(g.ev, [2]int{a, b})
				g.eFaces = append(g.eFaces, nil)
			}
			g.fe[f][i] = gdirEdge{edge: e, reversed: g.ev[e][0] != a}
			g.eFaces[e] = append(g.eFaces[e], f)
		}
		for _, v := range tri {
			g.vFaces[v] = append(g.vFaces[v], f)
		}
	}
	return g
}

// settleOwnership assigns each vertex and edge to the lowest patch id
// among its incident faces
func (g *global) settleOwnership(facePatch []int, numPatches int) {
	g.vOwner = make([]int, len(g.vFaces))
	g.eOwner = make([]int, len(g.ev))
	g.fOwner = facePatch
	for v, faces := range g.vFaces {
		g.vOwner[v] = numPatches
		for _, f := range faces {
			if facePatch[f] < g.vOwner[v] {
				g.vOwner[v] = facePatch[f]
			}
		}
	}
	for e, faces := range g.eFaces {
		g.eOwner[e] = numPatches
		for _, f := range faces {
			if facePatch[f] < g.eOwner[e] {
				g.eOwner[e] = facePatch[f]
			}
		}
	}
}

// assignFaces produces the face-to-patch map for the configured strategy
func assignFaces(fv [][3]int, coords [][3]float64, cfg Config) []int {
	order := make([]int, len(fv))
	for i := range order {
		order[i] = i
	}
	if cfg.Strategy != StrategyBlock {
		sortBySFC(order, fv, coords)
	}
	facePatch := make([]int, len(fv))
	for rank, f := range order {
		facePatch[f] = rank / cfg.TargetPatchSize
	}
	return facePatch
}

// sortBySFC orders faces by the Hilbert distance of their centroid,
// projected onto the two widest axes of the bounding box
func sortBySFC(order []int, fv [][3]int, coords [][3]float64) {
	var lo, hi [3]float64
	for a := 0; a < 3; a++ {
		lo[a], hi[a] = coords[fv[0][0]][a], coords[fv[0][0]][a]
	}
	for _, c := range coords {
		for a := 0; a < 3; a++ {
			if c[a] < lo[a] {
				lo[a] = c[a]
			}
			if c[a] > hi[a] {
				hi[a] = c[a]
			}
		}
	}
	ax, ay := widestAxes(lo, hi)

	dist := make([]uint64, len(fv))
	for f, tri := range fv {
		var cx, cy float64
		for _, v := range tri {
			cx += coords[v][ax]
			cy += coords[v][ay]
		}
		x := quantize(cx/3, lo[ax], hi[ax])
		y := quantize(cy/3, lo[ay], hi[ay])
		dist[f] = hilbertD(hilbertOrder, x, y)
	}
	sort.SliceStable(order, func(i, j int) bool { return dist[order[i]] < dist[order[j]] })
}

func widestAxes(lo, hi [3]float64) (int, int) {
	ext := [3]float64{hi[0] - lo[0], hi[1] - lo[1], hi[2] - lo[2]}
	min := 0
	for a := 1; a < 3; a++ {
		if ext[a] < ext[min] {
			min = a
		}
	}
	axes := [][2]int{{1, 2}, {0, 2}, {0, 1}}
	return axes[min][0], axes[min][1]
}

// patchBuild accumulates one patch's element lists and global-to-local
// maps before slot assembly
type patchBuild struct {
	verts []int
	edges []int
	faces []int
	vloc  map[int]uint16
	eloc  map[int]uint16
	floc  map[int]uint16
}

func newPatchBuild() *patchBuild {
	return &patchBuild{
		vloc: make(map[int]uint16),
		eloc: make(map[int]uint16),
		floc: make(map[int]uint16),
	}
}

func (pb *patchBuild) addVertex(gv int) uint16 {
	if lv, ok := pb.vloc[gv]; ok {
		return lv
	}
	lv := uint16(len(pb.verts))
	pb.vloc[gv] = lv
	pb.verts = append(pb.verts, gv)
	return lv
}

func (pb *patchBuild) addEdge(g *global, ge int) uint16 {
	if le, ok := pb.eloc[ge]; ok {
		return le
	}
	pb.addVertex(g.ev[ge][0])
	pb.addVertex(g.ev[ge][1])
	le := uint16(len(pb.edges))
	pb.eloc[ge] = le
	pb.edges = append(pb.edges, ge)
	return le
}

func (pb *patchBuild) addFace(g *global, gf int) uint16 {
	if lf, ok := pb.floc[gf]; ok {
		return lf
	}
	for _, de := range g.fe[gf] {
		pb.addEdge(g, de.edge)
	}
	lf := uint16(len(pb.faces))
	pb.floc[gf] = lf
	pb.faces = append(pb.faces, gf)
	return lf
}

// gatherPatches collects each patch's owned faces, the ghost ribbon
// (every face ringing a vertex the patch owns), and the element closure
func gatherPatches(g *global, facePatch []int, numPatches int) []*patchBuild {
	pbs := make([]*patchBuild, numPatches)
	for i := range pbs {
		pbs[i] = newPatchBuild()
	}
	for f := range g.fv {
		pbs[facePatch[f]].addFace(g, f)
	}
	for v, owner := range g.vOwner {
		for _, f := range g.vFaces[v] {
			pbs[owner].addFace(g, f)
		}
	}
	return pbs
}

// assemble turns the gathered element lists into patch structures with
// uniform capacities, ownership masks, LP tables, and neighbor stashes
func assemble(g *global, pbs []*patchBuild, cfg Config) ([]*patch.Patch, error) {
	scale := cfg.CapacityScale
	if scale == 0 {
		scale = 2
	}
	var maxV, maxE, maxF, maxGhost int
	for pi, pb := range pbs {
		maxV = max(maxV, len(pb.verts))
		maxE = max(maxE, len(pb.edges))
		maxF = max(maxF, len(pb.faces))
		ghosts := 0
		for _, gv := range pb.verts {
			if g.vOwner[gv] != pi {
				ghosts++
			}
		}
		for _, ge := range pb.edges {
			if g.eOwner[ge] != pi {
				ghosts++
			}
		}
		for _, gf := range pb.faces {
			if g.fOwner[gf] != pi {
				ghosts++
			}
		}
		maxGhost = max(maxGhost, ghosts)
	}
	vertexCap, err := scaleCap(maxV, scale)
	if err != nil {
		return nil, fmt.Errorf("vertex capacity: %w", err)
	}
	edgeCap, err := scaleCap(maxE, scale)
	if err != nil {
		return nil, fmt.Errorf("edge capacity: %w", err)
	}
	faceCap, err := scaleCap(maxF, scale)
	if err != nil {
		return nil, fmt.Errorf("face capacity: %w", err)
	}
	lpCap := max(16, 2*maxGhost)

	patches := make([]*patch.Patch, len(pbs))
	for pi, pb := range pbs {
		p := patch.NewPatch(uint32(pi), vertexCap, edgeCap, faceCap, lpCap)
		p.NumVertices = uint16(len(pb.verts))
		p.NumEdges = uint16(len(pb.edges))
		p.NumFaces = uint16(len(pb.faces))

		for lv, gv := range pb.verts {
			p.ActiveV.Set(uint16(lv))
			if g.vOwner[gv] == pi {
				p.OwnedV.Set(uint16(lv))
			}
		}
		for le, ge := range pb.edges {
			p.ActiveE.Set(uint16(le))
			if g.eOwner[ge] == pi {
				p.OwnedE.Set(uint16(le))
			}
			p.SetEdge(uint16(le), pb.vloc[g.ev[ge][0]], pb.vloc[g.ev[ge][1]])
		}
		for lf, gf := range pb.faces {
			p.ActiveF.Set(uint16(lf))
			if g.fOwner[gf] == pi {
				p.OwnedF.Set(uint16(lf))
			}
			var des [3]patch.DirEdge
			for i, de := range g.fe[gf] {
				des[i] = patch.NewDirEdge(pb.eloc[de.edge], de.reversed)
			}
			p.SetFace(uint16(lf), des[0], des[1], des[2])
		}
		patches[pi] = p
	}

	// LP entries and stashes for every non-owned copy
	for pi, pb := range pbs {
		p := patches[pi]
		if err := fillLP(p, patch.VertexKind, pb.verts, g.vOwner, func(o int, gv int) uint16 {
			return pbs[o].vloc[gv]
		}); err != nil {
			return nil, err
		}
		if err := fillLP(p, patch.EdgeKind, pb.edges, g.eOwner, func(o int, ge int) uint16 {
			return pbs[o].eloc[ge]
		}); err != nil {
			return nil, err
		}
		if err := fillLP(p, patch.FaceKind, pb.faces, g.fOwner, func(o int, gf int) uint16 {
			return pbs[o].floc[gf]
		}); err != nil {
			return nil, err
		}
	}
	return patches, nil
}

func fillLP(p *patch.Patch, kind patch.ElementKind, elems []int, owner []int,
	ownerLocal func(o, ge int) uint16) error {
	lp := p.LP(kind)
	for le, ge := range elems {
		o := owner[ge]
		if uint32(o) == p.ID {
			continue
		}
		slot, err := p.Stash.Insert(uint32(o))
		if err != nil {
			return fmt.Errorf("patch %d: %w", p.ID, err)
		}
		if err := lp.Insert(patch.LPPair{Key: uint16(le), OwnerLocal: ownerLocal(o, ge), OwnerSlot: slot}); err != nil {
			return fmt.Errorf("patch %d: %w", p.ID, err)
		}
	}
	return nil
}

func scaleCap(n int, scale float64) (uint16, error) {
	c := int(float64(n) * scale)
	if c > 0xF000 {
		return 0, fmt.Errorf("%d element slots exceed the per-patch limit; lower the target patch size", c)
	}
	return uint16(c), nil
}
