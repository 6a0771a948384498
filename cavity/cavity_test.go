package cavity_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/notargets/remesh/cavity"
	"github.com/notargets/remesh/mesh"
	"github.com/notargets/remesh/patch"
	"github.com/notargets/remesh/patcher"
)

// torus builds an n x m triangulated torus: nm vertices, 3nm edges,
// 2nm faces, every vertex of degree six
func torus(n, m int) ([][3]int, [][3]float64) {
	id := func(i, j int) int { return ((i%n + n) % n) * m + ((j%m + m) % m) }
	coords := make([][3]float64, n*m)
	fv := make([][3]int, 0, 2*n*m)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			coords[id(i, j)] = [3]float64{float64(i + 1), float64(j + 1), 1}
			a, b, c, d := id(i, j), id(i+1, j), id(i+1, j+1), id(i, j+1)
			fv = append(fv, [3]int{a, b, c}, [3]int{a, c, d})
		}
	}
	return fv, coords
}

func buildTorus(t *testing.T, n, m, target int) *mesh.Mesh {
	t.Helper()
	fv, coords := torus(n, m)
	msh, _, err := patcher.Build(fv, coords, patcher.Config{TargetPatchSize: target})
	require.NoError(t, err)
	return msh
}

func newManager(t *testing.T, m *mesh.Mesh, op cavity.Op, pid uint32) *cavity.Manager {
	t.Helper()
	got, ok := m.Queue().Pop()
	require.True(t, ok)
	require.Equal(t, pid, got, "fixture assumes patch ids pop in order")
	mgr, ok := cavity.New(m.Context(), m.Locks(), m.Queue(), op, pid)
	require.True(t, ok)
	return mgr
}

// flipFill retriangulates a quad cavity across its other diagonal
func flipFill(mgr *cavity.Manager) func(c cavity.CavityID, size int) error {
	return func(c cavity.CavityID, size int) error {
		if size != 4 {
			return fmt.Errorf("flip cavity has %d boundary edges, want 4", size)
		}
		d, err := mgr.AddEdge(mgr.CavityVertex(c, 1), mgr.CavityVertex(c, 3))
		if err != nil {
			return err
		}
		if _, err := mgr.AddFace(mgr.CavityEdge(c, 0), patch.NewDirEdge(d, false), mgr.CavityEdge(c, 3)); err != nil {
			return err
		}
		if _, err := mgr.AddFace(mgr.CavityEdge(c, 1), mgr.CavityEdge(c, 2), patch.NewDirEdge(d, true)); err != nil {
			return err
		}
		return nil
	}
}

// collapseFill closes a collapse cavity with a fan around one new vertex
func collapseFill(mgr *cavity.Manager, newVertex *uint16) func(c cavity.CavityID, size int) error {
	return func(c cavity.CavityID, size int) error {
		nv, err := mgr.AddVertex()
		if err != nil {
			return err
		}
		if newVertex != nil {
			*newVertex = nv
		}
		spokes := make([]uint16, size)
		for i := 0; i < size; i++ {
			if spokes[i], err = mgr.AddEdge(nv, mgr.CavityVertex(c, i)); err != nil {
				return err
			}
		}
		for i := 0; i < size; i++ {
			next := (i + 1) % size
			_, err := mgr.AddFace(
				patch.NewDirEdge(spokes[i], false),
				mgr.CavityEdge(c, i),
				patch.NewDirEdge(spokes[next], true))
			if err != nil {
				return err
			}
		}
		return nil
	}
}

func TestEdgeFlipSinglePatch(t *testing.T) {
	m := buildTorus(t, 6, 6, 1<<12)
	p := m.GetPatch(0)
	seed := p.FaceEdges(0)[0].Edge()

	mgr := newManager(t, m, cavity.OpE, 0)
	require.NotEqual(t, cavity.InvalidCavity, mgr.Create(seed))
	require.True(t, mgr.Prologue())
	require.Equal(t, 1, mgr.NumCavities())
	require.True(t, mgr.IsSuccessful(seed))

	require.NoError(t, mgr.ForEachCavity(flipFill(mgr)))
	mgr.Epilogue()
	require.Equal(t, cavity.StateFlushed, mgr.State())

	require.Equal(t, 36, m.NumVertices())
	require.Equal(t, 108, m.NumEdges())
	require.Equal(t, 72, m.NumFaces())
	require.NoError(t, m.Cleanup())
	require.NoError(t, m.Validate())
	require.False(t, m.Locks().IsLocked(0))
}

func TestEdgeCollapseSinglePatch(t *testing.T) {
	fv, coords := torus(6, 6)
	m, pos, err := patcher.Build(fv, coords, patcher.Config{TargetPatchSize: 1 << 12})
	require.NoError(t, err)
	p := m.GetPatch(0)
	seed := p.FaceEdges(0)[0].Edge()

	mgr := newManager(t, m, cavity.OpEV, 0)
	require.NotEqual(t, cavity.InvalidCavity, mgr.Create(seed))
	require.True(t, mgr.Prologue())
	require.Equal(t, 1, mgr.NumCavities())

	// The link of an interior degree-6/degree-6 edge is an 8-cycle
	require.Equal(t, 8, mgr.CavitySize(0))

	var nv uint16
	require.NoError(t, mgr.ForEachCavity(collapseFill(mgr, &nv)))
	mgr.UpdateAttributes(pos)
	pos.Set(0, nv, [3]float64{50, 50, 1})
	mgr.Epilogue()
	require.Equal(t, cavity.StateFlushed, mgr.State())

	// One vertex replaces two, three edges and two faces disappear
	require.Equal(t, 35, m.NumVertices())
	require.Equal(t, 105, m.NumEdges())
	require.Equal(t, 70, m.NumFaces())
	require.Equal(t, [3]float64{50, 50, 1}, pos.Get(0, nv))

	// Slots vacated this round stay out of the pool until Cleanup, so
	// the fill grew the patch instead of recycling them
	require.Equal(t, uint16(37), p.NumVertices)
	require.Equal(t, uint16(116), p.NumEdges)
	require.Equal(t, uint16(80), p.NumFaces)

	require.NoError(t, m.Cleanup())
	require.NoError(t, m.Validate())
}

// Cleanup releases vacated slots once every hashtable has recalibrated;
// the next round's fill recycles them instead of growing the patch
func TestSlotReuseAfterCleanup(t *testing.T) {
	m := buildTorus(t, 6, 6, 1<<12)
	p := m.GetPatch(0)

	mgr := newManager(t, m, cavity.OpE, 0)
	require.NotEqual(t, cavity.InvalidCavity, mgr.Create(p.FaceEdges(0)[0].Edge()))
	require.True(t, mgr.Prologue())
	require.NoError(t, mgr.ForEachCavity(flipFill(mgr)))
	mgr.Epilogue()

	// First flip grows the patch by its one edge and two faces
	require.Equal(t, uint16(109), p.NumEdges)
	require.Equal(t, uint16(74), p.NumFaces)

	require.NoError(t, m.Cleanup())
	require.NoError(t, m.ResetQueue())

	mgr = newManager(t, m, cavity.OpE, 0)
	require.NotEqual(t, cavity.InvalidCavity, mgr.Create(p.FaceEdges(42)[0].Edge()))
	require.True(t, mgr.Prologue())
	require.NoError(t, mgr.ForEachCavity(flipFill(mgr)))
	mgr.Epilogue()

	// Second flip fits entirely into the reclaimed slots
	require.Equal(t, uint16(109), p.NumEdges)
	require.Equal(t, uint16(74), p.NumFaces)

	require.NoError(t, m.Cleanup())
	require.NoError(t, m.Validate())
}

// Two seeds whose footprints share a face: the lower cavity id survives,
// the higher one is deactivated and its elements untouched
func TestAdjacentSeedsLowestIdWins(t *testing.T) {
	m := buildTorus(t, 6, 6, 1<<12)
	p := m.GetPatch(0)
	fes := p.FaceEdges(0)
	e0, e1 := fes[0].Edge(), fes[1].Edge()

	mgr := newManager(t, m, cavity.OpE, 0)
	require.Equal(t, cavity.CavityID(0), mgr.Create(e0))
	require.Equal(t, cavity.CavityID(1), mgr.Create(e1))
	require.True(t, mgr.Prologue())
	require.Equal(t, 1, mgr.NumCavities())
	require.True(t, mgr.IsSuccessful(e0))
	require.False(t, mgr.IsSuccessful(e1))

	require.NoError(t, mgr.ForEachCavity(flipFill(mgr)))
	mgr.Epilogue()
	require.Equal(t, 72, m.NumFaces())
	require.NoError(t, m.Cleanup())
	require.NoError(t, m.Validate())

	// The losing seed's edge is still there
	require.True(t, p.ActiveE.Test(e1))
}

func TestDisjointSeedsBothSurvive(t *testing.T) {
	m := buildTorus(t, 6, 6, 1<<12)
	p := m.GetPatch(0)
	seedA := p.FaceEdges(0)[0].Edge()
	seedB := p.FaceEdges(42)[0].Edge() // cell (3,3), far from cell (0,0)

	mgr := newManager(t, m, cavity.OpE, 0)
	require.NotEqual(t, cavity.InvalidCavity, mgr.Create(seedA))
	require.NotEqual(t, cavity.InvalidCavity, mgr.Create(seedB))
	require.True(t, mgr.Prologue())
	require.Equal(t, 2, mgr.NumCavities())

	require.NoError(t, mgr.ForEachCavity(flipFill(mgr)))
	mgr.Epilogue()
	require.Equal(t, 36, m.NumVertices())
	require.Equal(t, 108, m.NumEdges())
	require.Equal(t, 72, m.NumFaces())
	require.NoError(t, m.Cleanup())
	require.NoError(t, m.Validate())
}

// findSeamEdge locates an owned active edge of patch 0 with an incident
// locally-held face owned by another patch
func findSeamEdge(t *testing.T, m *mesh.Mesh) uint16 {
	t.Helper()
	p := m.GetPatch(0)
	for f := uint16(0); f < p.NumFaces; f++ {
		if !p.ActiveF.Test(f) || p.OwnedF.Test(f) {
			continue
		}
		for _, de := range p.FaceEdges(f) {
			e := de.Edge()
			if p.ActiveE.Test(e) && p.OwnedE.Test(e) {
				return e
			}
		}
	}
	t.Fatal("no seam edge found")
	return patch.InvalidLocal
}

func TestCrossPatchFlip(t *testing.T) {
	m := buildTorus(t, 8, 8, 64)
	require.Equal(t, 2, m.NumPatches())
	seed := findSeamEdge(t, m)

	mgr := newManager(t, m, cavity.OpE, 0)
	require.NotEqual(t, cavity.InvalidCavity, mgr.Create(seed))
	require.True(t, mgr.Prologue())
	require.True(t, mgr.IsSuccessful(seed))

	require.NoError(t, mgr.ForEachCavity(flipFill(mgr)))
	mgr.Epilogue()
	require.Equal(t, cavity.StateFlushed, mgr.State())

	// Both patch locks are free again
	require.False(t, m.Locks().IsLocked(0))
	require.False(t, m.Locks().IsLocked(1))

	require.NoError(t, m.Cleanup())
	require.NoError(t, m.Validate())

	// The flip preserves global counts; the replaced face now belongs to
	// patch 0
	require.Equal(t, 64, m.NumVertices())
	require.Equal(t, 192, m.NumEdges())
	require.Equal(t, 128, m.NumFaces())
}

// A committed cross-patch edit leaves the neighbor holding ghost copies
// of elements that no longer exist. Cleanup must retire those ghosts;
// recalibrating them onto whatever later occupies the owner's slots
// would hand a future round ownership of the wrong element.
func TestCleanupRetiresGhostsOfDeletedElements(t *testing.T) {
	m := buildTorus(t, 8, 8, 64)
	seed := findSeamEdge(t, m)

	mgr := newManager(t, m, cavity.OpE, 0)
	require.NotEqual(t, cavity.InvalidCavity, mgr.Create(seed))
	require.True(t, mgr.Prologue())
	require.NoError(t, mgr.ForEachCavity(flipFill(mgr)))
	mgr.Epilogue()
	require.Equal(t, cavity.StateFlushed, mgr.State())

	require.NoError(t, m.Cleanup())
	require.NoError(t, m.Validate())

	// Every surviving ghost edge must resolve to a live owner copy with
	// the same endpoints
	for pid := uint32(0); pid < uint32(m.NumPatches()); pid++ {
		p := m.GetPatch(pid)
		for e := uint16(0); e < p.NumEdges; e++ {
			if !p.ActiveE.Test(e) || p.OwnedE.Test(e) {
				continue
			}
			r, rl, err := m.Context().ResolveOwner(patch.EdgeKind, pid, e)
			require.NoError(t, err, "patch %d edge %d", pid, e)
			require.True(t, m.GetPatch(r).ActiveE.Test(rl),
				"patch %d edge %d resolves to a dead copy", pid, e)

			local, err := m.EdgeVertices(pid, e)
			require.NoError(t, err)
			owner, err := m.EdgeVertices(r, rl)
			require.NoError(t, err)
			if local[0] != owner[0] {
				local[0], local[1] = local[1], local[0]
			}
			require.Equal(t, owner, local,
				"patch %d edge %d endpoints diverge from its owner copy", pid, e)
		}
	}
}

// A neighbor holding its lock forces the round to abort: nothing changes,
// the patch re-enters the queue, and every lock is released
func TestCrossPatchContentionAborts(t *testing.T) {
	m := buildTorus(t, 8, 8, 64)
	seed := findSeamEdge(t, m)

	require.True(t, m.Locks().TryAcquire(1))
	defer m.Locks().Release(1)

	facesBefore := m.NumFaces()
	queueBefore := m.Queue().Len()

	mgr := newManager(t, m, cavity.OpE, 0)
	require.NotEqual(t, cavity.InvalidCavity, mgr.Create(seed))
	require.False(t, mgr.Prologue())
	require.Equal(t, cavity.StateAborted, mgr.State())
	mgr.Epilogue()

	require.False(t, m.Locks().IsLocked(0))
	require.Equal(t, facesBefore, m.NumFaces())
	// Popped one, aborted round pushed it back
	require.Equal(t, queueBefore, m.Queue().Len())
	require.NoError(t, m.Validate())
}

// An ineligible seed (non-owned or already tagged) is rejected at Create
func TestCreateRejectsIneligibleSeeds(t *testing.T) {
	m := buildTorus(t, 8, 8, 64)
	p := m.GetPatch(0)

	var ghost uint16 = patch.InvalidLocal
	for e := uint16(0); e < p.NumEdges; e++ {
		if p.ActiveE.Test(e) && !p.OwnedE.Test(e) {
			ghost = e
			break
		}
	}
	require.NotEqual(t, patch.InvalidLocal, ghost, "fixture has no ghost edges")

	seed := findSeamEdge(t, m)
	mgr := newManager(t, m, cavity.OpE, 0)
	require.Equal(t, cavity.InvalidCavity, mgr.Create(ghost))
	require.NotEqual(t, cavity.InvalidCavity, mgr.Create(seed))
	require.Equal(t, cavity.InvalidCavity, mgr.Create(seed), "double registration")
	mgr.Epilogue()
	require.False(t, m.Locks().IsLocked(0))
}

// Without seeds the prologue reports no work and the epilogue releases
// the own-patch lock without touching the store
func TestEmptyRoundIsNoOp(t *testing.T) {
	m := buildTorus(t, 6, 6, 1<<12)
	mgr := newManager(t, m, cavity.OpV, 0)
	require.False(t, mgr.Prologue())
	mgr.Epilogue()
	require.False(t, m.Locks().IsLocked(0))
	require.NoError(t, m.Validate())
	require.Equal(t, 36, m.NumVertices())
}

// Full launch path: flip one edge per patch through Process. A single
// worker keeps the kernel's bookkeeping map race free.
func TestProcessFlipKernel(t *testing.T) {
	fv, coords := torus(8, 8)
	m, _, err := patcher.Build(fv, coords, patcher.Config{
		TargetPatchSize: 32,
		Mesh:            mesh.Config{Workers: 1},
	})
	require.NoError(t, err)
	require.Equal(t, 4, m.NumPatches())

	flipped := make(map[uint32]bool)
	err = m.Process(cavity.OpE, func(mgr *cavity.Manager) error {
		pid := mgr.PatchID()
		if flipped[pid] {
			return nil
		}
		p := m.GetPatch(pid)
		var seed uint16 = patch.InvalidLocal
		for e := uint16(0); e < p.NumEdges; e++ {
			if p.ActiveE.Test(e) && p.OwnedE.Test(e) {
				seed = e
				break
			}
		}
		if seed == patch.InvalidLocal {
			return nil
		}
		if mgr.Create(seed) == cavity.InvalidCavity {
			return nil
		}
		if !mgr.Prologue() {
			return nil
		}
		if err := mgr.ForEachCavity(flipFill(mgr)); err != nil {
			return err
		}
		flipped[pid] = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, m.IsQueueEmpty())

	require.NoError(t, m.Cleanup())
	require.NoError(t, m.Validate())
	require.Equal(t, 64, m.NumVertices())
	require.Equal(t, 192, m.NumEdges())
	require.Equal(t, 128, m.NumFaces())
}

// Concurrent blocks coordinate through the lock table and scheduler
// alone: contended rounds abort, requeue, and land on a later launch
func TestProcessFlipConcurrentBlocks(t *testing.T) {
	fv, coords := torus(8, 8)
	m, _, err := patcher.Build(fv, coords, patcher.Config{
		TargetPatchSize: 16,
		Mesh:            mesh.Config{Workers: 4},
	})
	require.NoError(t, err)
	require.Equal(t, 8, m.NumPatches())

	err = m.Process(cavity.OpE, func(mgr *cavity.Manager) error {
		// Flip the patch's first owned edge; a block that lost its round
		// retries with whatever it still owns
		var seed uint16 = patch.InvalidLocal
		for e := uint16(0); e < mgr.NumEdges(); e++ {
			if mgr.IsActive(patch.EdgeKind, e) && mgr.IsOwned(patch.EdgeKind, e) {
				seed = e
				break
			}
		}
		if seed == patch.InvalidLocal || mgr.Create(seed) == cavity.InvalidCavity {
			return nil
		}
		if !mgr.Prologue() {
			return nil
		}
		return mgr.ForEachCavity(flipFill(mgr))
	})
	require.NoError(t, err)
	require.True(t, m.IsQueueEmpty())

	require.NoError(t, m.Cleanup())
	require.NoError(t, m.Validate())
	require.Equal(t, 64, m.NumVertices())
	require.Equal(t, 192, m.NumEdges())
	require.Equal(t, 128, m.NumFaces())
}

// Slicing leaves forwarding entries behind. Rounds running before the
// next Cleanup must chase those transfers to the final owners and lock
// them, or every retry aborts on the same stale entry.
func TestProcessSeamFlipsAfterSlice(t *testing.T) {
	fv, coords := torus(8, 8)
	m, pos, err := patcher.Build(fv, coords, patcher.Config{
		TargetPatchSize: 64,
		Mesh:            mesh.Config{Workers: 1},
	})
	require.NoError(t, err)
	require.Equal(t, 2, m.NumPatches())

	created, err := m.SlicePatches(63, pos)
	require.NoError(t, err)
	require.Equal(t, 2, created)
	require.NoError(t, m.ResetQueue())

	// One seam flip per patch: an owned edge bordering a face the patch
	// does not own, picked while the forwarding entries are in place
	seeds := make(map[uint32]uint16)
	for pid := uint32(0); pid < uint32(m.NumPatches()); pid++ {
		p := m.GetPatch(pid)
	scan:
		for f := uint16(0); f < p.NumFaces; f++ {
			if !p.ActiveF.Test(f) || p.OwnedF.Test(f) {
				continue
			}
			for _, de := range p.FaceEdges(f) {
				e := de.Edge()
				if p.ActiveE.Test(e) && p.OwnedE.Test(e) {
					seeds[pid] = e
					break scan
				}
			}
		}
	}
	require.NotEmpty(t, seeds)

	err = m.Process(cavity.OpE, func(mgr *cavity.Manager) error {
		seed, ok := seeds[mgr.PatchID()]
		if !ok || !mgr.IsActive(patch.EdgeKind, seed) || !mgr.IsOwned(patch.EdgeKind, seed) {
			return nil
		}
		if mgr.Create(seed) == cavity.InvalidCavity {
			return nil
		}
		if !mgr.Prologue() {
			return nil
		}
		return mgr.ForEachCavity(flipFill(mgr))
	})
	require.NoError(t, err)

	require.NoError(t, m.Cleanup())
	require.NoError(t, m.Validate())
	require.Equal(t, 64, m.NumVertices())
	require.Equal(t, 192, m.NumEdges())
	require.Equal(t, 128, m.NumFaces())
}

// The scheduler holds exactly one slot per live patch. A push-back that
// does not fit would drop the patch from scheduling forever, so the
// manager treats it as fatal.
func TestRequeuePushFailurePanics(t *testing.T) {
	m := buildTorus(t, 8, 8, 64)

	// The queue still holds every patch, so the contention push-back
	// cannot fit
	require.True(t, m.Locks().TryAcquire(0))
	defer m.Locks().Release(0)
	require.Panics(t, func() {
		cavity.New(m.Context(), m.Locks(), m.Queue(), cavity.OpE, 0)
	})
}
