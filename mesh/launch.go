package mesh

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/notargets/remesh/cavity"
	"github.com/notargets/remesh/patch"
	"github.com/notargets/remesh/scheduler"
)

// QueryOp names the static neighbor traversals a kernel may run; they
// only matter here for sizing the per-block scratch budget
type QueryOp uint8

const (
	QueryVV QueryOp = iota
	QueryVE
	QueryVF
	QueryEV
	QueryEF
	QueryFV
	QueryFE
	QueryFF
)

// LaunchBox carries the grid size and validated scratch budget for one
// kernel launch
type LaunchBox struct {
	Blocks        int
	SharedMemDyn  int // bytes of block-local scratch
	SharedMemStat int // bytes required by the widest static query
}

const (
	shmemAlign   = 8
	elemBytes    = 2 // uint16 local indices
	lpPairBytes  = 6
	counterBytes = 4
)

func maskBytes(n uint16) int {
	return patch.NumBytes(int(n))
}

// staticQueryBytes sizes the scratch one static traversal needs: the
// connectivity load plus the offset/value output arrays
func (m *Mesh) staticQueryBytes(op QueryOp) int {
	v := int(m.ctx.VertexCap)
	e := int(m.ctx.EdgeCap)
	f := int(m.ctx.FaceCap)

	ev := 2 * e * elemBytes
	fe := 3 * f * elemBytes
	switch op {
	case QueryEV:
		return ev
	case QueryFE:
		return fe
	case QueryVE, QueryVV:
		return ev + (v+1)*counterBytes + 2*e*elemBytes
	case QueryVF, QueryFV:
		return ev + fe + (v+1)*counterBytes + 3*f*elemBytes
	case QueryEF, QueryFF:
		return fe + (e+1)*counterBytes + 3*f*elemBytes
	}
	return 0
}

// dynamicSharedMemBytes totals the block-local scratch a topology round
// uses: connectivity shadows, cavity-id arrays overlaid with the LP
// shadows, the boundary loop buffer, round counters, per-cavity sizes,
// the bitmask families (10 per vertex, 7 per edge, 5 per face), and the
// patch stash
func (m *Mesh) dynamicSharedMemBytes() int {
	v := m.ctx.VertexCap
	e := m.ctx.EdgeCap
	f := m.ctx.FaceCap
	p0 := m.ctx.GetPatch(0)

	dyn := 3*int(f)*elemBytes + 2*int(e)*elemBytes + 2*shmemAlign

	lpV := (p0.LPV.Capacity() + patch.LPStashSize) * lpPairBytes
	lpE := (p0.LPE.Capacity() + patch.LPStashSize) * lpPairBytes
	lpF := (p0.LPF.Capacity() + patch.LPStashSize) * lpPairBytes
	dyn += max(int(v)*elemBytes, lpV)
	dyn += max(int(e)*elemBytes, lpE)
	dyn += max(int(f)*elemBytes, lpF)
	dyn += 3 * shmemAlign

	// cavity boundary loop
	dyn += int(e)*elemBytes + shmemAlign

	// cavity count and lock bookkeeping
	dyn += 3*counterBytes + shmemAlign

	// per-cavity sizes, at most one cavity per two faces
	dyn += (int(f)/2)*counterBytes + shmemAlign

	dyn += 10*maskBytes(v) + 10*shmemAlign
	dyn += 7*maskBytes(e) + 7*shmemAlign
	dyn += 5*maskBytes(f) + 5*shmemAlign

	dyn += patch.StashSize * 4
	return dyn
}

// PrepareLaunchBox computes the scratch budget for a kernel running the
// given queries, plus the topology-round scratch when dynamic is set, and
// validates it against the configured per-block limit. Launching without
// this check passing is a contract violation.
func (m *Mesh) PrepareLaunchBox(ops []QueryOp, dynamic bool) (LaunchBox, error) {
	box := LaunchBox{Blocks: m.ctx.NumPatches()}
	for _, op := range ops {
		box.SharedMemStat = max(box.SharedMemStat, m.staticQueryBytes(op))
	}
	if dynamic {
		box.SharedMemDyn = m.dynamicSharedMemBytes()
	}
	need := max(box.SharedMemDyn, box.SharedMemStat)
	if need > m.cfg.SharedMemLimit {
		return box, fmt.Errorf("launch needs %d bytes of block scratch, limit is %d",
			need, m.cfg.SharedMemLimit)
	}
	return box, nil
}

// Kernel is the per-block body of a dynamic launch. It must drive the
// manager through Create/Prologue/ForEachCavity and may rely on Epilogue
// being run after it returns.
type Kernel func(mgr *cavity.Manager) error

// LaunchDynamic runs one kernel launch: every block pops one patch id and
// runs the kernel to completion. Blocks whose patch is lock-contended
// re-enqueue it and exit; the caller relaunches until IsQueueEmpty.
func (m *Mesh) LaunchDynamic(box LaunchBox, op cavity.Op, kernel Kernel) error {
	workers := box.Blocks
	if m.cfg.Workers > 0 && m.cfg.Workers < workers {
		workers = m.cfg.Workers
	}
	var g errgroup.Group
	for b := 0; b < workers; b++ {
		g.Go(func() error {
			pid, ok := m.queue.Pop()
			if !ok {
				return nil
			}
			mgr, ok := cavity.New(m.ctx, m.locks, m.queue, op, pid)
			if !ok {
				return nil
			}
			err := kernel(mgr)
			// Safety net: a no-op if the kernel already finalized
			mgr.Epilogue()
			if mgr.ShouldSlice() {
				m.markNeedsSlice(pid)
			}
			return err
		})
	}
	return g.Wait()
}

// Process relaunches a dynamic kernel until the patch queue drains. Rounds
// aborted on lock contention re-enter the queue and retry; the retry
// budget bounds pathological contention and capacity loops, which the
// caller resolves by slicing the flagged patches.
func (m *Mesh) Process(op cavity.Op, kernel Kernel) error {
	box, err := m.PrepareLaunchBox(nil, true)
	if err != nil {
		return err
	}
	maxLaunches := 64 * m.ctx.NumPatches()
	for launch := 0; !m.IsQueueEmpty(); launch++ {
		if launch >= maxLaunches {
			return fmt.Errorf("patch queue not drained after %d launches; %d patches flagged for slicing",
				maxLaunches, len(m.NeedsSlice()))
		}
		if err := m.LaunchDynamic(box, op, kernel); err != nil {
			return err
		}
	}
	return nil
}

// Queue exposes the patch scheduler, mainly for tests observing requeues
func (m *Mesh) Queue() *scheduler.Queue {
	return m.queue
}

// Locks exposes the patch lock table, mainly for tests forcing contention
func (m *Mesh) Locks() *patch.LockTable {
	return m.locks
}
