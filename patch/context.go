package patch

import "fmt"

// MaxOwnerChain bounds the hashtable redirection chase during ownership
// resolution. A chain longer than the number of patches one round can touch
// indicates a protocol bug (a redirection cycle), not a runtime condition.
const MaxOwnerChain = StashSize

// Context is the read-only global view shared by all blocks: the patch
// array, the uniform per-patch element capacities used to size block-local
// scratch, and prefix sums of owned counts for linear element indexing.
type Context struct {
	Patches []*Patch

	VertexCap uint16
	EdgeCap   uint16
	FaceCap   uint16
}

// NewContext assembles a context from built patches. Capacities must be
// uniform across patches; they size every block's scratch allocation.
func NewContext(patches []*Patch) (*Context, error) {
	if len(patches) == 0 {
		return nil, fmt.Errorf("context requires at least one patch")
	}
	ctx := &Context{
		Patches:   patches,
		VertexCap: patches[0].VertexCap,
		EdgeCap:   patches[0].EdgeCap,
		FaceCap:   patches[0].FaceCap,
	}
	for _, p := range patches {
		if p.VertexCap != ctx.VertexCap || p.EdgeCap != ctx.EdgeCap || p.FaceCap != ctx.FaceCap {
			return nil, fmt.Errorf("patch %d: capacities differ from patch 0", p.ID)
		}
	}
	return ctx, nil
}

// NumPatches returns the number of patches
func (ctx *Context) NumPatches() int {
	return len(ctx.Patches)
}

// GetPatch returns the patch for an id
func (ctx *Context) GetPatch(pid uint32) *Patch {
	return ctx.Patches[pid]
}

// Cap returns the uniform per-patch capacity for a kind
func (ctx *Context) Cap(kind ElementKind) uint16 {
	switch kind {
	case VertexKind:
		return ctx.VertexCap
	case EdgeKind:
		return ctx.EdgeCap
	default:
		return ctx.FaceCap
	}
}

// ResolveOwner chases LP redirections from (pid, local) until it reaches
// the patch that currently owns the element. Intermediate entries may be
// stale after chained ownership transfers; the chase is bounded by
// MaxOwnerChain and errors out on a broken or over-long chain.
func (ctx *Context) ResolveOwner(kind ElementKind, pid uint32, local uint16) (uint32, uint16, error) {
	for step := 0; step <= MaxOwnerChain; step++ {
		p := ctx.Patches[pid]
		if local >= p.Cap(kind) {
			return InvalidPatch, InvalidLocal,
				fmt.Errorf("%s %d out of range in patch %d", kind, local, pid)
		}
		if p.Owned(kind).Test(local) {
			return pid, local, nil
		}
		pair, ok := p.LP(kind).Find(local)
		if !ok {
			return InvalidPatch, InvalidLocal,
				fmt.Errorf("patch %d: non-owned %s %d has no lp entry", pid, kind, local)
		}
		next := p.Stash.Get(pair.OwnerSlot)
		if next == InvalidPatch || int(next) >= len(ctx.Patches) {
			return InvalidPatch, InvalidLocal,
				fmt.Errorf("patch %d: %s %d lp entry references invalid stash slot %d",
					pid, kind, local, pair.OwnerSlot)
		}
		pid, local = next, pair.OwnerLocal
	}
	return InvalidPatch, InvalidLocal,
		fmt.Errorf("owner chain for %s exceeded %d hops starting at patch %d", kind, MaxOwnerChain, pid)
}

// NumOwned totals owned active elements of a kind across all patches
func (ctx *Context) NumOwned(kind ElementKind) int {
	n := 0
	for _, p := range ctx.Patches {
		n += p.NumOwned(kind)
	}
	return n
}

// PrefixSums returns, per patch, the running total of owned active elements
// of a kind before that patch. Applications use it to assign each owned
// element a dense global index.
func (ctx *Context) PrefixSums(kind ElementKind) []int {
	sums := make([]int, len(ctx.Patches)+1)
	for i, p := range ctx.Patches {
		sums[i+1] = sums[i] + p.NumOwned(kind)
	}
	return sums
}
