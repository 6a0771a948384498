package patcher

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/notargets/remesh/mesh"
	"github.com/notargets/remesh/patch"
)

// Stats summarizes partition quality: the spread of owned-face counts and
// the ghost overhead the ribbons add
type Stats struct {
	NumPatches int

	MeanFaces   float64
	StdDevFaces float64
	MinFaces    int
	MaxFaces    int

	// Imbalance is (max - mean) / mean; 0 for a perfectly even split
	Imbalance float64

	// GhostFraction is the share of held element copies that are not
	// owned, across all three kinds
	GhostFraction float64
}

// ComputeStats measures a built mesh's partition
func ComputeStats(m *mesh.Mesh) Stats {
	counts := make([]float64, m.NumPatches())
	var held, ghosts int
	for i := 0; i < m.NumPatches(); i++ {
		p := m.GetPatch(uint32(i))
		counts[i] = float64(p.NumOwned(patch.FaceKind))
		for k := 0; k < 3; k++ {
			kind := patch.ElementKind(k)
			active := p.Active(kind)
			owned := p.Owned(kind)
			for e := uint16(0); e < p.Count(kind); e++ {
				if !active.Test(e) {
					continue
				}
				held++
				if !owned.Test(e) {
					ghosts++
				}
			}
		}
	}
	s := Stats{
		NumPatches:  len(counts),
		MeanFaces:   stat.Mean(counts, nil),
		StdDevFaces: stat.StdDev(counts, nil),
		MinFaces:    int(floats.Min(counts)),
		MaxFaces:    int(floats.Max(counts)),
	}
	if s.MeanFaces > 0 {
		s.Imbalance = (float64(s.MaxFaces) - s.MeanFaces) / s.MeanFaces
	}
	if held > 0 {
		s.GhostFraction = float64(ghosts) / float64(held)
	}
	return s
}

func (s Stats) String() string {
	return fmt.Sprintf("%d patches, faces/patch %.1f±%.1f [%d,%d], imbalance %.3f, ghost fraction %.3f",
		s.NumPatches, s.MeanFaces, s.StdDevFaces, s.MinFaces, s.MaxFaces, s.Imbalance, s.GhostFraction)
}
