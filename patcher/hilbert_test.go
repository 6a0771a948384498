package patcher

import "testing"

func TestHilbertDOrderOne(t *testing.T) {
	// The four cells of the order-1 curve in traversal order
	cases := []struct {
		x, y uint32
		d    uint64
	}{
		{0, 0, 0},
		{0, 1, 1},
		{1, 1, 2},
		{1, 0, 3},
	}
	for _, c := range cases {
		if got := hilbertD(1, c.x, c.y); got != c.d {
			t.Errorf("hilbertD(1,%d,%d) = %d, want %d", c.x, c.y, got, c.d)
		}
	}
}

func TestHilbertDIsBijectiveOrderThree(t *testing.T) {
	seen := make(map[uint64]bool)
	for x := uint32(0); x < 8; x++ {
		for y := uint32(0); y < 8; y++ {
			d := hilbertD(3, x, y)
			if d >= 64 {
				t.Fatalf("hilbertD(3,%d,%d) = %d out of range", x, y, d)
			}
			if seen[d] {
				t.Fatalf("distance %d hit twice", d)
			}
			seen[d] = true
		}
	}
}

// Consecutive curve positions must be grid neighbors; that adjacency is
// what makes curve-order chunks spatially compact.
func TestHilbertDNeighborContinuity(t *testing.T) {
	const order = 4
	pos := make(map[uint64][2]uint32)
	for x := uint32(0); x < 1<<order; x++ {
		for y := uint32(0); y < 1<<order; y++ {
			pos[hilbertD(order, x, y)] = [2]uint32{x, y}
		}
	}
	for d := uint64(1); d < 1<<(2*order); d++ {
		a, b := pos[d-1], pos[d]
		dx := int(a[0]) - int(b[0])
		dy := int(a[1]) - int(b[1])
		if dx*dx+dy*dy != 1 {
			t.Fatalf("positions %d and %d not adjacent: %v -> %v", d-1, d, a, b)
		}
	}
}

func TestQuantizeRange(t *testing.T) {
	if q := quantize(0.5, 0, 1); q >= 1<<hilbertOrder {
		t.Errorf("quantize(0.5) = %d out of grid", q)
	}
	if q := quantize(-3, 0, 1); q != 0 {
		t.Errorf("quantize below range = %d, want 0", q)
	}
	if q := quantize(7, 0, 1); q != 1<<hilbertOrder-1 {
		t.Errorf("quantize above range = %d, want max cell", q)
	}
	if q := quantize(1, 2, 2); q != 0 {
		t.Errorf("quantize degenerate range = %d, want 0", q)
	}
}
