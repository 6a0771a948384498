package patcher

// hilbertOrder fixes the quantization grid at 2^hilbertOrder cells per
// axis; 16 bits per axis keeps the distance inside a uint64 with room to
// spare
const hilbertOrder = 16

// hilbertD maps a cell on the 2^order x 2^order grid to its distance
// along the Hilbert curve
func hilbertD(order uint, x, y uint32) uint64 {
	var d uint64
	for s := uint32(1) << (order - 1); s > 0; s >>= 1 {
		var rx, ry uint32
		if x&s > 0 {
			rx = 1
		}
		if y&s > 0 {
			ry = 1
		}
		d += uint64(s) * uint64(s) * uint64((3*rx)^ry)

		// rotate the quadrant so the curve orientation carries down
		if ry == 0 {
			if rx == 1 {
				x = s - 1 - x
				y = s - 1 - y
			}
			x, y = y, x
		}
	}
	return d
}

// quantize maps a coordinate inside [lo, hi] to a grid cell index
func quantize(v, lo, hi float64) uint32 {
	if hi <= lo {
		return 0
	}
	cells := float64(uint32(1) << hilbertOrder)
	c := (v - lo) / (hi - lo) * (cells - 1)
	if c < 0 {
		c = 0
	}
	if c > cells-1 {
		c = cells - 1
	}
	return uint32(c)
}
