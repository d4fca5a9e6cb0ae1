package block

import (
	"testing"
)

func TestPartitionCoreCoverageExact(t *testing.T) {
	cases := []struct {
		shape, blocksize [3]int
		overlap          float64
	}{
		{[3]int{16, 16, 16}, [3]int{8, 8, 8}, 0},
		{[3]int{17, 19, 23}, [3]int{8, 8, 8}, 0.3},
		{[3]int{5, 5, 5}, [3]int{8, 8, 8}, 0.5},
		{[3]int{64, 32, 48}, [3]int{16, 16, 16}, 0.25},
	}
	for _, tc := range cases {
		p, err := New(tc.shape, tc.blocksize, tc.overlap)
		if err != nil {
			t.Fatalf("partition %v: %v", tc, err)
		}

		count := make([]int, tc.shape[0]*tc.shape[1]*tc.shape[2])
		covered := make([]bool, len(count))
		for _, b := range p.Blocks {
			for z := b.CoreOrigin[0]; z < b.CoreOrigin[0]+b.CoreSize[0]; z++ {
				for y := b.CoreOrigin[1]; y < b.CoreOrigin[1]+b.CoreSize[1]; y++ {
					for x := b.CoreOrigin[2]; x < b.CoreOrigin[2]+b.CoreSize[2]; x++ {
						count[(z*tc.shape[1]+y)*tc.shape[2]+x]++
					}
				}
			}
			for z := b.ReadOrigin[0]; z < b.ReadOrigin[0]+b.ReadSize[0]; z++ {
				for y := b.ReadOrigin[1]; y < b.ReadOrigin[1]+b.ReadSize[1]; y++ {
					for x := b.ReadOrigin[2]; x < b.ReadOrigin[2]+b.ReadSize[2]; x++ {
						covered[(z*tc.shape[1]+y)*tc.shape[2]+x] = true
					}
				}
			}
		}
		for i, c := range count {
			if c != 1 {
				t.Fatalf("shape %v: voxel %d in %d cores, want exactly 1", tc.shape, i, c)
			}
			if !covered[i] {
				t.Fatalf("shape %v: voxel %d not covered by any read window", tc.shape, i)
			}
		}
	}
}

func TestPartitionRejectsBadInput(t *testing.T) {
	if _, err := New([3]int{0, 8, 8}, [3]int{4, 4, 4}, 0); err == nil {
		t.Fatalf("expected error for zero shape")
	}
	if _, err := New([3]int{8, 8, 8}, [3]int{0, 4, 4}, 0); err == nil {
		t.Fatalf("expected error for zero blocksize")
	}
	if _, err := New([3]int{8, 8, 8}, [3]int{4, 4, 4}, 1.0); err == nil {
		t.Fatalf("expected error for overlap >= 1")
	}
	if _, err := New([3]int{8, 8, 8}, [3]int{4, 4, 4}, -0.1); err == nil {
		t.Fatalf("expected error for negative overlap")
	}
}

func TestNeighborsInteriorAndCorner(t *testing.T) {
	p, err := New([3]int{24, 24, 24}, [3]int{8, 8, 8}, 0.25)
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	if p.GridDims != [3]int{3, 3, 3} {
		t.Fatalf("unexpected grid dims %v", p.GridDims)
	}

	center := p.At(1, 1, 1)
	if got := len(p.Neighbors(center.Index)); got != 26 {
		t.Fatalf("interior block should have 26 neighbors, got %d", got)
	}
	if p.MissingNeighbors(center.Index) != 0 {
		t.Fatalf("interior block should miss no neighbors")
	}

	corner := p.At(0, 0, 0)
	if got := len(p.Neighbors(corner.Index)); got != 7 {
		t.Fatalf("corner block should have 7 neighbors, got %d", got)
	}
	if p.MissingNeighbors(corner.Index) != 19 {
		t.Fatalf("corner block should miss 19 neighbors, got %d", p.MissingNeighbors(corner.Index))
	}
}

func TestBlocksOverlappingRegion(t *testing.T) {
	p, err := New([3]int{16, 16, 16}, [3]int{8, 8, 8}, 0.25)
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	// A region in the first core, clear of any margin, belongs to one block's
	// read window plus the neighbors whose margins reach into it.
	hits := p.BlocksOverlapping([3]int{0, 0, 0}, [3]int{2, 2, 2})
	if len(hits) != 1 || hits[0] != p.At(0, 0, 0).Index {
		t.Fatalf("expected only the corner block, got %v", hits)
	}

	// A region centered on the volume touches every block's read window.
	hits = p.BlocksOverlapping([3]int{7, 7, 7}, [3]int{2, 2, 2})
	if len(hits) != 8 {
		t.Fatalf("expected all 8 blocks at the center seam, got %v", hits)
	}
}

func TestWeightRampAndInteriorPlateau(t *testing.T) {
	p, err := New([3]int{32, 8, 8}, [3]int{8, 8, 8}, 0.25)
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	b := p.At(1, 0, 0) // interior along z

	// Core center carries full weight.
	if w := b.Weight(p.Shape, 12, 4, 4); w != 1 {
		t.Fatalf("expected full weight at core center, got %g", w)
	}
	// Weight decays toward the read-window boundary.
	wEdge := b.Weight(p.Shape, b.ReadOrigin[0], 4, 4)
	wIn := b.Weight(p.Shape, b.ReadOrigin[0]+1, 4, 4)
	if !(wEdge < wIn && wIn < 1) {
		t.Fatalf("expected monotone ramp, got edge=%g inner=%g", wEdge, wIn)
	}
	// A volume-edge block keeps full weight against the volume boundary.
	first := p.At(0, 0, 0)
	if w := first.Weight(p.Shape, 0, 4, 4); w != 1 {
		t.Fatalf("edge block should not fade at the volume boundary, got %g", w)
	}
}
