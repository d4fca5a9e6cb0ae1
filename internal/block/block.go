// Package block partitions a volume into a grid of overlapping blocks for
// distributed piecewise processing. Each block owns a core region; cores
// tile the volume exactly, and the overlap margin extends each block's
// read window so neighboring estimates can be feather-blended.
package block

import (
	"fmt"
	"math"
)

// Block is one element of a partition. Core regions are disjoint and cover
// the volume; the Read window adds the overlap margin, clipped to bounds.
type Block struct {
	Index      int
	GridPos    [3]int // position in the block grid
	CoreOrigin [3]int
	CoreSize   [3]int
	ReadOrigin [3]int
	ReadSize   [3]int
	Margin     [3]int
}

// Partition describes the full block decomposition of a volume.
type Partition struct {
	Shape     [3]int
	BlockSize [3]int
	Overlap   float64
	GridDims  [3]int
	Blocks    []Block
}

// New computes the block decomposition of a volume of the given shape.
// blocksize is the core extent per axis (clipped at the far edge);
// overlap is the fraction of the block size added as margin on every side.
func New(shape, blocksize [3]int, overlap float64) (*Partition, error) {
	for i := 0; i < 3; i++ {
		if shape[i] <= 0 {
			return nil, fmt.Errorf("shape[%d] must be positive, got %d", i, shape[i])
		}
		if blocksize[i] <= 0 {
			return nil, fmt.Errorf("blocksize[%d] must be positive, got %d", i, blocksize[i])
		}
	}
	if overlap < 0 || overlap >= 1 {
		return nil, fmt.Errorf("overlap fraction must be in [0, 1), got %g", overlap)
	}

	p := &Partition{Shape: shape, BlockSize: blocksize, Overlap: overlap}
	var margin [3]int
	for i := 0; i < 3; i++ {
		p.GridDims[i] = (shape[i] + blocksize[i] - 1) / blocksize[i]
		margin[i] = int(math.Ceil(overlap * float64(blocksize[i])))
	}

	idx := 0
	for gz := 0; gz < p.GridDims[0]; gz++ {
		for gy := 0; gy < p.GridDims[1]; gy++ {
			for gx := 0; gx < p.GridDims[2]; gx++ {
				b := Block{Index: idx, GridPos: [3]int{gz, gy, gx}, Margin: margin}
				pos := b.GridPos
				for i := 0; i < 3; i++ {
					b.CoreOrigin[i] = pos[i] * blocksize[i]
					b.CoreSize[i] = min(blocksize[i], shape[i]-b.CoreOrigin[i])
					b.ReadOrigin[i] = max(0, b.CoreOrigin[i]-margin[i])
					readEnd := min(shape[i], b.CoreOrigin[i]+b.CoreSize[i]+margin[i])
					b.ReadSize[i] = readEnd - b.ReadOrigin[i]
				}
				p.Blocks = append(p.Blocks, b)
				idx++
			}
		}
	}
	return p, nil
}

// At returns the block at a grid position, or nil if outside the grid.
func (p *Partition) At(gz, gy, gx int) *Block {
	if gz < 0 || gz >= p.GridDims[0] || gy < 0 || gy >= p.GridDims[1] || gx < 0 || gx >= p.GridDims[2] {
		return nil
	}
	return &p.Blocks[(gz*p.GridDims[1]+gy)*p.GridDims[2]+gx]
}

// Neighbors returns the indices of the face/edge/corner-adjacent blocks of
// the given block (up to 26).
func (p *Partition) Neighbors(index int) []int {
	b := &p.Blocks[index]
	var out []int
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dz == 0 && dy == 0 && dx == 0 {
					continue
				}
				if n := p.At(b.GridPos[0]+dz, b.GridPos[1]+dy, b.GridPos[2]+dx); n != nil {
					out = append(out, n.Index)
				}
			}
		}
	}
	return out
}

// MissingNeighbors counts absent neighbors, nonzero for edge and corner
// blocks. Used to decide whether weight rebalancing applies.
func (p *Partition) MissingNeighbors(index int) int {
	return 26 - len(p.Neighbors(index))
}

// BlocksOverlapping returns the indices of blocks whose read window
// intersects the given region.
func (p *Partition) BlocksOverlapping(origin, size [3]int) []int {
	var out []int
	for i := range p.Blocks {
		b := &p.Blocks[i]
		hit := true
		for a := 0; a < 3; a++ {
			if b.ReadOrigin[a]+b.ReadSize[a] <= origin[a] || origin[a]+size[a] <= b.ReadOrigin[a] {
				hit = false
				break
			}
		}
		if hit {
			out = append(out, b.Index)
		}
	}
	return out
}

// Weight returns the feather weight of the block at an absolute voxel
// position: 1 inside the core away from overlap seams, ramping linearly to
// the block's outer read boundary. Axes where the block touches the volume
// edge contribute full weight on that side so edge blocks do not fade out.
func (b *Block) Weight(shape [3]int, z, y, x int) float64 {
	pos := [3]int{z, y, x}
	w := 1.0
	for i := 0; i < 3; i++ {
		if b.Margin[i] == 0 {
			continue
		}
		ramp := float64(b.Margin[i] + 1)
		// Distance inward from the block's low read edge.
		low := 1.0
		if b.ReadOrigin[i] > 0 {
			low = (float64(pos[i]-b.ReadOrigin[i]) + 1) / ramp
		}
		high := 1.0
		readEnd := b.ReadOrigin[i] + b.ReadSize[i]
		if readEnd < shape[i] {
			high = (float64(readEnd-pos[i])) / ramp
		}
		aw := math.Min(1, math.Min(low, high))
		if aw <= 0 {
			return 0
		}
		w *= aw
	}
	return w
}
