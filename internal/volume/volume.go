// Package volume provides the chunked volume data model shared by every
// pipeline stage: an in-memory grid of float32 samples with shape, dtype,
// component count and voxel spacing, plus on-disk stores (zarr-like chunked
// directories and multi-page TIFF).
package volume

import (
	"fmt"
)

// Dtype names the on-disk sample encoding. In-memory data is always float32.
type Dtype string

const (
	Uint16  Dtype = "uint16"
	Float32 Dtype = "float32"
)

// BytesPerSample returns the on-disk size of one sample.
func (d Dtype) BytesPerSample() (int, error) {
	switch d {
	case Uint16:
		return 2, nil
	case Float32:
		return 4, nil
	}
	return 0, fmt.Errorf("unsupported dtype %q", d)
}

// Meta describes a volume: shape and chunk grid in (z, y, x) order, sample
// dtype, number of components per voxel (1 for images, 3 for deformation
// fields) and physical voxel spacing. Spacing must be strictly positive.
type Meta struct {
	Shape      [3]int     `json:"shape"`
	Chunks     [3]int     `json:"chunks"`
	Dtype      Dtype      `json:"dtype"`
	Components int        `json:"components"`
	Spacing    [3]float64 `json:"spacing"`
}

// Validate checks the structural invariants of the metadata.
func (m *Meta) Validate() error {
	for i := 0; i < 3; i++ {
		if m.Shape[i] <= 0 {
			return fmt.Errorf("shape[%d] must be positive, got %d", i, m.Shape[i])
		}
		if m.Chunks[i] <= 0 {
			return fmt.Errorf("chunks[%d] must be positive, got %d", i, m.Chunks[i])
		}
		if m.Spacing[i] < 0 {
			return fmt.Errorf("spacing[%d] must not be negative, got %g", i, m.Spacing[i])
		}
	}
	if m.Components < 1 {
		return fmt.Errorf("components must be >= 1, got %d", m.Components)
	}
	if _, err := m.Dtype.BytesPerSample(); err != nil {
		return err
	}
	return nil
}

// NumVoxels returns the voxel count of the full volume.
func (m *Meta) NumVoxels() int {
	return m.Shape[0] * m.Shape[1] * m.Shape[2]
}

// Grid is an in-memory dense region of a volume. Data is laid out row-major
// in (z, y, x, component) order with the component axis fastest.
type Grid struct {
	Shape      [3]int
	Components int
	Spacing    [3]float64
	Data       []float32
}

// NewGrid allocates a zeroed grid.
func NewGrid(shape [3]int, components int) *Grid {
	return &Grid{
		Shape:      shape,
		Components: components,
		Data:       make([]float32, shape[0]*shape[1]*shape[2]*components),
	}
}

// Index returns the flat offset of (z, y, x, c).
func (g *Grid) Index(z, y, x, c int) int {
	return ((z*g.Shape[1]+y)*g.Shape[2]+x)*g.Components + c
}

// At reads the sample at (z, y, x, c).
func (g *Grid) At(z, y, x, c int) float32 {
	return g.Data[g.Index(z, y, x, c)]
}

// Set writes the sample at (z, y, x, c).
func (g *Grid) Set(z, y, x, c int, v float32) {
	g.Data[g.Index(z, y, x, c)] = v
}

// In reports whether (z, y, x) lies inside the grid.
func (g *Grid) In(z, y, x int) bool {
	return z >= 0 && z < g.Shape[0] && y >= 0 && y < g.Shape[1] && x >= 0 && x < g.Shape[2]
}

// Sample performs trilinear interpolation at a continuous voxel coordinate,
// returning fill for positions outside the grid.
func (g *Grid) Sample(z, y, x float64, c int, fill float32) float32 {
	z0, y0, x0 := floorInt(z), floorInt(y), floorInt(x)
	fz, fy, fx := z-float64(z0), y-float64(y0), x-float64(x0)

	var acc float64
	for dz := 0; dz <= 1; dz++ {
		wz := 1 - fz
		if dz == 1 {
			wz = fz
		}
		if wz == 0 {
			continue
		}
		for dy := 0; dy <= 1; dy++ {
			wy := 1 - fy
			if dy == 1 {
				wy = fy
			}
			if wy == 0 {
				continue
			}
			for dx := 0; dx <= 1; dx++ {
				wx := 1 - fx
				if dx == 1 {
					wx = fx
				}
				if wx == 0 {
					continue
				}
				zz, yy, xx := z0+dz, y0+dy, x0+dx
				v := fill
				if g.In(zz, yy, xx) {
					v = g.At(zz, yy, xx, c)
				}
				acc += float64(v) * wz * wy * wx
			}
		}
	}
	return float32(acc)
}

// SampleNearest performs nearest-neighbor lookup at a continuous voxel
// coordinate, returning fill outside the grid.
func (g *Grid) SampleNearest(z, y, x float64, c int, fill float32) float32 {
	zz, yy, xx := roundInt(z), roundInt(y), roundInt(x)
	if !g.In(zz, yy, xx) {
		return fill
	}
	return g.At(zz, yy, xx, c)
}

func floorInt(v float64) int {
	i := int(v)
	if v < 0 && float64(i) != v {
		i--
	}
	return i
}

func roundInt(v float64) int {
	if v >= 0 {
		return int(v + 0.5)
	}
	return -int(-v + 0.5)
}
