package transform

import (
	"fmt"

	"volalign/internal/volume"
)

// Field is a dense deformation field: per-voxel displacement vectors in
// (z, y, x) order, indexed on the fixed grid, possibly stored at a coarser
// control-point resolution than the image it deforms. Scale relates field
// coordinates to image coordinates (1 means voxel-resolution).
type Field struct {
	Grid  *volume.Grid
	Scale [3]float64
}

// NewField allocates a zero (identity) field at the given shape.
func NewField(shape [3]int) *Field {
	return &Field{Grid: volume.NewGrid(shape, 3), Scale: [3]float64{1, 1, 1}}
}

// FieldFromGrid wraps an existing 3-component grid covering an image of
// imageShape voxels.
func FieldFromGrid(g *volume.Grid, imageShape [3]int) (*Field, error) {
	if g.Components != 3 {
		return nil, fmt.Errorf("deformation field needs 3 components, got %d", g.Components)
	}
	f := &Field{Grid: g, Scale: [3]float64{1, 1, 1}}
	for i := 0; i < 3; i++ {
		switch {
		case g.Shape[i] == imageShape[i]:
			// voxel resolution
		case g.Shape[i] == 1:
			// single control plane: constant along this axis
			f.Scale[i] = 0
		case imageShape[i] > 1:
			f.Scale[i] = float64(g.Shape[i]-1) / float64(imageShape[i]-1)
		default:
			return nil, fmt.Errorf("field axis %d has %d points for image extent %d", i, g.Shape[i], imageShape[i])
		}
	}
	return f, nil
}

// Displacement returns the interpolated displacement vector at an image
// coordinate. Positions outside the field interpolate toward zero.
func (f *Field) Displacement(z, y, x float64) (float64, float64, float64) {
	fz := z * f.Scale[0]
	fy := y * f.Scale[1]
	fx := x * f.Scale[2]
	dz := float64(f.Grid.Sample(fz, fy, fx, 0, 0))
	dy := float64(f.Grid.Sample(fz, fy, fx, 1, 0))
	dx := float64(f.Grid.Sample(fz, fy, fx, 2, 0))
	return dz, dy, dx
}

// LoadField opens a chunked vector volume as a deformation field for an
// image of the given shape.
func LoadField(path string, imageShape [3]int) (*Field, error) {
	store, err := volume.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load field: %w", err)
	}
	g, err := store.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("load field: %w", err)
	}
	return FieldFromGrid(g, imageShape)
}

// Transform maps a fixed-grid coordinate into moving-volume space.
type Transform interface {
	Map(z, y, x float64) (float64, float64, float64)
}

// AffineTransform adapts Affine to the Transform interface.
type AffineTransform struct{ A Affine }

func (t AffineTransform) Map(z, y, x float64) (float64, float64, float64) {
	return t.A.Apply(z, y, x)
}

// FieldTransform adds the field displacement to the incoming coordinate.
// The displacement is looked up at the incoming position, matching the
// left-to-right composition contract: the output of the previous transform
// feeds the next.
type FieldTransform struct{ F *Field }

func (t FieldTransform) Map(z, y, x float64) (float64, float64, float64) {
	dz, dy, dx := t.F.Displacement(z, y, x)
	return z + dz, y + dy, x + dx
}

// Chain composes an ordered transform list, applied left to right.
type Chain []Transform

func (c Chain) Map(z, y, x float64) (float64, float64, float64) {
	for _, t := range c {
		z, y, x = t.Map(z, y, x)
	}
	return z, y, x
}
