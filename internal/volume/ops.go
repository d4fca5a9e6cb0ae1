package volume

import (
	"fmt"
)

// Single-volume utility operations: format conversion, downsampling,
// spacing resample, channel stacking, reorientation and projections.

// ConvertTIFFToZarr reads a TIFF stack and writes it as a chunked store.
func ConvertTIFFToZarr(tiffPath, zarrPath string, chunks [3]int, spacing [3]float64) error {
	g, err := ReadTIFF(tiffPath)
	if err != nil {
		return fmt.Errorf("convert tiff->zarr: %w", err)
	}
	for i := 0; i < 3; i++ {
		if chunks[i] <= 0 || chunks[i] > g.Shape[i] {
			chunks[i] = g.Shape[i]
		}
	}
	store, err := Create(zarrPath, Meta{
		Shape:      g.Shape,
		Chunks:     chunks,
		Dtype:      Uint16,
		Components: 1,
		Spacing:    spacing,
	})
	if err != nil {
		return fmt.Errorf("convert tiff->zarr: %w", err)
	}
	return store.WriteRegion([3]int{0, 0, 0}, g)
}

// ConvertZarrToTIFF reads a chunked store and writes it as a TIFF stack.
func ConvertZarrToTIFF(zarrPath, tiffPath string) error {
	store, err := Open(zarrPath)
	if err != nil {
		return fmt.Errorf("convert zarr->tiff: %w", err)
	}
	if store.Meta.Components != 1 {
		return fmt.Errorf("convert zarr->tiff: vector volumes not supported")
	}
	g, err := store.ReadAll()
	if err != nil {
		return fmt.Errorf("convert zarr->tiff: %w", err)
	}
	return WriteTIFF(tiffPath, g)
}

// Downsample reduces a grid by integer factors per axis. order selects the
// interpolation: 0 for nearest sample, 1 for box averaging over each cell.
func Downsample(g *Grid, factors [3]int, order int) (*Grid, error) {
	for i := 0; i < 3; i++ {
		if factors[i] < 1 {
			return nil, fmt.Errorf("downsample factor[%d] must be >= 1, got %d", i, factors[i])
		}
	}
	out := NewGrid([3]int{
		(g.Shape[0] + factors[0] - 1) / factors[0],
		(g.Shape[1] + factors[1] - 1) / factors[1],
		(g.Shape[2] + factors[2] - 1) / factors[2],
	}, g.Components)
	out.Spacing = [3]float64{
		g.Spacing[0] * float64(factors[0]),
		g.Spacing[1] * float64(factors[1]),
		g.Spacing[2] * float64(factors[2]),
	}
	for z := 0; z < out.Shape[0]; z++ {
		for y := 0; y < out.Shape[1]; y++ {
			for x := 0; x < out.Shape[2]; x++ {
				for c := 0; c < g.Components; c++ {
					if order == 0 {
						out.Set(z, y, x, c, g.At(z*factors[0], y*factors[1], x*factors[2], c))
						continue
					}
					var sum float64
					var n int
					for dz := 0; dz < factors[0]; dz++ {
						for dy := 0; dy < factors[1]; dy++ {
							for dx := 0; dx < factors[2]; dx++ {
								zz, yy, xx := z*factors[0]+dz, y*factors[1]+dy, x*factors[2]+dx
								if g.In(zz, yy, xx) {
									sum += float64(g.At(zz, yy, xx, c))
									n++
								}
							}
						}
					}
					out.Set(z, y, x, c, float32(sum/float64(n)))
				}
			}
		}
	}
	return out, nil
}

// ResampleSpacing rescales a grid from its original spacing to a target
// spacing with trilinear interpolation, the voxel-spacing resample used to
// bring rounds onto a common grid before registration.
func ResampleSpacing(g *Grid, original, target [3]float64) (*Grid, error) {
	for i := 0; i < 3; i++ {
		if original[i] <= 0 || target[i] <= 0 {
			return nil, fmt.Errorf("spacing must be strictly positive")
		}
	}
	var scale [3]float64
	var shape [3]int
	for i := 0; i < 3; i++ {
		scale[i] = target[i] / original[i]
		shape[i] = int(float64(g.Shape[i]) / scale[i])
		if shape[i] < 1 {
			shape[i] = 1
		}
	}
	out := NewGrid(shape, g.Components)
	out.Spacing = target
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				sz := float64(z) * scale[0]
				sy := float64(y) * scale[1]
				sx := float64(x) * scale[2]
				for c := 0; c < g.Components; c++ {
					out.Set(z, y, x, c, g.Sample(sz, sy, sx, c, 0))
				}
			}
		}
	}
	return out, nil
}

// StackChannels combines two equal-shape single-component grids into one
// two-component grid (channel axis fastest).
func StackChannels(a, b *Grid) (*Grid, error) {
	if a.Shape != b.Shape {
		return nil, fmt.Errorf("stack: shapes differ %v vs %v", a.Shape, b.Shape)
	}
	if a.Components != 1 || b.Components != 1 {
		return nil, fmt.Errorf("stack: inputs must be single-component")
	}
	out := NewGrid(a.Shape, 2)
	out.Spacing = a.Spacing
	for i := range a.Data {
		out.Data[i*2] = a.Data[i]
		out.Data[i*2+1] = b.Data[i]
	}
	return out, nil
}

// Reorient rotates each z-slice by a multiple of 90 degrees and optionally
// flips the volume along z afterwards.
func Reorient(g *Grid, rotationDeg int, flipZ bool) (*Grid, error) {
	if rotationDeg%90 != 0 {
		return nil, fmt.Errorf("rotation must be a multiple of 90, got %d", rotationDeg)
	}
	quarter := ((rotationDeg/90)%4 + 4) % 4

	nz, ny, nx := g.Shape[0], g.Shape[1], g.Shape[2]
	oy, ox := ny, nx
	if quarter%2 == 1 {
		oy, ox = nx, ny
	}
	out := NewGrid([3]int{nz, oy, ox}, g.Components)
	out.Spacing = g.Spacing

	for z := 0; z < nz; z++ {
		srcZ := z
		if flipZ {
			srcZ = nz - 1 - z
		}
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				var ty, tx int
				switch quarter {
				case 0:
					ty, tx = y, x
				case 1:
					ty, tx = x, ny-1-y
				case 2:
					ty, tx = ny-1-y, nx-1-x
				case 3:
					ty, tx = nx-1-x, y
				}
				for c := 0; c < g.Components; c++ {
					out.Set(z, ty, tx, c, g.At(srcZ, y, x, c))
				}
			}
		}
	}
	return out, nil
}

// MaxProjection collapses one axis to its per-column maximum, producing a
// 2D grid (shape keeps three axes with the collapsed one at length 1).
func MaxProjection(g *Grid, axis int) (*Grid, error) {
	if axis < 0 || axis > 2 {
		return nil, fmt.Errorf("axis must be 0..2, got %d", axis)
	}
	shape := g.Shape
	shape[axis] = 1
	out := NewGrid(shape, g.Components)
	out.Spacing = g.Spacing
	for z := 0; z < g.Shape[0]; z++ {
		for y := 0; y < g.Shape[1]; y++ {
			for x := 0; x < g.Shape[2]; x++ {
				idx := [3]int{z, y, x}
				idx[axis] = 0
				for c := 0; c < g.Components; c++ {
					v := g.At(z, y, x, c)
					if v > out.At(idx[0], idx[1], idx[2], c) {
						out.Set(idx[0], idx[1], idx[2], c, v)
					}
				}
			}
		}
	}
	return out, nil
}
