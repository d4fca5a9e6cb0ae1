package transform

import (
	"fmt"

	"volalign/internal/volume"
)

// Interp selects the resampling kernel.
type Interp int

const (
	Linear Interp = iota
	Nearest
)

// ResampleOptions control interpolation and the fill value used outside
// the source volume. Defaults are linear interpolation and zero fill.
type ResampleOptions struct {
	Interp Interp
	Fill   float32
}

// ResampleRegion fills an output grid of the given shape, anchored at
// origin in fixed-volume coordinates, by mapping each output voxel through
// the transform chain and sampling the moving grid. movingOrigin gives the
// offset of the moving grid within moving-volume coordinates, so callers
// can resample block-wise against partial reads.
func ResampleRegion(moving *volume.Grid, movingOrigin [3]int, chain Chain, origin, shape [3]int, opts ResampleOptions) *volume.Grid {
	out := volume.NewGrid(shape, moving.Components)
	out.Spacing = moving.Spacing
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				mz, my, mx := chain.Map(float64(origin[0]+z), float64(origin[1]+y), float64(origin[2]+x))
				mz -= float64(movingOrigin[0])
				my -= float64(movingOrigin[1])
				mx -= float64(movingOrigin[2])
				for c := 0; c < moving.Components; c++ {
					var v float32
					if opts.Interp == Nearest {
						v = moving.SampleNearest(mz, my, mx, c, opts.Fill)
					} else {
						v = moving.Sample(mz, my, mx, c, opts.Fill)
					}
					out.Set(z, y, x, c, v)
				}
			}
		}
	}
	return out
}

// Resample maps a whole moving grid into the fixed geometry of the given
// shape through the transform chain.
func Resample(moving *volume.Grid, chain Chain, shape [3]int, opts ResampleOptions) *volume.Grid {
	return ResampleRegion(moving, [3]int{0, 0, 0}, chain, [3]int{0, 0, 0}, shape, opts)
}

// ChainFromList builds a transform chain from an affine list and an
// optional deformation field, applied in the listed order.
func ChainFromList(affines []Affine, field *Field) Chain {
	var chain Chain
	for _, a := range affines {
		chain = append(chain, AffineTransform{A: a})
	}
	if field != nil {
		chain = append(chain, FieldTransform{F: field})
	}
	return chain
}

// ValidateSpacing rejects non-positive voxel spacing.
func ValidateSpacing(spacing [3]float64) error {
	for i, s := range spacing {
		if s <= 0 {
			return fmt.Errorf("spacing[%d] must be strictly positive, got %g", i, s)
		}
	}
	return nil
}
