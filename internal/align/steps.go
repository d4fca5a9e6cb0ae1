package align

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"volalign/internal/transform"
	"volalign/internal/volume"
)

// Step is one named stage of a registration pipeline with its parameters.
// Steps are immutable values constructed up front and applied in declared
// order.
type Step struct {
	Name                string  `json:"name" yaml:"name"` // "translate", "affine", "deform"
	AlignmentSpacing    float64 `json:"alignment_spacing" yaml:"alignment_spacing"`
	SmoothSigma         float64 `json:"smooth_sigma" yaml:"smooth_sigma"`
	ControlPointSpacing float64 `json:"control_point_spacing" yaml:"control_point_spacing"`
	MinQuality          float64 `json:"min_quality" yaml:"min_quality"`
}

// DefaultLinearSteps is the step list used by linear alignment tuning when
// the caller provides none.
func DefaultLinearSteps() []Step {
	return []Step{
		{Name: "translate"},
		{Name: "affine", ControlPointSpacing: 0, MinQuality: 0.1},
	}
}

// DefaultDeformStep mirrors the deformation parameters of the distributed
// pipeline driver.
func DefaultDeformStep() Step {
	return Step{
		Name:                "deform",
		AlignmentSpacing:    0.4,
		SmoothSigma:         0,
		ControlPointSpacing: 100.0,
		MinQuality:          0.05,
	}
}

// LinearAlignmentTuning computes one global affine aligning moving to
// fixed by running the step list in order. The result maps fixed-grid
// coordinates into moving-volume coordinates, suitable as the initial
// transform of the distributed pipeline.
func LinearAlignmentTuning(fixed, moving *volume.Grid, fixSpacing, moveSpacing [3]float64, steps []Step) (transform.Affine, error) {
	if err := transform.ValidateSpacing(fixSpacing); err != nil {
		return transform.Affine{}, err
	}
	if err := transform.ValidateSpacing(moveSpacing); err != nil {
		return transform.Affine{}, err
	}
	if len(steps) == 0 {
		steps = DefaultLinearSteps()
	}

	result := transform.Identity()
	for _, step := range steps {
		// Re-warp the moving volume through the estimate so far, so each
		// step refines the remaining misalignment.
		warped := transform.Resample(moving, transform.Chain{transform.AffineTransform{A: result}}, fixed.Shape, transform.ResampleOptions{})

		switch step.Name {
		case "translate", "rigid":
			corr, err := PhaseCorrelate(fixed, warped)
			if err != nil {
				return transform.Affine{}, fmt.Errorf("step %s: %w", step.Name, err)
			}
			result = result.Compose(transform.Translation(corr.Shift[0], corr.Shift[1], corr.Shift[2]))
		case "affine":
			delta, err := estimateAffine(fixed, warped, fixSpacing, step)
			if err != nil {
				return transform.Affine{}, fmt.Errorf("step affine: %w", err)
			}
			result = result.Compose(delta)
		default:
			return transform.Affine{}, fmt.Errorf("unknown linear step %q", step.Name)
		}
	}
	return result, nil
}

// estimateAffine fits an affine correction from per-cell phase-correlation
// offsets via weighted least squares.
func estimateAffine(fixed, warped *volume.Grid, spacing [3]float64, step Step) (transform.Affine, error) {
	cells := cellGrid(fixed.Shape, step.ControlPointSpacing, spacing)

	type sample struct {
		center [3]float64
		shift  [3]float64
		weight float64
	}
	var samples []sample
	for _, c := range cells {
		fixCell := subGrid(fixed, c.origin, c.size)
		movCell := subGrid(warped, c.origin, c.size)
		corr, err := PhaseCorrelate(fixCell, movCell)
		if err != nil {
			return transform.Affine{}, err
		}
		if corr.Quality < step.MinQuality {
			continue
		}
		s := sample{weight: corr.Quality, shift: corr.Shift}
		for i := 0; i < 3; i++ {
			s.center[i] = float64(c.origin[i]) + float64(c.size[i])/2
		}
		samples = append(samples, s)
	}
	if len(samples) < 4 {
		// Not enough confident cells for 12 parameters: fall back to the
		// weighted mean translation.
		var shift [3]float64
		var wsum float64
		for _, s := range samples {
			for i := 0; i < 3; i++ {
				shift[i] += s.shift[i] * s.weight
			}
			wsum += s.weight
		}
		if wsum == 0 {
			return transform.Identity(), nil
		}
		return transform.Translation(shift[0]/wsum, shift[1]/wsum, shift[2]/wsum), nil
	}

	// Weighted least squares: [cz cy cx 1] * beta = center + shift.
	n := len(samples)
	a := mat.NewDense(n, 4, nil)
	b := mat.NewDense(n, 3, nil)
	for i, s := range samples {
		w := math.Sqrt(s.weight)
		a.Set(i, 0, s.center[0]*w)
		a.Set(i, 1, s.center[1]*w)
		a.Set(i, 2, s.center[2]*w)
		a.Set(i, 3, w)
		for j := 0; j < 3; j++ {
			b.Set(i, j, (s.center[j]+s.shift[j])*w)
		}
	}
	var beta mat.Dense
	if err := beta.Solve(a, b); err != nil {
		return transform.Affine{}, fmt.Errorf("affine solve: %w", err)
	}

	out := transform.Identity()
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			out.M[row][col] = beta.At(col, row)
		}
		out.M[row][3] = beta.At(3, row)
	}
	return out, nil
}

type cell struct {
	origin [3]int
	size   [3]int
}

// cellGrid splits a shape into control cells of roughly controlSpacing
// physical units per side, with at least two cells per axis where the
// extent allows it.
func cellGrid(shape [3]int, controlSpacing float64, spacing [3]float64) []cell {
	cells, _ := cellGridCounts(shape, controlSpacing, spacing)
	return cells
}

func cellGridCounts(shape [3]int, controlSpacing float64, spacing [3]float64) ([]cell, [3]int) {
	var counts [3]int
	for i := 0; i < 3; i++ {
		counts[i] = 1
		if controlSpacing > 0 && spacing[i] > 0 {
			voxels := controlSpacing / spacing[i]
			counts[i] = int(math.Round(float64(shape[i]) / voxels))
		} else {
			counts[i] = 2
		}
		if counts[i] < 1 {
			counts[i] = 1
		}
		if counts[i] == 1 && shape[i] >= 8 {
			counts[i] = 2
		}
		if counts[i] > shape[i] {
			counts[i] = shape[i]
		}
	}
	var cells []cell
	for iz := 0; iz < counts[0]; iz++ {
		for iy := 0; iy < counts[1]; iy++ {
			for ix := 0; ix < counts[2]; ix++ {
				idx := [3]int{iz, iy, ix}
				var c cell
				for i := 0; i < 3; i++ {
					lo := idx[i] * shape[i] / counts[i]
					hi := (idx[i] + 1) * shape[i] / counts[i]
					c.origin[i] = lo
					c.size[i] = hi - lo
				}
				cells = append(cells, c)
			}
		}
	}
	return cells, counts
}

func subGrid(g *volume.Grid, origin, size [3]int) *volume.Grid {
	out := volume.NewGrid(size, 1)
	out.Spacing = g.Spacing
	for z := 0; z < size[0]; z++ {
		for y := 0; y < size[1]; y++ {
			for x := 0; x < size[2]; x++ {
				out.Set(z, y, x, 0, g.At(origin[0]+z, origin[1]+y, origin[2]+x, 0))
			}
		}
	}
	return out
}

// EstimateDeformation runs the "deform" step on a fixed/moving pair,
// producing a control-point displacement field covering the pair's extent.
// Cells whose correlation quality falls below MinQuality contribute zero
// displacement and rely on smoothing from their neighbors.
func EstimateDeformation(fixed, moving *volume.Grid, spacing [3]float64, step Step) (*transform.Field, error) {
	if fixed.Shape != moving.Shape {
		return nil, fmt.Errorf("deform: shapes differ %v vs %v", fixed.Shape, moving.Shape)
	}
	cells, counts := cellGridCounts(fixed.Shape, step.ControlPointSpacing, spacing)

	control := volume.NewGrid(counts, 3)

	ci := 0
	for iz := 0; iz < counts[0]; iz++ {
		for iy := 0; iy < counts[1]; iy++ {
			for ix := 0; ix < counts[2]; ix++ {
				c := cells[ci]
				ci++
				fixCell := subGrid(fixed, c.origin, c.size)
				movCell := subGrid(moving, c.origin, c.size)
				corr, err := PhaseCorrelate(fixCell, movCell)
				if err != nil {
					return nil, err
				}
				if corr.Quality < step.MinQuality {
					continue
				}
				for comp := 0; comp < 3; comp++ {
					control.Set(iz, iy, ix, comp, float32(corr.Shift[comp]))
				}
			}
		}
	}

	if step.SmoothSigma > 0 {
		for comp := 0; comp < 3; comp++ {
			gaussianSmooth(control, comp, step.SmoothSigma)
		}
	}

	return transform.FieldFromGrid(control, fixed.Shape)
}

// gaussianSmooth applies a separable Gaussian along each axis of one
// component of a grid, sigma in control-point units.
func gaussianSmooth(g *volume.Grid, comp int, sigma float64) {
	radius := int(math.Ceil(3 * sigma))
	if radius < 1 {
		return
	}
	kernel := make([]float64, 2*radius+1)
	var ksum float64
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
		ksum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= ksum
	}

	for axis := 0; axis < 3; axis++ {
		if g.Shape[axis] == 1 {
			continue
		}
		src := make([]float32, len(g.Data))
		copy(src, g.Data)
		for z := 0; z < g.Shape[0]; z++ {
			for y := 0; y < g.Shape[1]; y++ {
				for x := 0; x < g.Shape[2]; x++ {
					var acc, wsum float64
					for k := -radius; k <= radius; k++ {
						idx := [3]int{z, y, x}
						idx[axis] += k
						if idx[axis] < 0 || idx[axis] >= g.Shape[axis] {
							continue
						}
						w := kernel[k+radius]
						acc += w * float64(src[g.Index(idx[0], idx[1], idx[2], comp)])
						wsum += w
					}
					if wsum > 0 {
						g.Set(z, y, x, comp, float32(acc/wsum))
					}
				}
			}
		}
	}
}
