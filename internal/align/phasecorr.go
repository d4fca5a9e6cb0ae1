// Package align implements the registration primitives behind both the
// single-pair linear alignment tuning and the per-block deformation step:
// FFT phase correlation for translation estimates, weighted least-squares
// affine fitting, and control-point displacement grids.
package align

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"volalign/internal/volume"
)

// Correlation is the result of a phase-correlation translation estimate.
// Shift is the displacement to add to fixed coordinates to land on the
// matching moving coordinate. Quality is the normalized correlation peak
// in [0, 1]; pure translations of identical content score near 1.
type Correlation struct {
	Shift   [3]float64
	Quality float64
}

// PhaseCorrelate estimates the translation between two equal-shape
// single-component grids in the frequency domain.
func PhaseCorrelate(fixed, moving *volume.Grid) (Correlation, error) {
	if fixed.Shape != moving.Shape {
		return Correlation{}, fmt.Errorf("phase correlation: shapes differ %v vs %v", fixed.Shape, moving.Shape)
	}
	if fixed.Components != 1 || moving.Components != 1 {
		return Correlation{}, fmt.Errorf("phase correlation: single-component grids required")
	}
	shape := fixed.Shape

	fa := toComplex(fixed.Data)
	fb := toComplex(moving.Data)
	fft3(fa, shape, false)
	fft3(fb, shape, false)

	// Normalized cross-power spectrum.
	for i := range fa {
		v := fa[i] * cmplx.Conj(fb[i])
		if m := cmplx.Abs(v); m > 1e-12 {
			v /= complex(m, 0)
		}
		fa[i] = v
	}
	fft3(fa, shape, true)

	best, bestIdx := math.Inf(-1), 0
	for i, v := range fa {
		if r := real(v); r > best {
			best, bestIdx = r, i
		}
	}

	peak := [3]int{
		bestIdx / (shape[1] * shape[2]),
		(bestIdx / shape[2]) % shape[1],
		bestIdx % shape[2],
	}
	var c Correlation
	for i := 0; i < 3; i++ {
		p := peak[i]
		if p > shape[i]/2 {
			p -= shape[i]
		}
		// Peak appears at the wrapped negative of the moving offset.
		c.Shift[i] = -float64(p)
	}
	// With a unit-magnitude spectrum and normalized inverse, a perfect
	// translation peaks at 1.
	if math.IsNaN(best) {
		best = 0
	}
	c.Quality = clamp01(best)
	return c, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func toComplex(data []float32) []complex128 {
	out := make([]complex128, len(data))
	for i, v := range data {
		out[i] = complex(float64(v), 0)
	}
	return out
}

// fft3 performs an in-place separable 3D FFT (inverse when inv is true,
// including 1/n normalization per axis).
func fft3(data []complex128, shape [3]int, inv bool) {
	strides := [3]int{shape[1] * shape[2], shape[2], 1}
	for axis := 0; axis < 3; axis++ {
		n := shape[axis]
		if n == 1 {
			continue
		}
		plan := fourier.NewCmplxFFT(n)
		line := make([]complex128, n)
		out := make([]complex128, n)

		// Iterate over every line along this axis.
		var o1, o2 int
		switch axis {
		case 0:
			o1, o2 = 1, 2
		case 1:
			o1, o2 = 0, 2
		default:
			o1, o2 = 0, 1
		}
		for a := 0; a < shape[o1]; a++ {
			for b := 0; b < shape[o2]; b++ {
				base := a*strides[o1] + b*strides[o2]
				for k := 0; k < n; k++ {
					line[k] = data[base+k*strides[axis]]
				}
				if inv {
					plan.Sequence(out, line)
					for k := 0; k < n; k++ {
						out[k] /= complex(float64(n), 0)
					}
				} else {
					plan.Coefficients(out, line)
				}
				for k := 0; k < n; k++ {
					data[base+k*strides[axis]] = out[k]
				}
			}
		}
	}
}
