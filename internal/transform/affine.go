// Package transform models the spatial transforms composed by the
// alignment pipeline: global affine matrices and dense deformation fields,
// plus the resampling that applies an ordered transform list to a volume.
package transform

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Affine is a homogeneous 4x4 transform over (z, y, x) voxel coordinates.
// Matrix files on disk are whitespace-delimited; 3x3 matrices are promoted
// to homogeneous form with zero translation.
type Affine struct {
	M [4][4]float64
}

// Identity returns the identity transform.
func Identity() Affine {
	var a Affine
	for i := 0; i < 4; i++ {
		a.M[i][i] = 1
	}
	return a
}

// Translation returns a pure translation by (dz, dy, dx).
func Translation(dz, dy, dx float64) Affine {
	a := Identity()
	a.M[0][3] = dz
	a.M[1][3] = dy
	a.M[2][3] = dx
	return a
}

// Apply maps a point through the transform.
func (a Affine) Apply(z, y, x float64) (float64, float64, float64) {
	in := [4]float64{z, y, x, 1}
	var out [3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			out[i] += a.M[i][j] * in[j]
		}
	}
	return out[0], out[1], out[2]
}

// Compose returns the transform equivalent to applying a first, then b.
func (a Affine) Compose(b Affine) Affine {
	var out Affine
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			for k := 0; k < 4; k++ {
				out.M[i][j] += b.M[i][k] * a.M[k][j]
			}
		}
	}
	return out
}

// Inverse returns the inverse transform. A singular matrix is an error:
// non-invertible initial transforms are a malformed input, caught before
// any block work is dispatched.
func (a Affine) Inverse() (Affine, error) {
	dense := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			dense.Set(i, j, a.M[i][j])
		}
	}
	var inv mat.Dense
	if err := inv.Inverse(dense); err != nil {
		return Affine{}, fmt.Errorf("affine is not invertible: %w", err)
	}
	var out Affine
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out.M[i][j] = inv.At(i, j)
		}
	}
	return out, nil
}

// IsIdentity reports whether the transform is the identity within eps.
func (a Affine) IsIdentity(eps float64) bool {
	id := Identity()
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.Abs(a.M[i][j]-id.M[i][j]) > eps {
				return false
			}
		}
	}
	return true
}

// LoadAffine parses a plain-text whitespace-delimited matrix file. Accepts
// 3x3 (promoted to homogeneous) or 4x4. Anything else fails fast.
func LoadAffine(path string) (Affine, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Affine{}, fmt.Errorf("load transform %s: %w", path, err)
	}
	return ParseAffine(string(raw), path)
}

// ParseAffine parses matrix text. name is used in error messages only.
func ParseAffine(text, name string) (Affine, error) {
	var rows [][]float64
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		row := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return Affine{}, fmt.Errorf("transform %s: bad value %q: %w", name, f, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}

	n := len(rows)
	if n != 3 && n != 4 {
		return Affine{}, fmt.Errorf("transform %s: %d rows, want 3x3 or 4x4", name, n)
	}
	for _, row := range rows {
		if len(row) != n {
			return Affine{}, fmt.Errorf("transform %s: matrix is not square (%d row values, %d rows)", name, len(row), n)
		}
	}

	a := Identity()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			a.M[i][j] = rows[i][j]
		}
	}
	if n == 3 {
		// Promote linear 3x3 to homogeneous 4x4.
		a.M[0][3], a.M[1][3], a.M[2][3] = 0, 0, 0
		a.M[3] = [4]float64{0, 0, 0, 1}
	}
	if _, err := a.Inverse(); err != nil {
		return Affine{}, fmt.Errorf("transform %s: %w", name, err)
	}
	return a, nil
}

// SaveAffine writes the 4x4 matrix as whitespace-delimited text.
func SaveAffine(path string, a Affine) error {
	var sb strings.Builder
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if j > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%.10g", a.M[i][j])
		}
		sb.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}
