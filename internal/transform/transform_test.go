package transform

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"volalign/internal/volume"
)

func TestParseAffine3x3Promotion(t *testing.T) {
	a, err := ParseAffine("1 0 0\n0 1 0\n0 0 1\n", "test")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !a.IsIdentity(1e-12) {
		t.Fatalf("3x3 identity should promote to homogeneous identity")
	}
}

func TestParseAffine4x4WithTranslation(t *testing.T) {
	text := "1 0 0 5\n0 1 0 -2\n0 0 1 0.5\n0 0 0 1\n"
	a, err := ParseAffine(text, "test")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	z, y, x := a.Apply(1, 1, 1)
	if z != 6 || y != -1 || x != 1.5 {
		t.Fatalf("unexpected mapping (%g, %g, %g)", z, y, x)
	}
}

func TestParseAffineRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"non-square":  "1 0\n0 1 0\n0 0 1\n",
		"wrong rows":  "1 0\n0 1\n",
		"not numbers": "1 0 0\n0 one 0\n0 0 1\n",
		"empty":       "",
		"singular":    "0 0 0\n0 0 0\n0 0 0\n",
	}
	for name, text := range cases {
		if _, err := ParseAffine(text, name); err == nil {
			t.Fatalf("%s: expected parse failure", name)
		}
	}
}

func TestLoadAffineMissingFile(t *testing.T) {
	if _, err := LoadAffine(filepath.Join(t.TempDir(), "nope.txt")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestAffineSaveLoadRoundTrip(t *testing.T) {
	a := Translation(1, 2, 3)
	a.M[1][2] = 0.25
	path := filepath.Join(t.TempDir(), "matrix.txt")
	if err := SaveAffine(path, a); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadAffine(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.Abs(got.M[i][j]-a.M[i][j]) > 1e-9 {
				t.Fatalf("matrix[%d][%d]: got %g want %g", i, j, got.M[i][j], a.M[i][j])
			}
		}
	}

	// Whitespace-delimited plain text, loadable by anything.
	raw, _ := os.ReadFile(path)
	if len(raw) == 0 || raw[0] == '{' {
		t.Fatalf("matrix file should be plain text")
	}
}

func TestComposeOrder(t *testing.T) {
	scale := Identity()
	scale.M[2][2] = 2 // double x
	shift := Translation(0, 0, 1)

	// Apply scale first, then shift: x -> 2x + 1.
	both := scale.Compose(shift)
	_, _, x := both.Apply(0, 0, 3)
	if x != 7 {
		t.Fatalf("expected 7, got %g", x)
	}

	// Opposite order: x -> 2(x + 1).
	other := shift.Compose(scale)
	_, _, x = other.Apply(0, 0, 3)
	if x != 8 {
		t.Fatalf("expected 8, got %g", x)
	}
}

func TestInverseRoundTrip(t *testing.T) {
	a := Translation(1, -2, 3)
	a.M[0][1] = 0.5
	inv, err := a.Inverse()
	if err != nil {
		t.Fatalf("inverse: %v", err)
	}
	id := a.Compose(inv)
	if !id.IsIdentity(1e-9) {
		t.Fatalf("a * a^-1 should be identity")
	}
}

func TestZeroFieldMatchesPlainAffine(t *testing.T) {
	moving := volume.NewGrid([3]int{6, 6, 6}, 1)
	for i := range moving.Data {
		moving.Data[i] = float32(i % 97)
	}
	affine := Translation(0, 1, 2)

	plain := Resample(moving, ChainFromList([]Affine{affine}, nil), moving.Shape, ResampleOptions{})
	zero := NewField(moving.Shape)
	withField := Resample(moving, ChainFromList([]Affine{affine}, zero), moving.Shape, ResampleOptions{})

	for i := range plain.Data {
		if plain.Data[i] != withField.Data[i] {
			t.Fatalf("sample %d: affine+zero-field %g differs from plain affine %g",
				i, withField.Data[i], plain.Data[i])
		}
	}
}

func TestResampleZeroFillOutsideBounds(t *testing.T) {
	moving := volume.NewGrid([3]int{2, 2, 2}, 1)
	for i := range moving.Data {
		moving.Data[i] = 100
	}
	// Shift far outside the source: everything reads the fill value.
	chain := ChainFromList([]Affine{Translation(10, 10, 10)}, nil)
	out := Resample(moving, chain, moving.Shape, ResampleOptions{})
	for i, v := range out.Data {
		if v != 0 {
			t.Fatalf("voxel %d: expected zero fill, got %g", i, v)
		}
	}

	// A custom fill value is honored.
	out = Resample(moving, chain, moving.Shape, ResampleOptions{Fill: 7})
	if out.Data[0] != 7 {
		t.Fatalf("expected fill 7, got %g", out.Data[0])
	}
}

func TestFieldTranslationShiftsContent(t *testing.T) {
	moving := volume.NewGrid([3]int{4, 4, 8}, 1)
	moving.Set(2, 2, 5, 0, 50)

	// Field that maps fixed x to moving x+2: content appears shifted left.
	field := NewField(moving.Shape)
	for z := 0; z < 4; z++ {
		for y := 0; y < 4; y++ {
			for x := 0; x < 8; x++ {
				field.Grid.Set(z, y, x, 2, 2)
			}
		}
	}
	out := Resample(moving, ChainFromList(nil, field), moving.Shape, ResampleOptions{})
	if out.At(2, 2, 3, 0) != 50 {
		t.Fatalf("expected marker at x=3 after +2 displacement, got %g", out.At(2, 2, 3, 0))
	}
}

func TestCoarseFieldInterpolates(t *testing.T) {
	imageShape := [3]int{5, 5, 5}
	g := volume.NewGrid([3]int{2, 2, 2}, 3) // control points at the corners
	for i := 0; i < len(g.Data); i += 3 {
		g.Data[i+2] = 4 // constant +4 in x
	}
	f, err := FieldFromGrid(g, imageShape)
	if err != nil {
		t.Fatalf("field: %v", err)
	}
	_, _, dx := f.Displacement(2, 2, 2)
	if math.Abs(dx-4) > 1e-6 {
		t.Fatalf("expected interpolated displacement 4, got %g", dx)
	}
}

func TestValidateSpacing(t *testing.T) {
	if err := ValidateSpacing([3]float64{0.15, 0.15, 0.15}); err != nil {
		t.Fatalf("valid spacing rejected: %v", err)
	}
	if err := ValidateSpacing([3]float64{0.15, 0, 0.15}); err == nil {
		t.Fatalf("zero spacing must be rejected")
	}
}
