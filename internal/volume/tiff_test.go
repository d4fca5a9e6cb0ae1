package volume

import (
	"path/filepath"
	"testing"
)

func TestTIFFStackRoundTrip(t *testing.T) {
	g := NewGrid([3]int{3, 5, 7}, 1)
	for i := range g.Data {
		g.Data[i] = float32((i * 37) % 60000)
	}

	path := filepath.Join(t.TempDir(), "stack.tif")
	if err := WriteTIFF(path, g); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadTIFF(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Shape != g.Shape {
		t.Fatalf("shape mismatch: got %v want %v", got.Shape, g.Shape)
	}
	for i := range g.Data {
		if got.Data[i] != g.Data[i] {
			t.Fatalf("sample %d: got %g want %g", i, got.Data[i], g.Data[i])
		}
	}
}

func TestTIFFSinglePage(t *testing.T) {
	g := NewGrid([3]int{1, 4, 4}, 1)
	g.Set(0, 2, 1, 0, 1234)

	path := filepath.Join(t.TempDir(), "page.tif")
	if err := WriteTIFF(path, g); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadTIFF(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Shape != [3]int{1, 4, 4} {
		t.Fatalf("unexpected shape %v", got.Shape)
	}
	if got.At(0, 2, 1, 0) != 1234 {
		t.Fatalf("expected 1234, got %g", got.At(0, 2, 1, 0))
	}
}

func TestTIFFRejectsGarbage(t *testing.T) {
	if _, err := decodeTIFFStack([]byte("not a tiff at all")); err == nil {
		t.Fatalf("expected error for non-tiff input")
	}
}

func TestTIFFValuesClampToUint16(t *testing.T) {
	g := NewGrid([3]int{1, 1, 2}, 1)
	g.Set(0, 0, 0, 0, -5)
	g.Set(0, 0, 1, 0, 1e9)

	path := filepath.Join(t.TempDir(), "clamp.tif")
	if err := WriteTIFF(path, g); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadTIFF(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.At(0, 0, 0, 0) != 0 || got.At(0, 0, 1, 0) != 65535 {
		t.Fatalf("expected clamped values, got %g %g", got.At(0, 0, 0, 0), got.At(0, 0, 1, 0))
	}
}
