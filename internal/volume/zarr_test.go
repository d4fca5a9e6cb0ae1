package volume

import (
	"path/filepath"
	"sync"
	"testing"
)

func testMeta(shape, chunks [3]int) Meta {
	return Meta{
		Shape:      shape,
		Chunks:     chunks,
		Dtype:      Uint16,
		Components: 1,
		Spacing:    [3]float64{1, 1, 1},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.zarr")
	store, err := Create(path, testMeta([3]int{8, 10, 12}, [3]int{4, 4, 4}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	g := NewGrid([3]int{8, 10, 12}, 1)
	for i := range g.Data {
		g.Data[i] = float32(i % 500)
	}
	if err := store.WriteRegion([3]int{0, 0, 0}, g); err != nil {
		t.Fatalf("write: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, err := reopened.ReadAll()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := range g.Data {
		if got.Data[i] != g.Data[i] {
			t.Fatalf("sample %d: got %g want %g", i, got.Data[i], g.Data[i])
		}
	}
}

func TestStorePartialRegionAcrossChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.zarr")
	store, err := Create(path, testMeta([3]int{9, 9, 9}, [3]int{4, 4, 4}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Write a region straddling chunk boundaries.
	g := NewGrid([3]int{5, 5, 5}, 1)
	for i := range g.Data {
		g.Data[i] = float32(i + 1)
	}
	origin := [3]int{2, 3, 2}
	if err := store.WriteRegion(origin, g); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := store.ReadRegion(origin, g.Shape)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := range g.Data {
		if got.Data[i] != g.Data[i] {
			t.Fatalf("sample %d: got %g want %g", i, got.Data[i], g.Data[i])
		}
	}

	// Unwritten chunks read back as zero.
	zero, err := store.ReadRegion([3]int{0, 0, 0}, [3]int{2, 2, 2})
	if err != nil {
		t.Fatalf("read zeros: %v", err)
	}
	for i, v := range zero.Data {
		if v != 0 {
			t.Fatalf("expected zero fill at %d, got %g", i, v)
		}
	}
}

func TestStoreRejectsOutOfBoundsRegion(t *testing.T) {
	store, err := Create(filepath.Join(t.TempDir(), "vol.zarr"), testMeta([3]int{4, 4, 4}, [3]int{4, 4, 4}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.ReadRegion([3]int{2, 0, 0}, [3]int{4, 2, 2}); err == nil {
		t.Fatalf("expected out-of-bounds read to fail")
	}
	if err := store.WriteRegion([3]int{0, 0, 0}, NewGrid([3]int{5, 4, 4}, 1)); err == nil {
		t.Fatalf("expected oversized write to fail")
	}
}

func TestStoreConcurrentDisjointChunkWrites(t *testing.T) {
	store, err := Create(filepath.Join(t.TempDir(), "vol.zarr"), testMeta([3]int{8, 8, 8}, [3]int{4, 4, 4}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Chunk-aligned writers never touch each other's files.
	var wg sync.WaitGroup
	for _, origin := range [][3]int{{0, 0, 0}, {4, 0, 0}, {0, 4, 0}, {0, 0, 4}, {4, 4, 4}} {
		wg.Add(1)
		go func(origin [3]int) {
			defer wg.Done()
			g := NewGrid([3]int{4, 4, 4}, 1)
			for i := range g.Data {
				g.Data[i] = float32(origin[0]*100 + origin[1]*10 + origin[2])
			}
			if err := store.WriteRegion(origin, g); err != nil {
				t.Errorf("write %v: %v", origin, err)
			}
		}(origin)
	}
	wg.Wait()

	got, err := store.ReadRegion([3]int{4, 4, 4}, [3]int{4, 4, 4})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Data[0] != 444 {
		t.Fatalf("expected 444, got %g", got.Data[0])
	}
}

func TestVectorFieldStore(t *testing.T) {
	meta := Meta{
		Shape:      [3]int{4, 4, 4},
		Chunks:     [3]int{2, 4, 4},
		Dtype:      Float32,
		Components: 3,
		Spacing:    [3]float64{1, 1, 1},
	}
	store, err := Create(filepath.Join(t.TempDir(), "field.zarr"), meta)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	g := NewGrid(meta.Shape, 3)
	g.Set(1, 2, 3, 0, -2.5)
	g.Set(1, 2, 3, 1, 0.25)
	g.Set(1, 2, 3, 2, 10)
	if err := store.WriteRegion([3]int{0, 0, 0}, g); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := store.ReadAll()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.At(1, 2, 3, 0) != -2.5 || got.At(1, 2, 3, 1) != 0.25 || got.At(1, 2, 3, 2) != 10 {
		t.Fatalf("vector sample mismatch: %g %g %g",
			got.At(1, 2, 3, 0), got.At(1, 2, 3, 1), got.At(1, 2, 3, 2))
	}
}

func TestMetaValidate(t *testing.T) {
	m := testMeta([3]int{4, 4, 4}, [3]int{2, 2, 2})
	if err := m.Validate(); err != nil {
		t.Fatalf("valid meta rejected: %v", err)
	}
	bad := m
	bad.Shape[1] = 0
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected zero shape to fail")
	}
	bad = m
	bad.Dtype = "int7"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected unknown dtype to fail")
	}
}
