package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"volalign/internal/config"
	"volalign/internal/piecewise"
	"volalign/internal/preview"
	"volalign/internal/stitch"
	"volalign/internal/transform"
	"volalign/internal/volume"
)

func testRouter(deform deformFunc, st stitchFunc, pv previewFunc) *router {
	return &router{
		log:       slog.Default(),
		cfg:       config.Default(),
		deformFn:  deform,
		stitchFn:  st,
		previewFn: pv,
	}
}

func writeTestStore(t *testing.T, path string, shape [3]int, fill float32) *volume.Store {
	t.Helper()
	store, err := volume.Create(path, volume.Meta{
		Shape: shape, Chunks: shape, Dtype: volume.Float32,
		Components: 1, Spacing: [3]float64{1, 1, 1},
	})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	g := volume.NewGrid(shape, 1)
	for i := range g.Data {
		g.Data[i] = fill + float32(i%13)
	}
	if err := store.WriteRegion([3]int{0, 0, 0}, g); err != nil {
		t.Fatalf("write store: %v", err)
	}
	return store
}

func TestRouterDeformPassesOptions(t *testing.T) {
	dir := t.TempDir()
	matrixPath := filepath.Join(dir, "init.txt")
	if err := transform.SaveAffine(matrixPath, transform.Translation(0, 0, 5)); err != nil {
		t.Fatalf("save affine: %v", err)
	}

	var gotFix, gotMove, gotName string
	var gotInitial []transform.Affine
	var gotOpts piecewise.Options
	r := testRouter(func(ctx context.Context, fix, move string, initial []transform.Affine, outDir, name string, opts piecewise.Options) (string, string, error) {
		gotFix, gotMove, gotName = fix, move, name
		gotInitial = initial
		gotOpts = opts
		return filepath.Join(outDir, name+"_deformation_field.zarr"),
			filepath.Join(outDir, name+"_aligned_round.zarr"), nil
	}, nil, nil)

	job := Job{
		ID:     "deform-1",
		Type:   JobDeform,
		Output: dir,
		Options: map[string]any{
			"fix":             "/data/fix.zarr",
			"move":            "/data/move.zarr",
			"name":            "round2",
			"blocksize":       []int{64, 64, 64},
			"overlap":         0.2,
			"init_transforms": []string{matrixPath},
			"resume":          true,
			"workers":         3,
		},
	}
	res := r.handleDeform(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("deform: %v", res.Error)
	}
	if gotFix != "/data/fix.zarr" || gotMove != "/data/move.zarr" || gotName != "round2" {
		t.Fatalf("paths not forwarded: %s %s %s", gotFix, gotMove, gotName)
	}
	if gotOpts.Blocksize != [3]int{64, 64, 64} || gotOpts.Overlap != 0.2 {
		t.Fatalf("partition options not forwarded: %+v", gotOpts)
	}
	if !gotOpts.Resume || gotOpts.Workers != 3 || gotOpts.RunID != "deform-1" {
		t.Fatalf("run options not forwarded: %+v", gotOpts)
	}
	if len(gotInitial) != 1 {
		t.Fatalf("expected 1 initial transform, got %d", len(gotInitial))
	}
	if _, _, x := gotInitial[0].Apply(0, 0, 0); x != 5 {
		t.Fatalf("initial transform not loaded, x=%g", x)
	}
	if res.Meta["field"] == "" || res.Meta["output"] == "" {
		t.Fatalf("missing result meta: %v", res.Meta)
	}
}

func TestRouterDeformFailsFastOnBadMatrix(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.txt")
	if err := os.WriteFile(bad, []byte("1 0\n0 1 0\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	called := false
	r := testRouter(func(ctx context.Context, fix, move string, initial []transform.Affine, outDir, name string, opts piecewise.Options) (string, string, error) {
		called = true
		return "", "", nil
	}, nil, nil)

	res := r.handleDeform(context.Background(), Job{
		ID: "deform-bad", Type: JobDeform, Output: dir,
		Options: map[string]any{
			"move":            "/data/move.zarr",
			"init_transforms": []string{bad},
		},
	})
	if res.Error == nil {
		t.Fatalf("expected matrix parse failure")
	}
	if called {
		t.Fatalf("malformed matrix must fail before dispatch")
	}
}

func TestRouterStitchAndBlendRouting(t *testing.T) {
	var gotNominal []bool
	r := testRouter(nil, func(ctx context.Context, layout, outDir string, cfg config.Stitch, opts stitch.Options) (map[string]string, error) {
		gotNominal = append(gotNominal, opts.NominalOnly)
		return map[string]string{"ch0": filepath.Join(outDir, "stitched_ch0.zarr")}, nil
	}, nil)

	for _, typ := range []JobType{JobStitch, JobBlend} {
		res := r.Process(context.Background(), Job{
			ID: "s-1", Type: typ, InputPath: "/layout.xml", Output: t.TempDir(),
		})
		if res.Error != nil {
			t.Fatalf("%s: %v", typ, res.Error)
		}
		if res.Meta["stitched_ch0"] == "" {
			t.Fatalf("%s: missing channel output meta", typ)
		}
	}
	if len(gotNominal) != 2 || gotNominal[0] != false || gotNominal[1] != true {
		t.Fatalf("blend should skip refinement, stitch should not: %v", gotNominal)
	}
}

func TestRouterConvertBothDirections(t *testing.T) {
	dir := t.TempDir()
	zarrPath := filepath.Join(dir, "vol.zarr")
	writeTestStore(t, zarrPath, [3]int{2, 4, 4}, 100)
	r := testRouter(nil, nil, nil)

	tiffPath := filepath.Join(dir, "vol.tiff")
	res := r.handleConvert(context.Background(), Job{
		ID: "c-1", Type: JobConvert, InputPath: zarrPath, Output: tiffPath,
	})
	if res.Error != nil {
		t.Fatalf("zarr->tiff: %v", res.Error)
	}
	g, err := volume.ReadTIFF(tiffPath)
	if err != nil {
		t.Fatalf("read tiff: %v", err)
	}
	if g.Shape != [3]int{2, 4, 4} {
		t.Fatalf("tiff shape %v", g.Shape)
	}

	backPath := filepath.Join(dir, "back.zarr")
	res = r.handleConvert(context.Background(), Job{
		ID: "c-2", Type: JobConvert, InputPath: tiffPath, Output: backPath,
		Options: map[string]any{"spacing": []float64{1, 1, 1}},
	})
	if res.Error != nil {
		t.Fatalf("tiff->zarr: %v", res.Error)
	}
	store, err := volume.Open(backPath)
	if err != nil {
		t.Fatalf("open converted: %v", err)
	}
	if store.Meta.Shape != [3]int{2, 4, 4} {
		t.Fatalf("converted shape %v", store.Meta.Shape)
	}
}

func TestRouterDownsample(t *testing.T) {
	dir := t.TempDir()
	writeTestStore(t, filepath.Join(dir, "in.zarr"), [3]int{4, 4, 4}, 10)
	r := testRouter(nil, nil, nil)

	res := r.handleDownsample(context.Background(), Job{
		ID: "d-1", Type: JobDownsample,
		InputPath: filepath.Join(dir, "in.zarr"),
		Output:    filepath.Join(dir, "out.zarr"),
		Options:   map[string]any{"factors": []int{2, 2, 2}, "order": 1},
	})
	if res.Error != nil {
		t.Fatalf("downsample: %v", res.Error)
	}
	store, err := volume.Open(filepath.Join(dir, "out.zarr"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if store.Meta.Shape != [3]int{2, 2, 2} {
		t.Fatalf("downsampled shape %v", store.Meta.Shape)
	}
}

func TestRouterStackChannels(t *testing.T) {
	dir := t.TempDir()
	writeTestStore(t, filepath.Join(dir, "a.zarr"), [3]int{2, 4, 4}, 10)
	writeTestStore(t, filepath.Join(dir, "b.zarr"), [3]int{2, 4, 4}, 500)
	r := testRouter(nil, nil, nil)

	res := r.handleStack(context.Background(), Job{
		ID: "st-1", Type: JobStack,
		InputPath: filepath.Join(dir, "a.zarr"),
		Output:    filepath.Join(dir, "stacked.zarr"),
		Options:   map[string]any{"second": filepath.Join(dir, "b.zarr")},
	})
	if res.Error != nil {
		t.Fatalf("stack: %v", res.Error)
	}
	store, err := volume.Open(filepath.Join(dir, "stacked.zarr"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if store.Meta.Components != 2 {
		t.Fatalf("expected 2 channels, got %d", store.Meta.Components)
	}
}

func TestRouterTuneWritesLoadableMatrix(t *testing.T) {
	dir := t.TempDir()
	writeTestStore(t, filepath.Join(dir, "fix.zarr"), [3]int{8, 8, 8}, 10)
	writeTestStore(t, filepath.Join(dir, "move.zarr"), [3]int{8, 8, 8}, 10)
	r := testRouter(nil, nil, nil)

	out := filepath.Join(dir, "affine.txt")
	res := r.handleTune(context.Background(), Job{
		ID: "t-1", Type: JobTune, Output: out,
		Options: map[string]any{
			"fix":  filepath.Join(dir, "fix.zarr"),
			"move": filepath.Join(dir, "move.zarr"),
		},
	})
	if res.Error != nil {
		t.Fatalf("tune: %v", res.Error)
	}
	a, err := transform.LoadAffine(out)
	if err != nil {
		t.Fatalf("saved matrix unreadable: %v", err)
	}
	if !a.IsIdentity(1e-3) {
		t.Fatalf("identical volumes should tune to identity, got %v", a.M)
	}
}

func TestRouterPreviewDelegates(t *testing.T) {
	var gotIn, gotOut string
	var gotOpts preview.Options
	r := testRouter(nil, nil, func(in, out string, opts preview.Options) error {
		gotIn, gotOut, gotOpts = in, out, opts
		return nil
	})

	res := r.handlePreview(context.Background(), Job{
		ID: "p-1", Type: JobPreview, InputPath: "/v.zarr", Output: "/v.png",
		Options: map[string]any{"axis": 1, "width": 800},
	})
	if res.Error != nil {
		t.Fatalf("preview: %v", res.Error)
	}
	if gotIn != "/v.zarr" || gotOut != "/v.png" || gotOpts.Axis != 1 || gotOpts.Width != 800 {
		t.Fatalf("preview options not forwarded: %s %s %+v", gotIn, gotOut, gotOpts)
	}
}

func TestRouterUnknownType(t *testing.T) {
	r := testRouter(nil, nil, nil)
	res := r.Process(context.Background(), Job{ID: "x", Type: JobType("mystery")})
	if res.Error == nil {
		t.Fatalf("expected unknown job type error")
	}
}
