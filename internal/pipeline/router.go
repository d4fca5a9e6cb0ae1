package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"volalign/internal/align"
	"volalign/internal/config"
	"volalign/internal/piecewise"
	"volalign/internal/preview"
	"volalign/internal/stitch"
	"volalign/internal/storage"
	"volalign/internal/transform"
	"volalign/internal/volume"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log   *slog.Logger
	store *storage.Store
	cfg   *config.Config

	deformFn  deformFunc
	stitchFn  stitchFunc
	previewFn previewFunc
}

type deformFunc func(ctx context.Context, fixPath, movePath string, initial []transform.Affine, outputDir, outputName string, opts piecewise.Options) (string, string, error)

type stitchFunc func(ctx context.Context, layoutPath, outputDir string, cfg config.Stitch, opts stitch.Options) (map[string]string, error)

type previewFunc func(inputPath, outputPath string, opts preview.Options) error

// NewProcessor exposes the job router for callers that execute jobs
// synchronously, such as the graph executor.
func NewProcessor(logger *slog.Logger, store *storage.Store, cfg *config.Config) Processor {
	return newRouter(logger, store, cfg)
}

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config) Processor {
	return &router{
		log:       logger,
		store:     store,
		cfg:       cfg,
		deformFn:  piecewise.Run,
		stitchFn:  stitch.Run,
		previewFn: preview.Export,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobDeform:
		return r.handleDeform(ctx, job)
	case JobApply:
		return r.handleApply(ctx, job)
	case JobTune:
		return r.handleTune(ctx, job)
	case JobStitch, JobBlend:
		return r.handleStitch(ctx, job)
	case JobResample:
		return r.handleResample(ctx, job)
	case JobConvert:
		return r.handleConvert(ctx, job)
	case JobDownsample:
		return r.handleDownsample(ctx, job)
	case JobStack:
		return r.handleStack(ctx, job)
	case JobReorient:
		return r.handleReorient(ctx, job)
	case JobPreview:
		return r.handlePreview(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// handleDeform drives the full round alignment: blended deformation field
// plus the warped moving round.
func (r *router) handleDeform(ctx context.Context, job Job) Result {
	fix := getString(job.Options, "fix")
	if fix == "" {
		fix = job.InputPath
	}
	move := getString(job.Options, "move")
	if move == "" {
		return Result{Job: job, Error: fmt.Errorf("deform: moving volume path required")}
	}
	name := getString(job.Options, "name")
	if name == "" {
		name = "round"
	}
	overlap := getFloat64(job.Options, "overlap")
	if overlap <= 0 {
		overlap = 0.3
	}
	workers := getInt(job.Options, "workers")
	if workers == 0 {
		workers = r.cfg.Cluster.Workers
	}

	// Initial transforms are validated before any block is dispatched.
	var initial []transform.Affine
	for _, p := range getStrings(job.Options, "init_transforms") {
		a, err := transform.LoadAffine(p)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		initial = append(initial, a)
	}

	opts := piecewise.Options{
		Blocksize: getInts3(job.Options, "blocksize", [3]int{512, 512, 512}),
		Overlap:   overlap,
		Step: align.Step{
			Name:                "deform",
			AlignmentSpacing:    r.cfg.Deform.AlignmentSpacing,
			SmoothSigma:         r.cfg.Deform.SmoothSigma,
			ControlPointSpacing: r.cfg.Deform.ControlPointSpacing,
			MinQuality:          0.05,
		},
		Workers:   workers,
		WorkerTTL: time.Duration(r.cfg.Cluster.WorkerTTL),
		Resume:    getBool(job.Options, "resume"),
		RunID:     job.ID,
		Logger:    r.log,
		Ledger:    r.store,
	}
	fieldPath, alignedPath, err := r.deformFn(ctx, fix, move, initial, job.Output, name, opts)
	meta := map[string]any{
		"output": alignedPath,
		"field":  fieldPath,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

// handleApply warps a volume through an affine list plus an optional
// stored deformation field.
func (r *router) handleApply(ctx context.Context, job Job) Result {
	movingStore, err := volume.Open(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	var initial []transform.Affine
	for _, p := range getStrings(job.Options, "affines") {
		a, err := transform.LoadAffine(p)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		initial = append(initial, a)
	}

	shape := movingStore.Meta.Shape
	spacing := movingStore.Meta.Spacing
	var field *transform.Field
	if fieldPath := getString(job.Options, "field"); fieldPath != "" {
		fieldStore, err := volume.Open(fieldPath)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		shape = fieldStore.Meta.Shape
		spacing = fieldStore.Meta.Spacing
		if field, err = transform.LoadField(fieldPath, shape); err != nil {
			return Result{Job: job, Error: err}
		}
	}

	opts := piecewise.Options{
		Blocksize: getInts3(job.Options, "blocksize", [3]int{512, 512, 512}),
		Workers:   r.cfg.Cluster.Workers,
		Logger:    r.log,
	}
	_, err = piecewise.ApplyTransform(ctx, movingStore, initial, field, job.Output, shape, spacing, opts)
	return Result{Job: job, Error: err, Meta: map[string]any{"output": job.Output}}
}

// handleTune computes a single global affine from a fixed/moving pair and
// persists it as a plain-text matrix.
func (r *router) handleTune(ctx context.Context, job Job) Result {
	fixStore, err := volume.Open(getString(job.Options, "fix"))
	if err != nil {
		return Result{Job: job, Error: err}
	}
	movStore, err := volume.Open(getString(job.Options, "move"))
	if err != nil {
		return Result{Job: job, Error: err}
	}
	fixGrid, err := fixStore.ReadAll()
	if err != nil {
		return Result{Job: job, Error: err}
	}
	movGrid, err := movStore.ReadAll()
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: err}
	}

	steps, _ := job.Options["steps"].([]align.Step)
	affine, err := align.LinearAlignmentTuning(fixGrid, movGrid, fixStore.Meta.Spacing, movStore.Meta.Spacing, steps)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if err := transform.SaveAffine(job.Output, affine); err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{Job: job, Error: nil, Meta: map[string]any{"output": job.Output}}
}

func (r *router) handleStitch(ctx context.Context, job Job) Result {
	cfg := r.cfg.Stitch
	if v := getFloat64(job.Options, "overlap"); v > 0 {
		cfg.OverlapFrac = v
	}
	outputs, err := r.stitchFn(ctx, job.InputPath, job.Output, cfg, stitch.Options{
		RunID:       job.ID,
		Logger:      r.log,
		Ledger:      r.store,
		Chunks:      getInts3(job.Options, "chunks", [3]int{128, 128, 128}),
		NominalOnly: job.Type == JobBlend,
	})
	meta := map[string]any{"output": job.Output}
	for channel, path := range outputs {
		meta["stitched_"+channel] = path
	}
	return Result{Job: job, Error: err, Meta: meta}
}

// handleResample rescales a volume onto a target voxel spacing.
func (r *router) handleResample(ctx context.Context, job Job) Result {
	store, err := volume.Open(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	target := getFloats3(job.Options, "spacing", store.Meta.Spacing)
	g, err := store.ReadAll()
	if err != nil {
		return Result{Job: job, Error: err}
	}
	out, err := volume.ResampleSpacing(g, store.Meta.Spacing, target)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	err = writeGrid(job.Output, out, store.Meta.Dtype, getInts3(job.Options, "chunks", store.Meta.Chunks), target)
	return Result{Job: job, Error: err, Meta: map[string]any{"output": job.Output}}
}

// handleConvert moves a volume between TIFF and chunked storage, picking
// the direction from the input extension.
func (r *router) handleConvert(ctx context.Context, job Job) Result {
	var err error
	if strings.HasSuffix(job.InputPath, ".zarr") {
		err = volume.ConvertZarrToTIFF(job.InputPath, job.Output)
	} else {
		err = volume.ConvertTIFFToZarr(job.InputPath, job.Output,
			getInts3(job.Options, "chunks", [3]int{128, 128, 128}),
			getFloats3(job.Options, "spacing", [3]float64{1, 1, 1}))
	}
	return Result{Job: job, Error: err, Meta: map[string]any{"output": job.Output}}
}

func (r *router) handleDownsample(ctx context.Context, job Job) Result {
	store, err := volume.Open(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	g, err := store.ReadAll()
	if err != nil {
		return Result{Job: job, Error: err}
	}
	factors := getInts3(job.Options, "factors", [3]int{2, 2, 2})
	out, err := volume.Downsample(g, factors, getInt(job.Options, "order"))
	if err != nil {
		return Result{Job: job, Error: err}
	}
	err = writeGrid(job.Output, out, store.Meta.Dtype, getInts3(job.Options, "chunks", out.Shape), out.Spacing)
	return Result{Job: job, Error: err, Meta: map[string]any{"output": job.Output, "shape": out.Shape}}
}

// handleStack interleaves two single-channel volumes into one two-channel
// volume.
func (r *router) handleStack(ctx context.Context, job Job) Result {
	first, err := readVolume(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	second, err := readVolume(getString(job.Options, "second"))
	if err != nil {
		return Result{Job: job, Error: err}
	}
	out, err := volume.StackChannels(first, second)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	err = writeGrid(job.Output, out, volume.Uint16, getInts3(job.Options, "chunks", out.Shape), first.Spacing)
	return Result{Job: job, Error: err, Meta: map[string]any{"output": job.Output}}
}

func (r *router) handleReorient(ctx context.Context, job Job) Result {
	store, err := volume.Open(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	g, err := store.ReadAll()
	if err != nil {
		return Result{Job: job, Error: err}
	}
	out, err := volume.Reorient(g, getInt(job.Options, "rotation"), getBool(job.Options, "flip_z"))
	if err != nil {
		return Result{Job: job, Error: err}
	}
	err = writeGrid(job.Output, out, store.Meta.Dtype, getInts3(job.Options, "chunks", out.Shape), store.Meta.Spacing)
	return Result{Job: job, Error: err, Meta: map[string]any{"output": job.Output}}
}

func (r *router) handlePreview(ctx context.Context, job Job) Result {
	err := r.previewFn(job.InputPath, job.Output, preview.Options{
		Axis:  getInt(job.Options, "axis"),
		Width: getInt(job.Options, "width"),
	})
	return Result{Job: job, Error: err, Meta: map[string]any{"output": job.Output}}
}

// readVolume loads a full volume from either storage format.
func readVolume(path string) (*volume.Grid, error) {
	if strings.HasSuffix(path, ".zarr") {
		store, err := volume.Open(path)
		if err != nil {
			return nil, err
		}
		return store.ReadAll()
	}
	return volume.ReadTIFF(path)
}

func writeGrid(path string, g *volume.Grid, dtype volume.Dtype, chunks [3]int, spacing [3]float64) error {
	for i := 0; i < 3; i++ {
		if chunks[i] < 1 || chunks[i] > g.Shape[i] {
			chunks[i] = g.Shape[i]
		}
	}
	store, err := volume.Create(path, volume.Meta{
		Shape:      g.Shape,
		Chunks:     chunks,
		Dtype:      dtype,
		Components: g.Components,
		Spacing:    spacing,
	})
	if err != nil {
		return err
	}
	return store.WriteRegion([3]int{0, 0, 0}, g)
}

// Helpers to safely extract typed options from job.Options.
func getString(options map[string]any, key string) string {
	if v, ok := options[key].(string); ok {
		return v
	}
	return ""
}

func getBool(options map[string]any, key string) bool {
	if v, ok := options[key].(bool); ok {
		return v
	}
	return false
}

func getInt(options map[string]any, key string) int {
	switch v := options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func getFloat64(options map[string]any, key string) float64 {
	switch v := options[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func getStrings(options map[string]any, key string) []string {
	switch v := options[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func getInts3(options map[string]any, key string, def [3]int) [3]int {
	switch v := options[key].(type) {
	case [3]int:
		return v
	case []int:
		if len(v) == 3 {
			return [3]int{v[0], v[1], v[2]}
		}
	case []any:
		if len(v) == 3 {
			var out [3]int
			for i, e := range v {
				out[i] = toInt(e)
			}
			return out
		}
	}
	return def
}

func getFloats3(options map[string]any, key string, def [3]float64) [3]float64 {
	switch v := options[key].(type) {
	case [3]float64:
		return v
	case []float64:
		if len(v) == 3 {
			return [3]float64{v[0], v[1], v[2]}
		}
	case []any:
		if len(v) == 3 {
			var out [3]float64
			for i, e := range v {
				out[i] = toFloat(e)
			}
			return out
		}
	}
	return def
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}
