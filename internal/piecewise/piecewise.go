// Package piecewise runs the distributed deformable alignment: the fixed
// volume is partitioned into overlapping blocks, a worker pool registers
// each block independently, and a reducer feather-blends overlapping block
// fields into one seamless deformation field. Blending a block's core
// waits until the block and all of its neighbors have finished, which is
// the only synchronization point in the run.
package piecewise

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"volalign/internal/align"
	"volalign/internal/block"
	"volalign/internal/logging"
	"volalign/internal/storage"
	"volalign/internal/transform"
	"volalign/internal/volume"
)

// Options configure a distributed alignment run.
type Options struct {
	Blocksize [3]int
	Overlap   float64 // margin fraction of the block size, [0, 1)
	Step      align.Step
	Workers   int
	WorkerTTL time.Duration // per-block deadline, zero disables
	Resume    bool
	RunID     string
	Logger    *slog.Logger
	Ledger    *storage.Store
}

func (o *Options) normalize() {
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Step.Name == "" {
		o.Step = align.DefaultDeformStep()
	}
	if o.RunID == "" {
		o.RunID = uuid.NewString()
	}
}

// Fingerprint identifies a run by its inputs and parameters. Block
// completions are keyed by it, so a resumed run only matches a ledger
// written with identical inputs.
func Fingerprint(fixPath, movePath string, shape [3]int, initial []transform.Affine, opts Options) string {
	h := sha256.New()
	fmt.Fprintf(h, "fix=%s|move=%s|shape=%v|block=%v|overlap=%g|",
		fixPath, movePath, shape, opts.Blocksize, opts.Overlap)
	fmt.Fprintf(h, "step=%s/%g/%g/%g/%g|", opts.Step.Name, opts.Step.AlignmentSpacing,
		opts.Step.SmoothSigma, opts.Step.ControlPointSpacing, opts.Step.MinQuality)
	for _, a := range initial {
		fmt.Fprintf(h, "%v|", a.M)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Run executes the full round alignment: estimate a blended deformation
// field between fixed and moving, then warp the moving round through the
// initial affines plus the field. It returns the paths of the field store
// and the aligned volume.
func Run(ctx context.Context, fixPath, movePath string, initial []transform.Affine, outputDir, outputName string, opts Options) (string, string, error) {
	opts.normalize()
	start := time.Now()

	fixed, err := volume.Open(fixPath)
	if err != nil {
		return "", "", err
	}
	moving, err := volume.Open(movePath)
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", "", err
	}
	fieldPath := filepath.Join(outputDir, outputName+"_deformation_field.zarr")
	alignedPath := filepath.Join(outputDir, outputName+"_aligned_round.zarr")

	fp := Fingerprint(fixPath, movePath, fixed.Meta.Shape, initial, opts)
	if opts.Ledger != nil {
		params, _ := json.Marshal(map[string]any{
			"blocksize": opts.Blocksize,
			"overlap":   opts.Overlap,
			"step":      opts.Step,
		})
		if err := opts.Ledger.RecordRunQueued(storage.RunRecord{
			ID: opts.RunID, Kind: "align", Status: "queued", Fingerprint: fp,
			FixPath: fixPath, MovePath: movePath, OutputPath: outputDir,
			ParamsJSON: string(params),
		}); err != nil {
			opts.Logger.Warn("run ledger insert failed", "error", err)
		}
		if err := opts.Ledger.RecordRunStart(opts.RunID); err != nil {
			opts.Logger.Warn("run ledger update failed", "error", err)
		}
	}
	logging.LogRunStart(opts.Logger, "align", opts.RunID, fixPath, movePath, outputDir)

	fail := func(err error) (string, string, error) {
		logging.LogRunError(opts.Logger, "align", opts.RunID, time.Since(start), err)
		if opts.Ledger != nil {
			opts.Ledger.RecordRunResult(opts.RunID, "failed", nil, err.Error())
		}
		return "", "", err
	}

	if _, err := AlignmentRun(ctx, fixed, moving, initial, fieldPath, opts); err != nil {
		return fail(err)
	}
	field, err := transform.LoadField(fieldPath, fixed.Meta.Shape)
	if err != nil {
		return fail(err)
	}
	if _, err := ApplyTransform(ctx, moving, initial, field, alignedPath, fixed.Meta.Shape, fixed.Meta.Spacing, opts); err != nil {
		return fail(err)
	}

	meta := map[string]any{"field": fieldPath, "aligned": alignedPath}
	logging.LogRunComplete(opts.Logger, "align", opts.RunID, time.Since(start), meta)
	if opts.Ledger != nil {
		if err := opts.Ledger.RecordRunResult(opts.RunID, "completed", meta, ""); err != nil {
			opts.Logger.Warn("run ledger update failed", "error", err)
		}
	}
	return fieldPath, alignedPath, nil
}

// AlignmentRun estimates the blended deformation field mapping fixed-grid
// coordinates into the affine-warped moving frame, writing it block core by
// block core into a chunked store at fieldPath. Any block failure fails the
// whole run; completed cores are recorded in the ledger so an identical
// rerun with Resume picks up where it stopped.
func AlignmentRun(ctx context.Context, fixed, moving *volume.Store, initial []transform.Affine, fieldPath string, opts Options) (*volume.Store, error) {
	opts.normalize()
	part, err := block.New(fixed.Meta.Shape, opts.Blocksize, opts.Overlap)
	if err != nil {
		return nil, err
	}
	fp := Fingerprint(fixed.Path, moving.Path, fixed.Meta.Shape, initial, opts)

	fieldMeta := volume.Meta{
		Shape:      fixed.Meta.Shape,
		Chunks:     chunksFor(opts.Blocksize, fixed.Meta.Shape),
		Dtype:      volume.Float32,
		Components: 3,
		Spacing:    fixed.Meta.Spacing,
	}

	var out *volume.Store
	done := map[int]bool{}
	if opts.Resume {
		if existing, err := volume.Open(fieldPath); err == nil && existing.Meta.Shape == fieldMeta.Shape {
			out = existing
			if opts.Ledger != nil {
				if d, err := opts.Ledger.CompletedBlocks(fp); err == nil {
					done = d
				}
			}
		}
	}
	if out == nil {
		if err := os.RemoveAll(fieldPath); err != nil {
			return nil, err
		}
		out, err = volume.Create(fieldPath, fieldMeta)
		if err != nil {
			return nil, err
		}
		if opts.Ledger != nil {
			if err := opts.Ledger.ClearBlocks(fp); err != nil {
				return nil, err
			}
		}
	}

	var pending []int
	for i := range part.Blocks {
		if !done[i] {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		opts.Logger.Info("all blocks already complete", "run", opts.RunID, "blocks", len(part.Blocks))
		return out, nil
	}
	opts.Logger.Info("block partition ready",
		"run", opts.RunID,
		"grid", fmt.Sprintf("%dx%dx%d", part.GridDims[0], part.GridDims[1], part.GridDims[2]),
		"pending", len(pending),
		"total", len(part.Blocks),
	)

	// Blending a pending core needs the fields of the block and every
	// neighbor, so a resumed run recomputes completed neighbors of pending
	// blocks without rewriting their cores.
	compute := map[int]bool{}
	for _, p := range pending {
		compute[p] = true
		for _, n := range part.Neighbors(p) {
			compute[n] = true
		}
	}

	// Dependency bookkeeping for the reducer: deps counts contributors a
	// pending block still waits for, waiters inverts that, refs counts
	// pending blocks still needing a computed field so it can be freed.
	deps := map[int]int{}
	waiters := map[int][]int{}
	refs := map[int]int{}
	for _, p := range pending {
		contributors := contributorsOf(part, p)
		deps[p] = len(contributors)
		for _, c := range contributors {
			waiters[c] = append(waiters[c], p)
			refs[c]++
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chain := transform.ChainFromList(initial, nil)
	type result struct {
		index int
		field *transform.Field
		err   error
	}
	tasks := make(chan int)
	results := make(chan result)

	var wg sync.WaitGroup
	for w := 0; w < opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range tasks {
				taskCtx := runCtx
				var cancelTask context.CancelFunc
				if opts.WorkerTTL > 0 {
					taskCtx, cancelTask = context.WithTimeout(runCtx, opts.WorkerTTL)
				}
				f, err := computeBlockField(taskCtx, fixed, moving, part.Blocks[idx], chain, opts.Step)
				if cancelTask != nil {
					cancelTask()
				}
				select {
				case results <- result{idx, f, err}:
				case <-runCtx.Done():
					return
				}
			}
		}()
	}
	go func() {
		defer close(tasks)
		for idx := range part.Blocks {
			if !compute[idx] {
				continue
			}
			select {
			case tasks <- idx:
			case <-runCtx.Done():
				return
			}
		}
	}()

	fields := make(map[int]*transform.Field, len(compute))
	remaining := len(compute)
	var firstErr error
reduce:
	for remaining > 0 {
		var res result
		select {
		case res = <-results:
		case <-runCtx.Done():
			firstErr = runCtx.Err()
			break reduce
		}
		remaining--
		if res.err != nil {
			firstErr = fmt.Errorf("block %d: %w", res.index, res.err)
			break reduce
		}
		fields[res.index] = res.field

		for _, p := range waiters[res.index] {
			deps[p]--
			if deps[p] > 0 {
				continue
			}
			if err := blendBlock(part, p, fields, out, fixed.Meta.Shape); err != nil {
				firstErr = fmt.Errorf("blend block %d: %w", p, err)
				break reduce
			}
			if opts.Ledger != nil {
				if err := opts.Ledger.RecordBlockDone(fp, p, part.Blocks[p].CoreOrigin); err != nil {
					opts.Logger.Warn("block ledger write failed", "block", p, "error", err)
				}
			}
			logging.LogBlockDone(opts.Logger, opts.RunID, p, len(part.Blocks), 0)
			for _, c := range contributorsOf(part, p) {
				refs[c]--
				if refs[c] == 0 {
					delete(fields, c)
				}
			}
		}
	}
	cancel()
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func contributorsOf(part *block.Partition, index int) []int {
	return append([]int{index}, part.Neighbors(index)...)
}

// computeBlockField registers one block: read the fixed window, read and
// warp the matching moving window through the initial affines, then
// estimate the per-block displacement grid.
func computeBlockField(ctx context.Context, fixed, moving *volume.Store, b block.Block, chain transform.Chain, step align.Step) (*transform.Field, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fixGrid, err := fixed.ReadRegion(b.ReadOrigin, b.ReadSize)
	if err != nil {
		return nil, err
	}
	mo, ms := movingWindow(chain, b.ReadOrigin, b.ReadSize, moving.Meta.Shape)
	movGrid, err := moving.ReadRegion(mo, ms)
	if err != nil {
		return nil, err
	}
	warped := transform.ResampleRegion(movGrid, mo, chain, b.ReadOrigin, b.ReadSize, transform.ResampleOptions{})
	warped.Spacing = fixGrid.Spacing
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Registration may run on a coarser grid than storage resolution.
	factors := alignmentFactors(fixGrid.Spacing, step.AlignmentSpacing)
	estFix, estMov := fixGrid, warped
	if factors != [3]int{1, 1, 1} {
		if estFix, err = volume.Downsample(fixGrid, factors, 1); err != nil {
			return nil, err
		}
		if estMov, err = volume.Downsample(warped, factors, 1); err != nil {
			return nil, err
		}
	}
	field, err := align.EstimateDeformation(estFix, estMov, estFix.Spacing, step)
	if err != nil {
		return nil, err
	}
	if factors != [3]int{1, 1, 1} {
		// Shifts were measured in coarse voxels; express them at full
		// resolution and re-anchor the control grid on the full window.
		for i := 0; i < len(field.Grid.Data); i += 3 {
			field.Grid.Data[i] *= float32(factors[0])
			field.Grid.Data[i+1] *= float32(factors[1])
			field.Grid.Data[i+2] *= float32(factors[2])
		}
		if field, err = transform.FieldFromGrid(field.Grid, b.ReadSize); err != nil {
			return nil, err
		}
	}
	return field, nil
}

// alignmentFactors derives per-axis integer downsampling from the desired
// registration spacing, 1 wherever storage resolution is already coarser.
func alignmentFactors(spacing [3]float64, alignmentSpacing float64) [3]int {
	f := [3]int{1, 1, 1}
	if alignmentSpacing <= 0 {
		return f
	}
	for i := 0; i < 3; i++ {
		if spacing[i] > 0 && alignmentSpacing > spacing[i] {
			f[i] = int(math.Round(alignmentSpacing / spacing[i]))
			if f[i] < 1 {
				f[i] = 1
			}
		}
	}
	return f
}

// blendBlock writes the feather-blended displacement of one block core.
// Each voxel averages the fields of every block whose read window covers
// it, weighted by that block's feather; dividing by the accumulated weight
// renormalizes edge and corner cores whose neighbors are missing.
func blendBlock(part *block.Partition, index int, fields map[int]*transform.Field, out *volume.Store, shape [3]int) error {
	b := &part.Blocks[index]
	contributors := contributorsOf(part, index)
	core := volume.NewGrid(b.CoreSize, 3)
	core.Spacing = out.Meta.Spacing

	for z := 0; z < b.CoreSize[0]; z++ {
		gz := b.CoreOrigin[0] + z
		for y := 0; y < b.CoreSize[1]; y++ {
			gy := b.CoreOrigin[1] + y
			for x := 0; x < b.CoreSize[2]; x++ {
				gx := b.CoreOrigin[2] + x
				var acc [3]float64
				var wsum float64
				for _, ci := range contributors {
					cb := &part.Blocks[ci]
					if !inReadWindow(cb, gz, gy, gx) {
						continue
					}
					f := fields[ci]
					if f == nil {
						return fmt.Errorf("missing field for block %d", ci)
					}
					w := cb.Weight(shape, gz, gy, gx)
					if w <= 0 {
						continue
					}
					dz, dy, dx := f.Displacement(
						float64(gz-cb.ReadOrigin[0]),
						float64(gy-cb.ReadOrigin[1]),
						float64(gx-cb.ReadOrigin[2]),
					)
					acc[0] += w * dz
					acc[1] += w * dy
					acc[2] += w * dx
					wsum += w
				}
				if wsum > 0 {
					core.Set(z, y, x, 0, float32(acc[0]/wsum))
					core.Set(z, y, x, 1, float32(acc[1]/wsum))
					core.Set(z, y, x, 2, float32(acc[2]/wsum))
				}
			}
		}
	}
	return out.WriteRegion(b.CoreOrigin, core)
}

func inReadWindow(b *block.Block, z, y, x int) bool {
	pos := [3]int{z, y, x}
	for i := 0; i < 3; i++ {
		if pos[i] < b.ReadOrigin[i] || pos[i] >= b.ReadOrigin[i]+b.ReadSize[i] {
			return false
		}
	}
	return true
}

// ApplyTransform resamples the moving volume into the fixed geometry
// through the affine list and optional deformation field, block by block.
// Rerunning over an existing output is safe: every voxel is recomputed
// from the same inputs.
func ApplyTransform(ctx context.Context, moving *volume.Store, affines []transform.Affine, field *transform.Field, outPath string, fixedShape [3]int, spacing [3]float64, opts Options) (*volume.Store, error) {
	opts.normalize()
	// Pure resampling needs no overlap: output cores tile the volume and
	// align with the chunk grid, so workers never touch the same chunk.
	part, err := block.New(fixedShape, opts.Blocksize, 0)
	if err != nil {
		return nil, err
	}
	out, err := volume.Create(outPath, volume.Meta{
		Shape:      fixedShape,
		Chunks:     chunksFor(opts.Blocksize, fixedShape),
		Dtype:      moving.Meta.Dtype,
		Components: moving.Meta.Components,
		Spacing:    spacing,
	})
	if err != nil {
		return nil, err
	}
	chain := transform.ChainFromList(affines, field)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := make(chan int)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}
	for w := 0; w < opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range tasks {
				if runCtx.Err() != nil {
					return
				}
				b := &part.Blocks[idx]
				mo, ms := movingWindow(chain, b.CoreOrigin, b.CoreSize, moving.Meta.Shape)
				mg, err := moving.ReadRegion(mo, ms)
				if err != nil {
					fail(fmt.Errorf("block %d: %w", idx, err))
					return
				}
				g := transform.ResampleRegion(mg, mo, chain, b.CoreOrigin, b.CoreSize, transform.ResampleOptions{})
				if err := out.WriteRegion(b.CoreOrigin, g); err != nil {
					fail(fmt.Errorf("block %d: %w", idx, err))
					return
				}
			}
		}()
	}
feed:
	for i := range part.Blocks {
		select {
		case tasks <- i:
		case <-runCtx.Done():
			break feed
		}
	}
	close(tasks)
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// movingWindow bounds the moving-volume region a mapped output region can
// touch by sampling the chain on a coarse lattice over the region, padded
// for interpolation support and clipped to the moving volume.
func movingWindow(chain transform.Chain, origin, size, movingShape [3]int) ([3]int, [3]int) {
	lo := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}

	axisPts := func(n int) []int {
		step := n / 8
		if step < 1 {
			step = 1
		}
		var pts []int
		for v := 0; v < n; v += step {
			pts = append(pts, v)
		}
		if pts[len(pts)-1] != n-1 {
			pts = append(pts, n-1)
		}
		return pts
	}
	for _, z := range axisPts(size[0]) {
		for _, y := range axisPts(size[1]) {
			for _, x := range axisPts(size[2]) {
				mz, my, mx := chain.Map(float64(origin[0]+z), float64(origin[1]+y), float64(origin[2]+x))
				m := [3]float64{mz, my, mx}
				for i := 0; i < 3; i++ {
					lo[i] = math.Min(lo[i], m[i])
					hi[i] = math.Max(hi[i], m[i])
				}
			}
		}
	}

	const pad = 2
	var mo, ms [3]int
	for i := 0; i < 3; i++ {
		a := int(math.Floor(lo[i])) - pad
		bnd := int(math.Ceil(hi[i])) + pad + 1
		if a < 0 {
			a = 0
		}
		if bnd > movingShape[i] {
			bnd = movingShape[i]
		}
		if bnd <= a {
			// Region maps entirely outside the moving volume: read one
			// voxel, the resample falls back to the fill value.
			if a > movingShape[i]-1 {
				a = movingShape[i] - 1
			}
			if a < 0 {
				a = 0
			}
			bnd = a + 1
		}
		mo[i], ms[i] = a, bnd-a
	}
	return mo, ms
}

func chunksFor(blocksize, shape [3]int) [3]int {
	var c [3]int
	for i := 0; i < 3; i++ {
		c[i] = blocksize[i]
		if c[i] > shape[i] {
			c[i] = shape[i]
		}
		if c[i] < 1 {
			c[i] = 1
		}
	}
	return c
}
