// Package stitch assembles a mosaic of overlapping acquisition tiles into
// one volume per channel: parse the tile layout, refine the nominal
// offsets by pairwise phase correlation, solve a global least-squares
// placement, and feather-blend the tiles at the solved positions.
package stitch

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/mat"

	"volalign/internal/align"
	"volalign/internal/config"
	"volalign/internal/storage"
	"volalign/internal/volume"
)

// Layout is the tile layout document: voxel size plus one entry per tile
// with its store path, channel and nominal stage offset in physical units.
type Layout struct {
	XMLName   xml.Name  `xml:"TileLayout"`
	VoxelSize VoxelSize `xml:"VoxelSize"`
	Tiles     []Tile    `xml:"Tile"`
}

// VoxelSize is the physical extent of one voxel per axis.
type VoxelSize struct {
	Z float64 `xml:"z,attr"`
	Y float64 `xml:"y,attr"`
	X float64 `xml:"x,attr"`
}

// Tile references one acquisition tile.
type Tile struct {
	Name    string `xml:"name,attr"`
	Path    string `xml:"path,attr"`
	Channel string `xml:"channel,attr"`
	Offset  Offset `xml:"Offset"`
}

// Offset is a nominal stage position in physical units.
type Offset struct {
	Z float64 `xml:"z,attr"`
	Y float64 `xml:"y,attr"`
	X float64 `xml:"x,attr"`
}

// LoadLayout parses and validates a tile layout file. Tile paths are
// resolved relative to the layout file's directory.
func LoadLayout(path string) (*Layout, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load layout: %w", err)
	}
	var l Layout
	if err := xml.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("load layout %s: %w", path, err)
	}
	if l.VoxelSize.Z <= 0 || l.VoxelSize.Y <= 0 || l.VoxelSize.X <= 0 {
		return nil, fmt.Errorf("layout %s: voxel size must be strictly positive", path)
	}
	if len(l.Tiles) == 0 {
		return nil, fmt.Errorf("layout %s: no tiles", path)
	}
	seen := map[string]bool{}
	base := filepath.Dir(path)
	for i := range l.Tiles {
		t := &l.Tiles[i]
		if t.Name == "" {
			return nil, fmt.Errorf("layout %s: tile %d has no name", path, i)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("layout %s: duplicate tile name %q", path, t.Name)
		}
		seen[t.Name] = true
		if t.Path == "" {
			return nil, fmt.Errorf("layout %s: tile %q has no path", path, t.Name)
		}
		if !filepath.IsAbs(t.Path) {
			t.Path = filepath.Join(base, t.Path)
		}
	}
	return &l, nil
}

// OffsetVoxels converts a tile's nominal offset to voxel units.
func (l *Layout) OffsetVoxels(t *Tile) [3]float64 {
	return [3]float64{
		t.Offset.Z / l.VoxelSize.Z,
		t.Offset.Y / l.VoxelSize.Y,
		t.Offset.X / l.VoxelSize.X,
	}
}

// NormalizedPositions snaps the nominal stage offsets onto a regular grid:
// per axis, offsets within a quarter tile of each other collapse into one
// rank, and each rank is spaced by the tile extent times (1 - overlap).
func (l *Layout) NormalizedPositions(shape [3]int, overlapFrac float64) map[string][3]float64 {
	raw := make(map[string][3]float64, len(l.Tiles))
	for i := range l.Tiles {
		raw[l.Tiles[i].Name] = l.OffsetVoxels(&l.Tiles[i])
	}

	out := make(map[string][3]float64, len(l.Tiles))
	for name := range raw {
		out[name] = [3]float64{}
	}
	for axis := 0; axis < 3; axis++ {
		var vals []float64
		for _, p := range raw {
			vals = append(vals, p[axis])
		}
		sort.Float64s(vals)

		tol := float64(shape[axis]) / 4
		var ranks []float64 // representative value per rank
		for _, v := range vals {
			if len(ranks) == 0 || v-ranks[len(ranks)-1] > tol {
				ranks = append(ranks, v)
			}
		}
		step := float64(shape[axis]) * (1 - overlapFrac)
		for name, p := range raw {
			rank := 0
			for i, r := range ranks {
				if math.Abs(p[axis]-r) <= tol {
					rank = i
					break
				}
			}
			pos := out[name]
			pos[axis] = float64(rank) * step
			out[name] = pos
		}
	}
	return out
}

// PairShift is one refined pairwise measurement: the relative position of
// tile B with respect to tile A, with the correlation score that produced
// it. Rejected measurements are kept for the ledger but excluded from the
// global solve.
type PairShift struct {
	A, B        string
	Relative    [3]float64 // solved-for posB - posA
	Correction  [3]float64 // deviation from the nominal delta
	Correlation float64
	Accepted    bool
}

// RefinePairs phase-correlates the overlap region of every adjacent tile
// pair. A measurement is rejected when the correlation peak falls below
// cfg.MinCorrelation or the correction magnitude exceeds
// cfg.MaxShiftVoxels.
func RefinePairs(tiles map[string]*volume.Grid, positions map[string][3]float64, cfg config.Stitch) ([]PairShift, error) {
	names := make([]string, 0, len(tiles))
	for n := range tiles {
		names = append(names, n)
	}
	sort.Strings(names)

	var out []PairShift
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			a, b := names[i], names[j]
			ga, gb := tiles[a], tiles[b]
			pa, pb := positions[a], positions[b]

			var ovLo, ovSz [3]int
			adjacent := true
			for ax := 0; ax < 3; ax++ {
				lo := int(math.Ceil(math.Max(pa[ax], pb[ax])))
				hi := int(math.Floor(math.Min(pa[ax]+float64(ga.Shape[ax]), pb[ax]+float64(gb.Shape[ax]))))
				if hi-lo < 4 {
					adjacent = false
					break
				}
				ovLo[ax], ovSz[ax] = lo, hi-lo
			}
			if !adjacent {
				continue
			}

			cropA := crop(ga, [3]int{
				ovLo[0] - int(math.Round(pa[0])),
				ovLo[1] - int(math.Round(pa[1])),
				ovLo[2] - int(math.Round(pa[2])),
			}, ovSz)
			cropB := crop(gb, [3]int{
				ovLo[0] - int(math.Round(pb[0])),
				ovLo[1] - int(math.Round(pb[1])),
				ovLo[2] - int(math.Round(pb[2])),
			}, ovSz)
			corr, err := align.PhaseCorrelate(cropA, cropB)
			if err != nil {
				return nil, fmt.Errorf("pair %s/%s: %w", a, b, err)
			}

			p := PairShift{A: a, B: b, Correlation: corr.Quality}
			var mag float64
			for ax := 0; ax < 3; ax++ {
				p.Correction[ax] = -corr.Shift[ax]
				// The crops were cut at the rounded nominal positions, so
				// the measured relative offset is anchored on those.
				p.Relative[ax] = (math.Round(pb[ax]) - math.Round(pa[ax])) + p.Correction[ax]
				mag += corr.Shift[ax] * corr.Shift[ax]
			}
			mag = math.Sqrt(mag)
			p.Accepted = corr.Quality >= cfg.MinCorrelation &&
				(cfg.MaxShiftVoxels <= 0 || mag <= cfg.MaxShiftVoxels)
			out = append(out, p)
		}
	}
	return out, nil
}

// crop copies a box out of a grid, zero-padding where the box leaves the
// source bounds.
func crop(g *volume.Grid, origin, size [3]int) *volume.Grid {
	out := volume.NewGrid(size, 1)
	out.Spacing = g.Spacing
	for z := 0; z < size[0]; z++ {
		for y := 0; y < size[1]; y++ {
			for x := 0; x < size[2]; x++ {
				sz, sy, sx := origin[0]+z, origin[1]+y, origin[2]+x
				if g.In(sz, sy, sx) {
					out.Set(z, y, x, 0, g.At(sz, sy, sx, 0))
				}
			}
		}
	}
	return out
}

// SolvePositions finds per-tile positions whose pairwise differences best
// match the accepted measurements, least squares per axis with the first
// tile anchored at its nominal position. A weak prior toward the nominal
// grid keeps tiles without any accepted pair in place.
func SolvePositions(names []string, pairs []PairShift, nominal map[string][3]float64) (map[string][3]float64, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("solve positions: no tiles")
	}
	anchor := names[0]
	idx := map[string]int{}
	for i, n := range names[1:] {
		idx[n] = i
	}
	unknowns := len(names) - 1
	if unknowns == 0 {
		return map[string][3]float64{anchor: nominal[anchor]}, nil
	}

	var accepted []PairShift
	for _, p := range pairs {
		if p.Accepted {
			accepted = append(accepted, p)
		}
	}

	const prior = 0.01
	rows := len(accepted) + unknowns
	a := mat.NewDense(rows, unknowns, nil)
	b := mat.NewDense(rows, 3, nil)
	for r, p := range accepted {
		for ax := 0; ax < 3; ax++ {
			b.Set(r, ax, p.Relative[ax])
		}
		if p.A == anchor {
			a.Set(r, idx[p.B], 1)
			for ax := 0; ax < 3; ax++ {
				b.Set(r, ax, b.At(r, ax)+nominal[anchor][ax])
			}
		} else if p.B == anchor {
			a.Set(r, idx[p.A], -1)
			for ax := 0; ax < 3; ax++ {
				b.Set(r, ax, b.At(r, ax)-nominal[anchor][ax])
			}
		} else {
			a.Set(r, idx[p.A], -1)
			a.Set(r, idx[p.B], 1)
		}
	}
	for i, n := range names[1:] {
		r := len(accepted) + i
		a.Set(r, i, prior)
		for ax := 0; ax < 3; ax++ {
			b.Set(r, ax, prior*nominal[n][ax])
		}
	}

	var beta mat.Dense
	if err := beta.Solve(a, b); err != nil {
		return nil, fmt.Errorf("solve positions: %w", err)
	}

	out := map[string][3]float64{anchor: nominal[anchor]}
	for i, n := range names[1:] {
		out[n] = [3]float64{beta.At(i, 0), beta.At(i, 1), beta.At(i, 2)}
	}
	return out, nil
}

// Blend accumulates tiles into one canvas at the solved positions with
// feather weights ramping to zero at each tile border over featherVoxels.
// Dividing by the accumulated weight keeps single-tile regions at full
// intensity.
func Blend(tiles map[string]*volume.Grid, positions map[string][3]float64, featherVoxels int) (*volume.Grid, error) {
	if len(tiles) == 0 {
		return nil, fmt.Errorf("blend: no tiles")
	}
	if featherVoxels < 1 {
		featherVoxels = 1
	}

	lo := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for name, g := range tiles {
		p, ok := positions[name]
		if !ok {
			return nil, fmt.Errorf("blend: no position for tile %q", name)
		}
		for ax := 0; ax < 3; ax++ {
			lo[ax] = math.Min(lo[ax], p[ax])
			hi[ax] = math.Max(hi[ax], p[ax]+float64(g.Shape[ax]))
		}
	}
	var origin [3]int
	var shape [3]int
	for ax := 0; ax < 3; ax++ {
		origin[ax] = int(math.Floor(lo[ax]))
		shape[ax] = int(math.Ceil(hi[ax])) - origin[ax]
	}

	out := volume.NewGrid(shape, 1)
	wsum := make([]float64, len(out.Data))
	acc := make([]float64, len(out.Data))
	ramp := float64(featherVoxels)

	for name, g := range tiles {
		p := positions[name]
		for z := 0; z < shape[0]; z++ {
			lz := float64(origin[0]+z) - p[0]
			wz := featherWeight(lz, g.Shape[0], ramp)
			if wz <= 0 {
				continue
			}
			for y := 0; y < shape[1]; y++ {
				ly := float64(origin[1]+y) - p[1]
				wy := featherWeight(ly, g.Shape[1], ramp)
				if wy <= 0 {
					continue
				}
				for x := 0; x < shape[2]; x++ {
					lx := float64(origin[2]+x) - p[2]
					wx := featherWeight(lx, g.Shape[2], ramp)
					if wx <= 0 {
						continue
					}
					w := wz * wy * wx
					i := out.Index(z, y, x, 0)
					acc[i] += w * float64(g.Sample(lz, ly, lx, 0, 0))
					wsum[i] += w
				}
			}
		}
	}
	for i := range out.Data {
		if wsum[i] > 0 {
			out.Data[i] = float32(acc[i] / wsum[i])
		}
	}
	return out, nil
}

// featherWeight ramps from 0 outside the tile to 1 at featherVoxels inside
// either border along one axis.
func featherWeight(v float64, size int, ramp float64) float64 {
	if v < -0.5 || v > float64(size)-0.5 {
		return 0
	}
	d := math.Min(v, float64(size-1)-v)
	w := (d + 1) / ramp
	if w > 1 {
		return 1
	}
	return w
}

// Options carry the run context of a stitch invocation. NominalOnly skips
// pairwise refinement and blends at the normalized stage positions, the
// fast path when offsets are trusted.
type Options struct {
	RunID       string
	Logger      *slog.Logger
	Ledger      *storage.Store
	Chunks      [3]int
	NominalOnly bool
}

// Run assembles every channel of the layout into a chunked store named
// stitched_{channel}.zarr under outputDir, returning channel to path.
// Tiles of one channel must share a shape; pair measurements, accepted or
// not, are recorded in the ledger.
func Run(ctx context.Context, layoutPath, outputDir string, cfg config.Stitch, opts Options) (map[string]string, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	layout, err := LoadLayout(layoutPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}

	byChannel := map[string][]*Tile{}
	for i := range layout.Tiles {
		t := &layout.Tiles[i]
		byChannel[t.Channel] = append(byChannel[t.Channel], t)
	}

	results := make(map[string]string, len(byChannel))
	for channel, chTiles := range byChannel {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		grids := map[string]*volume.Grid{}
		var shape [3]int
		var dtype volume.Dtype
		for i, t := range chTiles {
			store, err := volume.Open(t.Path)
			if err != nil {
				return nil, fmt.Errorf("tile %q: %w", t.Name, err)
			}
			if i == 0 {
				shape = store.Meta.Shape
				dtype = store.Meta.Dtype
			} else if store.Meta.Shape != shape {
				return nil, fmt.Errorf("tile %q: shape %v differs from %v", t.Name, store.Meta.Shape, shape)
			}
			g, err := store.ReadAll()
			if err != nil {
				return nil, fmt.Errorf("tile %q: %w", t.Name, err)
			}
			grids[t.Name] = g
		}

		nominal := layout.NormalizedPositions(shape, cfg.OverlapFrac)
		positions := nominal
		if !opts.NominalOnly {
			pairs, err := RefinePairs(grids, nominal, cfg)
			if err != nil {
				return nil, err
			}
			for _, p := range pairs {
				opts.Logger.Debug("tile pair measured",
					"channel", channel, "a", p.A, "b", p.B,
					"correlation", p.Correlation, "accepted", p.Accepted)
				if opts.Ledger != nil {
					if err := opts.Ledger.RecordTilePair(storage.TilePairRecord{
						RunID: opts.RunID, TileA: p.A, TileB: p.B,
						Shift: p.Correction, Correlation: p.Correlation, Accepted: p.Accepted,
					}); err != nil {
						opts.Logger.Warn("tile pair ledger write failed", "error", err)
					}
				}
			}

			names := make([]string, 0, len(chTiles))
			for _, t := range chTiles {
				names = append(names, t.Name)
			}
			sort.Strings(names)
			positions, err = SolvePositions(names, pairs, nominal)
			if err != nil {
				return nil, fmt.Errorf("channel %s: %w", channel, err)
			}
		}

		feather := int(math.Round(cfg.OverlapFrac * float64(shape[2])))
		mosaic, err := Blend(grids, positions, feather)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", channel, err)
		}

		outPath := filepath.Join(outputDir, fmt.Sprintf("stitched_%s.zarr", channel))
		chunks := opts.Chunks
		for ax := 0; ax < 3; ax++ {
			if chunks[ax] < 1 || chunks[ax] > mosaic.Shape[ax] {
				chunks[ax] = mosaic.Shape[ax]
			}
		}
		store, err := volume.Create(outPath, volume.Meta{
			Shape:      mosaic.Shape,
			Chunks:     chunks,
			Dtype:      dtype,
			Components: 1,
			Spacing:    [3]float64{layout.VoxelSize.Z, layout.VoxelSize.Y, layout.VoxelSize.X},
		})
		if err != nil {
			return nil, err
		}
		if err := store.WriteRegion([3]int{0, 0, 0}, mosaic); err != nil {
			return nil, err
		}
		results[channel] = outPath
		opts.Logger.Info("channel stitched",
			"channel", channel, "tiles", len(chTiles), "output", outPath)
	}
	return results, nil
}
