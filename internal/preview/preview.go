// Package preview renders quick-look images from chunked volumes: a
// maximum-intensity projection, contrast-stretched and exported through
// ImageMagick so any of its output formats works.
package preview

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/gographics/imagick.v3/imagick"

	"volalign/internal/volume"
)

// Options control the projection axis and optional output resize.
type Options struct {
	Axis  int // 0 projects along z, 1 along y, 2 along x
	Width int // target width in pixels, 0 keeps the projection size
}

// Export writes a MIP of the volume at inputPath to outputPath. The
// output format follows the file extension.
func Export(inputPath, outputPath string, opts Options) error {
	store, err := volume.Open(inputPath)
	if err != nil {
		return err
	}
	if store.Meta.Components != 1 {
		return fmt.Errorf("preview: single-component volumes only")
	}
	g, err := store.ReadAll()
	if err != nil {
		return err
	}
	mip, err := volume.MaxProjection(g, opts.Axis)
	if err != nil {
		return err
	}

	rows, cols, pixels := flatten(mip, opts.Axis)
	stretched := stretch(pixels)

	imagick.Initialize()
	defer imagick.Terminate()

	wand := imagick.NewMagickWand()
	defer wand.Destroy()
	if err := wand.ConstituteImage(uint(cols), uint(rows), "I", imagick.PIXEL_CHAR, stretched); err != nil {
		return fmt.Errorf("preview: build image: %w", err)
	}
	if opts.Width > 0 && opts.Width != cols {
		scale := float64(opts.Width) / float64(cols)
		h := uint(float64(rows) * scale)
		if h < 1 {
			h = 1
		}
		if err := wand.ResizeImage(uint(opts.Width), h, imagick.FILTER_LANCZOS); err != nil {
			return fmt.Errorf("preview: resize: %w", err)
		}
	}
	if strings.HasSuffix(strings.ToLower(outputPath), ".jpg") || strings.HasSuffix(strings.ToLower(outputPath), ".jpeg") {
		if err := wand.SetImageCompressionQuality(92); err != nil {
			return err
		}
	}
	if err := wand.WriteImage(outputPath); err != nil {
		return fmt.Errorf("preview: write %s: %w", outputPath, err)
	}
	return nil
}

// flatten drops the collapsed axis of a projection, returning row-major
// 2D samples.
func flatten(mip *volume.Grid, axis int) (rows, cols int, out []float32) {
	switch axis {
	case 0:
		rows, cols = mip.Shape[1], mip.Shape[2]
	case 1:
		rows, cols = mip.Shape[0], mip.Shape[2]
	default:
		rows, cols = mip.Shape[0], mip.Shape[1]
	}
	// The projected grid keeps a length-1 axis, so its data is already
	// contiguous in the remaining two.
	out = mip.Data
	return rows, cols, out
}

// stretch maps the 1st..99th intensity percentiles onto 0..255.
func stretch(pixels []float32) []byte {
	sorted := make([]float64, len(pixels))
	for i, v := range pixels {
		sorted[i] = float64(v)
	}
	sort.Float64s(sorted)
	lo := sorted[len(sorted)/100]
	hi := sorted[len(sorted)-1-len(sorted)/100]
	if hi <= lo {
		hi = lo + 1
	}

	out := make([]byte, len(pixels))
	for i, v := range pixels {
		s := (float64(v) - lo) / (hi - lo) * 255
		if s < 0 {
			s = 0
		}
		if s > 255 {
			s = 255
		}
		out[i] = byte(s)
	}
	return out
}
