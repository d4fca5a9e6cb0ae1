package volume

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"os"

	"golang.org/x/image/tiff"
)

// TIFF volume I/O. Microscopy volumes arrive as multi-page grayscale TIFF
// stacks, one page per z-slice. x/image/tiff only exposes the first IFD of
// a file, so the multi-page walk is done here directly; compressed
// single-page files fall back to the x/image decoder.
//
// Written files are classic little-endian TIFF, 16-bit grayscale,
// uncompressed, one strip per page.

const (
	tagImageWidth    = 256
	tagImageLength   = 257
	tagBitsPerSample = 258
	tagCompression   = 259
	tagStripOffsets  = 273
	tagRowsPerStrip  = 278
	tagStripCounts   = 279
)

// ReadTIFF loads a grayscale TIFF stack into a dense grid.
func ReadTIFF(path string) (*Grid, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	g, err := decodeTIFFStack(raw)
	if err == nil {
		return g, nil
	}
	// Compressed or otherwise exotic files: let x/image handle the first page.
	f, ferr := os.Open(path)
	if ferr != nil {
		return nil, err
	}
	defer f.Close()
	img, ferr := tiff.Decode(f)
	if ferr != nil {
		return nil, fmt.Errorf("read tiff %s: %w", path, err)
	}
	return gridFromImage(img), nil
}

func gridFromImage(img image.Image) *Grid {
	b := img.Bounds()
	g := NewGrid([3]int{1, b.Dy(), b.Dx()}, 1)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, _, _, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			g.Set(0, y, x, 0, float32(r))
		}
	}
	return g
}

type tiffOrder struct{ binary.ByteOrder }

func decodeTIFFStack(raw []byte) (*Grid, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("truncated tiff header")
	}
	var order tiffOrder
	switch {
	case raw[0] == 'I' && raw[1] == 'I':
		order = tiffOrder{binary.LittleEndian}
	case raw[0] == 'M' && raw[1] == 'M':
		order = tiffOrder{binary.BigEndian}
	default:
		return nil, fmt.Errorf("not a tiff file")
	}
	if order.Uint16(raw[2:]) != 42 {
		return nil, fmt.Errorf("bad tiff magic")
	}

	type page struct {
		width, height, bits int
		offsets, counts     []uint32
	}
	var pages []page

	next := order.Uint32(raw[4:])
	for next != 0 {
		if int(next)+2 > len(raw) {
			return nil, fmt.Errorf("ifd offset out of range")
		}
		n := int(order.Uint16(raw[next:]))
		entries := raw[next+2:]
		if len(entries) < n*12+4 {
			return nil, fmt.Errorf("truncated ifd")
		}
		var p page
		compression := 1
		rowsPerStrip := 0
		for i := 0; i < n; i++ {
			e := entries[i*12 : i*12+12]
			tag := int(order.Uint16(e[0:]))
			typ := int(order.Uint16(e[2:]))
			count := int(order.Uint32(e[4:]))
			vals, err := entryValues(raw, e, typ, count, order)
			if err != nil {
				return nil, err
			}
			switch tag {
			case tagImageWidth:
				p.width = int(vals[0])
			case tagImageLength:
				p.height = int(vals[0])
			case tagBitsPerSample:
				p.bits = int(vals[0])
			case tagCompression:
				compression = int(vals[0])
			case tagRowsPerStrip:
				rowsPerStrip = int(vals[0])
			case tagStripOffsets:
				p.offsets = vals
			case tagStripCounts:
				p.counts = vals
			}
		}
		if compression != 1 {
			return nil, fmt.Errorf("compression %d not handled by stack reader", compression)
		}
		if p.bits != 8 && p.bits != 16 {
			return nil, fmt.Errorf("unsupported bits per sample %d", p.bits)
		}
		if p.width <= 0 || p.height <= 0 || len(p.offsets) == 0 {
			return nil, fmt.Errorf("incomplete ifd")
		}
		_ = rowsPerStrip
		pages = append(pages, p)
		next = order.Uint32(entries[n*12:])
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("tiff has no pages")
	}

	w, h := pages[0].width, pages[0].height
	for _, p := range pages {
		if p.width != w || p.height != h {
			return nil, fmt.Errorf("pages disagree on dimensions")
		}
	}

	g := NewGrid([3]int{len(pages), h, w}, 1)
	for z, p := range pages {
		dst := g.Data[z*h*w : (z+1)*h*w]
		pos := 0
		for i, off := range p.offsets {
			cnt := int(p.counts[i])
			if int(off)+cnt > len(raw) {
				return nil, fmt.Errorf("strip out of range")
			}
			strip := raw[off : int(off)+cnt]
			switch p.bits {
			case 16:
				for j := 0; j+1 < len(strip) && pos < len(dst); j += 2 {
					dst[pos] = float32(order.Uint16(strip[j:]))
					pos++
				}
			case 8:
				for j := 0; j < len(strip) && pos < len(dst); j++ {
					dst[pos] = float32(strip[j])
					pos++
				}
			}
		}
		if pos != len(dst) {
			return nil, fmt.Errorf("page %d: %d samples, expected %d", z, pos, len(dst))
		}
	}
	return g, nil
}

func entryValues(raw, e []byte, typ, count int, order tiffOrder) ([]uint32, error) {
	var size int
	switch typ {
	case 3: // SHORT
		size = 2
	case 4: // LONG
		size = 4
	default:
		return nil, fmt.Errorf("unsupported entry type %d", typ)
	}
	total := size * count
	var src []byte
	if total <= 4 {
		src = e[8:12]
	} else {
		off := int(order.Uint32(e[8:]))
		if off+total > len(raw) {
			return nil, fmt.Errorf("entry values out of range")
		}
		src = raw[off : off+total]
	}
	vals := make([]uint32, count)
	for i := 0; i < count; i++ {
		if size == 2 {
			vals[i] = uint32(order.Uint16(src[i*2:]))
		} else {
			vals[i] = order.Uint32(src[i*4:])
		}
	}
	return vals, nil
}

// WriteTIFF writes a single-component grid as a multi-page 16-bit
// grayscale TIFF stack.
func WriteTIFF(path string, g *Grid) error {
	if g.Components != 1 {
		return fmt.Errorf("write tiff: %d components, want 1", g.Components)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := encodeTIFFStack(w, g); err != nil {
		return err
	}
	return w.Flush()
}

func encodeTIFFStack(w io.Writer, g *Grid) error {
	nz, ny, nx := g.Shape[0], g.Shape[1], g.Shape[2]
	pageBytes := ny * nx * 2
	const ifdEntries = 8
	ifdSize := 2 + ifdEntries*12 + 4

	// Layout: 8-byte header, then per page [pixel data][IFD].
	buf := make([]byte, 8)
	copy(buf, []byte{'I', 'I', 42, 0})
	binary.LittleEndian.PutUint32(buf[4:], uint32(8+pageBytes)) // first IFD

	if _, err := w.Write(buf); err != nil {
		return err
	}

	entry := func(dst []byte, tag, typ uint16, count, value uint32) {
		binary.LittleEndian.PutUint16(dst[0:], tag)
		binary.LittleEndian.PutUint16(dst[2:], typ)
		binary.LittleEndian.PutUint32(dst[4:], count)
		binary.LittleEndian.PutUint32(dst[8:], value)
	}

	pos := 8
	pix := make([]byte, pageBytes)
	ifd := make([]byte, ifdSize)
	for z := 0; z < nz; z++ {
		base := z * ny * nx
		for i := 0; i < ny*nx; i++ {
			binary.LittleEndian.PutUint16(pix[i*2:], clampUint16(g.Data[base+i]))
		}
		if _, err := w.Write(pix); err != nil {
			return err
		}

		dataOff := uint32(pos)
		binary.LittleEndian.PutUint16(ifd[0:], ifdEntries)
		e := ifd[2:]
		entry(e[0:], tagImageWidth, 4, 1, uint32(nx))
		entry(e[12:], tagImageLength, 4, 1, uint32(ny))
		entry(e[24:], tagBitsPerSample, 3, 1, 16)
		entry(e[36:], tagCompression, 3, 1, 1)
		entry(e[48:], 262, 3, 1, 1) // PhotometricInterpretation: BlackIsZero
		entry(e[60:], tagStripOffsets, 4, 1, dataOff)
		entry(e[72:], tagRowsPerStrip, 4, 1, uint32(ny))
		entry(e[84:], tagStripCounts, 4, 1, uint32(pageBytes))
		nextIFD := uint32(0)
		if z+1 < nz {
			nextIFD = uint32(pos + 2*pageBytes + ifdSize)
		}
		binary.LittleEndian.PutUint32(ifd[2+ifdEntries*12:], nextIFD)
		if _, err := w.Write(ifd); err != nil {
			return err
		}
		pos += pageBytes + ifdSize
	}
	return nil
}
