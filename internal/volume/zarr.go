package volume

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

const metaFileName = ".zmeta"

// Store is a zarr-like chunked array: a directory holding a JSON metadata
// file and one raw little-endian file per chunk, named "z.y.x" by chunk
// index. Chunks absent on disk read as zero, so sparse writes are cheap.
// Distinct chunks may be written concurrently; a single chunk must only
// ever have one writer.
type Store struct {
	Path string
	Meta Meta
}

// Create initializes a new chunked store at path. The directory must not
// already contain a store with different metadata.
func Create(path string, meta Meta) (*Store, error) {
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	raw, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(path, metaFileName), raw, 0o644); err != nil {
		return nil, err
	}
	return &Store{Path: path, Meta: meta}, nil
}

// Open reads the metadata of an existing store without touching any chunk
// data. Volumes far larger than memory stay on disk until regions are read.
func Open(path string) (*Store, error) {
	raw, err := os.ReadFile(filepath.Join(path, metaFileName))
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("open store %s: malformed metadata: %w", path, err)
	}
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return &Store{Path: path, Meta: meta}, nil
}

func (s *Store) chunkPath(cz, cy, cx int) string {
	return filepath.Join(s.Path, fmt.Sprintf("%d.%d.%d", cz, cy, cx))
}

func (s *Store) chunkCount(axis int) int {
	return (s.Meta.Shape[axis] + s.Meta.Chunks[axis] - 1) / s.Meta.Chunks[axis]
}

// readChunk loads one chunk into a dense buffer of chunk size, zero-filled
// if the chunk file does not exist.
func (s *Store) readChunk(cz, cy, cx int) ([]float32, error) {
	n := s.Meta.Chunks[0] * s.Meta.Chunks[1] * s.Meta.Chunks[2] * s.Meta.Components
	buf := make([]float32, n)
	raw, err := os.ReadFile(s.chunkPath(cz, cy, cx))
	if os.IsNotExist(err) {
		return buf, nil
	}
	if err != nil {
		return nil, err
	}
	return buf, decodeSamples(raw, buf, s.Meta.Dtype)
}

func (s *Store) writeChunk(cz, cy, cx int, data []float32) error {
	raw, err := encodeSamples(data, s.Meta.Dtype)
	if err != nil {
		return err
	}
	return os.WriteFile(s.chunkPath(cz, cy, cx), raw, 0o644)
}

// ReadRegion loads a dense sub-region of the volume. The region must lie
// inside the volume bounds.
func (s *Store) ReadRegion(origin, size [3]int) (*Grid, error) {
	if err := s.checkRegion(origin, size); err != nil {
		return nil, err
	}
	g := NewGrid(size, s.Meta.Components)
	g.Spacing = s.Meta.Spacing
	err := s.forEachChunkIn(origin, size, func(cz, cy, cx int, isect intersection) error {
		chunk, err := s.readChunk(cz, cy, cx)
		if err != nil {
			return err
		}
		copyRegion(chunk, s.Meta.Chunks, isect.chunkOff, g.Data, size, isect.gridOff, isect.span, s.Meta.Components)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// WriteRegion stores a dense grid at origin. Chunks only partially covered
// by the region are read, patched and rewritten.
func (s *Store) WriteRegion(origin [3]int, g *Grid) error {
	if g.Components != s.Meta.Components {
		return fmt.Errorf("write region: %d components, store has %d", g.Components, s.Meta.Components)
	}
	if err := s.checkRegion(origin, g.Shape); err != nil {
		return err
	}
	return s.forEachChunkIn(origin, g.Shape, func(cz, cy, cx int, isect intersection) error {
		chunk, err := s.readChunk(cz, cy, cx)
		if err != nil {
			return err
		}
		copyRegion(g.Data, g.Shape, isect.gridOff, chunk, s.Meta.Chunks, isect.chunkOff, isect.span, s.Meta.Components)
		return s.writeChunk(cz, cy, cx, chunk)
	})
}

// ReadAll loads the entire volume. Intended for small volumes and tests.
func (s *Store) ReadAll() (*Grid, error) {
	return s.ReadRegion([3]int{0, 0, 0}, s.Meta.Shape)
}

func (s *Store) checkRegion(origin, size [3]int) error {
	for i := 0; i < 3; i++ {
		if origin[i] < 0 || size[i] <= 0 || origin[i]+size[i] > s.Meta.Shape[i] {
			return fmt.Errorf("region origin %v size %v outside volume shape %v", origin, size, s.Meta.Shape)
		}
	}
	return nil
}

type intersection struct {
	chunkOff [3]int // offset inside the chunk
	gridOff  [3]int // offset inside the region grid
	span     [3]int // extent of the intersection
}

func (s *Store) forEachChunkIn(origin, size [3]int, fn func(cz, cy, cx int, isect intersection) error) error {
	c := s.Meta.Chunks
	for cz := origin[0] / c[0]; cz*c[0] < origin[0]+size[0]; cz++ {
		for cy := origin[1] / c[1]; cy*c[1] < origin[1]+size[1]; cy++ {
			for cx := origin[2] / c[2]; cx*c[2] < origin[2]+size[2]; cx++ {
				var isect intersection
				cOrigin := [3]int{cz * c[0], cy * c[1], cx * c[2]}
				cIdx := [3]int{cz, cy, cx}
				skip := false
				for i := 0; i < 3; i++ {
					lo := max(origin[i], cOrigin[i])
					hi := min(origin[i]+size[i], cOrigin[i]+c[i])
					if hi <= lo {
						skip = true
						break
					}
					isect.chunkOff[i] = lo - cOrigin[i]
					isect.gridOff[i] = lo - origin[i]
					isect.span[i] = hi - lo
				}
				if skip {
					continue
				}
				if err := fn(cIdx[0], cIdx[1], cIdx[2], isect); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// copyRegion copies a (z,y,x) box between two dense buffers with component
// interleaving, one contiguous x-run at a time.
func copyRegion(src []float32, srcShape, srcOff [3]int, dst []float32, dstShape, dstOff, span [3]int, comps int) {
	rowLen := span[2] * comps
	for z := 0; z < span[0]; z++ {
		for y := 0; y < span[1]; y++ {
			srcIdx := (((srcOff[0]+z)*srcShape[1]+(srcOff[1]+y))*srcShape[2] + srcOff[2]) * comps
			dstIdx := (((dstOff[0]+z)*dstShape[1]+(dstOff[1]+y))*dstShape[2] + dstOff[2]) * comps
			copy(dst[dstIdx:dstIdx+rowLen], src[srcIdx:srcIdx+rowLen])
		}
	}
}

func decodeSamples(raw []byte, dst []float32, dtype Dtype) error {
	bps, err := dtype.BytesPerSample()
	if err != nil {
		return err
	}
	if len(raw) != len(dst)*bps {
		return fmt.Errorf("chunk has %d bytes, expected %d", len(raw), len(dst)*bps)
	}
	switch dtype {
	case Uint16:
		for i := range dst {
			dst[i] = float32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case Float32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	}
	return nil
}

func encodeSamples(src []float32, dtype Dtype) ([]byte, error) {
	bps, err := dtype.BytesPerSample()
	if err != nil {
		return nil, err
	}
	raw := make([]byte, len(src)*bps)
	switch dtype {
	case Uint16:
		for i, v := range src {
			u := clampUint16(v)
			binary.LittleEndian.PutUint16(raw[i*2:], u)
		}
	case Float32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
		}
	}
	return raw, nil
}

func clampUint16(v float32) uint16 {
	if v <= 0 {
		return 0
	}
	if v >= 65535 {
		return 65535
	}
	return uint16(v + 0.5)
}
