// Package raster loads the georeferenced flood-depth tiles and answers
// point depth queries. Tiles are single-band GeoTIFFs produced by the
// hazard-mapping pipeline; only the layouts that pipeline emits are
// supported (strip or tiled, uncompressed or Deflate, int or float
// samples).
package raster

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

var (
	ErrMissingRaster = errors.New("raster: missing tile")
	ErrProjection    = errors.New("raster: unsupported or broken projection")
)

// FloodEps is the depth below which a cell is treated as dry.
const FloodEps = 0.01

// Tile is one decoded depth raster with its georeferencing.
type Tile struct {
	Width, Height int
	// depth in meters, row-major
	depth []float64

	// geotransform: x = gt[0] + col*gt[1] + row*gt[2]
	//               y = gt[3] + col*gt[4] + row*gt[5]
	gt [6]float64

	epsg      int
	nodata    float64
	hasNodata bool
}

// NewTile builds an in-memory tile; used by tests and synthetic
// catalogs.
func NewTile(width, height int, depth []float64, gt [6]float64, epsg int) (*Tile, error) {
	if len(depth) != width*height {
		return nil, fmt.Errorf("raster: depth length %d != %d*%d", len(depth), width, height)
	}
	if gt[1] == 0 || gt[5] == 0 {
		return nil, ErrProjection
	}
	return &Tile{Width: width, Height: height, depth: depth, gt: gt, epsg: epsg}, nil
}

// At returns the raw cell value, NaN outside the grid or on nodata.
func (t *Tile) At(col, row int) float64 {
	if col < 0 || row < 0 || col >= t.Width || row >= t.Height {
		return math.NaN()
	}
	v := t.depth[row*t.Width+col]
	if t.hasNodata && v == t.nodata {
		return math.NaN()
	}
	if math.IsNaN(v) || v < 0 {
		return math.NaN()
	}
	return v
}

// TIFF tag ids used by the decoder.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagStripOffsets    = 273
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagModelTransform  = 34264
	tagGeoKeyDirectory = 34735
	tagGDALNodata      = 42113
)

const (
	compressionNone      = 1
	compressionDeflate   = 8
	compressionDeflateV2 = 32946

	sampleUint  = 1
	sampleInt   = 2
	sampleFloat = 3

	geoKeyModelType    = 1024
	geoKeyGeographicCS = 2048
	geoKeyProjectedCS  = 3072
)

type ifdEntry struct {
	typ    uint16
	count  uint32
	raw    [4]byte
	offset uint32
}

type tiffFile struct {
	data []byte
	bo   binary.ByteOrder
	tags map[uint16]ifdEntry
}

// DecodeGeoTIFF parses a single-band GeoTIFF into a Tile.
func DecodeGeoTIFF(data []byte) (*Tile, error) {
	f, err := parseHeader(data)
	if err != nil {
		return nil, err
	}

	width := int(f.scalar(tagImageWidth))
	height := int(f.scalar(tagImageLength))
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("raster: bad dimensions %dx%d", width, height)
	}
	bits := int(f.scalarDefault(tagBitsPerSample, 32))
	comp := int(f.scalarDefault(tagCompression, compressionNone))
	sfmt := int(f.scalarDefault(tagSampleFormat, sampleUint))
	pred := int(f.scalarDefault(tagPredictor, 1))

	raw, err := f.pixelBytes(width, height, bits/8, comp, pred)
	if err != nil {
		return nil, err
	}

	depth, err := samplesToFloat(raw, width*height, bits, sfmt, f.bo)
	if err != nil {
		return nil, err
	}

	t := &Tile{Width: width, Height: height, depth: depth}
	if err := f.georeference(t); err != nil {
		return nil, err
	}
	if s, ok := f.ascii(tagGDALNodata); ok {
		if v, err := strconv.ParseFloat(strings.TrimSpace(strings.Trim(s, "\x00")), 64); err == nil {
			t.nodata, t.hasNodata = v, true
		}
	}
	return t, nil
}

func parseHeader(data []byte) (*tiffFile, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("raster: truncated tiff")
	}
	var bo binary.ByteOrder
	switch {
	case data[0] == 'I' && data[1] == 'I':
		bo = binary.LittleEndian
	case data[0] == 'M' && data[1] == 'M':
		bo = binary.BigEndian
	default:
		return nil, fmt.Errorf("raster: bad byte-order mark")
	}
	if bo.Uint16(data[2:4]) != 42 {
		return nil, fmt.Errorf("raster: not a tiff")
	}
	ifdOff := bo.Uint32(data[4:8])
	if int(ifdOff)+2 > len(data) {
		return nil, fmt.Errorf("raster: ifd offset out of range")
	}

	f := &tiffFile{data: data, bo: bo, tags: make(map[uint16]ifdEntry)}
	n := int(bo.Uint16(data[ifdOff : ifdOff+2]))
	base := int(ifdOff) + 2
	for i := 0; i < n; i++ {
		off := base + i*12
		if off+12 > len(data) {
			return nil, fmt.Errorf("raster: ifd entry out of range")
		}
		tag := bo.Uint16(data[off : off+2])
		e := ifdEntry{
			typ:    bo.Uint16(data[off+2 : off+4]),
			count:  bo.Uint32(data[off+4 : off+8]),
			offset: bo.Uint32(data[off+8 : off+12]),
		}
		copy(e.raw[:], data[off+8:off+12])
		f.tags[tag] = e
	}
	return f, nil
}

func typeSize(typ uint16) int {
	switch typ {
	case 1, 2, 6, 7: // byte, ascii, sbyte, undefined
		return 1
	case 3, 8: // short, sshort
		return 2
	case 4, 9, 11: // long, slong, float
		return 4
	case 5, 10, 12: // rational, srational, double
		return 8
	default:
		return 0
	}
}

// values decodes an entry into float64s (handles inline vs offset
// storage).
func (f *tiffFile) values(tag uint16) ([]float64, bool) {
	e, ok := f.tags[tag]
	if !ok {
		return nil, false
	}
	sz := typeSize(e.typ)
	if sz == 0 || e.count == 0 {
		return nil, false
	}
	total := sz * int(e.count)
	var buf []byte
	if total <= 4 {
		buf = e.raw[:total]
	} else {
		start := int(e.offset)
		if start+total > len(f.data) {
			return nil, false
		}
		buf = f.data[start : start+total]
	}
	out := make([]float64, e.count)
	for i := 0; i < int(e.count); i++ {
		b := buf[i*sz:]
		switch e.typ {
		case 1, 2, 6, 7:
			out[i] = float64(b[0])
		case 3:
			out[i] = float64(f.bo.Uint16(b))
		case 8:
			out[i] = float64(int16(f.bo.Uint16(b)))
		case 4:
			out[i] = float64(f.bo.Uint32(b))
		case 9:
			out[i] = float64(int32(f.bo.Uint32(b)))
		case 11:
			out[i] = float64(math.Float32frombits(f.bo.Uint32(b)))
		case 12:
			out[i] = math.Float64frombits(f.bo.Uint64(b))
		case 5:
			num := f.bo.Uint32(b)
			den := f.bo.Uint32(b[4:])
			if den != 0 {
				out[i] = float64(num) / float64(den)
			}
		case 10:
			num := int32(f.bo.Uint32(b))
			den := int32(f.bo.Uint32(b[4:]))
			if den != 0 {
				out[i] = float64(num) / float64(den)
			}
		}
	}
	return out, true
}

func (f *tiffFile) scalar(tag uint16) float64 {
	if v, ok := f.values(tag); ok && len(v) > 0 {
		return v[0]
	}
	return 0
}

func (f *tiffFile) scalarDefault(tag uint16, def float64) float64 {
	if v, ok := f.values(tag); ok && len(v) > 0 {
		return v[0]
	}
	return def
}

func (f *tiffFile) ascii(tag uint16) (string, bool) {
	e, ok := f.tags[tag]
	if !ok || e.typ != 2 {
		return "", false
	}
	total := int(e.count)
	var buf []byte
	if total <= 4 {
		buf = e.raw[:total]
	} else {
		start := int(e.offset)
		if start+total > len(f.data) {
			return "", false
		}
		buf = f.data[start : start+total]
	}
	return string(buf), true
}

// pixelBytes assembles the raw sample stream from strips or tiles.
func (f *tiffFile) pixelBytes(width, height, bytesPerSample, comp, pred int) ([]byte, error) {
	if _, tiled := f.tags[tagTileOffsets]; tiled {
		return f.tileBytes(width, height, bytesPerSample, comp, pred)
	}
	offsets, ok := f.values(tagStripOffsets)
	if !ok {
		return nil, fmt.Errorf("raster: no strip or tile offsets")
	}
	counts, ok := f.values(tagStripByteCounts)
	if !ok || len(counts) != len(offsets) {
		return nil, fmt.Errorf("raster: bad strip byte counts")
	}
	rowsPer := int(f.scalarDefault(tagRowsPerStrip, float64(height)))
	if rowsPer <= 0 {
		rowsPer = height
	}

	out := make([]byte, 0, width*height*bytesPerSample)
	for i := range offsets {
		rows := rowsPer
		if got := height - i*rowsPer; got < rows {
			rows = got
		}
		if rows <= 0 {
			break
		}
		chunk, err := f.chunk(int(offsets[i]), int(counts[i]), comp)
		if err != nil {
			return nil, err
		}
		want := rows * width * bytesPerSample
		if len(chunk) < want {
			return nil, fmt.Errorf("raster: short strip %d: %d < %d", i, len(chunk), want)
		}
		chunk = chunk[:want]
		undoPredictor(chunk, width, rows, bytesPerSample, pred, f.bo)
		out = append(out, chunk...)
	}
	if len(out) != width*height*bytesPerSample {
		return nil, fmt.Errorf("raster: assembled %d bytes, want %d", len(out), width*height*bytesPerSample)
	}
	return out, nil
}

func (f *tiffFile) tileBytes(width, height, bytesPerSample, comp, pred int) ([]byte, error) {
	tw := int(f.scalar(tagTileWidth))
	th := int(f.scalar(tagTileLength))
	if tw <= 0 || th <= 0 {
		return nil, fmt.Errorf("raster: bad tile dimensions")
	}
	offsets, _ := f.values(tagTileOffsets)
	counts, ok := f.values(tagTileByteCounts)
	if !ok || len(counts) != len(offsets) {
		return nil, fmt.Errorf("raster: bad tile byte counts")
	}
	tilesAcross := (width + tw - 1) / tw
	tilesDown := (height + th - 1) / th
	if len(offsets) < tilesAcross*tilesDown {
		return nil, fmt.Errorf("raster: %d tiles, want %d", len(offsets), tilesAcross*tilesDown)
	}

	out := make([]byte, width*height*bytesPerSample)
	for ty := 0; ty < tilesDown; ty++ {
		for tx := 0; tx < tilesAcross; tx++ {
			i := ty*tilesAcross + tx
			chunk, err := f.chunk(int(offsets[i]), int(counts[i]), comp)
			if err != nil {
				return nil, err
			}
			want := tw * th * bytesPerSample
			if len(chunk) < want {
				return nil, fmt.Errorf("raster: short tile %d", i)
			}
			chunk = chunk[:want]
			undoPredictor(chunk, tw, th, bytesPerSample, pred, f.bo)

			// crop tile into place
			for row := 0; row < th; row++ {
				dstRow := ty*th + row
				if dstRow >= height {
					break
				}
				cols := tw
				if rem := width - tx*tw; rem < cols {
					cols = rem
				}
				src := chunk[row*tw*bytesPerSample : (row*tw+cols)*bytesPerSample]
				dst := out[(dstRow*width+tx*tw)*bytesPerSample:]
				copy(dst, src)
			}
		}
	}
	return out, nil
}

func (f *tiffFile) chunk(offset, count, comp int) ([]byte, error) {
	if offset+count > len(f.data) {
		return nil, fmt.Errorf("raster: chunk out of range")
	}
	raw := f.data[offset : offset+count]
	switch comp {
	case compressionNone:
		return raw, nil
	case compressionDeflate, compressionDeflateV2:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("raster: deflate: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("raster: deflate: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("raster: unsupported compression %d", comp)
	}
}

// undoPredictor reverses TIFF predictors 2 (horizontal differencing)
// and 3 (floating-point byte split) in place, per row.
func undoPredictor(buf []byte, width, rows, bps, pred int, bo binary.ByteOrder) {
	switch pred {
	case 2:
		for r := 0; r < rows; r++ {
			row := buf[r*width*bps : (r+1)*width*bps]
			switch bps {
			case 1:
				for i := 1; i < width; i++ {
					row[i] += row[i-1]
				}
			case 2:
				for i := 1; i < width; i++ {
					v := bo.Uint16(row[i*2:]) + bo.Uint16(row[(i-1)*2:])
					bo.PutUint16(row[i*2:], v)
				}
			case 4:
				for i := 1; i < width; i++ {
					v := bo.Uint32(row[i*4:]) + bo.Uint32(row[(i-1)*4:])
					bo.PutUint32(row[i*4:], v)
				}
			}
		}
	case 3:
		// bytes of each row are stored plane-separated and
		// horizontally differenced; undo both, emitting big-endian
		// floats reassembled to the file byte order
		tmp := make([]byte, width*bps)
		for r := 0; r < rows; r++ {
			row := buf[r*width*bps : (r+1)*width*bps]
			for i := 1; i < len(row); i++ {
				row[i] += row[i-1]
			}
			copy(tmp, row)
			for i := 0; i < width; i++ {
				for b := 0; b < bps; b++ {
					// plane b holds byte b (big-endian order)
					row[i*bps+b] = tmp[b*width+i]
				}
			}
			if bo == binary.LittleEndian {
				for i := 0; i < width; i++ {
					s := row[i*bps : (i+1)*bps]
					for a, z := 0, bps-1; a < z; a, z = a+1, z-1 {
						s[a], s[z] = s[z], s[a]
					}
				}
			}
		}
	}
}

func samplesToFloat(raw []byte, n, bits, sfmt int, bo binary.ByteOrder) ([]float64, error) {
	out := make([]float64, n)
	switch {
	case bits == 32 && sfmt == sampleFloat:
		for i := 0; i < n; i++ {
			out[i] = float64(math.Float32frombits(bo.Uint32(raw[i*4:])))
		}
	case bits == 64 && sfmt == sampleFloat:
		for i := 0; i < n; i++ {
			out[i] = math.Float64frombits(bo.Uint64(raw[i*8:]))
		}
	case bits == 8 && sfmt == sampleUint:
		for i := 0; i < n; i++ {
			out[i] = float64(raw[i])
		}
	case bits == 16 && sfmt == sampleUint:
		for i := 0; i < n; i++ {
			out[i] = float64(bo.Uint16(raw[i*2:]))
		}
	case bits == 16 && sfmt == sampleInt:
		for i := 0; i < n; i++ {
			out[i] = float64(int16(bo.Uint16(raw[i*2:])))
		}
	case bits == 32 && sfmt == sampleUint:
		for i := 0; i < n; i++ {
			out[i] = float64(bo.Uint32(raw[i*4:]))
		}
	case bits == 32 && sfmt == sampleInt:
		for i := 0; i < n; i++ {
			out[i] = float64(int32(bo.Uint32(raw[i*4:])))
		}
	default:
		return nil, fmt.Errorf("raster: unsupported sample layout bits=%d fmt=%d", bits, sfmt)
	}
	return out, nil
}

// georeference derives the affine geotransform and CRS.
func (f *tiffFile) georeference(t *Tile) error {
	if m, ok := f.values(tagModelTransform); ok && len(m) >= 16 {
		t.gt = [6]float64{m[3], m[0], m[1], m[7], m[4], m[5]}
	} else {
		scale, okS := f.values(tagModelPixelScale)
		tie, okT := f.values(tagModelTiepoint)
		if !okS || !okT || len(scale) < 2 || len(tie) < 6 {
			return ErrProjection
		}
		// tiepoint (i,j) -> (x,y); scale y is positive in the file but
		// rows grow southward
		t.gt = [6]float64{
			tie[3] - tie[0]*scale[0], scale[0], 0,
			tie[4] + tie[1]*scale[1], 0, -scale[1],
		}
	}
	if t.gt[1] == 0 || t.gt[5] == 0 {
		return ErrProjection
	}

	keys, ok := f.values(tagGeoKeyDirectory)
	if !ok || len(keys) < 4 {
		return ErrProjection
	}
	// GeoKey directory: header of 4 shorts then (key, loc, count, value)
	numKeys := int(keys[3])
	for i := 0; i < numKeys; i++ {
		base := 4 + i*4
		if base+4 > len(keys) {
			break
		}
		key := int(keys[base])
		loc := int(keys[base+1])
		val := int(keys[base+3])
		if loc != 0 {
			continue // value stored in another tag; EPSG keys are inline
		}
		switch key {
		case geoKeyGeographicCS, geoKeyProjectedCS:
			t.epsg = val
		case geoKeyModelType:
			// 1 projected, 2 geographic; the CS keys below decide
		}
	}
	if !supportedEPSG(t.epsg) {
		return ErrProjection
	}
	return nil
}
