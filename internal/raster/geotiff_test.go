package raster

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"math"
	"testing"

	"github.com/floodwatch-ph/floodroute/internal/geo"
)

// tiffOpts controls the synthetic GeoTIFF encoder used by these tests.
type tiffOpts struct {
	width, height int
	depth         []float32
	originLon     float64 // top-left corner
	originLat     float64
	pixelDeg      float64
	deflate       bool
}

// encodeTestTIFF writes a minimal little-endian single-band float32
// GeoTIFF in strip layout with EPSG:4326 geokeys.
func encodeTestTIFF(t *testing.T, o tiffOpts) []byte {
	t.Helper()
	le := binary.LittleEndian

	pix := new(bytes.Buffer)
	for _, v := range o.depth {
		_ = binary.Write(pix, le, v)
	}
	pixBytes := pix.Bytes()
	if o.deflate {
		var zbuf bytes.Buffer
		zw := zlib.NewWriter(&zbuf)
		_, _ = zw.Write(pixBytes)
		_ = zw.Close()
		pixBytes = zbuf.Bytes()
	}

	const headerLen = 8
	pixOff := headerLen
	scaleOff := pixOff + len(pixBytes)
	tieOff := scaleOff + 24
	geoOff := tieOff + 48
	ifdOff := geoOff + 24

	var buf bytes.Buffer
	buf.WriteString("II")
	_ = binary.Write(&buf, le, uint16(42))
	_ = binary.Write(&buf, le, uint32(ifdOff))
	buf.Write(pixBytes)

	for _, v := range []float64{o.pixelDeg, o.pixelDeg, 0} {
		_ = binary.Write(&buf, le, v)
	}
	for _, v := range []float64{0, 0, 0, o.originLon, o.originLat, 0} {
		_ = binary.Write(&buf, le, v)
	}
	// geokey directory: version 1.1.0, 2 keys
	for _, v := range []uint16{1, 1, 0, 2, 1024, 0, 1, 2, 2048, 0, 1, 4326} {
		_ = binary.Write(&buf, le, v)
	}

	type entry struct {
		tag, typ uint16
		count    uint32
		value    uint32
	}
	comp := uint32(1)
	if o.deflate {
		comp = 8
	}
	entries := []entry{
		{256, 3, 1, uint32(o.width)},
		{257, 3, 1, uint32(o.height)},
		{258, 3, 1, 32},
		{259, 3, 1, comp},
		{273, 4, 1, uint32(pixOff)},
		{277, 3, 1, 1},
		{278, 3, 1, uint32(o.height)},
		{279, 4, 1, uint32(len(pixBytes))},
		{339, 3, 1, 3},
		{33550, 12, 3, uint32(scaleOff)},
		{33922, 12, 6, uint32(tieOff)},
		{34735, 3, 12, uint32(geoOff)},
	}
	_ = binary.Write(&buf, le, uint16(len(entries)))
	for _, e := range entries {
		_ = binary.Write(&buf, le, e.tag)
		_ = binary.Write(&buf, le, e.typ)
		_ = binary.Write(&buf, le, e.count)
		_ = binary.Write(&buf, le, e.value)
	}
	_ = binary.Write(&buf, le, uint32(0)) // no next IFD
	return buf.Bytes()
}

func depthGrid(w, h int, fn func(col, row int) float32) []float32 {
	out := make([]float32, w*h)
	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			out[r*w+c] = fn(c, r)
		}
	}
	return out
}

func TestDecodeAndSampleCenterPixel(t *testing.T) {
	o := tiffOpts{
		width: 4, height: 4,
		depth:     depthGrid(4, 4, func(c, r int) float32 { return float32(r*4+c) * 0.1 }),
		originLon: 121.100, originLat: 14.660, pixelDeg: 0.001,
	}
	tile, err := DecodeGeoTIFF(encodeTestTIFF(t, o))
	if err != nil {
		t.Fatalf("DecodeGeoTIFF: %v", err)
	}
	if tile.Width != 4 || tile.Height != 4 {
		t.Fatalf("got %dx%d", tile.Width, tile.Height)
	}

	// center of pixel (col=2, row=1): stored value 0.6
	c := geo.Coord{
		Lon: o.originLon + 2.5*o.pixelDeg,
		Lat: o.originLat - 1.5*o.pixelDeg,
	}
	d, ok := tile.Sample(c)
	if !ok {
		t.Fatalf("expected wet sample")
	}
	if math.Abs(d-0.6) > 1e-6 {
		t.Fatalf("Sample = %v, want 0.6", d)
	}
}

func TestSampleBilinearBetweenPixels(t *testing.T) {
	o := tiffOpts{
		width: 2, height: 2,
		depth:     []float32{0.2, 0.4, 0.6, 0.8},
		originLon: 121.100, originLat: 14.660, pixelDeg: 0.001,
	}
	tile, err := DecodeGeoTIFF(encodeTestTIFF(t, o))
	if err != nil {
		t.Fatalf("DecodeGeoTIFF: %v", err)
	}
	// exact center of the 2x2 block: mean of all four cells
	c := geo.Coord{Lon: o.originLon + 1.0*o.pixelDeg, Lat: o.originLat - 1.0*o.pixelDeg}
	d, ok := tile.Sample(c)
	if !ok {
		t.Fatalf("expected wet sample")
	}
	if math.Abs(d-0.5) > 1e-6 {
		t.Fatalf("Sample = %v, want 0.5", d)
	}
}

func TestSampleOutsideAndDry(t *testing.T) {
	o := tiffOpts{
		width: 2, height: 2,
		depth:     []float32{0.005, 0.005, 0.005, 0.005}, // below FloodEps
		originLon: 121.100, originLat: 14.660, pixelDeg: 0.001,
	}
	tile, err := DecodeGeoTIFF(encodeTestTIFF(t, o))
	if err != nil {
		t.Fatalf("DecodeGeoTIFF: %v", err)
	}
	if _, ok := tile.Sample(geo.Coord{Lon: 121.1005, Lat: 14.6595}); ok {
		t.Fatalf("depth below FloodEps should sample dry")
	}
	if _, ok := tile.Sample(geo.Coord{Lon: 120.0, Lat: 10.0}); ok {
		t.Fatalf("point outside the raster should sample dry")
	}
}

func TestDecodeDeflateStrip(t *testing.T) {
	o := tiffOpts{
		width: 3, height: 3,
		depth:     depthGrid(3, 3, func(c, r int) float32 { return 0.5 }),
		originLon: 121.100, originLat: 14.660, pixelDeg: 0.001,
		deflate: true,
	}
	tile, err := DecodeGeoTIFF(encodeTestTIFF(t, o))
	if err != nil {
		t.Fatalf("DecodeGeoTIFF(deflate): %v", err)
	}
	d, ok := tile.Sample(geo.Coord{Lon: 121.1015, Lat: 14.6585})
	if !ok || math.Abs(d-0.5) > 1e-6 {
		t.Fatalf("Sample = %v ok=%v, want 0.5", d, ok)
	}
}

func TestUTMProjectionRoundsTrip(t *testing.T) {
	// Marikina city hall, forward-projected reference:
	// (14.6507 N, 121.1029 E) -> (295687 E, 1620548 N) in EPSG:32651.
	// Accept a few meters of series truncation.
	e, n := utm51n(geo.Coord{Lat: 14.6507, Lon: 121.1029})
	if math.Abs(e-295687) > 10 || math.Abs(n-1620548) > 10 {
		t.Fatalf("utm51n = (%.0f, %.0f), want ~(295687, 1620548)", e, n)
	}
}
