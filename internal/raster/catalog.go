package raster

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/floodwatch-ph/floodroute/internal/geo"
	"github.com/floodwatch-ph/floodroute/internal/graph"
	"github.com/floodwatch-ph/floodroute/internal/observability"
)

// ReturnPeriods in ascending severity: 2, 5, 10, 25-year floods.
var ReturnPeriods = []string{"rr01", "rr02", "rr03", "rr04"}

// TimeSteps is the number of modeled storm hours per return period.
const TimeSteps = 18

// DefaultCacheTiles bounds resident decoded tiles.
const DefaultCacheTiles = 16

func ValidScenario(rp string, ts int) bool {
	if ts < 1 || ts > TimeSteps {
		return false
	}
	return sort.SearchStrings(ReturnPeriods, rp) < len(ReturnPeriods) &&
		ReturnPeriods[sort.SearchStrings(ReturnPeriods, rp)] == rp
}

type tileKey struct {
	rp string
	ts int
}

// Catalog lazily loads flood tiles from disk and keeps a bounded LRU of
// decoded tiles. Double-loading under concurrency is allowed but
// wasteful; the LRU has its own locking.
type Catalog struct {
	dir   string
	cache *lru.Cache[tileKey, *Tile]
	log   zerolog.Logger
}

func NewCatalog(dir string, maxTiles int, log zerolog.Logger) (*Catalog, error) {
	if maxTiles <= 0 {
		maxTiles = DefaultCacheTiles
	}
	c, err := lru.New[tileKey, *Tile](maxTiles)
	if err != nil {
		return nil, err
	}
	return &Catalog{dir: dir, cache: c, log: log.With().Str("component", "raster").Logger()}, nil
}

// tile returns the decoded tile for (rp, ts), loading it on first use.
func (c *Catalog) tile(rp string, ts int) (*Tile, error) {
	if !ValidScenario(rp, ts) {
		return nil, fmt.Errorf("%w: %s-%d", ErrMissingRaster, rp, ts)
	}
	key := tileKey{rp: rp, ts: ts}
	if t, ok := c.cache.Get(key); ok {
		observability.IncRasterCacheHit()
		return t, nil
	}
	observability.IncRasterCacheMiss()

	path := filepath.Join(c.dir, rp, fmt.Sprintf("%s-%d.tif", rp, ts))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingRaster, path)
	}
	t, err := DecodeGeoTIFF(data)
	if err != nil {
		c.log.Error().Err(err).Str("path", path).Msg("tile decode failed")
		return nil, err
	}
	c.cache.Add(key, t)
	c.log.Debug().Str("rp", rp).Int("ts", ts).
		Int("width", t.Width).Int("height", t.Height).Msg("tile loaded")
	return t, nil
}

// Depth samples the flood depth at a coordinate. ok is false when the
// point is outside the raster or the sampled depth is at or below
// FloodEps.
func (c *Catalog) Depth(coord geo.Coord, rp string, ts int) (float64, bool, error) {
	t, err := c.tile(rp, ts)
	if err != nil {
		return 0, false, err
	}
	d, ok := t.Sample(coord)
	return d, ok, nil
}

// Sample bilinearly interpolates the depth at coord, falling back to
// nearest-cell at the raster border.
func (t *Tile) Sample(coord geo.Coord) (float64, bool) {
	fx, fy, ok := t.toPixel(coord)
	if !ok {
		return 0, false
	}
	if fx < -0.5 || fy < -0.5 || fx > float64(t.Width)-0.5 || fy > float64(t.Height)-0.5 {
		return 0, false
	}

	x0, y0 := int(math.Floor(fx)), int(math.Floor(fy))
	v00 := t.At(x0, y0)
	v10 := t.At(x0+1, y0)
	v01 := t.At(x0, y0+1)
	v11 := t.At(x0+1, y0+1)

	var d float64
	if math.IsNaN(v00) || math.IsNaN(v10) || math.IsNaN(v01) || math.IsNaN(v11) {
		// incomplete neighborhood: nearest cell
		d = t.At(int(math.Round(fx)), int(math.Round(fy)))
		if math.IsNaN(d) {
			return 0, false
		}
	} else {
		wx, wy := fx-float64(x0), fy-float64(y0)
		d = v00*(1-wx)*(1-wy) + v10*wx*(1-wy) + v01*(1-wx)*wy + v11*wx*wy
	}
	if d <= FloodEps {
		return 0, false
	}
	return d, true
}

// EdgeDepth samples along the edge polyline and returns the maximum
// depth, so short flooded crossings are not averaged away.
func (c *Catalog) EdgeDepth(e graph.Edge, rp string, ts int) (float64, bool, error) {
	t, err := c.tile(rp, ts)
	if err != nil {
		return 0, false, err
	}
	points := e.Geometry
	if len(points) == 0 {
		points = []geo.Coord{e.Midpoint}
	}

	var (
		maxDepth float64
		found    bool
	)
	sample := func(p geo.Coord) {
		if d, ok := t.Sample(p); ok && d > maxDepth {
			maxDepth, found = d, true
		}
	}
	sample(e.Midpoint)
	for _, p := range points {
		sample(p)
	}
	return maxDepth, found, nil
}
