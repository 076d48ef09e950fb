package raster

import (
	"math"

	"github.com/floodwatch-ph/floodroute/internal/geo"
)

// CRS identifiers the catalog understands.
const (
	epsgWGS84  = 4326
	epsgUTM51N = 32651
)

func supportedEPSG(code int) bool {
	return code == epsgWGS84 || code == epsgUTM51N
}

// toPixel converts a geographic coordinate to fractional pixel
// coordinates in the tile's grid, relative to pixel centers.
func (t *Tile) toPixel(c geo.Coord) (fx, fy float64, ok bool) {
	var x, y float64
	switch t.epsg {
	case epsgWGS84:
		x, y = c.Lon, c.Lat
	case epsgUTM51N:
		x, y = utm51n(c)
	default:
		return 0, 0, false
	}

	// invert the affine transform; rotation terms are rare in flood
	// maps but cheap to handle
	det := t.gt[1]*t.gt[5] - t.gt[2]*t.gt[4]
	if det == 0 {
		return 0, 0, false
	}
	dx, dy := x-t.gt[0], y-t.gt[3]
	col := (dx*t.gt[5] - dy*t.gt[2]) / det
	row := (dy*t.gt[1] - dx*t.gt[4]) / det
	return col - 0.5, row - 0.5, true
}

// utm51n projects WGS84 lat/lon to UTM zone 51 north (EPSG:32651)
// easting/northing using the standard transverse-Mercator series.
func utm51n(c geo.Coord) (easting, northing float64) {
	const (
		a  = 6378137.0           // WGS84 semi-major axis
		f  = 1 / 298.257223563   // flattening
		k0 = 0.9996              // UTM scale factor
		e0 = 500000.0            // false easting
		l0 = 123.0 * math.Pi / 180 // zone 51 central meridian
	)
	e2 := f * (2 - f)
	ep2 := e2 / (1 - e2)

	lat := c.Lat * math.Pi / 180
	lon := c.Lon * math.Pi / 180

	sin, cos := math.Sin(lat), math.Cos(lat)
	tan := sin / cos
	n := a / math.Sqrt(1-e2*sin*sin)
	tsq := tan * tan
	csq := ep2 * cos * cos
	A := cos * (lon - l0)

	// meridional arc
	m := a * ((1-e2/4-3*e2*e2/64-5*e2*e2*e2/256)*lat -
		(3*e2/8+3*e2*e2/32+45*e2*e2*e2/1024)*math.Sin(2*lat) +
		(15*e2*e2/256+45*e2*e2*e2/1024)*math.Sin(4*lat) -
		(35*e2*e2*e2/3072)*math.Sin(6*lat))

	easting = e0 + k0*n*(A+(1-tsq+csq)*A*A*A/6+
		(5-18*tsq+tsq*tsq+72*csq-58*ep2)*A*A*A*A*A/120)
	northing = k0 * (m + n*tan*(A*A/2+(5-tsq+9*csq+4*csq*csq)*A*A*A*A/24+
		(61-58*tsq+tsq*tsq+600*csq-330*ep2)*A*A*A*A*A*A/720))
	return easting, northing
}
