// Package geo holds the coordinate primitives shared across the service.
package geo

import "math"

const earthRadiusM = 6371000.0

// Coord is a geographic coordinate in EPSG:4326 degrees.
type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b Coord) float64 {
	la1 := a.Lat * math.Pi / 180
	la2 := b.Lat * math.Pi / 180
	dla := (b.Lat - a.Lat) * math.Pi / 180
	dlo := (b.Lon - a.Lon) * math.Pi / 180

	s := math.Sin(dla/2)*math.Sin(dla/2) +
		math.Cos(la1)*math.Cos(la2)*math.Sin(dlo/2)*math.Sin(dlo/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(s)))
}

// Midpoint returns the arithmetic midpoint of a and b. Good enough at
// city scale; the service area spans well under a degree.
func Midpoint(a, b Coord) Coord {
	return Coord{Lat: (a.Lat + b.Lat) / 2, Lon: (a.Lon + b.Lon) / 2}
}

// BBox is a lat/lon bounding box.
type BBox struct {
	MinLat, MinLon float64
	MaxLat, MaxLon float64
}

func (b BBox) Contains(c Coord) bool {
	return c.Lat >= b.MinLat && c.Lat <= b.MaxLat &&
		c.Lon >= b.MinLon && c.Lon <= b.MaxLon
}

// MarikinaBBox bounds the service area with a small margin around the
// city limits.
var MarikinaBBox = BBox{
	MinLat: 14.608, MinLon: 121.070,
	MaxLat: 14.700, MaxLon: 121.140,
}
