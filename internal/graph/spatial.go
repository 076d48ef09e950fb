package graph

import (
	"math"
	"sort"

	h3 "github.com/uber/h3-go/v4"

	"github.com/floodwatch-ph/floodroute/internal/geo"
)

// indexRes is the H3 resolution for the node and edge-midpoint buckets.
// Res 9 hexagons are ~174 m across, which keeps ring searches short at
// city scale.
const indexRes = 9

// ringSpanM approximates how much ground one grid-disk ring adds at
// indexRes. Used to size disk lookups; overshooting is harmless.
const ringSpanM = 300.0

// maxSnapRings bounds the outward search so Snap terminates even for
// coordinates far outside the service area. Covers > SnapCapM.
const maxSnapRings = 10

type spatialIndex struct {
	g         *Graph
	nodeCells map[h3.Cell][]NodeID
	edgeCells map[h3.Cell][]int
}

func newSpatialIndex(g *Graph) *spatialIndex {
	idx := &spatialIndex{
		g:         g,
		nodeCells: make(map[h3.Cell][]NodeID),
		edgeCells: make(map[h3.Cell][]int),
	}
	for id, n := range g.nodes {
		c, err := cellOf(n.Coord)
		if err != nil {
			continue
		}
		idx.nodeCells[c] = append(idx.nodeCells[c], id)
	}
	for c := range idx.nodeCells {
		ids := idx.nodeCells[c]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	for i := range g.edges {
		c, err := cellOf(g.edges[i].Midpoint)
		if err != nil {
			continue
		}
		idx.edgeCells[c] = append(idx.edgeCells[c], i)
	}
	for c := range idx.edgeCells {
		sort.Ints(idx.edgeCells[c])
	}
	return idx
}

func cellOf(c geo.Coord) (h3.Cell, error) {
	return h3.LatLngToCell(h3.LatLng{Lat: c.Lat, Lng: c.Lon}, indexRes)
}

// snap walks outward ring by ring; once a candidate appears it expands
// one more ring so a closer node just across a cell boundary is not
// missed, then takes the haversine minimum.
func (s *spatialIndex) snap(c geo.Coord) (NodeID, error) {
	origin, err := cellOf(c)
	if err != nil {
		return 0, ErrNoNearbyNode
	}

	var (
		best     NodeID
		bestDist = math.Inf(1)
		foundAt  = -1
	)
	for k := 0; k <= maxSnapRings; k++ {
		disk, err := h3.GridDisk(origin, k)
		if err != nil {
			break
		}
		for _, cell := range disk {
			for _, id := range s.nodeCells[cell] {
				d := geo.Haversine(c, s.g.nodes[id].Coord)
				if d < bestDist || (d == bestDist && id < best) {
					best, bestDist = id, d
				}
			}
		}
		if !math.IsInf(bestDist, 1) {
			if foundAt < 0 {
				foundAt = k
				continue // one boundary ring, then stop
			}
			if k > foundAt {
				break
			}
		}
	}
	if math.IsInf(bestDist, 1) || bestDist > SnapCapM {
		return 0, ErrNoNearbyNode
	}
	return best, nil
}

func (s *spatialIndex) edgesWithin(center geo.Coord, radiusM float64) []EdgeID {
	origin, err := cellOf(center)
	if err != nil {
		return nil
	}
	k := int(math.Ceil(radiusM/ringSpanM)) + 1
	disk, err := h3.GridDisk(origin, k)
	if err != nil {
		return nil
	}

	hits := make([]int, 0, 64)
	for _, cell := range disk {
		for _, i := range s.edgeCells[cell] {
			if geo.Haversine(center, s.g.edges[i].Midpoint) <= radiusM {
				hits = append(hits, i)
			}
		}
	}
	sort.Ints(hits) // dense index order is EdgeID order
	out := make([]EdgeID, len(hits))
	for i, idx := range hits {
		out[i] = s.g.edges[idx].ID
	}
	return out
}
