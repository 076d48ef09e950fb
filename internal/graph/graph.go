// Package graph holds the immutable street network, its spatial indexes,
// and the mutable per-edge risk field. The risk field has a single writer
// (the hazard agent); everything else reads.
package graph

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/floodwatch-ph/floodroute/internal/geo"
)

var (
	ErrNoNearbyNode  = errors.New("graph: no node within snap radius")
	ErrUnknownEntity = errors.New("graph: unknown node or edge")
)

// SnapCapM is the farthest a free-form coordinate may be from the
// network before Snap refuses to match it.
const SnapCapM = 2000.0

type Graph struct {
	nodes   map[NodeID]Node
	edges   []Edge // sorted by EdgeID for deterministic iteration
	edgeIdx map[EdgeID]int
	out     map[NodeID][]int // outgoing edge indexes, sorted by EdgeID

	spatial *spatialIndex

	riskMu      sync.RWMutex
	risk        []float64
	riskUpdated []time.Time
}

// New builds a graph from node and edge tables. Edges referencing
// unknown nodes are rejected.
func New(nodes []Node, edges []Edge) (*Graph, error) {
	g := &Graph{
		nodes:   make(map[NodeID]Node, len(nodes)),
		edgeIdx: make(map[EdgeID]int, len(edges)),
		out:     make(map[NodeID][]int),
	}
	for _, n := range nodes {
		g.nodes[n.ID] = n
	}

	sorted := make([]Edge, 0, len(edges))
	sorted = append(sorted, edges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID.Less(sorted[j].ID) })

	deduped := sorted[:0]
	for _, e := range sorted {
		u, okU := g.nodes[e.ID.U]
		v, okV := g.nodes[e.ID.V]
		if !okU || !okV {
			return nil, ErrUnknownEntity
		}
		if _, dup := g.edgeIdx[e.ID]; dup {
			continue
		}
		if len(e.Geometry) == 0 {
			e.Geometry = []geo.Coord{u.Coord, v.Coord}
		}
		e.Midpoint = geo.Midpoint(u.Coord, v.Coord)
		i := len(deduped)
		deduped = append(deduped, e)
		g.edgeIdx[e.ID] = i
		g.out[e.ID.U] = append(g.out[e.ID.U], i)
	}
	g.edges = deduped
	g.risk = make([]float64, len(g.edges))
	g.riskUpdated = make([]time.Time, len(g.edges))

	// out lists inherit the sorted edge order since indexes were
	// appended in ascending EdgeID order
	g.spatial = newSpatialIndex(g)
	return g, nil
}

func (g *Graph) NodeCount() int { return len(g.nodes) }
func (g *Graph) EdgeCount() int { return len(g.edges) }

func (g *Graph) Node(id NodeID) (Node, error) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, ErrUnknownEntity
	}
	return n, nil
}

func (g *Graph) Edge(id EdgeID) (Edge, error) {
	i, ok := g.edgeIdx[id]
	if !ok {
		return Edge{}, ErrUnknownEntity
	}
	return g.edges[i], nil
}

// EdgeAt returns the edge at a dense index in [0, EdgeCount).
func (g *Graph) EdgeAt(i int) Edge { return g.edges[i] }

// OutEdges returns the dense indexes of edges leaving n, in ascending
// EdgeID order.
func (g *Graph) OutEdges(n NodeID) []int { return g.out[n] }

// Snap returns the nearest node to c by haversine distance, or
// ErrNoNearbyNode if the nearest is farther than SnapCapM.
func (g *Graph) Snap(c geo.Coord) (NodeID, error) {
	return g.spatial.snap(c)
}

// EdgesWithin returns ids of edges whose midpoint lies within radiusM of
// center, in ascending EdgeID order.
func (g *Graph) EdgesWithin(center geo.Coord, radiusM float64) []EdgeID {
	return g.spatial.edgesWithin(center, radiusM)
}

// SetRisk overwrites one edge's risk, clamped to [0,1].
func (g *Graph) SetRisk(id EdgeID, v float64) error {
	i, ok := g.edgeIdx[id]
	if !ok {
		return ErrUnknownEntity
	}
	g.riskMu.Lock()
	g.risk[i] = clamp01(v)
	g.riskUpdated[i] = time.Now()
	g.riskMu.Unlock()
	return nil
}

// SetAllRisk replaces the whole risk field in one write-lock hold. vals
// must be indexed like EdgeAt. Used by the fusion pass so readers see
// either the pre-pass or post-pass field.
func (g *Graph) SetAllRisk(vals []float64, at time.Time) error {
	if len(vals) != len(g.risk) {
		return ErrUnknownEntity
	}
	g.riskMu.Lock()
	for i, v := range vals {
		g.risk[i] = clamp01(v)
		g.riskUpdated[i] = at
	}
	g.riskMu.Unlock()
	return nil
}

// Risk returns the current risk of the edge at dense index i.
func (g *Graph) Risk(i int) float64 {
	g.riskMu.RLock()
	v := g.risk[i]
	g.riskMu.RUnlock()
	return v
}

func (g *Graph) RiskByID(id EdgeID) (float64, error) {
	i, ok := g.edgeIdx[id]
	if !ok {
		return 0, ErrUnknownEntity
	}
	return g.Risk(i), nil
}

// RiskSnapshot copies the risk field for lock-free scoring during a
// route computation.
func (g *Graph) RiskSnapshot() []float64 {
	g.riskMu.RLock()
	out := make([]float64, len(g.risk))
	copy(out, g.risk)
	g.riskMu.RUnlock()
	return out
}

// LastUpdated returns the newest risk write time across the field, zero
// if no pass has run.
func (g *Graph) LastUpdated() time.Time {
	g.riskMu.RLock()
	defer g.riskMu.RUnlock()
	var latest time.Time
	for _, t := range g.riskUpdated {
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}

// RiskHistogram buckets every edge by its current risk.
func (g *Graph) RiskHistogram() RiskHistogram {
	g.riskMu.RLock()
	defer g.riskMu.RUnlock()
	var h RiskHistogram
	for _, v := range g.risk {
		switch {
		case v < ThresholdModerate:
			h.Low++
		case v < ThresholdHigh:
			h.Moderate++
		case v < ThresholdCritical:
			h.High++
		default:
			h.Critical++
		}
	}
	return h
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
