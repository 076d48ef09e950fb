package routing

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"github.com/floodwatch-ph/floodroute/internal/geo"
	"github.com/floodwatch-ph/floodroute/internal/graph"
)

const (
	gridRows = 4
	gridCols = 4
	baseLat  = 14.6500
	baseLon  = 121.1000
	step     = 0.0018
)

func nodeID(r, c int) graph.NodeID { return graph.NodeID(r*gridCols + c) }

func gridGraph(t *testing.T) *graph.Graph {
	t.Helper()
	var nodes []graph.Node
	var edges []graph.Edge
	for r := 0; r < gridRows; r++ {
		for c := 0; c < gridCols; c++ {
			nodes = append(nodes, graph.Node{
				ID:    nodeID(r, c),
				Coord: geo.Coord{Lat: baseLat + float64(r)*step, Lon: baseLon + float64(c)*step},
			})
		}
	}
	link := func(a, b graph.NodeID) {
		edges = append(edges,
			graph.Edge{ID: graph.EdgeID{U: a, V: b, K: 0}, LengthM: 200, Class: graph.ClassResidential},
			graph.Edge{ID: graph.EdgeID{U: b, V: a, K: 0}, LengthM: 200, Class: graph.ClassResidential},
		)
	}
	for r := 0; r < gridRows; r++ {
		for c := 0; c < gridCols; c++ {
			if c+1 < gridCols {
				link(nodeID(r, c), nodeID(r, c+1))
			}
			if r+1 < gridRows {
				link(nodeID(r, c), nodeID(r+1, c))
			}
		}
	}
	g, err := graph.New(nodes, edges)
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}
	return g
}

// floodRow sets both directions of every horizontal edge in row r to v.
func floodRow(t *testing.T, g *graph.Graph, row int, v float64) {
	t.Helper()
	for c := 0; c+1 < gridCols; c++ {
		a, b := nodeID(row, c), nodeID(row, c+1)
		if err := g.SetRisk(graph.EdgeID{U: a, V: b, K: 0}, v); err != nil {
			t.Fatal(err)
		}
		if err := g.SetRisk(graph.EdgeID{U: b, V: a, K: 0}, v); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCleanFieldTakesShortestPath(t *testing.T) {
	g := gridGraph(t)
	r := New(g, zerolog.Nop())

	res, err := r.RouteNodes(nodeID(0, 0), nodeID(0, 3), ModeFastest)
	if err != nil {
		t.Fatalf("RouteNodes: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s", res.Status)
	}
	if res.DistanceM != 600 {
		t.Fatalf("distance = %v, want straight 600", res.DistanceM)
	}
	if res.EstimatedTimeMin != 600.0/500.0 {
		t.Fatalf("time = %v", res.EstimatedTimeMin)
	}
	if len(res.Geometry) == 0 || len(res.Nodes) != 4 {
		t.Fatalf("path shape: nodes=%v geometry=%d", res.Nodes, len(res.Geometry))
	}
}

func TestSafestDetoursAroundFloodedRow(t *testing.T) {
	g := gridGraph(t)
	floodRow(t, g, 0, 0.95) // direct row blocked for safest (risk > 0.9)
	r := New(g, zerolog.Nop())

	res, err := r.RouteNodes(nodeID(0, 0), nodeID(0, 3), ModeSafest)
	if err != nil {
		t.Fatalf("RouteNodes: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s", res.Status)
	}
	if res.DistanceM <= 600 {
		t.Fatalf("expected a detour, got distance %v", res.DistanceM)
	}
	if res.MaxRisk > 0.9 {
		t.Fatalf("safest route crossed an excluded edge: max_risk %v", res.MaxRisk)
	}
	for _, w := range res.Warnings {
		if w == "FASTEST MODE FALLBACK" {
			t.Fatal("detour exists, fallback should not trigger")
		}
	}
}

func TestBalancedTradesDistanceForRisk(t *testing.T) {
	g := gridGraph(t)
	floodRow(t, g, 0, 0.8)
	r := New(g, zerolog.Nop())

	res, err := r.RouteNodes(nodeID(0, 0), nodeID(0, 3), ModeBalanced)
	if err != nil {
		t.Fatalf("RouteNodes: %v", err)
	}
	// balanced: flooded direct costs 600*(0.5+0.4)=540; detour via row 1
	// costs 1000*0.5=500, so the longer clean path wins
	if res.DistanceM <= 600 {
		t.Fatalf("balanced should detour, distance %v max_risk %v", res.DistanceM, res.MaxRisk)
	}
	if res.MaxRisk != 0 {
		t.Fatalf("clean detour expected, max_risk %v", res.MaxRisk)
	}
}

func TestFallbackWhenEverythingIsRisky(t *testing.T) {
	g := gridGraph(t)
	for row := 0; row < gridRows; row++ {
		floodRow(t, g, row, 0.95)
	}
	// vertical edges too
	for r := 0; r+1 < gridRows; r++ {
		for c := 0; c < gridCols; c++ {
			_ = g.SetRisk(graph.EdgeID{U: nodeID(r, c), V: nodeID(r+1, c), K: 0}, 0.95)
			_ = g.SetRisk(graph.EdgeID{U: nodeID(r+1, c), V: nodeID(r, c), K: 0}, 0.95)
		}
	}
	r := New(g, zerolog.Nop())

	res, err := r.RouteNodes(nodeID(0, 0), nodeID(3, 3), ModeSafest)
	if err != nil {
		t.Fatalf("RouteNodes: %v", err)
	}
	if res.Status != StatusNoSafeRoute {
		t.Fatalf("fallback should find the risky path flagged no_safe_route: %+v", res)
	}
	found := false
	for _, w := range res.Warnings {
		if w == "FASTEST MODE FALLBACK" {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing fallback warning: %v", res.Warnings)
	}
	if res.MaxRisk != 0.95 {
		t.Fatalf("max_risk = %v", res.MaxRisk)
	}
}

func TestImpassableWhenFilterBlocksAll(t *testing.T) {
	g := gridGraph(t)
	// saturate every edge so even the permissive filter excludes them
	vals := make([]float64, g.EdgeCount())
	for i := range vals {
		vals[i] = 1.0
	}
	if err := g.SetAllRisk(vals, time.Now()); err != nil {
		t.Fatal(err)
	}
	r := New(g, zerolog.Nop())

	res, err := r.RouteNodes(nodeID(0, 0), nodeID(3, 3), ModeSafest)
	if err != nil {
		t.Fatalf("RouteNodes: %v", err)
	}
	if res.Status != StatusImpassable {
		t.Fatalf("status = %s, want impassable", res.Status)
	}
	if len(res.Nodes) != 0 {
		t.Fatalf("impassable result must carry no path: %v", res.Nodes)
	}
}

func TestOutsideServiceArea(t *testing.T) {
	g := gridGraph(t)
	r := New(g, zerolog.Nop())

	manila := geo.Coord{Lat: 14.5995, Lon: 120.9842}
	inside := geo.Coord{Lat: baseLat, Lon: baseLon}
	if _, err := r.Route(manila, inside, ModeFastest); err != ErrOutsideServiceArea {
		t.Fatalf("err = %v, want ErrOutsideServiceArea", err)
	}
}

func TestRouteDeterministic(t *testing.T) {
	g := gridGraph(t)
	floodRow(t, g, 1, 0.5)
	r := New(g, zerolog.Nop())

	first, err := r.RouteNodes(nodeID(0, 0), nodeID(3, 3), ModeBalanced)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := r.RouteNodes(nodeID(0, 0), nodeID(3, 3), ModeBalanced)
		if err != nil {
			t.Fatal(err)
		}
		if len(again.Nodes) != len(first.Nodes) {
			t.Fatalf("run %d: path length changed", i)
		}
		for j := range first.Nodes {
			if first.Nodes[j] != again.Nodes[j] {
				t.Fatalf("run %d: node %d differs: %v vs %v", i, j, first.Nodes, again.Nodes)
			}
		}
	}
}

func TestFilterComplianceProperty(t *testing.T) {
	g := gridGraph(t)
	r := New(g, zerolog.Nop())

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("no returned edge violates the mode filter", prop.ForAll(
		func(seedRisks []float64) bool {
			vals := make([]float64, g.EdgeCount())
			for i := range vals {
				vals[i] = seedRisks[i%len(seedRisks)]
			}
			if err := g.SetAllRisk(vals, time.Now()); err != nil {
				return false
			}
			for _, mode := range []Mode{ModeSafest, ModeBalanced, ModeFastest} {
				res, err := r.RouteNodes(nodeID(0, 0), nodeID(3, 3), mode)
				if err != nil {
					return false
				}
				if res.Status == StatusImpassable {
					continue
				}
				fellBack := res.Status == StatusNoSafeRoute
				riskCap := 0.9
				strict := true
				if mode != ModeSafest || fellBack {
					riskCap, strict = 1.0, false
				}
				if strict && res.MaxRisk > riskCap {
					return false
				}
				if !strict && res.MaxRisk >= riskCap {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(8, gen.Float64Range(0, 1)),
	))

	properties.TestingRun(t)
}

// pathCost re-derives the objective of a returned path: for each hop it
// takes the cheapest parallel edge, the same choice the search makes.
func pathCost(t *testing.T, g *graph.Graph, nodes []graph.NodeID, p preset, risks []float64) float64 {
	t.Helper()
	total := 0.0
	for i := 0; i+1 < len(nodes); i++ {
		best := math.Inf(1)
		for _, ei := range g.OutEdges(nodes[i]) {
			e := g.EdgeAt(ei)
			if e.ID.V != nodes[i+1] {
				continue
			}
			if c := e.LengthM * (p.wDist + p.wRisk*risks[ei]); c < best {
				best = c
			}
		}
		if math.IsInf(best, 1) {
			t.Fatalf("path uses a non-edge hop %v -> %v", nodes[i], nodes[i+1])
		}
		total += best
	}
	return total
}

func TestRiskMonotonicityProperty(t *testing.T) {
	g := gridGraph(t)
	r := New(g, zerolog.Nop())

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	// risks stay below the permissive filter so balanced and fastest
	// never exclude an edge; the optimum can then only get worse when
	// one edge's risk rises
	properties.Property("raising an edge's risk never lowers the route cost", prop.ForAll(
		func(seedRisks []float64, pick int, bump float64) bool {
			base := make([]float64, g.EdgeCount())
			for i := range base {
				base[i] = seedRisks[i%len(seedRisks)] * 0.9
			}
			raised := make([]float64, len(base))
			copy(raised, base)
			i := pick % len(raised)
			raised[i] = base[i] + (0.99-base[i])*bump

			for _, mode := range []Mode{ModeBalanced, ModeFastest} {
				p, err := presetFor(mode)
				if err != nil {
					return false
				}
				if err := g.SetAllRisk(base, time.Now()); err != nil {
					return false
				}
				before, err := r.RouteNodes(nodeID(0, 0), nodeID(3, 3), mode)
				if err != nil || before.Status != StatusSuccess {
					return false
				}
				costBefore := pathCost(t, g, before.Nodes, p, base)

				if err := g.SetAllRisk(raised, time.Now()); err != nil {
					return false
				}
				after, err := r.RouteNodes(nodeID(0, 0), nodeID(3, 3), mode)
				if err != nil || after.Status != StatusSuccess {
					return false
				}
				costAfter := pathCost(t, g, after.Nodes, p, raised)

				if costAfter < costBefore-1e-9 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(8, gen.Float64Range(0, 1)),
		gen.IntRange(0, 1<<20),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}
