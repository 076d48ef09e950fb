// Package routing computes risk-aware routes over the street network
// with A* against the current edge-risk field.
package routing

import (
	"container/heap"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/floodwatch-ph/floodroute/internal/geo"
	"github.com/floodwatch-ph/floodroute/internal/graph"
	"github.com/floodwatch-ph/floodroute/internal/observability"
)

// Mode selects the distance/risk trade-off.
type Mode string

const (
	ModeSafest   Mode = "safest"
	ModeBalanced Mode = "balanced"
	ModeFastest  Mode = "fastest"
)

var ErrOutsideServiceArea = errors.New("routing: coordinate outside the service area")

// preset is a weight pair plus the hard risk filter applied during
// expansion.
type preset struct {
	wDist   float64
	wRisk   float64
	maxRisk float64 // edges with risk beyond this are suppressed
	strict  bool    // strict uses >, lenient uses >=
}

func presetFor(m Mode) (preset, error) {
	switch m {
	case ModeSafest:
		return preset{wDist: 0.1, wRisk: 0.9, maxRisk: 0.9, strict: true}, nil
	case ModeBalanced:
		return preset{wDist: 0.5, wRisk: 0.5, maxRisk: 1.0}, nil
	case ModeFastest, "":
		return preset{wDist: 0.8, wRisk: 0.2, maxRisk: 1.0}, nil
	default:
		return preset{}, fmt.Errorf("routing: unknown mode %q", m)
	}
}

func (p preset) excluded(risk float64) bool {
	if p.strict {
		return risk > p.maxRisk
	}
	return risk >= p.maxRisk
}

// speedMPerMin is the fixed 30 km/h urban travel assumption.
const speedMPerMin = 500.0

const (
	StatusSuccess    = "success"
	StatusImpassable = "impassable"
	// StatusNoSafeRoute marks a route delivered by the fastest-preset
	// fallback after the safest filter blocked every path.
	StatusNoSafeRoute = "no_safe_route"
)

// Result is the routing response. On impassable results only Status,
// Warnings, and LastUpdated are populated.
type Result struct {
	Status                 string        `json:"status"`
	Mode                   Mode          `json:"mode"`
	Nodes                  []graph.NodeID `json:"nodes,omitempty"`
	Geometry               []geo.Coord   `json:"geometry,omitempty"`
	DistanceM              float64       `json:"distance_m"`
	EstimatedTimeMin       float64       `json:"estimated_time_min"`
	MaxRisk                float64       `json:"max_risk"`
	MeanRiskLengthWeighted float64       `json:"mean_risk_length_weighted"`
	Warnings               []string      `json:"warnings,omitempty"`
	LastUpdated            time.Time     `json:"risk_last_updated"`
}

type Router struct {
	graph *graph.Graph
	log   zerolog.Logger
}

func New(g *graph.Graph, log zerolog.Logger) *Router {
	return &Router{graph: g, log: log.With().Str("component", "routing").Logger()}
}

// Route computes a route between two free-form coordinates.
func (r *Router) Route(from, to geo.Coord, mode Mode) (Result, error) {
	if !geo.MarikinaBBox.Contains(from) || !geo.MarikinaBBox.Contains(to) {
		observability.ObserveRoute(string(mode), "outside_service_area")
		return Result{}, ErrOutsideServiceArea
	}
	start, err := r.graph.Snap(from)
	if err != nil {
		observability.ObserveRoute(string(mode), "outside_service_area")
		return Result{}, ErrOutsideServiceArea
	}
	goal, err := r.graph.Snap(to)
	if err != nil {
		observability.ObserveRoute(string(mode), "outside_service_area")
		return Result{}, ErrOutsideServiceArea
	}
	res, err := r.RouteNodes(start, goal, mode)
	if err != nil {
		return Result{}, err
	}
	observability.ObserveRoute(string(mode), res.Status)
	return res, nil
}

// RouteNodes computes a route between two snapped nodes.
func (r *Router) RouteNodes(start, goal graph.NodeID, mode Mode) (Result, error) {
	p, err := presetFor(mode)
	if err != nil {
		return Result{}, err
	}
	if mode == "" {
		mode = ModeFastest
	}
	if start == goal {
		n, err := r.graph.Node(start)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Status:      StatusSuccess,
			Mode:        mode,
			Nodes:       []graph.NodeID{start},
			Geometry:    []geo.Coord{n.Coord},
			LastUpdated: r.graph.LastUpdated(),
		}, nil
	}

	risks := r.graph.RiskSnapshot()
	path, ok := r.search(start, goal, p, risks)
	warnings := []string(nil)
	fellBack := false
	if !ok && mode == ModeSafest {
		// one retry with the permissive filter before giving up
		fp, _ := presetFor(ModeFastest)
		path, ok = r.search(start, goal, fp, risks)
		if ok {
			fellBack = true
			warnings = append(warnings, "FASTEST MODE FALLBACK")
		}
	}
	if !ok {
		return Result{
			Status:      StatusImpassable,
			Mode:        mode,
			Warnings:    append(warnings, "IMPASSABLE: no route found below risk cap"),
			LastUpdated: r.graph.LastUpdated(),
		}, nil
	}
	res := r.assemble(mode, path, risks, warnings)
	if fellBack {
		res.Status = StatusNoSafeRoute
	}
	return res, nil
}

// assemble walks the edge path and builds totals, geometry, and risk
// warnings.
func (r *Router) assemble(mode Mode, edgePath []int, risks []float64, warnings []string) Result {
	res := Result{
		Status:      StatusSuccess,
		Mode:        mode,
		Warnings:    warnings,
		LastUpdated: r.graph.LastUpdated(),
	}

	var riskLen float64
	seenHigh, seenCritical := false, false
	for _, i := range edgePath {
		e := r.graph.EdgeAt(i)
		if len(res.Nodes) == 0 {
			res.Nodes = append(res.Nodes, e.ID.U)
		}
		res.Nodes = append(res.Nodes, e.ID.V)

		// skip the shared vertex when concatenating polylines
		gstart := 0
		if len(res.Geometry) > 0 {
			gstart = 1
		}
		res.Geometry = append(res.Geometry, e.Geometry[gstart:]...)

		res.DistanceM += e.LengthM
		riskLen += risks[i] * e.LengthM
		if risks[i] > res.MaxRisk {
			res.MaxRisk = risks[i]
		}
		if risks[i] >= graph.ThresholdCritical {
			seenCritical = true
		} else if risks[i] >= 0.7 {
			seenHigh = true
		}
	}
	if res.DistanceM > 0 {
		res.MeanRiskLengthWeighted = riskLen / res.DistanceM
		res.EstimatedTimeMin = res.DistanceM / speedMPerMin
	}
	if seenCritical {
		res.Warnings = append(res.Warnings, "CRITICAL: route traverses a 0.85 segment")
	} else if seenHigh {
		res.Warnings = append(res.Warnings, "WARNING: route traverses HIGH risk segment >= 0.7")
	}
	return res
}

// pqItem is one frontier entry; index is maintained by the heap.
type pqItem struct {
	node     graph.NodeID
	priority float64 // g + h
	index    int
}

type frontier []*pqItem

func (f frontier) Len() int { return len(f) }
func (f frontier) Less(i, j int) bool {
	if f[i].priority != f[j].priority {
		return f[i].priority < f[j].priority
	}
	// deterministic tie-break
	return f[i].node < f[j].node
}
func (f frontier) Swap(i, j int) {
	f[i], f[j] = f[j], f[i]
	f[i].index = i
	f[j].index = j
}
func (f *frontier) Push(x any) {
	it := x.(*pqItem)
	it.index = len(*f)
	*f = append(*f, it)
}
func (f *frontier) Pop() any {
	old := *f
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*f = old[:n-1]
	return it
}

// search runs A* and returns the path as dense edge indexes. The
// heuristic is straight-line distance times wDist, which never
// overestimates because every meter costs at least wDist.
func (r *Router) search(start, goal graph.NodeID, p preset, risks []float64) ([]int, bool) {
	goalNode, err := r.graph.Node(goal)
	if err != nil {
		return nil, false
	}
	h := func(n graph.NodeID) float64 {
		node, _ := r.graph.Node(n)
		return geo.Haversine(node.Coord, goalNode.Coord) * p.wDist
	}

	gScore := map[graph.NodeID]float64{start: 0}
	cameFrom := map[graph.NodeID]int{} // node -> incoming dense edge index
	inOpen := map[graph.NodeID]*pqItem{}
	closed := map[graph.NodeID]bool{}

	f := &frontier{}
	heap.Init(f)
	startItem := &pqItem{node: start, priority: h(start)}
	heap.Push(f, startItem)
	inOpen[start] = startItem

	for f.Len() > 0 {
		cur := heap.Pop(f).(*pqItem)
		delete(inOpen, cur.node)
		if cur.node == goal {
			return reconstruct(cameFrom, r.graph, start, goal), true
		}
		if closed[cur.node] {
			continue
		}
		closed[cur.node] = true

		for _, ei := range r.graph.OutEdges(cur.node) {
			e := r.graph.EdgeAt(ei)
			if p.excluded(risks[ei]) {
				continue
			}
			next := e.ID.V
			if closed[next] {
				continue
			}
			tentative := gScore[cur.node] + e.LengthM*(p.wDist+p.wRisk*risks[ei])
			old, known := gScore[next]
			better := !known || tentative < old
			// equal-cost paths keep the smaller incoming edge id so
			// repeated runs pick the same route
			if known && tentative == old {
				if prev, hasPrev := cameFrom[next]; hasPrev && e.ID.Less(r.graph.EdgeAt(prev).ID) {
					cameFrom[next] = ei
				}
				continue
			}
			if !better {
				continue
			}
			gScore[next] = tentative
			cameFrom[next] = ei
			prio := tentative + h(next)
			if it, open := inOpen[next]; open {
				it.priority = prio
				heap.Fix(f, it.index)
			} else {
				it := &pqItem{node: next, priority: prio}
				heap.Push(f, it)
				inOpen[next] = it
			}
		}
	}
	return nil, false
}

func reconstruct(cameFrom map[graph.NodeID]int, g *graph.Graph, start, goal graph.NodeID) []int {
	if start == goal {
		return []int{}
	}
	var rev []int
	cur := goal
	for cur != start {
		ei, ok := cameFrom[cur]
		if !ok {
			return nil
		}
		rev = append(rev, ei)
		cur = g.EdgeAt(ei).ID.U
	}
	path := make([]int, len(rev))
	for i, ei := range rev {
		path[len(rev)-1-i] = ei
	}
	return path
}
