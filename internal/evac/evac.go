// Package evac picks the best evacuation center for a coordinate by
// scoring safest-mode routes to the registered shelters.
package evac

import (
	"encoding/csv"
	"errors"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/floodwatch-ph/floodroute/internal/geo"
	"github.com/floodwatch-ph/floodroute/internal/graph"
	"github.com/floodwatch-ph/floodroute/internal/routing"
)

// DefaultLambda converts risk into meters for scoring: a single
// 0.9-risk crossing outweighs roughly 2 km of extra safe road.
const DefaultLambda = 2500.0

const StatusNoSafeShelter = "no_safe_shelter"

var ErrNoShelters = errors.New("evac: shelter registry is empty")

// Shelter is one registered evacuation center.
type Shelter struct {
	Name     string    `json:"name"`
	Coord    geo.Coord `json:"coord"`
	Capacity int       `json:"capacity,omitempty"`
	Type     string    `json:"type,omitempty"`
	Barangay string    `json:"barangay,omitempty"`
}

// Plan is the planner response. Route is nil when Status is
// no_safe_shelter.
type Plan struct {
	Status  string          `json:"status"`
	Shelter *Shelter        `json:"shelter,omitempty"`
	Route   *routing.Result `json:"route,omitempty"`
	Score   float64         `json:"score,omitempty"`
}

// LoadShelters reads CSV rows name,lat,lon[,capacity[,type[,barangay]]].
// Rows with non-finite coordinates are skipped.
func LoadShelters(r io.Reader) ([]Shelter, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	var out []Shelter
	first := true
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) < 3 {
			continue
		}
		lat, errLat := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		lon, errLon := strconv.ParseFloat(strings.TrimSpace(rec[2]), 64)
		if errLat != nil || errLon != nil {
			if first {
				first = false
				continue
			}
			return nil, errors.New("evac: malformed shelter row")
		}
		first = false
		if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lon) || math.IsInf(lon, 0) {
			continue
		}
		s := Shelter{Name: strings.TrimSpace(rec[0]), Coord: geo.Coord{Lat: lat, Lon: lon}}
		if len(rec) >= 4 {
			if n, err := strconv.Atoi(strings.TrimSpace(rec[3])); err == nil {
				s.Capacity = n
			}
		}
		if len(rec) >= 5 {
			s.Type = strings.TrimSpace(rec[4])
		}
		if len(rec) >= 6 {
			s.Barangay = strings.TrimSpace(rec[5])
		}
		out = append(out, s)
	}
	return out, nil
}

func LoadSheltersFile(path string) ([]Shelter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadShelters(f)
}

// Planner scores shelters against the live risk field. The
// shelter-to-node snap table is computed once per graph.
type Planner struct {
	graph    *graph.Graph
	router   *routing.Router
	shelters []Shelter
	lambda   float64
	log      zerolog.Logger

	snapOnce sync.Once
	snapped  []graph.NodeID
	snapOK   []bool
}

func NewPlanner(g *graph.Graph, r *routing.Router, shelters []Shelter, lambda float64, log zerolog.Logger) *Planner {
	if lambda <= 0 {
		lambda = DefaultLambda
	}
	return &Planner{
		graph:    g,
		router:   r,
		shelters: shelters,
		lambda:   lambda,
		log:      log.With().Str("component", "evac").Logger(),
	}
}

func (p *Planner) snapTable() {
	p.snapOnce.Do(func() {
		p.snapped = make([]graph.NodeID, len(p.shelters))
		p.snapOK = make([]bool, len(p.shelters))
		for i, s := range p.shelters {
			n, err := p.graph.Snap(s.Coord)
			if err != nil {
				p.log.Warn().Str("shelter", s.Name).Msg("shelter does not snap to the network")
				continue
			}
			p.snapped[i] = n
			p.snapOK[i] = true
		}
	})
}

// Best routes the user to every reachable shelter with the safest
// preset and returns the lowest-scoring plan.
func (p *Planner) Best(user geo.Coord) (Plan, error) {
	if len(p.shelters) == 0 {
		return Plan{}, ErrNoShelters
	}
	start, err := p.graph.Snap(user)
	if err != nil {
		return Plan{}, routing.ErrOutsideServiceArea
	}
	p.snapTable()

	type candidate struct {
		idx   int
		score float64
		route routing.Result
	}
	var cands []candidate
	for i := range p.shelters {
		if !p.snapOK[i] {
			continue
		}
		res, err := p.router.RouteNodes(start, p.snapped[i], routing.ModeSafest)
		if err != nil || res.Status != routing.StatusSuccess {
			continue
		}
		cands = append(cands, candidate{
			idx:   i,
			score: res.DistanceM + p.lambda*res.MaxRisk,
			route: res,
		})
	}
	if len(cands) == 0 {
		return Plan{Status: StatusNoSafeShelter}, nil
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score < cands[j].score
		}
		return p.shelters[cands[i].idx].Name < p.shelters[cands[j].idx].Name
	})
	best := cands[0]
	sh := p.shelters[best.idx]
	return Plan{
		Status:  routing.StatusSuccess,
		Shelter: &sh,
		Route:   &best.route,
		Score:   best.score,
	}, nil
}
