// Package hazard maintains the per-edge risk field. It is the single
// writer of graph risk: collectors INFORM it with fresh samples and
// reports, and each fusion pass rebuilds the field from the caches and
// the active flood scenario.
package hazard

import (
	"errors"
	"time"

	"github.com/floodwatch-ph/floodroute/internal/geo"
	"github.com/floodwatch-ph/floodroute/internal/graph"
	"github.com/floodwatch-ph/floodroute/internal/model"
	"github.com/floodwatch-ph/floodroute/internal/observability"
	"github.com/floodwatch-ph/floodroute/internal/raster"
	"github.com/floodwatch-ph/floodroute/internal/risk"
)

// Weights tunes the fusion blend. Flood applies to raster depth risk,
// Crowd and Hist to the diffused per-location risk.
type Weights struct {
	Flood   float64
	Crowd   float64
	Hist    float64
	RadiusM float64
	// EnvCap bounds the summed environmental contribution per edge so a
	// cluster of nearby reports cannot saturate an edge on its own.
	EnvCap float64
	// GlobalDamp scales the everywhere-applied contribution of a
	// location that could not be geocoded.
	GlobalDamp float64
}

func DefaultWeights() Weights {
	return Weights{
		Flood:      0.5,
		Crowd:      0.3,
		Hist:       0.2,
		RadiusM:    800,
		EnvCap:     0.9,
		GlobalDamp: 0.25,
	}
}

// DepthSource yields per-edge flood depth for a scenario. Satisfied by
// *raster.Catalog; tests substitute a fixed-depth stub.
type DepthSource interface {
	EdgeDepth(e graph.Edge, rp string, ts int) (float64, bool, error)
}

// PassResult summarizes one completed fusion pass.
type PassResult struct {
	Locations        []model.LocationRisk
	Histogram        graph.RiskHistogram
	EdgesUpdated     int
	CriticalStations []string
	Fallbacks        int
	Duration         time.Duration
	At               time.Time
}

// statusFloor maps an official station alert level to a minimum hydro
// risk, so a CRITICAL dam bulletin raises risk even without a usable
// depth reading.
func statusFloor(s model.StationStatus) float64 {
	switch s {
	case model.StatusAlert:
		return 0.4
	case model.StatusAlarm:
		return 0.6
	case model.StatusCritical:
		return 0.9
	default:
		return 0
	}
}

// fusePass rebuilds the edge-risk field from the given cache snapshots.
// Inputs must be pre-sorted (cache Snapshot order) so identical inputs
// produce bit-identical output.
func (e *Engine) fusePass(now time.Time, scn model.Scenario, samples []model.HydroSample, reports []model.ScoutReport) (PassResult, error) {
	start := time.Now()

	// phase 1: per-location fused risk
	locations := fuseLocations(now, samples, reports, e.params)

	// phase 2: raster contribution per edge
	n := e.graph.EdgeCount()
	final := make([]float64, n)
	if scn.GeoTIFF && e.depth != nil {
		for i := 0; i < n; i++ {
			d, ok, err := e.depth.EdgeDepth(e.graph.EdgeAt(i), scn.ReturnPeriod, scn.TimeStep)
			if err != nil {
				// a missing or unprojectable tile zeroes the raster term;
				// the environmental phases still run
				if errors.Is(err, raster.ErrMissingRaster) || errors.Is(err, raster.ErrProjection) {
					e.log.Warn().Err(err).Str("rp", scn.ReturnPeriod).Int("ts", scn.TimeStep).
						Msg("flood tile unusable, raster contribution zeroed")
					break
				}
				return PassResult{}, err
			}
			if ok {
				final[i] = risk.FromDepth(d, 0, e.graph.EdgeAt(i).Class, e.params) * e.weights.Flood
			}
		}
	}

	// phase 3: environmental diffusion
	env := make([]float64, n)
	envWeight := e.weights.Crowd + e.weights.Hist
	fallbacks := 0
	for _, loc := range locations {
		contrib := loc.RiskLevel * envWeight
		if loc.Coord == nil {
			// no coordinate: damped contribution everywhere
			fallbacks++
			observability.IncFusionGlobalFallback()
			e.log.Warn().Str("location", loc.Name).Msg("location not geocodable, applying global fallback")
			for i := range env {
				env[i] += contrib * e.weights.GlobalDamp
			}
			continue
		}
		for _, id := range e.graph.EdgesWithin(*loc.Coord, e.weights.RadiusM) {
			i := e.edgeIndex[id]
			env[i] += contrib
		}
	}
	for i := range env {
		if env[i] > e.weights.EnvCap {
			env[i] = e.weights.EnvCap
		}
		final[i] += env[i]
		if final[i] > 1 {
			final[i] = 1
		}
	}

	// phase 4: single-lock write
	if err := e.graph.SetAllRisk(final, now); err != nil {
		return PassResult{}, err
	}

	res := PassResult{
		Locations:        locations,
		Histogram:        e.graph.RiskHistogram(),
		EdgesUpdated:     n,
		CriticalStations: criticalStations(samples, locations),
		Fallbacks:        fallbacks,
		Duration:         time.Since(start),
		At:               now,
	}
	observability.ObserveFusionPass(res.Duration, res.EdgesUpdated)
	return res, nil
}

// fuseLocations merges hydrological samples and scout reports into
// per-location risk records, keyed by station id or location name.
func fuseLocations(now time.Time, samples []model.HydroSample, reports []model.ScoutReport, params risk.Params) []model.LocationRisk {
	byName := make(map[string]*model.LocationRisk)
	var order []string

	get := func(name string, coord *geo.Coord) *model.LocationRisk {
		if lr, ok := byName[name]; ok {
			if lr.Coord == nil && coord != nil {
				lr.Coord = coord
			}
			return lr
		}
		lr := &model.LocationRisk{Name: name, Coord: coord, LastUpdated: now}
		byName[name] = lr
		order = append(order, name)
		return lr
	}

	for _, s := range samples {
		c := s.Coord
		lr := get(s.StationID, &c)
		var hydro float64
		switch s.Kind {
		case model.KindRiver:
			hydro = risk.FromDepth(s.Value, 0, graph.ClassPrimary, params)
			lr.Sources = appendUnique(lr.Sources, "river_gauge")
		case model.KindRainfall:
			hydro = 0.5 * risk.FromRainfall(s.Value)
			lr.Sources = appendUnique(lr.Sources, "rainfall")
		case model.KindDam:
			lr.Sources = appendUnique(lr.Sources, "dam")
		}
		if f := statusFloor(s.Status); f > hydro {
			hydro = f
		}
		if hydro > lr.RiskLevel {
			lr.RiskLevel = hydro
		}
	}

	for _, r := range reports {
		var cw *geo.Coord
		if r.Coord != nil {
			c := *r.Coord
			cw = &c
		}
		lr := get(scoutKey(r), cw)
		lr.Sources = appendUnique(lr.Sources, "scout")
		if v := r.Severity * r.Confidence; v > lr.RiskLevel {
			lr.RiskLevel = v
		}
	}

	out := make([]model.LocationRisk, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out
}

func criticalStations(samples []model.HydroSample, locations []model.LocationRisk) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range samples {
		if s.Status == model.StatusCritical && !seen[s.StationID] {
			seen[s.StationID] = true
			out = append(out, s.StationID)
		}
	}
	for _, lr := range locations {
		if lr.RiskLevel >= graph.ThresholdCritical && !seen[lr.Name] {
			seen[lr.Name] = true
			out = append(out, lr.Name)
		}
	}
	return out
}

func appendUnique(ss []string, s string) []string {
	for _, v := range ss {
		if v == s {
			return ss
		}
	}
	return append(ss, s)
}
