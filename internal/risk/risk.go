// Package risk maps flood depth and flow velocity to a normalized edge
// risk score. Pure functions; all tables are configuration pinned by
// tests.
package risk

import "github.com/floodwatch-ph/floodroute/internal/graph"

const gravity = 9.81

// Params carries the tunable tables. Changing them is a breaking
// behavioral change for every downstream consumer.
type Params struct {
	ClassMultiplier map[graph.RoadClass]float64
}

// DefaultParams penalizes bridges and low-lying service roads; primary
// roads are the 1.0 reference.
func DefaultParams() Params {
	return Params{
		ClassMultiplier: map[graph.RoadClass]float64{
			graph.ClassPrimary:     1.0,
			graph.ClassSecondary:   1.0,
			graph.ClassTertiary:    1.05,
			graph.ClassResidential: 1.1,
			graph.ClassService:     1.2,
			graph.ClassBridge:      1.3,
			graph.ClassHighway:     0.9,
		},
	}
}

// FromDepth computes the risk score for a flooded road segment.
// velocity defaults to 0 when unknown.
func FromDepth(depthM, velocityMS float64, class graph.RoadClass, p Params) float64 {
	if depthM <= 0 {
		return 0
	}
	e := depthM + velocityMS*velocityMS/(2*gravity)
	base := baseRisk(e)

	mult, ok := p.ClassMultiplier[class]
	if !ok {
		mult = 1.0
	}
	return clamp01(base * mult)
}

// baseRisk is the piecewise energy-head curve. Anchors: 0.1 m is
// negligible, 0.3 m stalls light vehicles, 0.6 m floats them, 1.0 m is
// life-threatening.
func baseRisk(e float64) float64 {
	switch {
	case e <= 0.1:
		return 0
	case e <= 0.3:
		return 0.4 * (e - 0.1) / 0.2
	case e <= 0.6:
		return 0.4 + 0.3*(e-0.3)/0.3
	case e <= 1.0:
		return 0.7 + 0.2*(e-0.6)/0.4
	default:
		v := 0.9 + (e-1.0)*0.1
		if v > 1.0 {
			return 1.0
		}
		return v
	}
}

// FromRainfall maps hourly rainfall intensity to a predictive risk
// level. PAGASA advisory bands: > 30 mm/h torrential, > 15 intense,
// > 7.5 heavy, > 2.5 moderate.
func FromRainfall(mmPerHour float64) float64 {
	switch {
	case mmPerHour > 30:
		return 0.8
	case mmPerHour > 15:
		return 0.6
	case mmPerHour > 7.5:
		return 0.4
	case mmPerHour > 2.5:
		return 0.2
	default:
		return 0
	}
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
