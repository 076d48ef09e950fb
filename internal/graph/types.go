package graph

import (
	"fmt"

	"github.com/floodwatch-ph/floodroute/internal/geo"
)

// NodeID identifies a road-network node. Ids come from the serialized
// network and are stable across reloads.
type NodeID int64

// EdgeID identifies a directed edge; K disambiguates parallel edges.
type EdgeID struct {
	U NodeID `json:"u"`
	V NodeID `json:"v"`
	K int    `json:"k"`
}

func (e EdgeID) String() string {
	return fmt.Sprintf("%d-%d-%d", e.U, e.V, e.K)
}

// Less gives the deterministic edge ordering used for tie-breaks and
// radius-query output.
func (e EdgeID) Less(o EdgeID) bool {
	if e.U != o.U {
		return e.U < o.U
	}
	if e.V != o.V {
		return e.V < o.V
	}
	return e.K < o.K
}

// RoadClass is the highway classification of an edge.
type RoadClass string

const (
	ClassPrimary     RoadClass = "primary"
	ClassSecondary   RoadClass = "secondary"
	ClassTertiary    RoadClass = "tertiary"
	ClassResidential RoadClass = "residential"
	ClassService     RoadClass = "service"
	ClassBridge      RoadClass = "bridge"
	ClassHighway     RoadClass = "highway"
)

// Node is immutable after load.
type Node struct {
	ID    NodeID
	Coord geo.Coord
}

// Edge is topologically immutable; only its risk (held in the graph's
// risk field, not here) changes at runtime.
type Edge struct {
	ID       EdgeID
	LengthM  float64
	Class    RoadClass
	Geometry []geo.Coord // polyline including endpoints; nil means straight line
	Midpoint geo.Coord
}

// RiskHistogram buckets the edge risk field.
type RiskHistogram struct {
	Low      int `json:"low"`      // < 0.3
	Moderate int `json:"moderate"` // < 0.6
	High     int `json:"high"`     // < 0.85
	Critical int `json:"critical"` // >= 0.85
}

func (h RiskHistogram) Total() int {
	return h.Low + h.Moderate + h.High + h.Critical
}

// Risk bucket thresholds.
const (
	ThresholdModerate = 0.3
	ThresholdHigh     = 0.6
	ThresholdCritical = 0.85
)
