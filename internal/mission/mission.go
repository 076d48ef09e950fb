// Package mission runs the orchestrator: typed missions stepping
// through per-type state machines, talking to the agents over the bus.
package mission

import (
	"time"

	"github.com/floodwatch-ph/floodroute/internal/geo"
	"github.com/floodwatch-ph/floodroute/internal/routing"
)

type Type string

const (
	TypeAssessRisk            Type = "assess_risk"
	TypeRouteCalculation      Type = "route_calculation"
	TypeCoordinatedEvacuation Type = "coordinated_evacuation"
	TypeCascadeRiskUpdate     Type = "cascade_risk_update"
)

type State string

const (
	StateCreated            State = "CREATED"
	StateAwaitingScout      State = "AWAITING_SCOUT"
	StateAwaitingFlood      State = "AWAITING_FLOOD"
	StateAwaitingHazard     State = "AWAITING_HAZARD"
	StateAwaitingRouting    State = "AWAITING_ROUTING"
	StateAwaitingEvacuation State = "AWAITING_EVACUATION"
	StateCompleted          State = "COMPLETED"
	StateFailed             State = "FAILED"
)

// Params carries the typed inputs; fields are per mission type.
type Params struct {
	Location  string       `json:"location,omitempty"`
	Start     *geo.Coord   `json:"start,omitempty"`
	End       *geo.Coord   `json:"end,omitempty"`
	Mode      routing.Mode `json:"mode,omitempty"`
	UserCoord *geo.Coord   `json:"user_coord,omitempty"`
}

// Mission is one orchestrated unit of work.
type Mission struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	State     State     `json:"state"`
	Params    Params    `json:"params"`
	Result    any       `json:"result,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (m Mission) Done() bool {
	return m.State == StateCompleted || m.State == StateFailed
}

// ringSize is how many finished missions stay queryable.
const ringSize = 1024

// ring is a fixed-size overwrite buffer of finished missions.
type ring struct {
	buf  [ringSize]Mission
	next int
	full bool
}

func (r *ring) add(m Mission) {
	r.buf[r.next] = m
	r.next = (r.next + 1) % ringSize
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) find(id string) (Mission, bool) {
	n := r.next
	if r.full {
		n = ringSize
	}
	for i := 0; i < n; i++ {
		if r.buf[i].ID == id {
			return r.buf[i], true
		}
	}
	return Mission{}, false
}
