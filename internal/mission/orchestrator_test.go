package mission

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/floodwatch-ph/floodroute/internal/bus"
	"github.com/floodwatch-ph/floodroute/internal/evac"
	"github.com/floodwatch-ph/floodroute/internal/geo"
	"github.com/floodwatch-ph/floodroute/internal/graph"
	"github.com/floodwatch-ph/floodroute/internal/model"
	"github.com/floodwatch-ph/floodroute/internal/routing"
)

const (
	gridCols = 3
	baseLat  = 14.6500
	baseLon  = 121.1000
	step     = 0.0018
)

func nodeID(r, c int) graph.NodeID { return graph.NodeID(r*gridCols + c) }

func coordAt(r, c int) geo.Coord {
	return geo.Coord{Lat: baseLat + float64(r)*step, Lon: baseLon + float64(c)*step}
}

func smallGraph(t *testing.T) *graph.Graph {
	t.Helper()
	var nodes []graph.Node
	var edges []graph.Edge
	for r := 0; r < 3; r++ {
		for c := 0; c < gridCols; c++ {
			nodes = append(nodes, graph.Node{ID: nodeID(r, c), Coord: coordAt(r, c)})
		}
	}
	link := func(a, b graph.NodeID) {
		edges = append(edges,
			graph.Edge{ID: graph.EdgeID{U: a, V: b, K: 0}, LengthM: 200, Class: graph.ClassResidential},
			graph.Edge{ID: graph.EdgeID{U: b, V: a, K: 0}, LengthM: 200, Class: graph.ClassResidential},
		)
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < gridCols; c++ {
			if c+1 < gridCols {
				link(nodeID(r, c), nodeID(r, c+1))
			}
			if r+1 < 3 {
				link(nodeID(r, c), nodeID(r+1, c))
			}
		}
	}
	g, err := graph.New(nodes, edges)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

// stubAgent replies CONFIRM (or FAILURE) to every REQUEST it receives.
func stubAgent(ctx context.Context, b *bus.Bus, id string, fail bool, payload any) {
	for {
		env, err := b.Receive(ctx, id, 200*time.Millisecond)
		if err != nil {
			return
		}
		if env == nil || env.Performative != bus.Request {
			continue
		}
		p := bus.Confirm
		pay := payload
		if fail {
			p = bus.Failure
			pay = "stub failure"
		}
		_ = b.Send(bus.Envelope{
			Performative:   p,
			Sender:         id,
			Receiver:       env.Sender,
			ContentType:    model.ContentResult,
			Payload:        pay,
			ConversationID: env.ConversationID,
		})
	}
}

func setup(t *testing.T) (*bus.Bus, *Orchestrator, context.Context) {
	t.Helper()
	g := smallGraph(t)
	b := bus.New()
	for _, id := range []string{model.AgentHazard, model.AgentFlood, model.AgentScout, model.AgentOrchestrator} {
		b.Register(id)
	}
	r := routing.New(g, zerolog.Nop())
	p := evac.NewPlanner(g, r, []evac.Shelter{{Name: "sports-center", Coord: coordAt(2, 2)}}, 0, zerolog.Nop())

	o := NewOrchestrator(b, r, p, Timeouts{
		Scout: time.Second, Flood: time.Second, Hazard: time.Second,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = o.Run(ctx) }()
	return b, o, ctx
}

func waitDone(t *testing.T, o *Orchestrator, id string) Mission {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m, err := o.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if m.Done() {
			return m
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("mission did not finish")
	return Mission{}
}

func TestAssessRiskWalksAllStates(t *testing.T) {
	b, o, ctx := setup(t)
	go stubAgent(ctx, b, model.AgentScout, false, 3)
	go stubAgent(ctx, b, model.AgentFlood, false, "stats")
	go stubAgent(ctx, b, model.AgentHazard, false, "pass-result")

	m, err := o.Start(ctx, TypeAssessRisk, Params{Location: "tumana"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	final := waitDone(t, o, m.ID)
	if final.State != StateCompleted {
		t.Fatalf("state = %s, reason = %s", final.State, final.Reason)
	}
	if final.Result != "pass-result" {
		t.Fatalf("result = %v, want the hazard reply", final.Result)
	}
}

func TestAssessRiskTimeoutFails(t *testing.T) {
	b, o, ctx := setup(t)
	go stubAgent(ctx, b, model.AgentScout, false, 0)
	// flood agent silent: AWAITING_FLOOD must time out

	m, _ := o.Start(ctx, TypeAssessRisk, Params{Location: "tumana"})
	final := waitDone(t, o, m.ID)
	if final.State != StateFailed {
		t.Fatalf("state = %s", final.State)
	}
	if final.Reason == "" || !contains(final.Reason, string(StateAwaitingFlood)) {
		t.Fatalf("reason = %q", final.Reason)
	}
}

func TestAgentFailurePropagates(t *testing.T) {
	b, o, ctx := setup(t)
	go stubAgent(ctx, b, model.AgentScout, true, nil)

	m, _ := o.Start(ctx, TypeAssessRisk, Params{Location: "tumana"})
	final := waitDone(t, o, m.ID)
	if final.State != StateFailed || !contains(final.Reason, "stub failure") {
		t.Fatalf("final: %+v", final)
	}
}

func TestUnderspecifiedMission(t *testing.T) {
	_, o, ctx := setup(t)
	m, _ := o.Start(ctx, TypeRouteCalculation, Params{})
	final := waitDone(t, o, m.ID)
	if final.State != StateFailed || !contains(final.Reason, "underspecified") {
		t.Fatalf("final: %+v", final)
	}
}

func TestRouteCalculationMission(t *testing.T) {
	_, o, ctx := setup(t)
	from, to := coordAt(0, 0), coordAt(2, 2)
	m, _ := o.Start(ctx, TypeRouteCalculation, Params{Start: &from, End: &to, Mode: routing.ModeBalanced})
	final := waitDone(t, o, m.ID)
	if final.State != StateCompleted {
		t.Fatalf("final: %+v", final)
	}
	res := final.Result.(routing.Result)
	if res.Status != routing.StatusSuccess || res.DistanceM != 800 {
		t.Fatalf("route: %+v", res)
	}
}

func TestCoordinatedEvacuationMission(t *testing.T) {
	_, o, ctx := setup(t)
	user := coordAt(0, 0)
	m, _ := o.Start(ctx, TypeCoordinatedEvacuation, Params{UserCoord: &user})
	final := waitDone(t, o, m.ID)
	if final.State != StateCompleted {
		t.Fatalf("final: %+v", final)
	}
	plan := final.Result.(evac.Plan)
	if plan.Shelter == nil || plan.Shelter.Name != "sports-center" {
		t.Fatalf("plan: %+v", plan)
	}
}

func TestUnknownTypeRejected(t *testing.T) {
	_, o, ctx := setup(t)
	if _, err := o.Start(ctx, Type("teleport"), Params{}); err != ErrUnknownType {
		t.Fatalf("err = %v", err)
	}
}

func TestFinishedMissionsQueryableFromRing(t *testing.T) {
	_, o, ctx := setup(t)
	m, _ := o.Start(ctx, TypeRouteCalculation, Params{}) // fails fast
	waitDone(t, o, m.ID)

	got, err := o.Get(m.ID)
	if err != nil {
		t.Fatalf("finished mission not found: %v", err)
	}
	if got.State != StateFailed {
		t.Fatalf("state = %s", got.State)
	}
	if _, err := o.Get("nope"); err != ErrUnknownMission {
		t.Fatalf("err = %v", err)
	}
}

func contains(s, sub string) bool { return strings.Contains(s, sub) }
