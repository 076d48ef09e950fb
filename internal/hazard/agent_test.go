package hazard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/floodwatch-ph/floodroute/internal/bus"
	"github.com/floodwatch-ph/floodroute/internal/model"
)

type captureHub struct {
	mu      sync.Mutex
	updates []model.LiveUpdate
}

func (h *captureHub) Publish(u model.LiveUpdate) {
	h.mu.Lock()
	h.updates = append(h.updates, u)
	h.mu.Unlock()
}

func (h *captureHub) byKind(kind string) []model.LiveUpdate {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []model.LiveUpdate
	for _, u := range h.updates {
		if u.Kind == kind {
			out = append(out, u)
		}
	}
	return out
}

func startAgent(t *testing.T, e *Engine) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("agent did not stop")
		}
	})
	return cancel
}

func TestScenarioChangeRunsOnePass(t *testing.T) {
	g := testGraph(t)
	b := bus.New()
	b.Register(model.AgentHazard)
	e := NewEngine(g, b, zerolog.Nop(), Options{})
	startAgent(t, e)

	ctx := context.Background()
	reply, err := b.Call(ctx, model.AgentHazard, model.ContentSetScenario,
		model.Scenario{ReturnPeriod: "rr03", TimeStep: 7}, 3*time.Second)
	if err != nil || reply == nil {
		t.Fatalf("Call: reply=%v err=%v", reply, err)
	}
	if reply.Performative != bus.Confirm {
		t.Fatalf("performative = %v, payload = %v", reply.Performative, reply.Payload)
	}
	if _, ok := reply.Payload.(PassResult); !ok {
		t.Fatalf("reply payload %T, want PassResult", reply.Payload)
	}

	scn := e.Scenario()
	if scn.ReturnPeriod != "rr03" || scn.TimeStep != 7 {
		t.Fatalf("scenario not applied: %+v", scn)
	}
	if _, ran := e.LastPass(); !ran {
		t.Fatal("scenario change should have run a pass")
	}
}

func TestInvalidScenarioRejected(t *testing.T) {
	g := testGraph(t)
	b := bus.New()
	b.Register(model.AgentHazard)
	e := NewEngine(g, b, zerolog.Nop(), Options{})
	startAgent(t, e)

	reply, err := b.Call(context.Background(), model.AgentHazard, model.ContentSetScenario,
		model.Scenario{ReturnPeriod: "rr09", TimeStep: 99}, 3*time.Second)
	if err != nil || reply == nil {
		t.Fatalf("Call: reply=%v err=%v", reply, err)
	}
	if reply.Performative != bus.Failure {
		t.Fatalf("invalid scenario accepted: %+v", reply)
	}
	if _, ran := e.LastPass(); ran {
		t.Fatal("invalid scenario must not trigger a pass")
	}
}

func TestFloodBatchTriggersPassAndLiveUpdates(t *testing.T) {
	g := testGraph(t)
	b := bus.New()
	b.Register(model.AgentHazard)
	hub := &captureHub{}
	e := NewEngine(g, b, zerolog.Nop(), Options{Live: hub})
	startAgent(t, e)

	err := b.Send(bus.Envelope{
		Performative: bus.Inform,
		Sender:       model.AgentFlood,
		Receiver:     model.AgentHazard,
		ContentType:  model.ContentFloodBatch,
		Payload: model.FloodBatch{
			Samples: []model.HydroSample{{
				StationID: "sto-nino", Kind: model.KindRiver,
				Coord: centerCoord(), Value: 1.5,
				Status: model.StatusCritical, ObservedAt: time.Now(),
			}},
			CollectedAt: time.Now(),
		},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ran := e.LastPass(); ran {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	res, ran := e.LastPass()
	if !ran {
		t.Fatal("flood batch did not trigger a pass")
	}
	if len(res.CriticalStations) != 1 || res.CriticalStations[0] != "sto-nino" {
		t.Fatalf("critical stations: %+v", res.CriticalStations)
	}

	if got := hub.byKind(model.LiveFloodUpdate); len(got) != 1 {
		t.Fatalf("flood_update frames: %d", len(got))
	}
	if got := hub.byKind(model.LiveRiskUpdate); len(got) != 1 {
		t.Fatalf("risk_update frames: %d", len(got))
	}
	if got := hub.byKind(model.LiveCriticalAlert); len(got) != 1 {
		t.Fatalf("critical_alert frames: %d", len(got))
	}
}

func TestQueuedTriggersCoalesceIntoOnePass(t *testing.T) {
	g := testGraph(t)
	b := bus.New()
	b.Register(model.AgentHazard)
	b.Register("ops")
	hub := &captureHub{}
	e := NewEngine(g, b, zerolog.Nop(), Options{Live: hub})

	// queue several triggers before the agent starts draining
	for _, conv := range []string{"c1", "c2", "c3"} {
		err := b.Send(bus.Envelope{
			Performative:   bus.Request,
			Sender:         "ops",
			Receiver:       model.AgentHazard,
			ContentType:    model.ContentFuseNow,
			ConversationID: conv,
		})
		if err != nil {
			t.Fatalf("Send %s: %v", conv, err)
		}
	}
	startAgent(t, e)

	ctx := context.Background()
	replied := map[string]bool{}
	for i := 0; i < 3; i++ {
		env, err := b.Receive(ctx, "ops", 3*time.Second)
		if err != nil || env == nil {
			t.Fatalf("reply %d: env=%v err=%v", i, env, err)
		}
		if env.Performative != bus.Confirm {
			t.Fatalf("reply %d: performative %v payload %v", i, env.Performative, env.Payload)
		}
		replied[env.ConversationID] = true
	}
	if len(replied) != 3 {
		t.Fatalf("replies for %d conversations, want 3: %v", len(replied), replied)
	}

	e.mu.RLock()
	passes := e.passCount
	e.mu.RUnlock()
	if passes != 1 {
		t.Fatalf("queued triggers ran %d passes, want 1 coalesced pass", passes)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(hub.byKind(model.LiveRiskUpdate)) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := hub.byKind(model.LiveRiskUpdate); len(got) != 1 {
		t.Fatalf("risk_update frames: %d, want 1", len(got))
	}
}

func TestCriticalAlertDebounce(t *testing.T) {
	g := testGraph(t)
	b := bus.New()
	b.Register(model.AgentHazard)
	hub := &captureHub{}
	e := NewEngine(g, b, zerolog.Nop(), Options{Live: hub})

	samples := []model.HydroSample{{
		StationID: "wawa-dam", Kind: model.KindDam,
		Coord: centerCoord(), Status: model.StatusCritical, ObservedAt: time.Now(),
	}}

	now := time.Now()
	res, err := e.fusePass(now, model.DefaultScenario(), samples, nil)
	if err != nil {
		t.Fatalf("fusePass: %v", err)
	}
	e.emitLive(res, model.DefaultScenario())

	// same station again inside the debounce window
	res2, err := e.fusePass(now.Add(10*time.Second), model.DefaultScenario(), samples, nil)
	if err != nil {
		t.Fatalf("fusePass: %v", err)
	}
	e.emitLive(res2, model.DefaultScenario())

	if got := hub.byKind(model.LiveCriticalAlert); len(got) != 1 {
		t.Fatalf("debounce failed: %d critical alerts", len(got))
	}

	// past the window the alert fires again
	res3, err := e.fusePass(now.Add(alertDebounce+time.Second), model.DefaultScenario(), samples, nil)
	if err != nil {
		t.Fatalf("fusePass: %v", err)
	}
	e.emitLive(res3, model.DefaultScenario())
	if got := hub.byKind(model.LiveCriticalAlert); len(got) != 2 {
		t.Fatalf("alert did not re-fire after debounce: %d", len(got))
	}
}
