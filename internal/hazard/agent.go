package hazard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/floodwatch-ph/floodroute/internal/bus"
	"github.com/floodwatch-ph/floodroute/internal/graph"
	"github.com/floodwatch-ph/floodroute/internal/model"
	"github.com/floodwatch-ph/floodroute/internal/raster"
	"github.com/floodwatch-ph/floodroute/internal/risk"
)

// alertDebounce is the minimum gap between critical alerts for the same
// station or location.
const alertDebounce = 60 * time.Second

// maxConsecutiveFailures aborts the agent so the supervisor restarts
// the process with a clean risk field.
const maxConsecutiveFailures = 3

// Broadcaster fans live updates out to subscribers. Satisfied by
// *live.Hub; nil disables broadcasting.
type Broadcaster interface {
	Publish(model.LiveUpdate)
}

// SnapshotSink persists the result of each pass. Satisfied by
// *snapshot.Store; nil disables persistence.
type SnapshotSink interface {
	StoreRisk(ctx context.Context, res PassResult) error
}

// Engine is the hazard agent: caches, scenario, and the fusion pass.
type Engine struct {
	graph     *graph.Graph
	depth     DepthSource
	params    risk.Params
	weights   Weights
	bus       *bus.Bus
	live      Broadcaster
	snapshots SnapshotSink
	log       zerolog.Logger

	edgeIndex map[graph.EdgeID]int

	flood  *floodCache
	scouts *scoutCache

	mu        sync.RWMutex
	scenario  model.Scenario
	last      PassResult
	passCount uint64

	lastAlert map[string]time.Time
}

type Options struct {
	Depth     DepthSource
	Params    risk.Params
	Weights   Weights
	Live      Broadcaster
	Snapshots SnapshotSink
}

func NewEngine(g *graph.Graph, b *bus.Bus, log zerolog.Logger, opts Options) *Engine {
	if opts.Params.ClassMultiplier == nil {
		opts.Params = risk.DefaultParams()
	}
	if opts.Weights == (Weights{}) {
		opts.Weights = DefaultWeights()
	}
	idx := make(map[graph.EdgeID]int, g.EdgeCount())
	for i := 0; i < g.EdgeCount(); i++ {
		idx[g.EdgeAt(i).ID] = i
	}
	return &Engine{
		graph:     g,
		depth:     opts.Depth,
		params:    opts.Params,
		weights:   opts.Weights,
		bus:       b,
		live:      opts.Live,
		snapshots: opts.Snapshots,
		log:       log.With().Str("component", "hazard").Logger(),
		edgeIndex: idx,
		flood:     newFloodCache(),
		scouts:    newScoutCache(),
		scenario:  model.DefaultScenario(),
		lastAlert: make(map[string]time.Time),
	}
}

// Scenario returns the active scenario handle.
func (e *Engine) Scenario() model.Scenario {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.scenario
}

// LastPass returns the result of the most recent fusion pass and
// whether any pass has completed.
func (e *Engine) LastPass() (PassResult, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last, e.passCount > 0
}

// Run consumes the hazard mailbox until ctx is canceled. Triggers that
// arrive while a pass is pending coalesce into a single pass.
func (e *Engine) Run(ctx context.Context) error {
	failures := 0
	for {
		env, err := e.bus.Receive(ctx, model.AgentHazard, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if env == nil {
			continue
		}

		var pending []bus.Envelope
		dirty := e.applyEnvelope(*env, &pending)
		for {
			next, _ := e.bus.TryReceive(model.AgentHazard)
			if next == nil {
				break
			}
			if e.applyEnvelope(*next, &pending) {
				dirty = true
			}
		}
		if !dirty {
			continue
		}

		if err := e.runPass(ctx, pending); err != nil {
			failures++
			e.log.Error().Err(err).Int("consecutive", failures).Msg("fusion pass failed")
			if failures >= maxConsecutiveFailures {
				return fmt.Errorf("hazard: %d consecutive pass failures: %w", failures, err)
			}
			continue
		}
		failures = 0
	}
}

// applyEnvelope folds one envelope into the caches or scenario and
// reports whether it requires a fusion pass. REQUESTs expecting a reply
// are appended to pending.
func (e *Engine) applyEnvelope(env bus.Envelope, pending *[]bus.Envelope) bool {
	switch env.ContentType {
	case model.ContentFloodBatch:
		batch, ok := env.Payload.(model.FloodBatch)
		if !ok {
			e.log.Warn().Str("sender", env.Sender).Msg("malformed flood batch payload")
			return false
		}
		e.flood.Update(batch.Samples)
		e.publish(model.LiveFloodUpdate, map[string]any{
			"samples":      len(batch.Samples),
			"collected_at": batch.CollectedAt,
		})
		return true

	case model.ContentScoutBatch:
		batch, ok := env.Payload.(model.ScoutBatch)
		if !ok {
			e.log.Warn().Str("sender", env.Sender).Msg("malformed scout batch payload")
			return false
		}
		e.scouts.Update(batch.Reports)
		return true

	case model.ContentFuseNow:
		*pending = append(*pending, env)
		return true

	case model.ContentSetScenario:
		scn, ok := env.Payload.(model.Scenario)
		if !ok || !raster.ValidScenario(scn.ReturnPeriod, scn.TimeStep) {
			e.reply(env, bus.Failure, fmt.Sprintf("invalid scenario %+v", env.Payload))
			return false
		}
		e.mu.Lock()
		scn.GeoTIFF = e.scenario.GeoTIFF
		e.scenario = scn
		e.mu.Unlock()
		*pending = append(*pending, env)
		return true

	case model.ContentGeoTIFF:
		enabled, ok := env.Payload.(bool)
		if !ok {
			e.reply(env, bus.Failure, "geotiff_toggle payload must be bool")
			return false
		}
		e.mu.Lock()
		e.scenario.GeoTIFF = enabled
		e.mu.Unlock()
		*pending = append(*pending, env)
		return true

	default:
		e.log.Warn().Str("content_type", env.ContentType).Str("sender", env.Sender).
			Msg("unhandled envelope")
		if env.Performative == bus.Request {
			e.reply(env, bus.Failure, "unsupported content type "+env.ContentType)
		}
		return false
	}
}

func (e *Engine) runPass(ctx context.Context, pending []bus.Envelope) error {
	scn := e.Scenario()
	now := time.Now()
	res, err := e.fusePass(now, scn, e.flood.Snapshot(), e.scouts.Snapshot())
	if err != nil {
		for _, req := range pending {
			e.reply(req, bus.Failure, err.Error())
		}
		return err
	}

	e.mu.Lock()
	e.last = res
	e.passCount++
	e.mu.Unlock()

	for _, req := range pending {
		e.reply(req, bus.Confirm, res)
	}
	e.emitLive(res, scn)

	if e.snapshots != nil {
		if serr := e.snapshots.StoreRisk(ctx, res); serr != nil {
			e.log.Warn().Err(serr).Msg("risk snapshot store failed")
		}
	}
	e.log.Info().Dur("duration", res.Duration).Int("edges", res.EdgesUpdated).
		Int("locations", len(res.Locations)).Int("fallbacks", res.Fallbacks).
		Msg("fusion pass complete")
	return nil
}

func (e *Engine) emitLive(res PassResult, scn model.Scenario) {
	e.publish(model.LiveRiskUpdate, map[string]any{
		"histogram": res.Histogram,
		"scenario":  scn,
		"edges":     res.EdgesUpdated,
		"at":        res.At,
	})

	var fresh []string
	for _, s := range res.CriticalStations {
		if last, ok := e.lastAlert[s]; ok && res.At.Sub(last) < alertDebounce {
			continue
		}
		e.lastAlert[s] = res.At
		fresh = append(fresh, s)
	}
	if len(fresh) > 0 {
		e.publish(model.LiveCriticalAlert, map[string]any{
			"stations": fresh,
			"at":       res.At,
		})
	}
}

func (e *Engine) publish(kind string, data map[string]any) {
	if e.live == nil {
		return
	}
	e.live.Publish(model.LiveUpdate{Kind: kind, Data: data, EmittedAt: time.Now()})
}

func (e *Engine) reply(req bus.Envelope, p bus.Performative, payload any) {
	if req.Performative != bus.Request || req.Sender == "" {
		return
	}
	err := e.bus.Send(bus.Envelope{
		Performative:   p,
		Sender:         model.AgentHazard,
		Receiver:       req.Sender,
		ContentType:    model.ContentResult,
		Payload:        payload,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		e.log.Warn().Err(err).Str("receiver", req.Sender).Msg("reply not delivered")
	}
}
