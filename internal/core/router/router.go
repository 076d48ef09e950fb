// Package router validates API requests and dispatches them to the
// routing engine, the evacuation planner, and the agents on the bus.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/floodwatch-ph/floodroute/internal/bus"
	"github.com/floodwatch-ph/floodroute/internal/core/health"
	"github.com/floodwatch-ph/floodroute/internal/evac"
	"github.com/floodwatch-ph/floodroute/internal/geo"
	"github.com/floodwatch-ph/floodroute/internal/graph"
	"github.com/floodwatch-ph/floodroute/internal/hazard"
	"github.com/floodwatch-ph/floodroute/internal/live"
	"github.com/floodwatch-ph/floodroute/internal/mission"
	"github.com/floodwatch-ph/floodroute/internal/model"
	"github.com/floodwatch-ph/floodroute/internal/raster"
	"github.com/floodwatch-ph/floodroute/internal/routing"
	"github.com/floodwatch-ph/floodroute/internal/scheduler"
)

// senderAPI identifies HTTP-originated envelopes on the bus.
const senderAPI = "api"

// DefaultCallTimeout bounds admin round-trips over the bus.
const DefaultCallTimeout = 30 * time.Second

// maxBodyBytes caps request bodies; route requests are tiny.
const maxBodyBytes = 1 << 16

// Deps wires the API to the rest of the service. Sched and Orch may be
// nil in tests that do not touch their endpoints.
type Deps struct {
	Bus     *bus.Bus
	Graph   *graph.Graph
	Routes  *routing.Router
	Planner *evac.Planner
	Engine  *hazard.Engine
	Orch    *mission.Orchestrator
	Sched   *scheduler.Scheduler
	Hub     *live.Hub

	CallTimeout time.Duration
	Log         zerolog.Logger
}

type API struct {
	d Deps
}

func New(d Deps) *API {
	if d.CallTimeout <= 0 {
		d.CallTimeout = DefaultCallTimeout
	}
	d.Log = d.Log.With().Str("component", "api").Logger()
	return &API{d: d}
}

// Mount registers every endpoint on r.
func (a *API) Mount(r chi.Router) {
	r.Post("/route", a.handleRoute)
	r.Post("/evacuation-center", a.handleEvacuationCenter)
	r.Post("/feedback", a.handleFeedback)

	r.Get("/health", a.handleHealth)
	r.Get("/ready", a.Readiness())

	r.Post("/admin/collect-flood-data", a.handleCollectNow)
	r.Post("/admin/geotiff/enable", a.geotiffToggle(true))
	r.Post("/admin/geotiff/disable", a.geotiffToggle(false))
	r.Get("/admin/geotiff/status", a.handleGeoTIFFStatus)
	r.Post("/admin/geotiff/set-scenario", a.handleSetScenario)
	r.Get("/admin/risk/latest", a.handleRiskLatest)

	r.Post("/orchestrator/mission", a.handleStartMission)
	r.Get("/orchestrator/mission/{id}", a.handleGetMission)

	r.Get("/ws/route-updates", live.Handler(a.d.Hub, a.d.Log))
}

// pair is a [lat,lon] JSON coordinate.
type pair [2]float64

func (p pair) coord() geo.Coord { return geo.Coord{Lat: p[0], Lon: p[1]} }

type routeRequest struct {
	Start       *pair `json:"start"`
	End         *pair `json:"end"`
	Preferences struct {
		AvoidFloods bool `json:"avoid_floods"`
		Fastest     bool `json:"fastest"`
	} `json:"preferences"`
}

// modeFor maps client preferences onto a preset; safety wins when both
// flags are set.
func modeFor(avoidFloods, fastest bool) routing.Mode {
	switch {
	case avoidFloods:
		return routing.ModeSafest
	case fastest:
		return routing.ModeFastest
	default:
		return routing.ModeBalanced
	}
}

func (a *API) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Start == nil || req.End == nil {
		writeError(w, http.StatusBadRequest, errors.New("start and end are required"))
		return
	}

	mode := modeFor(req.Preferences.AvoidFloods, req.Preferences.Fastest)
	res, err := a.d.Routes.Route(req.Start.coord(), req.End.coord(), mode)
	if errors.Is(err, routing.ErrOutsideServiceArea) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type evacRequest struct {
	Location *pair `json:"location"`
}

func (a *API) handleEvacuationCenter(w http.ResponseWriter, r *http.Request) {
	var req evacRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Location == nil {
		writeError(w, http.StatusBadRequest, errors.New("location is required"))
		return
	}
	user := req.Location.coord()
	if !geo.MarikinaBBox.Contains(user) {
		writeError(w, http.StatusBadRequest, routing.ErrOutsideServiceArea)
		return
	}
	plan, err := a.d.Planner.Best(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

type feedbackRequest struct {
	RouteID      string  `json:"route_id"`
	FeedbackType string  `json:"feedback_type"`
	Location     *pair   `json:"location"`
	Severity     float64 `json:"severity"`
	Description  string  `json:"description"`
}

// feedbackSeverity is the default per feedback type, used when the
// client does not rate the condition itself.
var feedbackSeverity = map[string]float64{
	"clear":   0.0,
	"traffic": 0.3,
	"blocked": 0.7,
	"flooded": 0.8,
}

// handleFeedback turns user feedback into a synthetic scout report so
// the next fusion pass picks it up like any crowdsourced mention.
func (a *API) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	def, ok := feedbackSeverity[req.FeedbackType]
	if !ok {
		writeError(w, http.StatusUnprocessableEntity,
			fmt.Errorf("unknown feedback_type %q", req.FeedbackType))
		return
	}
	if req.Location == nil {
		writeError(w, http.StatusUnprocessableEntity, errors.New("location is required"))
		return
	}
	sev := def
	if req.Severity > 0 {
		sev = min(req.Severity, 1.0)
	}
	if req.FeedbackType == "clear" {
		sev = 0
	}

	coord := req.Location.coord()
	text := req.Description
	if text == "" {
		text = "user feedback: " + req.FeedbackType
	}
	report := model.ScoutReport{
		Text:           text,
		Coord:          &coord,
		Severity:       sev,
		Confidence:     0.6,
		ReportType:     "user_feedback",
		IsFloodRelated: true,
		ObservedAt:     time.Now(),
	}
	err := a.d.Bus.Send(bus.Envelope{
		Performative: bus.Inform,
		Sender:       senderAPI,
		Receiver:     model.AgentHazard,
		ContentType:  model.ContentScoutBatch,
		Payload:      model.ScoutBatch{Reports: []model.ScoutReport{report}, HasCoordinates: true},
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "accepted",
		"route_id": req.RouteID,
		"severity": sev,
	})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	last, ran := a.d.Engine.LastPass()
	out := map[string]any{
		"status":           "ok",
		"graph_edges":      a.GraphEdges(),
		"scenario":         a.d.Engine.Scenario(),
		"live_subscribers": a.d.Hub.Subscribers(),
		"bus_dropped":      a.d.Bus.Dropped(),
	}
	if ran {
		out["last_fusion"] = map[string]any{
			"at":        last.At,
			"histogram": last.Histogram,
			"edges":     last.EdgesUpdated,
		}
	}
	if a.d.Sched != nil {
		out["scheduler"] = a.d.Sched.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}

// LastFusion and GraphEdges make the API a health status reporter.
func (a *API) LastFusion() (time.Time, bool) {
	last, ran := a.d.Engine.LastPass()
	return last.At, ran
}

func (a *API) GraphEdges() int {
	return a.d.Graph.EdgeCount()
}

func (a *API) Readiness() http.HandlerFunc {
	return health.Readiness(a)
}

func (a *API) handleCollectNow(w http.ResponseWriter, _ *http.Request) {
	if a.d.Sched == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("scheduler not running"))
		return
	}
	a.d.Sched.TriggerNow()
	writeJSON(w, http.StatusAccepted, a.d.Sched.Stats())
}

func (a *API) geotiffToggle(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply, err := a.d.Bus.Call(r.Context(), model.AgentHazard, model.ContentGeoTIFF, enable, a.d.CallTimeout)
		if !a.confirmed(w, reply, err) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"geotiff_enabled": enable,
			"scenario":        a.d.Engine.Scenario(),
		})
	}
}

func (a *API) handleGeoTIFFStatus(w http.ResponseWriter, _ *http.Request) {
	scn := a.d.Engine.Scenario()
	writeJSON(w, http.StatusOK, map[string]any{
		"geotiff_enabled": scn.GeoTIFF,
		"return_period":   scn.ReturnPeriod,
		"time_step":       scn.TimeStep,
	})
}

type scenarioRequest struct {
	RP string `json:"rp"`
	TS int    `json:"ts"`
}

func (a *API) handleSetScenario(w http.ResponseWriter, r *http.Request) {
	var req scenarioRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !raster.ValidScenario(req.RP, req.TS) {
		writeError(w, http.StatusBadRequest,
			fmt.Errorf("invalid scenario rp=%q ts=%d", req.RP, req.TS))
		return
	}
	scn := model.Scenario{ReturnPeriod: req.RP, TimeStep: req.TS}
	reply, err := a.d.Bus.Call(r.Context(), model.AgentHazard, model.ContentSetScenario, scn, a.d.CallTimeout)
	if !a.confirmed(w, reply, err) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scenario": a.d.Engine.Scenario()})
}

func (a *API) handleRiskLatest(w http.ResponseWriter, _ *http.Request) {
	last, ran := a.d.Engine.LastPass()
	if !ran {
		writeError(w, http.StatusNotFound, errors.New("no fusion pass has run yet"))
		return
	}
	writeJSON(w, http.StatusOK, last)
}

type missionRequest struct {
	Type      string       `json:"type"`
	Location  string       `json:"location,omitempty"`
	Start     *pair        `json:"start,omitempty"`
	End       *pair        `json:"end,omitempty"`
	Mode      routing.Mode `json:"mode,omitempty"`
	UserCoord *pair        `json:"user_coord,omitempty"`
}

func (a *API) handleStartMission(w http.ResponseWriter, r *http.Request) {
	var req missionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	params := mission.Params{Location: req.Location, Mode: req.Mode}
	if req.Start != nil {
		c := req.Start.coord()
		params.Start = &c
	}
	if req.End != nil {
		c := req.End.coord()
		params.End = &c
	}
	if req.UserCoord != nil {
		c := req.UserCoord.coord()
		params.UserCoord = &c
	}

	m, err := a.d.Orch.Start(r.Context(), mission.Type(req.Type), params)
	if errors.Is(err, mission.ErrUnknownType) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, m)
}

func (a *API) handleGetMission(w http.ResponseWriter, r *http.Request) {
	m, err := a.d.Orch.Get(chi.URLParam(r, "id"))
	if errors.Is(err, mission.ErrUnknownMission) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// confirmed handles the shared bus-call outcomes; it reports true when
// the agent confirmed and the handler should render its response.
func (a *API) confirmed(w http.ResponseWriter, reply *bus.Envelope, err error) bool {
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return false
	}
	if reply == nil {
		writeError(w, http.StatusGatewayTimeout, errors.New("hazard agent did not reply"))
		return false
	}
	if reply.Performative == bus.Failure {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%v", reply.Payload))
		return false
	}
	return true
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
