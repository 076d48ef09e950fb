package mission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/floodwatch-ph/floodroute/internal/bus"
	"github.com/floodwatch-ph/floodroute/internal/evac"
	"github.com/floodwatch-ph/floodroute/internal/model"
	"github.com/floodwatch-ph/floodroute/internal/routing"
)

var (
	ErrUnknownMission = errors.New("mission: unknown mission id")
	ErrUnknownType    = errors.New("mission: unknown mission type")
)

// Per-state reply timeouts.
type Timeouts struct {
	Scout  time.Duration
	Flood  time.Duration
	Hazard time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{Scout: 30 * time.Second, Flood: 60 * time.Second, Hazard: 30 * time.Second}
}

// Orchestrator starts missions, demuxes agent replies by conversation
// id, and retains finished missions in a ring buffer.
type Orchestrator struct {
	bus      *bus.Bus
	router   *routing.Router
	planner  *evac.Planner
	timeouts Timeouts
	log      zerolog.Logger

	mu      sync.Mutex
	active  map[string]*Mission
	waiters map[string]chan bus.Envelope // conversation id -> reply slot
	done    ring

	wg sync.WaitGroup
}

func NewOrchestrator(b *bus.Bus, r *routing.Router, p *evac.Planner, t Timeouts, log zerolog.Logger) *Orchestrator {
	if t == (Timeouts{}) {
		t = DefaultTimeouts()
	}
	return &Orchestrator{
		bus:      b,
		router:   r,
		planner:  p,
		timeouts: t,
		log:      log.With().Str("component", "orchestrator").Logger(),
		active:   make(map[string]*Mission),
		waiters:  make(map[string]chan bus.Envelope),
	}
}

// Run pumps the orchestrator mailbox, routing replies to waiting
// missions. Unsolicited replies (e.g. to scheduler triggers) are
// dropped.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		env, err := o.bus.Receive(ctx, model.AgentOrchestrator, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if env == nil {
			continue
		}
		o.mu.Lock()
		ch, ok := o.waiters[env.ConversationID]
		o.mu.Unlock()
		if !ok {
			o.log.Debug().Str("conversation_id", env.ConversationID).
				Str("sender", env.Sender).Msg("unsolicited reply dropped")
			continue
		}
		select {
		case ch <- *env:
		default:
		}
	}
}

// Drain waits for in-flight missions up to timeout; used on shutdown.
func (o *Orchestrator) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		o.log.Warn().Msg("shutdown with missions still in flight")
	}
}

// Start creates a mission and runs it asynchronously.
func (o *Orchestrator) Start(ctx context.Context, typ Type, params Params) (Mission, error) {
	switch typ {
	case TypeAssessRisk, TypeRouteCalculation, TypeCoordinatedEvacuation, TypeCascadeRiskUpdate:
	default:
		return Mission{}, ErrUnknownType
	}

	m := &Mission{
		ID:        uuid.NewString()[:8],
		Type:      typ,
		State:     StateCreated,
		Params:    params,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	o.mu.Lock()
	o.active[m.ID] = m
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(ctx, m)
	}()
	return *m, nil
}

// Get returns a mission by id, active or finished.
func (o *Orchestrator) Get(id string) (Mission, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if m, ok := o.active[id]; ok {
		return *m, nil
	}
	if m, ok := o.done.find(id); ok {
		return m, nil
	}
	return Mission{}, ErrUnknownMission
}

func (o *Orchestrator) setState(m *Mission, s State) {
	o.mu.Lock()
	m.State = s
	m.UpdatedAt = time.Now()
	o.mu.Unlock()
	o.log.Debug().Str("mission_id", m.ID).Str("state", string(s)).Msg("mission state")
}

func (o *Orchestrator) finish(m *Mission, result any, reason string) {
	o.mu.Lock()
	if reason != "" {
		m.State = StateFailed
		m.Reason = reason
	} else {
		m.State = StateCompleted
		m.Result = result
	}
	m.UpdatedAt = time.Now()
	o.done.add(*m)
	delete(o.active, m.ID)
	o.mu.Unlock()

	ev := o.log.Info()
	if reason != "" {
		ev = o.log.Warn()
	}
	ev.Str("mission_id", m.ID).Str("type", string(m.Type)).
		Str("state", string(m.State)).Str("reason", reason).Msg("mission finished")
}

func (o *Orchestrator) execute(ctx context.Context, m *Mission) {
	switch m.Type {
	case TypeAssessRisk:
		o.runAssessRisk(ctx, m)
	case TypeRouteCalculation:
		o.runRouteCalculation(m)
	case TypeCoordinatedEvacuation:
		o.runCoordinatedEvacuation(m)
	case TypeCascadeRiskUpdate:
		o.runCascade(ctx, m)
	}
}

func (o *Orchestrator) runAssessRisk(ctx context.Context, m *Mission) {
	if m.Params.Location == "" {
		o.finish(m, nil, "underspecified: assess_risk requires a location")
		return
	}
	steps := []struct {
		state       State
		receiver    string
		contentType string
		timeout     time.Duration
	}{
		{StateAwaitingScout, model.AgentScout, model.ContentScoutNow, o.timeouts.Scout},
		{StateAwaitingFlood, model.AgentFlood, model.ContentCollectNow, o.timeouts.Flood},
		{StateAwaitingHazard, model.AgentHazard, model.ContentFuseNow, o.timeouts.Hazard},
	}
	var last any
	for _, step := range steps {
		o.setState(m, step.state)
		reply, reason := o.request(ctx, m.ID, step.receiver, step.contentType, nil, step.timeout)
		if reason != "" {
			o.finish(m, nil, fmt.Sprintf("%s in %s", reason, step.state))
			return
		}
		last = reply.Payload
	}
	o.finish(m, last, "")
}

func (o *Orchestrator) runRouteCalculation(m *Mission) {
	if m.Params.Start == nil || m.Params.End == nil {
		o.finish(m, nil, "underspecified: route_calculation requires start and end")
		return
	}
	o.setState(m, StateAwaitingRouting)
	res, err := o.router.Route(*m.Params.Start, *m.Params.End, m.Params.Mode)
	if err != nil {
		o.finish(m, nil, err.Error())
		return
	}
	o.finish(m, res, "")
}

func (o *Orchestrator) runCoordinatedEvacuation(m *Mission) {
	if m.Params.UserCoord == nil {
		o.finish(m, nil, "underspecified: coordinated_evacuation requires user_coord")
		return
	}
	o.setState(m, StateAwaitingEvacuation)
	plan, err := o.planner.Best(*m.Params.UserCoord)
	if err != nil {
		o.finish(m, nil, err.Error())
		return
	}
	o.finish(m, plan, "")
}

func (o *Orchestrator) runCascade(ctx context.Context, m *Mission) {
	o.setState(m, StateAwaitingFlood)
	if _, reason := o.request(ctx, m.ID, model.AgentFlood, model.ContentCollectNow, nil, o.timeouts.Flood); reason != "" {
		o.finish(m, nil, fmt.Sprintf("%s in %s", reason, StateAwaitingFlood))
		return
	}
	o.setState(m, StateAwaitingHazard)
	reply, reason := o.request(ctx, m.ID, model.AgentHazard, model.ContentFuseNow, nil, o.timeouts.Hazard)
	if reason != "" {
		o.finish(m, nil, fmt.Sprintf("%s in %s", reason, StateAwaitingHazard))
		return
	}
	o.finish(m, reply.Payload, "")
}

// request sends one REQUEST on behalf of a mission and waits for its
// reply. The returned reason is empty on success.
func (o *Orchestrator) request(ctx context.Context, missionID, receiver, contentType string, payload any, timeout time.Duration) (bus.Envelope, string) {
	conv := missionID + "-" + uuid.NewString()[:8]
	ch := make(chan bus.Envelope, 1)
	o.mu.Lock()
	o.waiters[conv] = ch
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.waiters, conv)
		o.mu.Unlock()
	}()

	err := o.bus.Send(bus.Envelope{
		Performative:   bus.Request,
		Sender:         model.AgentOrchestrator,
		Receiver:       receiver,
		ContentType:    contentType,
		Payload:        payload,
		ConversationID: conv,
	})
	if err != nil {
		return bus.Envelope{}, fmt.Sprintf("send to %s failed: %v", receiver, err)
	}

	select {
	case reply := <-ch:
		if reply.Performative == bus.Failure {
			return reply, fmt.Sprintf("%s reported failure: %v", receiver, reply.Payload)
		}
		return reply, ""
	case <-time.After(timeout):
		return bus.Envelope{}, fmt.Sprintf("timeout waiting for %s", receiver)
	case <-ctx.Done():
		return bus.Envelope{}, "canceled"
	}
}
