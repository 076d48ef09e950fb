// Package scheduler fans periodic collect_now triggers out to the
// collector agents. Fire-and-forget: it never waits for replies.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/floodwatch-ph/floodroute/internal/bus"
	"github.com/floodwatch-ph/floodroute/internal/model"
)

const DefaultPeriod = 300 * time.Second

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Ticks    uint64    `json:"ticks"`
	LastFire time.Time `json:"last_fire"`
	JitterMS int64     `json:"jitter_ms"`
}

type Scheduler struct {
	bus          *bus.Bus
	period       time.Duration
	scoutEnabled bool
	log          zerolog.Logger

	trigger chan struct{}

	mu    sync.Mutex
	stats Stats
}

func New(b *bus.Bus, period time.Duration, scoutEnabled bool, log zerolog.Logger) *Scheduler {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Scheduler{
		bus:          b,
		period:       period,
		scoutEnabled: scoutEnabled,
		log:          log.With().Str("component", "scheduler").Logger(),
		trigger:      make(chan struct{}, 1),
	}
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// TriggerNow queues an immediate fire. Coalesces when one is already
// queued.
func (s *Scheduler) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run fires on the period and on TriggerNow until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	expected := time.Now().Add(s.period)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.fire(time.Since(expected).Milliseconds())
			expected = time.Now().Add(s.period)
		case <-s.trigger:
			s.fire(0)
		}
	}
}

func (s *Scheduler) fire(jitterMS int64) {
	now := time.Now()
	s.mu.Lock()
	s.stats.Ticks++
	s.stats.LastFire = now
	s.stats.JitterMS = jitterMS
	s.mu.Unlock()

	s.send(model.AgentFlood, model.ContentCollectNow)
	if s.scoutEnabled {
		s.send(model.AgentScout, model.ContentScoutNow)
	}
	s.log.Debug().Int64("jitter_ms", jitterMS).Msg("collection triggered")
}

func (s *Scheduler) send(receiver, contentType string) {
	err := s.bus.Send(bus.Envelope{
		Performative: bus.Request,
		Sender:       model.AgentOrchestrator,
		Receiver:     receiver,
		ContentType:  contentType,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("receiver", receiver).Msg("trigger not delivered")
	}
}
