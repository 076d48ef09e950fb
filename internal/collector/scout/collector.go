// Package scout ingests crowdsourced flood mentions, classifies them,
// and INFORMs the hazard agent with batched reports.
package scout

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/floodwatch-ph/floodroute/internal/bus"
	"github.com/floodwatch-ph/floodroute/internal/gazetteer"
	"github.com/floodwatch-ph/floodroute/internal/model"
	"github.com/floodwatch-ph/floodroute/internal/observability"
)

// DefaultFlush is how often buffered posts are classified and batched.
const DefaultFlush = 60 * time.Second

// intakeBuffer bounds posts waiting for the next flush.
const intakeBuffer = 1024

// Collector is the scout agent.
type Collector struct {
	bus    *bus.Bus
	driver Driver
	table  *gazetteer.Table
	flush  time.Duration
	// strict drops reports without a resolvable coordinate instead of
	// forwarding them for the global fallback
	strict bool
	log    zerolog.Logger

	intake chan RawPost
}

func New(b *bus.Bus, driver Driver, table *gazetteer.Table, flush time.Duration, strict bool, log zerolog.Logger) *Collector {
	if flush <= 0 {
		flush = DefaultFlush
	}
	return &Collector{
		bus:    b,
		driver: driver,
		table:  table,
		flush:  flush,
		strict: strict,
		log:    log.With().Str("component", "scout-collector").Logger(),
		intake: make(chan RawPost, intakeBuffer),
	}
}

// Run starts the driver and the flush loop until ctx is canceled.
func (c *Collector) Run(ctx context.Context) error {
	driverDone := make(chan error, 1)
	go func() {
		driverDone <- c.driver.Run(ctx, c.intake)
	}()

	ticker := time.NewTicker(c.flush)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-driverDone:
			if err != nil && ctx.Err() == nil {
				c.log.Error().Err(err).Str("driver", c.driver.Name()).Msg("driver stopped")
				return err
			}
			// one-shot driver finished; keep flushing what it produced
			driverDone = nil
		case <-ticker.C:
			c.flushBatch(nil)
		default:
		}

		env, err := c.bus.Receive(ctx, model.AgentScout, 500*time.Millisecond)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if env == nil {
			continue
		}
		if env.Performative == bus.Request && env.ContentType == model.ContentScoutNow {
			c.flushBatch(env)
		} else {
			c.log.Warn().Str("content_type", env.ContentType).Msg("unhandled envelope")
		}
	}
}

// flushBatch drains the intake buffer, classifies, and emits one batch.
// When req is non-nil a CONFIRM reply carries the batch size.
func (c *Collector) flushBatch(req *bus.Envelope) {
	var posts []RawPost
drain:
	for {
		select {
		case p := <-c.intake:
			posts = append(posts, p)
		default:
			break drain
		}
	}

	var reports []model.ScoutReport
	hasCoords := false
	for _, p := range posts {
		rep := Classify(p, c.table)
		if !rep.IsFloodRelated {
			continue
		}
		if rep.Coord == nil && c.strict {
			c.log.Debug().Str("text", rep.Text).Msg("dropped unresolvable report (strict)")
			continue
		}
		if rep.Coord != nil {
			hasCoords = true
		}
		reports = append(reports, rep)
	}

	if len(reports) > 0 {
		err := c.bus.Send(bus.Envelope{
			Performative: bus.Inform,
			Sender:       model.AgentScout,
			Receiver:     model.AgentHazard,
			ContentType:  model.ContentScoutBatch,
			Payload:      model.ScoutBatch{Reports: reports, HasCoordinates: hasCoords},
		})
		if err != nil {
			c.log.Error().Err(err).Msg("scout batch not delivered")
		} else {
			c.log.Info().Int("reports", len(reports)).Int("raw", len(posts)).
				Bool("has_coordinates", hasCoords).Msg("scout batch sent")
		}
	}
	observability.ObserveCollectorRun("scout", true)

	if req != nil {
		_ = c.bus.Send(bus.Envelope{
			Performative:   bus.Confirm,
			Sender:         model.AgentScout,
			Receiver:       req.Sender,
			ContentType:    model.ContentResult,
			Payload:        len(reports),
			ConversationID: req.ConversationID,
		})
	}
}
