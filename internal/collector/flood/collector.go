// Package flood polls official hydrological sources on a fixed period
// and INFORMs the hazard agent with batched samples.
package flood

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/floodwatch-ph/floodroute/internal/bus"
	"github.com/floodwatch-ph/floodroute/internal/model"
	"github.com/floodwatch-ph/floodroute/internal/observability"
)

const (
	DefaultPeriod  = 300 * time.Second
	DefaultTimeout = 15 * time.Second
	maxRetries     = 3
)

var ErrAllSourcesFailed = errors.New("flood: all sources failed")

// Stats is a snapshot of collector counters.
type Stats struct {
	TotalRuns           uint64 `json:"total_runs"`
	SuccessfulRuns      uint64 `json:"successful_runs"`
	FailedRuns          uint64 `json:"failed_runs"`
	LastDurationMS      int64  `json:"last_duration_ms"`
	DataPointsCollected uint64 `json:"data_points_collected"`
}

// Collector is the flood agent.
type Collector struct {
	bus     *bus.Bus
	sources []Source
	period  time.Duration
	timeout time.Duration
	// retryBase is the first backoff interval; shortened in tests
	retryBase time.Duration
	log       zerolog.Logger

	mu    sync.Mutex
	stats Stats
}

func New(b *bus.Bus, sources []Source, period, timeout time.Duration, log zerolog.Logger) *Collector {
	if period <= 0 {
		period = DefaultPeriod
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Collector{
		bus:       b,
		sources:   sources,
		period:    period,
		timeout:   timeout,
		retryBase: time.Second,
		log:       log.With().Str("component", "flood-collector").Logger(),
	}
}

// Stats returns a copy of the counters.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Run ticks on the period and serves collect_now REQUESTs until ctx is
// canceled.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.collectAndSend(ctx); err != nil {
				c.log.Error().Err(err).Msg("scheduled collection failed")
			}
		default:
		}

		env, err := c.bus.Receive(ctx, model.AgentFlood, 500*time.Millisecond)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if env == nil {
			continue
		}
		switch {
		case env.Performative == bus.Request && env.ContentType == model.ContentCollectNow:
			err := c.collectAndSend(ctx)
			c.replyTo(*env, err)
		default:
			c.log.Warn().Str("content_type", env.ContentType).Msg("unhandled envelope")
		}
	}
}

func (c *Collector) replyTo(req bus.Envelope, err error) {
	p := bus.Confirm
	var payload any = c.Stats()
	if err != nil {
		p = bus.Failure
		payload = err.Error()
	}
	sendErr := c.bus.Send(bus.Envelope{
		Performative:   p,
		Sender:         model.AgentFlood,
		Receiver:       req.Sender,
		ContentType:    model.ContentResult,
		Payload:        payload,
		ConversationID: req.ConversationID,
	})
	if sendErr != nil {
		c.log.Warn().Err(sendErr).Str("receiver", req.Sender).Msg("reply not delivered")
	}
}

// collectAndSend fans the sources out concurrently, batches the
// successful subset, and INFORMs the hazard agent. Only an all-source
// failure is an error.
func (c *Collector) collectAndSend(ctx context.Context) error {
	start := time.Now()

	type result struct {
		source  string
		samples []model.HydroSample
		err     error
	}
	results := make([]result, len(c.sources))

	var wg sync.WaitGroup
	for i, src := range c.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			samples, err := c.fetchWithRetry(ctx, src)
			results[i] = result{source: src.Name(), samples: samples, err: err}
		}(i, src)
	}
	wg.Wait()

	var batch []model.HydroSample
	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
			c.log.Warn().Err(r.err).Str("source", r.source).Msg("source fetch failed")
			continue
		}
		batch = append(batch, r.samples...)
	}

	ok := len(c.sources) == 0 || failed < len(c.sources)
	c.mu.Lock()
	c.stats.TotalRuns++
	c.stats.LastDurationMS = time.Since(start).Milliseconds()
	if ok {
		c.stats.SuccessfulRuns++
		c.stats.DataPointsCollected += uint64(len(batch))
	} else {
		c.stats.FailedRuns++
	}
	c.mu.Unlock()
	observability.ObserveCollectorRun("flood", ok)

	if !ok {
		return ErrAllSourcesFailed
	}

	err := c.bus.Send(bus.Envelope{
		Performative: bus.Inform,
		Sender:       model.AgentFlood,
		Receiver:     model.AgentHazard,
		ContentType:  model.ContentFloodBatch,
		Payload:      model.FloodBatch{Samples: batch, CollectedAt: time.Now()},
	})
	if err != nil {
		return err
	}
	c.log.Info().Int("samples", len(batch)).Int("failed_sources", failed).
		Dur("duration", time.Since(start)).Msg("flood batch sent")
	return nil
}

// fetchWithRetry applies the per-source timeout and up to maxRetries
// jittered exponential backoff attempts.
func (c *Collector) fetchWithRetry(ctx context.Context, src Source) ([]model.HydroSample, error) {
	var samples []model.HydroSample

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5
	bo.MaxInterval = 4 * c.retryBase

	attempt := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		start := time.Now()
		got, err := src.Fetch(attemptCtx)
		observability.ObserveSourceLatency(src.Name(), time.Since(start))
		if err != nil {
			return err
		}
		samples = got
		return nil
	}
	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx))
	if err != nil {
		return nil, err
	}
	return samples, nil
}
