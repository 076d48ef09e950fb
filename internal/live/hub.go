// Package live fans fused updates and alerts out to connected
// subscribers with bounded per-subscriber buffers.
package live

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/floodwatch-ph/floodroute/internal/model"
	"github.com/floodwatch-ph/floodroute/internal/observability"
)

// SubscriberBuffer is the per-subscriber backlog allowance; a slower
// consumer is unsubscribed and must reconnect.
const SubscriberBuffer = 64

// HeartbeatEvery keeps idle connections warm.
const HeartbeatEvery = 30 * time.Second

// Subscriber receives updates on C until the hub drops it.
type Subscriber struct {
	C    chan model.LiveUpdate
	hub  *Hub
	once sync.Once
}

// Close detaches the subscriber. Safe to call twice.
func (s *Subscriber) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

type Hub struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
	log  zerolog.Logger

	lastPublish time.Time
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		subs: make(map[*Subscriber]struct{}),
		log:  log.With().Str("component", "live").Logger(),
	}
}

// Subscribe attaches a new subscriber.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{C: make(chan model.LiveUpdate, SubscriberBuffer), hub: h}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	observability.SetLiveSubscribers(n)
	return s
}

func (h *Hub) remove(s *Subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	n := len(h.subs)
	h.mu.Unlock()
	if ok {
		close(s.C)
		observability.SetLiveSubscribers(n)
	}
}

// Subscribers reports the current fan-out width.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish delivers u to every subscriber without blocking. Subscribers
// with a full buffer are dropped.
func (h *Hub) Publish(u model.LiveUpdate) {
	if u.EmittedAt.IsZero() {
		u.EmittedAt = time.Now()
	}

	h.mu.Lock()
	h.lastPublish = time.Now()
	var overflowed []*Subscriber
	for s := range h.subs {
		select {
		case s.C <- u:
		default:
			overflowed = append(overflowed, s)
		}
	}
	h.mu.Unlock()

	for _, s := range overflowed {
		h.log.Warn().Msg("subscriber overflow, dropping connection")
		s.Close()
	}
}

// RunHeartbeat emits system_status frames while the hub is idle so
// subscribers can tell a quiet system from a dead one.
func (h *Hub) RunHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.mu.Lock()
			idle := time.Since(h.lastPublish) >= HeartbeatEvery
			h.mu.Unlock()
			if idle {
				h.Publish(model.LiveUpdate{
					Kind: model.LiveSystemStatus,
					Data: map[string]any{"status": "idle"},
				})
			}
		}
	}
}
