// Package bus is the in-process message fabric between agents: one
// mailbox per registered agent id, at-most-once delivery, per-sender
// FIFO. The bus never inspects payloads.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/floodwatch-ph/floodroute/internal/observability"
)

// Performative classifies an envelope, FIPA-ACL style.
type Performative string

const (
	Inform  Performative = "INFORM"
	Request Performative = "REQUEST"
	Confirm Performative = "CONFIRM"
	Failure Performative = "FAILURE"
)

// Envelope is one message between agents. Seq is stamped by the bus.
type Envelope struct {
	Performative   Performative
	Sender         string
	Receiver       string
	ContentType    string
	Payload        any
	ConversationID string
	CreatedAt      time.Time
	Seq            uint64
}

var (
	ErrUnknownAgent = errors.New("bus: unknown agent id")
	ErrClosed       = errors.New("bus: closed")
)

// DefaultSoftCap bounds a mailbox before the oldest non-critical INFORM
// is shed.
const DefaultSoftCap = 10000

type mailbox struct {
	mu     sync.Mutex
	queue  []Envelope
	notify chan struct{}
}

func (m *mailbox) push(e Envelope, cap int) (dropped bool) {
	m.mu.Lock()
	if len(m.queue) >= cap {
		dropped = m.shedOldestInformLocked()
	}
	m.queue = append(m.queue, e)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return dropped
}

// shedOldestInformLocked removes the oldest INFORM so REQUESTs and
// replies survive pressure. Returns false when the queue holds no
// INFORM; the mailbox then grows past the soft cap.
func (m *mailbox) shedOldestInformLocked() bool {
	for i, e := range m.queue {
		if e.Performative == Inform {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (m *mailbox) pop() (Envelope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return Envelope{}, false
	}
	e := m.queue[0]
	m.queue = m.queue[1:]
	return e, true
}

func (m *mailbox) depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Bus routes envelopes to mailboxes keyed by agent id.
type Bus struct {
	mu      sync.RWMutex
	boxes   map[string]*mailbox
	softCap int
	seq     atomic.Uint64
	dropped atomic.Uint64
	closed  atomic.Bool
}

func New() *Bus { return NewWithCap(DefaultSoftCap) }

func NewWithCap(softCap int) *Bus {
	if softCap <= 0 {
		softCap = DefaultSoftCap
	}
	return &Bus{boxes: make(map[string]*mailbox), softCap: softCap}
}

// Register creates the mailbox for id. Idempotent.
func (b *Bus) Register(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.boxes[id]; !ok {
		b.boxes[id] = &mailbox{notify: make(chan struct{}, 1)}
	}
}

// Send stamps and enqueues e for its receiver. Non-blocking; returns
// ErrUnknownAgent when the receiver has no mailbox.
func (b *Bus) Send(e Envelope) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.mu.RLock()
	box, ok := b.boxes[e.Receiver]
	b.mu.RUnlock()
	if !ok {
		return ErrUnknownAgent
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.Seq = b.seq.Add(1)
	if box.push(e, b.softCap) {
		b.dropped.Add(1)
		observability.IncBusDropped(e.Receiver)
	}
	observability.SetBusDepth(e.Receiver, box.depth())
	return nil
}

// Receive pops the next envelope for id, waiting up to timeout. A nil
// returned envelope-pointer means the wait expired or the context was
// canceled.
func (b *Bus) Receive(ctx context.Context, id string, timeout time.Duration) (*Envelope, error) {
	b.mu.RLock()
	box, ok := b.boxes[id]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownAgent
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if e, ok := box.pop(); ok {
			observability.SetBusDepth(id, box.depth())
			return &e, nil
		}
		select {
		case <-box.notify:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryReceive pops without waiting; used to drain coalesced triggers.
func (b *Bus) TryReceive(id string) (*Envelope, error) {
	b.mu.RLock()
	box, ok := b.boxes[id]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownAgent
	}
	if e, ok := box.pop(); ok {
		return &e, nil
	}
	return nil, nil
}

// Unregister removes the mailbox for id. Queued envelopes are dropped;
// later sends to id fail with ErrUnknownAgent.
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	delete(b.boxes, id)
	b.mu.Unlock()
}

// Call sends a REQUEST from an ephemeral mailbox and waits for the
// matching CONFIRM or FAILURE. Replies for other conversations landing
// in the ephemeral mailbox are discarded.
func (b *Bus) Call(ctx context.Context, receiver, contentType string, payload any, timeout time.Duration) (*Envelope, error) {
	conv := uuid.NewString()
	sender := "rpc-" + conv
	b.Register(sender)
	defer b.Unregister(sender)

	err := b.Send(Envelope{
		Performative:   Request,
		Sender:         sender,
		Receiver:       receiver,
		ContentType:    contentType,
		Payload:        payload,
		ConversationID: conv,
	})
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		e, err := b.Receive(ctx, sender, remaining)
		if err != nil || e == nil {
			return nil, err
		}
		if e.ConversationID == conv {
			return e, nil
		}
	}
}

// Dropped reports how many envelopes were shed under pressure.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close stops accepting sends. Queued envelopes stay readable so agents
// can drain during shutdown.
func (b *Bus) Close() { b.closed.Store(true) }
