package sink

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Publisher delivers envelopes to observers.
type Publisher interface {
	Publish(ctx context.Context, env *Envelope) error
}

// Subscription is one observer attached to a Hub.
type Subscription struct {
	// C receives envelopes. It is never closed; select on Done as well.
	C <-chan *Envelope

	c       chan *Envelope
	done    chan struct{}
	once    sync.Once
	hub     *Hub
	dropped atomic.Int64
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped counts envelopes discarded because C was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.done)
	})
}

// Hub fans envelopes out to the observers connected to this process.
type Hub struct {
	log    logrus.FieldLogger
	buffer int

	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// Compile-time interface check.
var _ Publisher = (*Hub)(nil)

// NewHub creates a hub whose subscribers buffer up to buffer envelopes.
func NewHub(log logrus.FieldLogger, buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}

	return &Hub{
		log:    log.WithField("component", "hub"),
		buffer: buffer,
		subs:   make(map[*Subscription]struct{}, 8),
	}
}

// Subscribe attaches a new observer.
func (h *Hub) Subscribe() *Subscription {
	c := make(chan *Envelope, h.buffer)
	sub := &Subscription{
		C:    c,
		c:    c,
		done: make(chan struct{}),
		hub:  h,
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// Len returns the number of attached observers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subs)
}

// Publish sends env to every observer attached at the time of the call.
// A slow observer loses the envelope rather than stalling the others.
func (h *Hub) Publish(_ context.Context, env *Envelope) error {
	h.mu.RLock()
	snapshot := make([]*Subscription, 0, len(h.subs))

	for sub := range h.subs {
		snapshot = append(snapshot, sub)
	}
	h.mu.RUnlock()

	if len(snapshot) == 0 {
		h.log.WithField("record_id", env.RecordID).Debug("No observers connected")

		return nil
	}

	var delivered int

	for _, sub := range snapshot {
		select {
		case <-sub.done:
			continue
		default:
		}

		select {
		case sub.c <- env:
			delivered++
		default:
			sub.dropped.Add(1)
		}
	}

	h.log.WithFields(logrus.Fields{
		"record_id": env.RecordID,
		"status":    env.Status,
		"observers": len(snapshot),
		"delivered": delivered,
	}).Debug("Envelope broadcast")

	return nil
}

// MultiPublisher publishes to each publisher in order and returns the
// first error after trying all of them.
type MultiPublisher []Publisher

// Compile-time interface check.
var _ Publisher = MultiPublisher(nil)

func (m MultiPublisher) Publish(ctx context.Context, env *Envelope) error {
	var first error

	for _, p := range m {
		if err := p.Publish(ctx, env); err != nil && first == nil {
			first = err
		}
	}

	return first
}
