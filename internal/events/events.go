// Package events publishes request and driver state changes to subscribers.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/logging"
)

type Type string

const (
	RequestCreated      Type = "request.created"
	RequestStatus       Type = "request.status"
	AssignmentOffered   Type = "assignment.offered"
	AssignmentResolved  Type = "assignment.resolved"
	OfferSubmitted      Type = "offer.submitted"
	OfferStatus         Type = "offer.status"
	BiddingOpened       Type = "bidding.opened"
	BiddingClosed       Type = "bidding.closed"
	CancellationHandled Type = "cancellation.handled"
	DriverLocation      Type = "driver.location"
)

type Event struct {
	Type      Type      `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	DriverID  string    `json:"driver_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}

// Topics an event is delivered to.
func (e Event) Topics() []string {
	var out []string
	if e.RequestID != "" {
		out = append(out, RequestTopic(e.RequestID))
	}
	if e.DriverID != "" {
		out = append(out, DriverTopic(e.DriverID))
	}
	return out
}

func RequestTopic(id string) string { return "request:" + id }
func DriverTopic(id string) string  { return "driver:" + id }

// Publisher never blocks the caller on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Multi publishes to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		p.Publish(ctx, e)
	}
}

const subscriberBuffer = 32

type subscriber struct {
	ch chan Event
}

// Bus is an in-process topic fan-out. Slow subscribers lose events rather
// than stall the dispatch path.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*subscriber]struct{}
	logger *slog.Logger
	now    func() time.Time
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{topics: make(map[string]map[*subscriber]struct{}), logger: logging.Component(logger, "events"), now: time.Now}
}

// Subscribe returns a channel of events for topic and a cancel func that
// closes it.
func (b *Bus) Subscribe(topic string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, subscriberBuffer)}
	b.mu.Lock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*subscriber]struct{})
	}
	b.topics[topic][s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.topics[topic], s)
			if len(b.topics[topic]) == 0 {
				delete(b.topics, topic)
			}
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *Bus) Publish(_ context.Context, e Event) {
	if e.At.IsZero() {
		e.At = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, topic := range e.Topics() {
		for s := range b.topics[topic] {
			select {
			case s.ch <- e:
			default:
				b.logger.Warn("dropping event for slow subscriber", "topic", topic, "type", e.Type)
			}
		}
	}
}
