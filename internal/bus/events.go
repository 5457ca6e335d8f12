package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MEKXH/giftbot/internal/store"
	"github.com/google/uuid"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventRequestCreated   EventType = "request_created"
	EventRequestResolved  EventType = "request_resolved"
	EventRequestCompleted EventType = "request_completed"
	EventRequestExpired   EventType = "request_expired"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event bus closed")

// Event is a lifecycle notification. Actor is set for resolutions.
type Event struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	RequestID string        `json:"request_id"`
	UserID    int64         `json:"user_id"`
	Kind      store.Kind    `json:"kind"`
	Actor     string        `json:"actor,omitempty"`
	Payload   store.Payload `json:"payload"`
	At        time.Time     `json:"at"`
	TraceID   string        `json:"trace_id,omitempty"`
}

// NewEvent builds an event for req stamped with a fresh id.
func NewEvent(ctx context.Context, typ EventType, req store.Request, actor string, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		RequestID: req.ID,
		UserID:    req.OwnerID,
		Kind:      req.Kind,
		Actor:     actor,
		Payload:   req.Payload,
		At:        at.UTC(),
		TraceID:   RequestIDFromContext(ctx),
	}
}

type subscriber struct {
	name string
	ch   chan Event
}

// EventBus fans every published event out to all subscribers. Delivery
// blocks while a subscriber's buffer is full, so consumers see every event in
// publish order.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscriber
	done   chan struct{}
	closed bool
	once   sync.Once
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{done: make(chan struct{})}
}

// Subscribe registers a consumer. The returned channel is closed by Close.
func (b *EventBus) Subscribe(name string, buffer int) <-chan Event {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, subscriber{name: name, ch: ch})
	return ch
}

// Publish delivers ev to every subscriber.
func (b *EventBus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		case <-b.done:
			return ErrClosed
		case <-ctx.Done():
			slog.Warn("event dropped", "subscriber", sub.name, "type", ev.Type, "request_id", ev.RequestID, "error", ctx.Err())
			return ctx.Err()
		}
	}
	return nil
}

// Close stops delivery and closes every subscriber channel.
func (b *EventBus) Close() {
	b.once.Do(func() {
		close(b.done)
		b.mu.Lock()
		defer b.mu.Unlock()
		b.closed = true
		for _, sub := range b.subs {
			close(sub.ch)
		}
		b.subs = nil
	})
}
