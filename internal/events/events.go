// Package events publishes order and subscription lifecycle events.
package events

import (
	"context"
	"sync"
	"time"
)

const (
	TypeOrderCompleted = "order.completed"
	TypeOrderCanceled  = "order.canceled"
	TypeOrderFailed    = "order.failed"

	TypeSubscriptionActivated = "subscription.activated"
	TypeSubscriptionRenewed   = "subscription.renewed"
	TypeSubscriptionUpdated   = "subscription.updated"
)

type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type noopPublisher struct{}

// NewNoop returns a publisher that drops every event.
func NewNoop() Publisher {
	return noopPublisher{}
}

func (noopPublisher) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []string {
	events := r.Events()
	types := make([]string, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
	}
	return types
}
