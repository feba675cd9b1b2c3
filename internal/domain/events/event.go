package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Event types
const (
	EntitlementActivated    = "entitlement.activated"
	EntitlementGrantPending = "entitlement.grant_pending"
	EntitlementGranted      = "entitlement.granted"
	EntitlementDeactivated  = "entitlement.deactivated"
	SessionOpened           = "session.opened"
	SessionUsage            = "session.usage"
	SessionClosed           = "session.closed"
	TransactionCompleted    = "transaction.completed"
	TransactionFailed       = "transaction.failed"
)

// Event is a lifecycle fact emitted after the ledger write committed
type Event struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	OwnerID    uuid.UUID   `json:"owner_id"`
	OccurredAt time.Time   `json:"occurred_at"`
	Data       interface{} `json:"data,omitempty"`
}

// New creates an event with a fresh id
func New(eventType string, ownerID uuid.UUID, data interface{}) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OwnerID:    ownerID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// Publisher delivers events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Emit publishes and logs a failure instead of returning it
func Emit(ctx context.Context, p Publisher, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		log.Warn().Err(err).Str("event_type", e.Type).Str("owner_id", e.OwnerID.String()).Msg("Failed to publish event")
	}
}

// Multi fans an event out to several publishers
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var firstErr error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Noop drops every event
type Noop struct{}

func (Noop) Publish(ctx context.Context, e Event) error { return nil }

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order
func (r *Recorder) Types() []string {
	var out []string
	for _, e := range r.Events() {
		out = append(out, e.Type)
	}
	return out
}
