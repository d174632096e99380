package activitypub

import (
	"context"
	"sync"

	"github.com/deemkeen/tusk/domain"
	"github.com/rs/zerolog/log"
)

const (
	EventActivityIngested        = "activity_ingested"
	EventInboxReceived           = "inbox_received"
	EventSharedInboxReceived     = "shared_inbox_received"
	EventFollowAccepted          = "follow_accepted"
	EventFollowRejected          = "follow_rejected"
	EventReconciliationCompleted = "reconciliation_completed"
)

// Event is published by the federation core for observers such as metrics.
// Delivery is fire-and-forget; nothing depends on a subscriber succeeding.
type Event interface {
	EventName() string
}

// ActivityIngested fires once per new InboxItem.
type ActivityIngested struct {
	Item *domain.InboxItem
	Kind domain.ActivityKind
}

// InboxReceived fires once per local recipient.
type InboxReceived struct {
	Item      *domain.InboxItem
	Recipient string
	Shared    bool
}

// SharedInboxReceived fires once for a whole shared-inbox batch.
type SharedInboxReceived struct {
	Item       *domain.InboxItem
	Recipients []string
}

type FollowAccepted struct {
	LocalActorID   string
	RemoteActorURI string
	Direction      domain.Direction
}

type FollowRejected struct {
	LocalActorID   string
	RemoteActorURI string
	Direction      domain.Direction
}

// ReconciliationCompleted reports the outcome of one FEP-8fcf reconciliation.
type ReconciliationCompleted struct {
	RemoteActorURI string
	Authority      string
	Accepted       int
	Rejected       int
	Undone         int
}

func (ActivityIngested) EventName() string        { return EventActivityIngested }
func (InboxReceived) EventName() string           { return EventInboxReceived }
func (SharedInboxReceived) EventName() string     { return EventSharedInboxReceived }
func (FollowAccepted) EventName() string          { return EventFollowAccepted }
func (FollowRejected) EventName() string          { return EventFollowRejected }
func (ReconciliationCompleted) EventName() string { return EventReconciliationCompleted }

// Subscriber receives every published event.
type Subscriber func(ctx context.Context, e Event)

// EventBus fans events out to subscribers synchronously. A nil *EventBus
// drops everything.
type EventBus struct {
	mu          sync.RWMutex
	subscribers []Subscriber
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

func (b *EventBus) Subscribe(s Subscriber) {
	b.mu.Lock()
	b.subscribers = append(b.subscribers, s)
	b.mu.Unlock()
}

func (b *EventBus) Publish(ctx context.Context, e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subscribers := b.subscribers
	b.mu.RUnlock()

	for _, s := range subscribers {
		notify(ctx, s, e)
	}
}

func notify(ctx context.Context, s Subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event", e.EventName()).Msg("Events: subscriber panicked")
		}
	}()
	s(ctx, e)
}

type sharedInboxKey struct{}

// WithSharedInbox marks ctx as belonging to a shared-inbox delivery so
// per-recipient consumers can skip work the shared path already did.
func WithSharedInbox(ctx context.Context) context.Context {
	return context.WithValue(ctx, sharedInboxKey{}, true)
}

func IsSharedInbox(ctx context.Context) bool {
	shared, _ := ctx.Value(sharedInboxKey{}).(bool)
	return shared
}
