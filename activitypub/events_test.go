package activitypub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()
	var names []string
	bus.Subscribe(func(context.Context, Event) { panic("broken subscriber") })
	bus.Subscribe(func(_ context.Context, e Event) { names = append(names, e.EventName()) })

	bus.Publish(context.Background(), FollowAccepted{LocalActorID: "alice"})
	bus.Publish(context.Background(), ReconciliationCompleted{})
	assert.Equal(t, []string{EventFollowAccepted, EventReconciliationCompleted}, names)

	var nilBus *EventBus
	assert.NotPanics(t, func() { nilBus.Publish(context.Background(), FollowRejected{}) })
}

func TestSharedInboxContext(t *testing.T) {
	ctx := context.Background()
	assert.False(t, IsSharedInbox(ctx))
	assert.True(t, IsSharedInbox(WithSharedInbox(ctx)))
}
