package activitypub

import (
	"context"
	"fmt"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/rs/zerolog/log"
)

// SyncHeaderName is the FEP-8fcf request header.
const SyncHeaderName = "Collection-Synchronization"

// SyncHeaderSource produces the Collection-Synchronization header value for
// a Create delivery, or false when none should be sent.
type SyncHeaderSource interface {
	OutboundHeader(ctx context.Context, localActorID, inboxURL string) (string, bool)
}

// Outbox records locally originated activities and hands them to the Deliverer.
type Outbox struct {
	store     ActivityRepository
	deliverer Deliverer
	local     LocalActors
	sync      SyncHeaderSource
	now       func() time.Time
}

func NewOutbox(store ActivityRepository, deliverer Deliverer, local LocalActors) *Outbox {
	return &Outbox{store: store, deliverer: deliverer, local: local, now: time.Now}
}

// SetSyncHeaderSource enables FEP-8fcf headers on Create deliveries.
func (o *Outbox) SetSyncHeaderSource(s SyncHeaderSource) {
	o.sync = s
}

func (o *Outbox) NewActivityID() string {
	return o.local.NewActivityID()
}

func (o *Outbox) newActivity(id, kind, localActorID string, object any, to ...string) map[string]any {
	if id == "" {
		id = o.local.NewActivityID()
	}
	activity := map[string]any{
		"@context": ContextActivityStreams,
		"id":       id,
		"type":     kind,
		"actor":    o.local.ActorURI(localActorID),
		"object":   object,
	}
	if len(to) > 0 {
		activity["to"] = to
	}
	return activity
}

// record persists the activity in the outbox table and returns its body.
func (o *Outbox) record(ctx context.Context, localActorID string, activity map[string]any) ([]byte, error) {
	body, err := json.Marshal(activity)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal activity: %w", err)
	}

	kind, _ := activity["type"].(string)
	entry := &domain.OutboxActivity{
		Id:              uuid.New(),
		ActivityGUID:    activity["id"].(string),
		ActivityType:    kind,
		LocalActorID:    localActorID,
		ObjectReference: idOf(activity["object"]),
		RawPayload:      string(body),
		CreatedAt:       o.now(),
	}
	if err := o.store.InsertOutboxActivity(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to record %s: %w", kind, err)
	}
	return body, nil
}

func (o *Outbox) deliver(ctx context.Context, localActorID string, body []byte, inbox string, headers map[string]string) error {
	item := &domain.DeliveryItem{
		Id:           uuid.New(),
		LocalActorID: localActorID,
		InboxURL:     inbox,
		Body:         string(body),
		Headers:      headers,
		CreatedAt:    o.now(),
	}
	if err := o.deliverer.Deliver(ctx, item); err != nil {
		return fmt.Errorf("failed to deliver to %s: %w", inbox, err)
	}
	return nil
}

// send records activity and delivers it to one inbox.
func (o *Outbox) send(ctx context.Context, localActorID string, activity map[string]any, inbox string) error {
	body, err := o.record(ctx, localActorID, activity)
	if err != nil {
		return err
	}
	log.Info().
		Str("type", activity["type"].(string)).
		Str("actor", localActorID).
		Str("inbox", inbox).
		Msg("Outbox: sending")
	return o.deliver(ctx, localActorID, body, inbox, nil)
}

// SendFollow sends Follow(remote) with the given activity id.
func (o *Outbox) SendFollow(ctx context.Context, localActorID, followID string, remote *domain.RemoteActor) error {
	follow := o.newActivity(followID, "Follow", localActorID, remote.URI, remote.URI)
	return o.send(ctx, localActorID, follow, remote.InboxURL)
}

// SendUndoFollow retracts the Follow with id followID. An empty followID
// retracts by actor and object alone.
func (o *Outbox) SendUndoFollow(ctx context.Context, localActorID, followID string, remote *domain.RemoteActor) error {
	follow := map[string]any{
		"type":   "Follow",
		"actor":  o.local.ActorURI(localActorID),
		"object": remote.URI,
	}
	if followID != "" {
		follow["id"] = followID
	}
	undo := o.newActivity("", "Undo", localActorID, follow, remote.URI)
	return o.send(ctx, localActorID, undo, remote.InboxURL)
}

// SendAccept answers object (a Follow id or a sanitized request) with Accept.
func (o *Outbox) SendAccept(ctx context.Context, localActorID string, remote *domain.RemoteActor, object any) error {
	accept := o.newActivity("", "Accept", localActorID, object, remote.URI)
	return o.send(ctx, localActorID, accept, remote.InboxURL)
}

// SendReject answers object with Reject.
func (o *Outbox) SendReject(ctx context.Context, localActorID string, remote *domain.RemoteActor, object any) error {
	reject := o.newActivity("", "Reject", localActorID, object, remote.URI)
	return o.send(ctx, localActorID, reject, remote.InboxURL)
}

// DeliverCreate records a Create built by the content system and fans it out
// to inboxes, attaching the FEP-8fcf header where the sync source allows it.
func (o *Outbox) DeliverCreate(ctx context.Context, localActorID string, activity map[string]any, inboxes []string) error {
	create := lo.Assign(activity)
	if _, ok := create["id"].(string); !ok {
		create["id"] = o.local.NewActivityID()
	}
	create["type"] = "Create"
	create["actor"] = o.local.ActorURI(localActorID)
	if _, ok := create["@context"]; !ok {
		create["@context"] = ContextActivityStreams
	}

	body, err := o.record(ctx, localActorID, create)
	if err != nil {
		return err
	}

	var failed int
	for _, inbox := range inboxes {
		var headers map[string]string
		if o.sync != nil {
			if value, ok := o.sync.OutboundHeader(ctx, localActorID, inbox); ok {
				headers = map[string]string{SyncHeaderName: value}
			}
		}
		if err := o.deliver(ctx, localActorID, body, inbox, headers); err != nil {
			log.Error().Err(err).Str("inbox", inbox).Msg("Outbox: Create delivery failed")
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d Create deliveries failed", failed, len(inboxes))
	}
	return nil
}
