package activitypub

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// InboxRequest is one verified delivery to a personal or the shared inbox.
type InboxRequest struct {
	Payload []byte
	// Recipients are local actor ids. Empty means resolve from the audience.
	Recipients []string
	Shared     bool
	Header     http.Header
	// SignerURI is the actor whose key signed the request, if verified.
	SignerURI string
}

// IngestResult describes what Ingest did with a delivery.
type IngestResult struct {
	Item       *domain.InboxItem
	Kind       domain.ActivityKind
	Duplicate  bool
	HandlerErr error
}

// RecipientResolver expands an activity's audience into local actor ids.
type RecipientResolver interface {
	Resolve(ctx context.Context, a *Activity) ([]string, error)
}

// delivery is what a per-kind handler sees.
type delivery struct {
	activity   *Activity
	item       *domain.InboxItem
	recipients []string
	header     http.Header
}

type handlerFunc func(ctx context.Context, d *delivery) error

// Dispatcher is the inbox pipeline: validate, deduplicate, fan out, then run
// the handler for the activity kind.
type Dispatcher struct {
	store      ActivityRepository
	content    ContentStore
	actors     *ActorDirectory
	follows    *FollowService
	outbox     *Outbox
	sync       *SyncEngine
	scheduler  Scheduler
	recipients RecipientResolver
	fetcher    Fetcher
	events     *EventBus
	local      LocalActors
	conf       util.FederationConf
	sanitizer  *bluemonday.Policy
	handlers   map[domain.ActivityKind]handlerFunc
	now        func() time.Time
}

type DispatcherConfig struct {
	Store      ActivityRepository
	Content    ContentStore
	Actors     *ActorDirectory
	Follows    *FollowService
	Outbox     *Outbox
	Sync       *SyncEngine
	Scheduler  Scheduler
	Recipients RecipientResolver
	Fetcher    Fetcher
	Events     *EventBus
	Local      LocalActors
	Conf       util.FederationConf
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		store:      cfg.Store,
		content:    cfg.Content,
		actors:     cfg.Actors,
		follows:    cfg.Follows,
		outbox:     cfg.Outbox,
		sync:       cfg.Sync,
		scheduler:  cfg.Scheduler,
		recipients: cfg.Recipients,
		fetcher:    cfg.Fetcher,
		events:     cfg.Events,
		local:      cfg.Local,
		conf:       cfg.Conf,
		sanitizer:  bluemonday.UGCPolicy(),
		now:        time.Now,
	}
	d.handlers = map[domain.ActivityKind]handlerFunc{
		domain.KindFollow:       d.handleFollow,
		domain.KindAccept:       d.handleAccept,
		domain.KindReject:       d.handleReject,
		domain.KindUndo:         d.handleUndo,
		domain.KindCreate:       d.handleCreate,
		domain.KindUpdate:       d.handleUpdate,
		domain.KindDelete:       d.handleDelete,
		domain.KindQuoteRequest: d.handleQuoteRequest,
		domain.KindLike:         d.handleLike,
		domain.KindAnnounce:     d.handleAnnounce,
	}
	return d
}

// Ingest runs one delivery through the pipeline. Only validation and
// storage failures are returned as errors; a failing handler is recorded on
// the stored item and reported in the result.
func (d *Dispatcher) Ingest(ctx context.Context, req InboxRequest) (*IngestResult, error) {
	a, err := ParseActivity(req.Payload)
	if err != nil {
		return nil, err
	}
	if req.SignerURI != "" && !SameAuthority(req.SignerURI, a.Actor) {
		return nil, domain.NewValidationError("actor", "not on the signer's authority")
	}

	recipients := lo.Uniq(req.Recipients)
	if len(recipients) == 0 && d.recipients != nil {
		recipients, err = d.recipients.Resolve(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve recipients: %w", err)
		}
	}

	item := &domain.InboxItem{
		Id:              uuid.New(),
		ActivityGUID:    a.ID,
		ActivityType:    a.Type,
		RemoteActorURI:  a.Actor,
		ObjectReference: a.ObjectReference(),
		RawPayload:      string(a.Payload),
		Recipients:      recipients,
		CreatedAt:       d.now(),
	}

	created, err := d.store.InsertInboxItem(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("failed to store activity %s: %w", a.ID, err)
	}
	result := &IngestResult{Item: item, Kind: a.Kind}
	if !created {
		log.Debug().Str("id", a.ID).Strs("recipients", recipients).Msg("Inbox: duplicate delivery, recipients merged")
		result.Duplicate = true
		return result, nil
	}

	log.Info().Str("type", a.Type).Str("actor", a.Actor).Str("id", a.ID).Msg("Inbox: received")
	d.fanOut(ctx, req.Shared, item, a.Kind)

	handler, ok := d.handlers[a.Kind]
	if !ok {
		log.Debug().Str("type", a.Type).Msg("Inbox: unrecognized activity stored without handling")
		return result, d.store.MarkInboxItemHandled(ctx, a.ID, "")
	}

	result.HandlerErr = handler(ctx, &delivery{
		activity:   a,
		item:       item,
		recipients: recipients,
		header:     req.Header,
	})

	handlerErr := ""
	if result.HandlerErr != nil {
		handlerErr = result.HandlerErr.Error()
		log.Warn().Err(result.HandlerErr).Str("type", a.Type).Str("id", a.ID).Msg("Inbox: handler failed")
	}
	if err := d.store.MarkInboxItemHandled(ctx, a.ID, handlerErr); err != nil {
		return result, err
	}
	return result, nil
}

// fanOut publishes the ingestion events. A shared delivery fires one batch
// event and tags the per-recipient events so consumers can skip them.
func (d *Dispatcher) fanOut(ctx context.Context, shared bool, item *domain.InboxItem, kind domain.ActivityKind) {
	d.events.Publish(ctx, ActivityIngested{Item: item, Kind: kind})

	recipientCtx := ctx
	if shared {
		recipientCtx = WithSharedInbox(ctx)
		d.events.Publish(recipientCtx, SharedInboxReceived{Item: item, Recipients: item.Recipients})
	}
	for _, r := range item.Recipients {
		d.events.Publish(recipientCtx, InboxReceived{Item: item, Recipient: r, Shared: shared})
	}
}

// objectDocument returns the embedded object or fetches a linked one.
func (d *Dispatcher) objectDocument(ctx context.Context, a *Activity) (map[string]any, error) {
	if obj := a.ObjectMap(); obj != nil {
		return obj, nil
	}
	if d.fetcher == nil {
		return nil, domain.NewValidationError("object", "not embedded")
	}
	body, err := d.fetcher.Fetch(ctx, a.ObjectID())
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, domain.NewValidationError("object", "not a JSON object")
	}
	if stringField(obj, "id") != a.ObjectID() {
		return nil, domain.NewValidationError("object", "fetched id does not match")
	}
	return obj, nil
}
