package activitypub

import (
	"context"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/eko/gocache/lib/v4/cache"
	"github.com/samber/lo"
)

// Config wires a Federation. Cache and Signer are optional.
type Config struct {
	Store     Store
	Fetcher   Fetcher
	Deliverer Deliverer
	Signer    Signer
	Cache     cache.CacheInterface[any]
	Events    *EventBus
	Local     LocalActors
	Conf      util.FederationConf
}

// Federation holds the wired federation components.
type Federation struct {
	Local      LocalActors
	Events     *EventBus
	Actors     *ActorDirectory
	Follows    *FollowService
	Outbox     *Outbox
	Sync       *SyncEngine
	Tasks      *TaskRunner
	Recipients *AudienceResolver
	Dispatcher *Dispatcher
	Verifier   *SignatureVerifier

	store Store
}

func New(cfg Config) *Federation {
	events := cfg.Events
	if events == nil {
		events = NewEventBus()
	}

	actors := NewActorDirectory(cfg.Store, cfg.Fetcher, cfg.Cache, cfg.Conf)
	outbox := NewOutbox(cfg.Store, cfg.Deliverer, cfg.Local)
	follows := NewFollowService(cfg.Store, cfg.Store, actors, outbox, events, cfg.Conf)
	tasks := NewTaskRunner(cfg.Store)

	sync := NewSyncEngine(SyncEngineConfig{
		Follows:   follows,
		Store:     cfg.Store,
		Fetcher:   cfg.Fetcher,
		Signer:    cfg.Signer,
		Scheduler: tasks,
		Outbox:    outbox,
		Events:    events,
		Local:     cfg.Local,
		Conf:      cfg.Conf,
	})
	outbox.SetSyncHeaderSource(sync)

	recipients := NewAudienceResolver(follows, actors, cfg.Local)
	dispatcher := NewDispatcher(DispatcherConfig{
		Store:      cfg.Store,
		Content:    cfg.Store,
		Actors:     actors,
		Follows:    follows,
		Outbox:     outbox,
		Sync:       sync,
		Scheduler:  tasks,
		Recipients: recipients,
		Fetcher:    cfg.Fetcher,
		Events:     events,
		Local:      cfg.Local,
		Conf:       cfg.Conf,
	})

	tasks.Handle(TaskReconcileFollowers, sync.HandleReconcileTask)
	tasks.Handle(TaskDeleteActorInteractions, dispatcher.HandleDeleteInteractionsTask)
	tasks.Handle(TaskDeleteActorPosts, dispatcher.HandleDeletePostsTask)

	return &Federation{
		Local:      cfg.Local,
		Events:     events,
		Actors:     actors,
		Follows:    follows,
		Outbox:     outbox,
		Sync:       sync,
		Tasks:      tasks,
		Recipients: recipients,
		Dispatcher: dispatcher,
		Verifier:   NewSignatureVerifier(actors),
		store:      cfg.Store,
	}
}

// RegisterPost tells the federation core about local content that remote
// servers may quote.
func (f *Federation) RegisterPost(ctx context.Context, post *domain.LocalPost) error {
	if post.QuotePolicy == "" {
		post.QuotePolicy = domain.QuoteAnyone
	}
	return f.store.UpsertLocalPost(ctx, post)
}

// FollowerInboxes returns the deduplicated delivery inboxes of a local
// actor's accepted followers, preferring shared inboxes.
func (f *Federation) FollowerInboxes(ctx context.Context, localActorID string) ([]string, error) {
	var inboxes []string
	q := domain.FollowQuery{
		LocalActorID: localActorID,
		Direction:    domain.DirectionFollower,
		State:        domain.FollowAccepted,
		Page:         1,
		PerPage:      200,
	}
	for {
		page, err := f.Follows.List(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, edge := range page.Items {
			actor, err := f.Actors.Resolve(ctx, edge.RemoteActorURI)
			if err != nil {
				continue
			}
			inboxes = append(inboxes, actor.DeliveryInbox())
		}
		if !page.HasNext() {
			break
		}
		q.Page++
	}
	return lo.Uniq(inboxes), nil
}

// Publish delivers a Create built by the content system to every follower.
func (f *Federation) Publish(ctx context.Context, localActorID string, create map[string]any) error {
	inboxes, err := f.FollowerInboxes(ctx, localActorID)
	if err != nil {
		return err
	}
	return f.Outbox.DeliverCreate(ctx, localActorID, create, inboxes)
}
