package activitypub

import (
	"context"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

// ActorStore persists remote actors.
type ActorStore interface {
	UpsertRemoteActor(ctx context.Context, actor *domain.RemoteActor) error
	ReadRemoteActor(ctx context.Context, uri string) (*domain.RemoteActor, error)
	RecordActorError(ctx context.Context, uri string, entry domain.ActorError, limit int) error
	ClearActorErrors(ctx context.Context, uri string) error
	DeleteRemoteActor(ctx context.Context, uri string) error
}

// FollowStore persists follow edges. TransitionFollow is a compare-and-set.
type FollowStore interface {
	InsertFollow(ctx context.Context, f *domain.FollowRelationship) (bool, error)
	ReadFollow(ctx context.Context, localActorID, remoteActorURI string, dir domain.Direction) (*domain.FollowRelationship, error)
	TransitionFollow(ctx context.Context, localActorID, remoteActorURI string, dir domain.Direction, from, to domain.FollowState) (bool, error)
	DeleteFollow(ctx context.Context, localActorID, remoteActorURI string, dir domain.Direction) (bool, error)
	DeleteFollowsByRemoteActor(ctx context.Context, remoteActorURI string) (int64, error)
	ReadFollowsByRemoteActor(ctx context.Context, remoteActorURI string, dir domain.Direction) ([]domain.FollowRelationship, error)
	ReadFollowerURIsByAuthority(ctx context.Context, localActorID, authority string) ([]string, error)
	ListFollows(ctx context.Context, q domain.FollowQuery) (domain.FollowPage, error)
	CountFollows(ctx context.Context, localActorID string, dir domain.Direction) (map[domain.FollowState]int, error)
}

// ActivityRepository is the Activity Store: inbound items deduplicated by
// GUID and locally originated activities.
type ActivityRepository interface {
	InsertInboxItem(ctx context.Context, item *domain.InboxItem) (bool, error)
	AddInboxRecipients(ctx context.Context, guid string, recipients []string) error
	ReadInboxItem(ctx context.Context, guid string) (*domain.InboxItem, error)
	MarkInboxItemHandled(ctx context.Context, guid, handlerErr string) error
	InsertOutboxActivity(ctx context.Context, a *domain.OutboxActivity) error
	ReadOutboxActivity(ctx context.Context, guid string) (*domain.OutboxActivity, error)
	MarkOutboxActivityUndone(ctx context.Context, guid string) error
}

// ContentStore holds the local side effects of remote content.
type ContentStore interface {
	UpsertInteraction(ctx context.Context, in *domain.Interaction) (bool, error)
	ReadInteraction(ctx context.Context, remoteObjectID string) (*domain.Interaction, error)
	DeleteInteraction(ctx context.Context, remoteObjectID string) (bool, error)
	DeleteInteractionsByActor(ctx context.Context, actorURI string) (int64, error)
	UpsertCachedPost(ctx context.Context, p *domain.CachedPost) (bool, error)
	ReadCachedPost(ctx context.Context, objectID string) (*domain.CachedPost, error)
	DeleteCachedPost(ctx context.Context, objectID string) (bool, error)
	DeleteCachedPostsByActor(ctx context.Context, actorURI string) (int64, error)
	UpsertLocalPost(ctx context.Context, p *domain.LocalPost) error
	ReadLocalPost(ctx context.Context, uri string) (*domain.LocalPost, error)
	InsertQuotedBy(ctx context.Context, q *domain.QuotedBy) (bool, error)
	ReadQuotedBy(ctx context.Context, postURI string) ([]domain.QuotedBy, error)
}

// SyncStateStore throttles FEP-8fcf traffic per (subject, authority).
type SyncStateStore interface {
	ClaimSyncSend(ctx context.Context, subject, authority string, now time.Time, window time.Duration) (bool, error)
	ClaimSyncReceive(ctx context.Context, subject, authority string, now time.Time, window time.Duration) (bool, error)
	ReadSyncState(ctx context.Context, subject, authority string) (*domain.CollectionSyncState, error)
}

// TaskStore backs the deferred task scheduler.
type TaskStore interface {
	InsertTask(ctx context.Context, name, payload string, runAfter time.Time) (int64, error)
	ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]domain.DeferredTask, error)
	DeleteTask(ctx context.Context, id int64) error
}

// DeliveryQueue hands prepared deliveries to the delivery subsystem.
type DeliveryQueue interface {
	EnqueueDelivery(ctx context.Context, item *domain.DeliveryItem) error
	ReadDeliveries(ctx context.Context, limit int) ([]domain.DeliveryItem, error)
	DeleteDelivery(ctx context.Context, id uuid.UUID) error
}

// Store is everything the federation core persists. *db.DB implements it.
type Store interface {
	ActorStore
	FollowStore
	ActivityRepository
	ContentStore
	SyncStateStore
	TaskStore
	DeliveryQueue
}
