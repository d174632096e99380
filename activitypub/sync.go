package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

var (
	errSyncUnsigned           = errors.New("collection-synchronization header is not covered by the signature")
	errSyncCollectionMismatch = errors.New("collectionId is not the sender's followers collection")
	errSyncAuthorityMismatch  = errors.New("sync url is not on the collection's authority")
)

// ReconcileTask is the payload of a reconcile_followers task.
type ReconcileTask struct {
	RemoteActorURI string `json:"remote_actor_uri"`
	CollectionID   string `json:"collection_id"`
	URL            string `json:"url"`
}

// SyncEngine implements FEP-8fcf follower collection synchronization.
type SyncEngine struct {
	follows   *FollowService
	store     SyncStateStore
	fetcher   Fetcher
	signer    Signer
	scheduler Scheduler
	outbox    *Outbox
	events    *EventBus
	local     LocalActors
	conf      util.FederationConf
	now       func() time.Time
}

type SyncEngineConfig struct {
	Follows   *FollowService
	Store     SyncStateStore
	Fetcher   Fetcher
	Signer    Signer
	Scheduler Scheduler
	Outbox    *Outbox
	Events    *EventBus
	Local     LocalActors
	Conf      util.FederationConf
}

func NewSyncEngine(cfg SyncEngineConfig) *SyncEngine {
	return &SyncEngine{
		follows:   cfg.Follows,
		store:     cfg.Store,
		fetcher:   cfg.Fetcher,
		signer:    cfg.Signer,
		scheduler: cfg.Scheduler,
		outbox:    cfg.Outbox,
		events:    cfg.Events,
		local:     cfg.Local,
		conf:      cfg.Conf,
		now:       time.Now,
	}
}

// PartialFollowers lists the accepted followers of a local actor whose inbox
// is on authority.
func (e *SyncEngine) PartialFollowers(ctx context.Context, localActorID, authority string) ([]string, error) {
	return e.follows.FollowerURIs(ctx, localActorID, authority)
}

// OutboundHeader returns the Collection-Synchronization value for a delivery
// to inboxURL. It is only produced when the request can be signed, the
// authority has followers and the send window for the pair is open.
func (e *SyncEngine) OutboundHeader(ctx context.Context, localActorID, inboxURL string) (string, bool) {
	if e.signer == nil || !e.signer.CanSign(localActorID) {
		return "", false
	}
	authority, err := Authority(inboxURL)
	if err != nil {
		return "", false
	}

	members, err := e.PartialFollowers(ctx, localActorID, authority)
	if err != nil {
		log.Error().Err(err).Str("authority", authority).Msg("Sync: failed to read partial followers")
		return "", false
	}
	if len(members) == 0 {
		return "", false
	}

	claimed, err := e.store.ClaimSyncSend(ctx, localActorID, authority, e.now(), e.conf.SyncFrequency)
	if err != nil {
		log.Error().Err(err).Str("authority", authority).Msg("Sync: failed to claim send window")
		return "", false
	}
	if !claimed {
		return "", false
	}

	header := SyncHeader{
		CollectionID: e.local.FollowersURI(localActorID),
		URL:          e.local.FollowersSyncURI(localActorID, authority),
		Digest:       Digest(members),
	}
	return header.String(), true
}

// HandleInbound checks the Collection-Synchronization header of a request
// from actor and schedules a reconciliation when our view differs. A request
// without the header is a no-op. Returned errors are for logging only and
// must not be reported to the remote server.
func (e *SyncEngine) HandleInbound(ctx context.Context, actor *domain.RemoteActor, h http.Header) error {
	value := h.Get(SyncHeaderName)
	if value == "" {
		return nil
	}
	header, err := ParseSyncHeader(value)
	if err != nil {
		return err
	}

	if !lo.Contains(SignedHeaderNames(h), "collection-synchronization") {
		return errSyncUnsigned
	}
	if actor.FollowersURL == "" || header.CollectionID != actor.FollowersURL {
		return errSyncCollectionMismatch
	}
	collectionAuthority, err := Authority(header.CollectionID)
	if err != nil || !SameAuthority(header.URL, header.CollectionID) {
		return errSyncAuthorityMismatch
	}

	local, err := e.localFollowing(ctx, actor.URI)
	if err != nil {
		return err
	}
	if Digest(local) == header.Digest {
		return nil
	}

	claimed, err := e.store.ClaimSyncReceive(ctx, header.CollectionID, collectionAuthority, e.now(), e.conf.SyncFrequency)
	if err != nil || !claimed {
		return err
	}

	task := ReconcileTask{RemoteActorURI: actor.URI, CollectionID: header.CollectionID, URL: header.URL}
	if err := e.scheduler.Schedule(ctx, TaskReconcileFollowers, task, e.now()); err != nil {
		return err
	}
	log.Info().Str("remote", actor.URI).Msg("Sync: follower digest differs, reconciliation scheduled")
	return nil
}

// localFollowing returns the URIs of local actors with an accepted follow of remoteURI.
func (e *SyncEngine) localFollowing(ctx context.Context, remoteURI string) ([]string, error) {
	edges, err := e.follows.FollowersOf(ctx, remoteURI)
	if err != nil {
		return nil, err
	}
	accepted := lo.Filter(edges, func(f domain.FollowRelationship, _ int) bool {
		return f.State == domain.FollowAccepted
	})
	return lo.Map(accepted, func(f domain.FollowRelationship, _ int) string {
		return e.local.ActorURI(f.LocalActorID)
	}), nil
}

// Reconcile aligns our follows of the remote actor with the partial
// followers collection it publishes for our authority. Nothing changes when
// the collection cannot be fetched.
func (e *SyncEngine) Reconcile(ctx context.Context, task ReconcileTask) error {
	if !SameAuthority(task.URL, task.CollectionID) {
		return errSyncAuthorityMismatch
	}

	members, err := FetchCollectionMembers(ctx, e.fetcher, task.URL)
	if err != nil {
		return fmt.Errorf("reconciliation with %s aborted: %w", task.RemoteActorURI, err)
	}

	remote := make(map[string]bool)
	for _, m := range members {
		if id, ok := e.local.IDFromURI(m); ok {
			remote[id] = true
		}
	}

	edges, err := e.follows.FollowersOf(ctx, task.RemoteActorURI)
	if err != nil {
		return err
	}

	done := ReconciliationCompleted{RemoteActorURI: task.RemoteActorURI, Authority: e.local.Authority()}
	for _, edge := range edges {
		listed := remote[edge.LocalActorID]
		delete(remote, edge.LocalActorID)

		switch {
		case edge.State == domain.FollowAccepted && !listed:
			if err := e.follows.Reject(ctx, task.RemoteActorURI, edge.LocalActorID); err != nil && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			done.Rejected++
		case edge.State == domain.FollowPending && listed:
			if err := e.follows.Accept(ctx, task.RemoteActorURI, edge.LocalActorID); err != nil && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			done.Accepted++
		}
	}

	// listed remotely without a local follow: retract it
	if len(remote) > 0 {
		actor, err := e.follows.actors.FetchOrCreate(ctx, task.RemoteActorURI)
		if err != nil {
			log.Warn().Err(err).Str("remote", task.RemoteActorURI).Msg("Sync: cannot send Undo for stale follows")
		} else {
			for localID := range remote {
				if e.signer == nil || !e.signer.CanSign(localID) {
					continue
				}
				if err := e.outbox.SendUndoFollow(ctx, localID, "", actor); err != nil {
					log.Error().Err(err).Str("local", localID).Msg("Sync: Undo failed")
					continue
				}
				done.Undone++
			}
		}
	}

	e.events.Publish(ctx, done)
	log.Info().
		Str("remote", task.RemoteActorURI).
		Int("accepted", done.Accepted).
		Int("rejected", done.Rejected).
		Int("undone", done.Undone).
		Msg("Sync: reconciliation completed")
	return nil
}

// HandleReconcileTask is the TaskHandler for reconcile_followers.
func (e *SyncEngine) HandleReconcileTask(ctx context.Context, payload []byte) error {
	var task ReconcileTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return fmt.Errorf("invalid %s payload: %w", TaskReconcileFollowers, err)
	}
	return e.Reconcile(ctx, task)
}
