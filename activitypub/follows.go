package activitypub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/rs/zerolog/log"
)

// FollowService is the follow state machine. Edges are PENDING or ACCEPTED;
// rejection and undo delete the edge.
type FollowService struct {
	store      FollowStore
	activities ActivityRepository
	actors     *ActorDirectory
	outbox     *Outbox
	events     *EventBus
	conf       util.FederationConf
	now        func() time.Time
}

func NewFollowService(s FollowStore, activities ActivityRepository, actors *ActorDirectory, outbox *Outbox, events *EventBus, conf util.FederationConf) *FollowService {
	return &FollowService{
		store:      s,
		activities: activities,
		actors:     actors,
		outbox:     outbox,
		events:     events,
		conf:       conf,
		now:        time.Now,
	}
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, domain.ErrNotFound)...)
}

// Follow starts following remoteURI and returns the id of the outbound
// Follow. Repeated calls return the id of the existing edge.
func (s *FollowService) Follow(ctx context.Context, localActorID, remoteURI string) (string, error) {
	existing, err := s.store.ReadFollow(ctx, localActorID, remoteURI, domain.DirectionFollowing)
	if err == nil {
		return existing.OutboxActivityRef, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}

	remote, err := s.actors.FetchOrCreate(ctx, remoteURI)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", remoteURI, err)
	}

	now := s.now()
	edge := &domain.FollowRelationship{
		LocalActorID:      localActorID,
		RemoteActorURI:    remote.URI,
		Direction:         domain.DirectionFollowing,
		State:             domain.FollowPending,
		OutboxActivityRef: s.outbox.NewActivityID(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	created, err := s.store.InsertFollow(ctx, edge)
	if err != nil {
		return "", err
	}
	if !created {
		// lost a race with a concurrent Follow
		existing, err := s.store.ReadFollow(ctx, localActorID, remote.URI, domain.DirectionFollowing)
		if err != nil {
			return "", err
		}
		return existing.OutboxActivityRef, nil
	}

	if err := s.outbox.SendFollow(ctx, localActorID, edge.OutboxActivityRef, remote); err != nil {
		return edge.OutboxActivityRef, err
	}
	log.Info().Str("local", localActorID).Str("remote", remote.URI).Msg("Follows: follow requested")
	return edge.OutboxActivityRef, nil
}

// Accept moves our PENDING follow of remoteURI to ACCEPTED.
func (s *FollowService) Accept(ctx context.Context, remoteURI, localActorID string) error {
	ok, err := s.store.TransitionFollow(ctx, localActorID, remoteURI, domain.DirectionFollowing, domain.FollowPending, domain.FollowAccepted)
	if err != nil {
		return err
	}
	if !ok {
		return notFoundf("no pending follow of %s by %s", remoteURI, localActorID)
	}
	s.events.Publish(ctx, FollowAccepted{LocalActorID: localActorID, RemoteActorURI: remoteURI, Direction: domain.DirectionFollowing})
	log.Info().Str("local", localActorID).Str("remote", remoteURI).Msg("Follows: follow accepted")
	return nil
}

// Reject deletes our follow of remoteURI in whatever state it is.
func (s *FollowService) Reject(ctx context.Context, remoteURI, localActorID string) error {
	deleted, err := s.store.DeleteFollow(ctx, localActorID, remoteURI, domain.DirectionFollowing)
	if err != nil {
		return err
	}
	if !deleted {
		return notFoundf("no follow of %s by %s", remoteURI, localActorID)
	}
	s.events.Publish(ctx, FollowRejected{LocalActorID: localActorID, RemoteActorURI: remoteURI, Direction: domain.DirectionFollowing})
	log.Info().Str("local", localActorID).Str("remote", remoteURI).Msg("Follows: follow rejected")
	return nil
}

// Unfollow deletes our follow, marks the original Follow undone and sends
// Undo(Follow).
func (s *FollowService) Unfollow(ctx context.Context, localActorID, remoteURI string) error {
	edge, err := s.store.ReadFollow(ctx, localActorID, remoteURI, domain.DirectionFollowing)
	if err != nil {
		return err
	}
	if _, err := s.store.DeleteFollow(ctx, localActorID, remoteURI, domain.DirectionFollowing); err != nil {
		return err
	}

	if edge.OutboxActivityRef == "" {
		return nil
	}
	if err := s.activities.MarkOutboxActivityUndone(ctx, edge.OutboxActivityRef); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	remote, err := s.actors.Resolve(ctx, remoteURI)
	if err != nil {
		log.Warn().Err(err).Str("remote", remoteURI).Msg("Follows: cannot notify unfollowed actor")
		return nil
	}
	return s.outbox.SendUndoFollow(ctx, localActorID, edge.OutboxActivityRef, remote)
}

// ReceiveFollow records remoteURI as a follower. With auto-accept on the edge
// starts ACCEPTED, otherwise PENDING until ApproveFollower. An existing edge
// is returned unchanged.
func (s *FollowService) ReceiveFollow(ctx context.Context, remoteURI, localActorID, followID string) (*domain.FollowRelationship, error) {
	state := domain.FollowPending
	if s.conf.AutoAcceptFollowers {
		state = domain.FollowAccepted
	}

	now := s.now()
	edge := &domain.FollowRelationship{
		LocalActorID:       localActorID,
		RemoteActorURI:     remoteURI,
		Direction:          domain.DirectionFollower,
		State:              state,
		InboundActivityRef: followID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	created, err := s.store.InsertFollow(ctx, edge)
	if err != nil {
		return nil, err
	}
	if !created {
		return s.store.ReadFollow(ctx, localActorID, remoteURI, domain.DirectionFollower)
	}
	if state == domain.FollowAccepted {
		s.events.Publish(ctx, FollowAccepted{LocalActorID: localActorID, RemoteActorURI: remoteURI, Direction: domain.DirectionFollower})
	}
	return edge, nil
}

// ReceiveUndoFollow removes remoteURI from the local actor's followers.
func (s *FollowService) ReceiveUndoFollow(ctx context.Context, remoteURI, localActorID string) error {
	deleted, err := s.store.DeleteFollow(ctx, localActorID, remoteURI, domain.DirectionFollower)
	if err != nil {
		return err
	}
	if !deleted {
		return notFoundf("%s does not follow %s", remoteURI, localActorID)
	}
	return nil
}

// ApproveFollower accepts a PENDING follower and sends Accept.
func (s *FollowService) ApproveFollower(ctx context.Context, localActorID, remoteURI string) error {
	edge, err := s.store.ReadFollow(ctx, localActorID, remoteURI, domain.DirectionFollower)
	if err != nil {
		return err
	}
	ok, err := s.store.TransitionFollow(ctx, localActorID, remoteURI, domain.DirectionFollower, domain.FollowPending, domain.FollowAccepted)
	if err != nil {
		return err
	}
	if !ok {
		return notFoundf("no pending follow request from %s", remoteURI)
	}
	s.events.Publish(ctx, FollowAccepted{LocalActorID: localActorID, RemoteActorURI: remoteURI, Direction: domain.DirectionFollower})

	remote, err := s.actors.FetchOrCreate(ctx, remoteURI)
	if err != nil {
		return err
	}
	return s.outbox.SendAccept(ctx, localActorID, remote, edge.InboundActivityRef)
}

// DenyFollower deletes a follower edge and sends Reject.
func (s *FollowService) DenyFollower(ctx context.Context, localActorID, remoteURI string) error {
	edge, err := s.store.ReadFollow(ctx, localActorID, remoteURI, domain.DirectionFollower)
	if err != nil {
		return err
	}
	if _, err := s.store.DeleteFollow(ctx, localActorID, remoteURI, domain.DirectionFollower); err != nil {
		return err
	}
	s.events.Publish(ctx, FollowRejected{LocalActorID: localActorID, RemoteActorURI: remoteURI, Direction: domain.DirectionFollower})

	remote, err := s.actors.FetchOrCreate(ctx, remoteURI)
	if err != nil {
		return err
	}
	return s.outbox.SendReject(ctx, localActorID, remote, edge.InboundActivityRef)
}

func (s *FollowService) Get(ctx context.Context, localActorID, remoteURI string, dir domain.Direction) (*domain.FollowRelationship, error) {
	return s.store.ReadFollow(ctx, localActorID, remoteURI, dir)
}

func (s *FollowService) List(ctx context.Context, q domain.FollowQuery) (domain.FollowPage, error) {
	return s.store.ListFollows(ctx, q)
}

func (s *FollowService) Count(ctx context.Context, localActorID string, dir domain.Direction) (map[domain.FollowState]int, error) {
	return s.store.CountFollows(ctx, localActorID, dir)
}

// IsFollower reports whether remoteURI is an accepted follower of the local actor.
func (s *FollowService) IsFollower(ctx context.Context, localActorID, remoteURI string) (bool, error) {
	edge, err := s.store.ReadFollow(ctx, localActorID, remoteURI, domain.DirectionFollower)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return edge.State == domain.FollowAccepted, nil
}

// FollowersOf returns the local edges that follow remoteURI.
func (s *FollowService) FollowersOf(ctx context.Context, remoteURI string) ([]domain.FollowRelationship, error) {
	return s.store.ReadFollowsByRemoteActor(ctx, remoteURI, domain.DirectionFollowing)
}

// FollowerURIs returns the accepted followers of a local actor on one authority.
func (s *FollowService) FollowerURIs(ctx context.Context, localActorID, authority string) ([]string, error) {
	return s.store.ReadFollowerURIsByAuthority(ctx, localActorID, authority)
}

// RemoveActor drops every edge that involves remoteURI.
func (s *FollowService) RemoveActor(ctx context.Context, remoteURI string) (int64, error) {
	return s.store.DeleteFollowsByRemoteActor(ctx, remoteURI)
}
