package activitypub

import (
	"context"

	"github.com/deemkeen/tusk/domain"
	"github.com/samber/lo"
)

// AudienceResolver maps an activity's audience onto local actors. Local actor
// URIs address that actor directly; the public collection or the sender's
// followers collection address every local actor following the sender.
type AudienceResolver struct {
	follows *FollowService
	actors  *ActorDirectory
	local   LocalActors
}

func NewAudienceResolver(follows *FollowService, actors *ActorDirectory, local LocalActors) *AudienceResolver {
	return &AudienceResolver{follows: follows, actors: actors, local: local}
}

func (r *AudienceResolver) Resolve(ctx context.Context, a *Activity) ([]string, error) {
	var ids []string
	audience := a.Audience()

	// Follow and QuoteRequest address their object even when to is empty
	if id, ok := r.local.IDFromURI(a.ObjectID()); ok {
		ids = append(ids, id)
	}
	for _, uri := range audience {
		if id, ok := r.local.IDFromURI(uri); ok {
			ids = append(ids, id)
		}
	}

	if r.addressesFollowers(ctx, a, audience) {
		edges, err := r.follows.FollowersOf(ctx, a.Actor)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if e.State == domain.FollowAccepted {
				ids = append(ids, e.LocalActorID)
			}
		}
	}
	return lo.Uniq(ids), nil
}

func (r *AudienceResolver) addressesFollowers(ctx context.Context, a *Activity, audience []string) bool {
	if lo.Some(audience, publicAliases) {
		return true
	}
	actor, err := r.actors.Resolve(ctx, a.Actor)
	if err != nil || actor.FollowersURL == "" {
		return false
	}
	return lo.Contains(audience, actor.FollowersURL)
}
