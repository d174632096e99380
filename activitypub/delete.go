package activitypub

import (
	"context"
	"fmt"

	"github.com/deemkeen/tusk/domain"
	"github.com/rs/zerolog/log"
)

// ActorCascade is the payload of the actor deletion cascade tasks.
type ActorCascade struct {
	ActorURI string `json:"actor_uri"`
}

// deletesActor decides whether a Delete targets an actor or content. Declared
// actor types are actors; an undeclared type or a Tombstone is an actor
// deletion only when the object is the sender itself.
func deletesActor(a *Activity) bool {
	objType := a.ObjectType()
	switch {
	case domain.IsActorType(objType):
		return true
	case objType == "" || objType == "Tombstone":
		return a.ObjectID() == a.Actor
	default:
		return false
	}
}

func (d *Dispatcher) handleDelete(ctx context.Context, dl *delivery) error {
	a := dl.activity
	if deletesActor(a) {
		return d.deleteActor(ctx, a.ObjectID())
	}

	id := a.ObjectID()
	if err := d.removeInteraction(ctx, id, a.Actor); err != nil {
		return err
	}
	return d.removeCachedPost(ctx, id, a.Actor)
}

// deleteActor removes a remote actor once its own URI confirms the deletion,
// then schedules the content cleanup. An actor that still resolves keeps all
// of its follow edges.
func (d *Dispatcher) deleteActor(ctx context.Context, actorURI string) error {
	confirmed, err := d.actors.ConfirmTombstone(ctx, actorURI)
	if err != nil {
		return fmt.Errorf("cannot confirm deletion of %s: %w", actorURI, err)
	}
	if !confirmed {
		log.Warn().Str("actor", actorURI).Msg("Inbox: Delete for an actor that still exists, ignoring")
		return nil
	}

	removed, err := d.follows.RemoveActor(ctx, actorURI)
	if err != nil {
		return err
	}
	if err := d.actors.Delete(ctx, actorURI); err != nil {
		return err
	}

	payload := ActorCascade{ActorURI: actorURI}
	for _, task := range []string{TaskDeleteActorInteractions, TaskDeleteActorPosts} {
		if err := d.scheduler.Schedule(ctx, task, payload, d.now()); err != nil {
			return err
		}
	}
	log.Info().Str("actor", actorURI).Int64("edges", removed).Msg("Inbox: remote actor deleted")
	return nil
}

// HandleDeleteInteractionsTask is the TaskHandler for delete_actor_interactions.
func (d *Dispatcher) HandleDeleteInteractionsTask(ctx context.Context, payload []byte) error {
	var task ActorCascade
	if err := json.Unmarshal(payload, &task); err != nil {
		return err
	}
	n, err := d.content.DeleteInteractionsByActor(ctx, task.ActorURI)
	if err == nil {
		log.Info().Str("actor", task.ActorURI).Int64("count", n).Msg("Tasks: interactions of deleted actor removed")
	}
	return err
}

// HandleDeletePostsTask is the TaskHandler for delete_actor_posts.
func (d *Dispatcher) HandleDeletePostsTask(ctx context.Context, payload []byte) error {
	var task ActorCascade
	if err := json.Unmarshal(payload, &task); err != nil {
		return err
	}
	n, err := d.content.DeleteCachedPostsByActor(ctx, task.ActorURI)
	if err == nil {
		log.Info().Str("actor", task.ActorURI).Int64("count", n).Msg("Tasks: posts of deleted actor removed")
	}
	return err
}
