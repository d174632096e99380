package activitypub

import (
	"context"
	"errors"
	"fmt"

	"github.com/deemkeen/tusk/domain"
	"github.com/rs/zerolog/log"
)

// ignoreNotFound turns a missing target into a silent drop.
func ignoreNotFound(err error, msg string, a *Activity) error {
	if errors.Is(err, domain.ErrNotFound) {
		log.Debug().Err(err).Str("id", a.ID).Msg(msg)
		return nil
	}
	return err
}

func (d *Dispatcher) handleFollow(ctx context.Context, dl *delivery) error {
	a := dl.activity
	localID, ok := d.local.IDFromURI(a.ObjectID())
	if !ok {
		return fmt.Errorf("follow target %s is not a local actor: %w", a.ObjectID(), domain.ErrNotFound)
	}

	remote, err := d.actors.FetchOrCreate(ctx, a.Actor)
	if err != nil {
		return err
	}

	edge, err := d.follows.ReceiveFollow(ctx, remote.URI, localID, a.ID)
	if err != nil {
		return err
	}
	if edge.State != domain.FollowAccepted {
		log.Info().Str("remote", remote.URI).Str("local", localID).Msg("Inbox: follow request awaiting approval")
		return nil
	}
	return d.outbox.SendAccept(ctx, localID, remote, a.ID)
}

// outboundFollow finds the local Follow an Accept or Reject answers. The
// object is looked up by id in the outbox; an embedded Follow whose actor is
// local and whose object is the responder is accepted as a fallback.
func (d *Dispatcher) outboundFollow(ctx context.Context, a *Activity) (string, error) {
	out, err := d.store.ReadOutboxActivity(ctx, a.ObjectID())
	switch {
	case err == nil:
		if out.ActivityType != "Follow" || out.ObjectReference != a.Actor {
			return "", fmt.Errorf("%s does not answer a follow of %s: %w", a.ID, a.Actor, domain.ErrNotFound)
		}
		return out.LocalActorID, nil
	case !errors.Is(err, domain.ErrNotFound):
		return "", err
	}

	obj := a.ObjectMap()
	if obj == nil || typeOf(obj) != "Follow" || idOf(obj["object"]) != a.Actor {
		return "", fmt.Errorf("unknown follow %s: %w", a.ObjectID(), domain.ErrNotFound)
	}
	localID, ok := d.local.IDFromURI(idOf(obj["actor"]))
	if !ok {
		return "", fmt.Errorf("follow %s was not sent from here: %w", a.ObjectID(), domain.ErrNotFound)
	}
	return localID, nil
}

func (d *Dispatcher) handleAccept(ctx context.Context, dl *delivery) error {
	a := dl.activity
	localID, err := d.outboundFollow(ctx, a)
	if err == nil {
		err = d.follows.Accept(ctx, a.Actor, localID)
	}
	return ignoreNotFound(err, "Inbox: Accept without pending follow", a)
}

func (d *Dispatcher) handleReject(ctx context.Context, dl *delivery) error {
	a := dl.activity
	localID, err := d.outboundFollow(ctx, a)
	if err == nil {
		err = d.follows.Reject(ctx, a.Actor, localID)
	}
	return ignoreNotFound(err, "Inbox: Reject without follow", a)
}

// undoTarget describes what an Undo retracts.
type undoTarget struct {
	kind   domain.ActivityKind
	id     string
	object string
}

// resolveUndoTarget reads the retracted activity from the embedded object or,
// for a bare link, from the stored inbox item. Only the original actor may
// retract it.
func (d *Dispatcher) resolveUndoTarget(ctx context.Context, a *Activity) (*undoTarget, error) {
	if obj := a.ObjectMap(); obj != nil && typeOf(obj) != "" {
		if actor := idOf(obj["actor"]); actor != "" && actor != a.Actor {
			return nil, domain.NewValidationError("object", "undone activity belongs to another actor")
		}
		return &undoTarget{
			kind:   domain.ParseActivityKind(typeOf(obj)),
			id:     idOf(obj),
			object: idOf(obj["object"]),
		}, nil
	}

	item, err := d.store.ReadInboxItem(ctx, a.ObjectID())
	if err != nil {
		return nil, err
	}
	if item.RemoteActorURI != a.Actor {
		return nil, domain.NewValidationError("object", "undone activity belongs to another actor")
	}
	return &undoTarget{
		kind:   domain.ParseActivityKind(item.ActivityType),
		id:     item.ActivityGUID,
		object: item.ObjectReference,
	}, nil
}

func (d *Dispatcher) handleUndo(ctx context.Context, dl *delivery) error {
	a := dl.activity
	target, err := d.resolveUndoTarget(ctx, a)
	if err != nil {
		return ignoreNotFound(err, "Inbox: Undo of unknown activity", a)
	}

	switch target.kind {
	case domain.KindFollow:
		localID, ok := d.local.IDFromURI(target.object)
		if !ok {
			return nil
		}
		err := d.follows.ReceiveUndoFollow(ctx, a.Actor, localID)
		if err == nil {
			log.Info().Str("remote", a.Actor).Str("local", localID).Msg("Inbox: follower removed")
		}
		return ignoreNotFound(err, "Inbox: Undo of unknown follow", a)

	case domain.KindLike, domain.KindAnnounce:
		if d.conf.InteractionsDisabled {
			return domain.ErrInteractionsDisabled
		}
		return d.removeInteraction(ctx, target.id, a.Actor)

	case domain.KindCreate:
		if d.conf.InteractionsDisabled {
			return domain.ErrInteractionsDisabled
		}
		if err := d.removeInteraction(ctx, target.object, a.Actor); err != nil {
			return err
		}
		return d.removeCachedPost(ctx, target.object, a.Actor)

	default:
		log.Debug().Str("type", target.kind.String()).Msg("Inbox: Undo of unsupported activity ignored")
		return nil
	}
}

// removeInteraction deletes the interaction recorded for remoteObjectID if
// actorURI owns it.
func (d *Dispatcher) removeInteraction(ctx context.Context, remoteObjectID, actorURI string) error {
	in, err := d.content.ReadInteraction(ctx, remoteObjectID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if in.ActorURI != actorURI {
		return domain.NewValidationError("actor", "does not own the interaction")
	}
	_, err = d.content.DeleteInteraction(ctx, remoteObjectID)
	return err
}

func (d *Dispatcher) removeCachedPost(ctx context.Context, objectID, actorURI string) error {
	post, err := d.content.ReadCachedPost(ctx, objectID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if post.ActorURI != actorURI {
		return domain.NewValidationError("actor", "does not own the post")
	}
	_, err = d.content.DeleteCachedPost(ctx, objectID)
	return err
}

func (d *Dispatcher) handleLike(ctx context.Context, dl *delivery) error {
	return d.recordReaction(ctx, dl.activity, domain.InteractionLike)
}

func (d *Dispatcher) handleAnnounce(ctx context.Context, dl *delivery) error {
	return d.recordReaction(ctx, dl.activity, domain.InteractionAnnounce)
}

// recordReaction stores a Like or Announce of local content, keyed by the
// activity id so the matching Undo can find it.
func (d *Dispatcher) recordReaction(ctx context.Context, a *Activity, kind domain.InteractionKind) error {
	if d.conf.InteractionsDisabled {
		return domain.ErrInteractionsDisabled
	}
	target := a.ObjectID()
	if !d.local.IsLocal(target) {
		return nil
	}
	now := d.now()
	_, err := d.content.UpsertInteraction(ctx, &domain.Interaction{
		RemoteObjectID: a.ID,
		Kind:           kind,
		ActorURI:       a.Actor,
		TargetRef:      target,
		RawPayload:     string(a.Payload),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	return err
}
