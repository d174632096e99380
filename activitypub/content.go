package activitypub

import (
	"context"
	"errors"

	"github.com/deemkeen/tusk/domain"
	"github.com/rs/zerolog/log"
)

// remoteObject is a validated object carried by a Create or Update.
type remoteObject struct {
	id        string
	inReplyTo string
	content   string
	raw       string
}

func (d *Dispatcher) parseRemoteObject(a *Activity, obj map[string]any) (*remoteObject, error) {
	id := stringField(obj, "id")
	if id == "" {
		return nil, domain.NewValidationError("object", "missing id")
	}
	if owner := idOf(obj["attributedTo"]); owner != "" && owner != a.Actor {
		return nil, domain.NewValidationError("object", "attributedTo is not the activity actor")
	}
	if !SameAuthority(id, a.Actor) {
		return nil, domain.NewValidationError("object", "not hosted by the actor's server")
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return &remoteObject{
		id:        id,
		inReplyTo: idOf(obj["inReplyTo"]),
		content:   d.sanitizer.Sanitize(stringField(obj, "content")),
		raw:       string(raw),
	}, nil
}

func (d *Dispatcher) handleCreate(ctx context.Context, dl *delivery) error {
	a := dl.activity

	if dl.header != nil && d.sync != nil {
		if actor, err := d.actors.FetchOrCreate(ctx, a.Actor); err == nil {
			if err := d.sync.HandleInbound(ctx, actor, dl.header); err != nil {
				log.Debug().Err(err).Str("actor", a.Actor).Msg("Inbox: ignoring collection-synchronization header")
			}
		}
	}

	if !a.IsPublic() {
		log.Debug().Str("id", a.ID).Msg("Inbox: non-public Create ignored")
		return nil
	}

	obj, err := d.objectDocument(ctx, a)
	if err != nil {
		return err
	}
	if _, err := d.ownedContent(ctx, stringField(obj, "id"), a.Actor); err != nil {
		return err
	}
	return d.storeObject(ctx, a, obj)
}

// storeObject writes a remote object as a local interaction when it replies
// to local content, or as a mirrored post when mirroring is on. Both are
// upserts, so a repeated Create acts as an Update.
func (d *Dispatcher) storeObject(ctx context.Context, a *Activity, obj map[string]any) error {
	o, err := d.parseRemoteObject(a, obj)
	if err != nil {
		return err
	}
	now := d.now()

	if o.inReplyTo != "" && d.local.IsLocal(o.inReplyTo) {
		if d.conf.InteractionsDisabled {
			return domain.ErrInteractionsDisabled
		}
		created, err := d.content.UpsertInteraction(ctx, &domain.Interaction{
			RemoteObjectID: o.id,
			Kind:           domain.InteractionComment,
			ActorURI:       a.Actor,
			TargetRef:      o.inReplyTo,
			Content:        o.content,
			RawPayload:     o.raw,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		if err == nil {
			log.Info().Str("id", o.id).Bool("created", created).Msg("Inbox: reply stored")
		}
		return err
	}

	if !d.conf.MirrorPosts {
		return nil
	}
	_, err = d.content.UpsertCachedPost(ctx, &domain.CachedPost{
		ObjectID:   o.id,
		ActorURI:   a.Actor,
		Content:    o.content,
		RawPayload: o.raw,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	return err
}

func (d *Dispatcher) handleUpdate(ctx context.Context, dl *delivery) error {
	a := dl.activity

	if domain.IsActorType(a.ObjectType()) || a.ObjectID() == a.Actor {
		if a.ObjectID() != a.Actor {
			return domain.NewValidationError("object", "actors may only update themselves")
		}
		_, err := d.actors.Refresh(ctx, a.Actor)
		if errors.Is(err, domain.ErrKeyFormat) {
			log.Warn().Err(err).Str("actor", a.Actor).Msg("Inbox: actor updated with unusable key")
			return nil
		}
		return err
	}

	obj, err := d.objectDocument(ctx, a)
	if err != nil {
		return err
	}
	id := stringField(obj, "id")

	existing, err := d.ownedContent(ctx, id, a.Actor)
	if err != nil {
		return err
	}
	if !existing {
		log.Debug().Str("id", id).Msg("Inbox: Update for unknown object, treating as Create")
		if !a.IsPublic() {
			return nil
		}
	}
	return d.storeObject(ctx, a, obj)
}

// ownedContent reports whether id is a stored interaction or cached post of
// actorURI. Content owned by someone else is a validation error.
func (d *Dispatcher) ownedContent(ctx context.Context, id, actorURI string) (bool, error) {
	in, err := d.content.ReadInteraction(ctx, id)
	switch {
	case err == nil:
		if in.ActorURI != actorURI {
			return false, domain.NewValidationError("actor", "does not own the object")
		}
		return true, nil
	case !errors.Is(err, domain.ErrNotFound):
		return false, err
	}

	post, err := d.content.ReadCachedPost(ctx, id)
	switch {
	case err == nil:
		if post.ActorURI != actorURI {
			return false, domain.NewValidationError("actor", "does not own the object")
		}
		return true, nil
	case errors.Is(err, domain.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
