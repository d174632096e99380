package activitypub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/marshaler"
	"github.com/eko/gocache/lib/v4/store"
	"github.com/rs/zerolog/log"
)

const actorCacheTTL = 10 * time.Minute

// actorDocument is the subset of an actor profile the directory keeps.
type actorDocument struct {
	ID                string `validate:"required,url"`
	Type              string `validate:"required,oneof=Application Group Organization Person Service"`
	PreferredUsername string
	Name              string
	Inbox             string `validate:"required,url"`
	SharedInbox       string `validate:"omitempty,url"`
	Followers         string `validate:"omitempty,url"`
	PublicKeyPem      string
}

func parseActorDocument(doc map[string]any) (*actorDocument, error) {
	a := &actorDocument{
		ID:                stringField(doc, "id"),
		Type:              typeOf(doc),
		PreferredUsername: stringField(doc, "preferredUsername"),
		Name:              stringField(doc, "name"),
		Inbox:             idOf(doc["inbox"]),
		Followers:         idOf(doc["followers"]),
		PublicKeyPem:      publicKeyPem(doc["publicKey"]),
	}
	if endpoints, ok := doc["endpoints"].(map[string]any); ok {
		a.SharedInbox = idOf(endpoints["sharedInbox"])
	}
	if err := validate.Struct(a); err != nil {
		return nil, validationError(err)
	}
	return a, nil
}

// publicKeyPem reads publicKey as a single object or the first entry of a list.
func publicKeyPem(v any) string {
	switch t := v.(type) {
	case map[string]any:
		return stringField(t, "publicKeyPem")
	case []any:
		for _, e := range t {
			if pem := publicKeyPem(e); pem != "" {
				return pem
			}
		}
	}
	return ""
}

// ActorDirectory resolves and caches remote actors.
type ActorDirectory struct {
	store   ActorStore
	fetcher Fetcher
	cache   *marshaler.Marshaler
	conf    util.FederationConf
	now     func() time.Time
}

// NewActorDirectory builds a directory. c may be nil to disable the
// in-process cache.
func NewActorDirectory(s ActorStore, fetcher Fetcher, c cache.CacheInterface[any], conf util.FederationConf) *ActorDirectory {
	d := &ActorDirectory{
		store:   s,
		fetcher: fetcher,
		conf:    conf,
		now:     time.Now,
	}
	if c != nil {
		d.cache = marshaler.New(c)
	}
	return d
}

func actorCacheKey(uri string) string {
	return "actor#" + uri
}

func (d *ActorDirectory) cached(ctx context.Context, uri string) *domain.RemoteActor {
	if d.cache == nil {
		return nil
	}
	v, err := d.cache.Get(ctx, actorCacheKey(uri), new(domain.RemoteActor))
	if err != nil {
		return nil
	}
	actor, _ := v.(*domain.RemoteActor)
	return actor
}

func (d *ActorDirectory) remember(ctx context.Context, actor *domain.RemoteActor) {
	if d.cache == nil {
		return
	}
	_ = d.cache.Set(ctx, actorCacheKey(actor.URI), actor,
		store.WithExpiration(actorCacheTTL),
		store.WithCost(1),
	)
}

func (d *ActorDirectory) forget(ctx context.Context, uri string) {
	if d.cache == nil {
		return
	}
	_ = d.cache.Delete(ctx, actorCacheKey(uri))
}

// Resolve returns the locally known actor or domain.ErrNotFound. It never
// touches the network.
func (d *ActorDirectory) Resolve(ctx context.Context, uri string) (*domain.RemoteActor, error) {
	if actor := d.cached(ctx, uri); actor != nil {
		return actor, nil
	}
	actor, err := d.store.ReadRemoteActor(ctx, uri)
	if err != nil {
		return nil, err
	}
	d.remember(ctx, actor)
	return actor, nil
}

// FetchOrCreate returns the stored actor, fetching it when unknown or stale.
// A failed refresh of a stale actor is recorded and the stale copy returned.
func (d *ActorDirectory) FetchOrCreate(ctx context.Context, uri string) (*domain.RemoteActor, error) {
	actor, err := d.Resolve(ctx, uri)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if actor != nil && d.now().Sub(actor.LastFetchedAt) < d.conf.ActorStaleAfter {
		return actor, nil
	}

	fresh, ferr := d.Refresh(ctx, uri)
	if ferr == nil || errors.Is(ferr, domain.ErrKeyFormat) {
		return fresh, nil
	}
	if actor == nil {
		return nil, ferr
	}

	log.Warn().Err(ferr).Str("actor", uri).Msg("Actors: refresh failed, using stale record")
	if err := d.RecordError(ctx, uri, ferr.Error()); err != nil {
		log.Error().Err(err).Str("actor", uri).Msg("Actors: failed to record error")
	}
	return actor, nil
}

// Refresh refetches the actor document and upserts it.
func (d *ActorDirectory) Refresh(ctx context.Context, uri string) (*domain.RemoteActor, error) {
	body, err := d.fetcher.Fetch(ctx, uri)
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, domain.NewValidationError("", fmt.Sprintf("actor document is not JSON: %v", err))
	}
	if id := stringField(doc, "id"); id != uri {
		return nil, domain.NewValidationError("id", fmt.Sprintf("document id %q does not match %q", id, uri))
	}
	return d.Upsert(ctx, doc)
}

// Upsert stores an actor document keyed by its id and clears the error log.
// When the advertised key cannot be parsed the actor is still stored, the
// previous key is kept, and the returned error is a *domain.KeyFormatError.
func (d *ActorDirectory) Upsert(ctx context.Context, doc map[string]any) (*domain.RemoteActor, error) {
	parsed, err := parseActorDocument(doc)
	if err != nil {
		return nil, err
	}

	authority, err := Authority(parsed.Inbox)
	if err != nil {
		return nil, domain.NewValidationError("inbox", err.Error())
	}

	actor := &domain.RemoteActor{
		URI:               parsed.ID,
		Type:              parsed.Type,
		PreferredUsername: parsed.PreferredUsername,
		DisplayName:       parsed.Name,
		InboxURL:          parsed.Inbox,
		SharedInboxURL:    parsed.SharedInbox,
		FollowersURL:      parsed.Followers,
		InboxAuthority:    authority,
		LastFetchedAt:     d.now(),
	}

	var keyErr error
	if parsed.PublicKeyPem != "" {
		actor.PublicKeyPEM, keyErr = NormalizePublicKey(parsed.PublicKeyPem)
	}

	if err := d.store.UpsertRemoteActor(ctx, actor); err != nil {
		return nil, fmt.Errorf("failed to store actor %s: %w", actor.URI, err)
	}
	if err := d.store.ClearActorErrors(ctx, actor.URI); err != nil {
		return nil, err
	}
	if keyErr != nil {
		log.Warn().Err(keyErr).Str("actor", actor.URI).Msg("Actors: keeping previous public key")
		_ = d.store.RecordActorError(ctx, actor.URI, d.errorEntry(keyErr.Error()), d.conf.ActorErrorLogSize)
	}

	d.forget(ctx, actor.URI)
	stored, err := d.store.ReadRemoteActor(ctx, actor.URI)
	if err != nil {
		return nil, err
	}
	d.remember(ctx, stored)

	if keyErr != nil {
		return stored, keyErr
	}
	return stored, nil
}

func (d *ActorDirectory) errorEntry(msg string) domain.ActorError {
	return domain.ActorError{Message: msg, RecordedAt: d.now().UTC()}
}

// RecordError appends msg to the actor's bounded error log.
func (d *ActorDirectory) RecordError(ctx context.Context, uri, msg string) error {
	d.forget(ctx, uri)
	return d.store.RecordActorError(ctx, uri, d.errorEntry(msg), d.conf.ActorErrorLogSize)
}

func (d *ActorDirectory) ClearErrors(ctx context.Context, uri string) error {
	d.forget(ctx, uri)
	return d.store.ClearActorErrors(ctx, uri)
}

// ConfirmTombstone fetches the actor's own URI and reports whether the
// remote server says it is gone: 404, 410 or a Tombstone document.
func (d *ActorDirectory) ConfirmTombstone(ctx context.Context, uri string) (bool, error) {
	body, err := d.fetcher.Fetch(ctx, uri)
	if err != nil {
		var fe *domain.FetchError
		if errors.As(err, &fe) && fe.Gone() {
			return true, nil
		}
		return false, err
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return false, nil
	}
	return strings.EqualFold(typeOf(doc), "Tombstone"), nil
}

// Delete removes the actor record.
func (d *ActorDirectory) Delete(ctx context.Context, uri string) error {
	d.forget(ctx, uri)
	return d.store.DeleteRemoteActor(ctx, uri)
}
