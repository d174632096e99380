package activitypub

import (
	"context"
	"errors"

	"github.com/deemkeen/tusk/domain"
	"github.com/rs/zerolog/log"
)

// quoteEcho is the only part of a QuoteRequest that is sent back. Everything
// else in the request is attacker controlled and dropped.
func quoteEcho(a *Activity) map[string]any {
	return map[string]any{
		"id":         a.ID,
		"type":       a.Type,
		"actor":      a.Actor,
		"object":     a.ObjectID(),
		"instrument": idOf(a.Instrument),
	}
}

// EvaluateQuotePolicy returns nil when actorURI may quote post, otherwise a
// *domain.PolicyDeniedError.
func (d *Dispatcher) EvaluateQuotePolicy(ctx context.Context, post *domain.LocalPost, actorURI string) error {
	author := d.local.ActorURI(post.AuthorID)
	denied := &domain.PolicyDeniedError{Policy: string(post.QuotePolicy), Actor: actorURI}

	switch post.QuotePolicy {
	case domain.QuoteAnyone:
		return nil
	case domain.QuoteFollowers:
		if actorURI == author {
			return nil
		}
		ok, err := d.follows.IsFollower(ctx, post.AuthorID, actorURI)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		return denied
	case domain.QuoteMe:
		if actorURI == author {
			return nil
		}
		return denied
	default:
		return denied
	}
}

func (d *Dispatcher) handleQuoteRequest(ctx context.Context, dl *delivery) error {
	a := dl.activity
	instrument := idOf(a.Instrument)
	if instrument == "" {
		return domain.NewValidationError("instrument", "required")
	}

	post, err := d.content.ReadLocalPost(ctx, a.ObjectID())
	if err != nil {
		return ignoreNotFound(err, "Inbox: QuoteRequest for unknown post", a)
	}

	remote, err := d.actors.FetchOrCreate(ctx, a.Actor)
	if err != nil {
		return err
	}

	echo := quoteEcho(a)
	perr := d.EvaluateQuotePolicy(ctx, post, a.Actor)
	if errors.Is(perr, domain.ErrPolicyDenied) {
		log.Info().Str("post", post.URI).Str("actor", a.Actor).Msg("Inbox: quote request denied")
		return d.outbox.SendReject(ctx, post.AuthorID, remote, echo)
	}
	if perr != nil {
		return perr
	}

	if _, err := d.content.InsertQuotedBy(ctx, &domain.QuotedBy{
		PostURI:       post.URI,
		InstrumentURI: instrument,
		ActorURI:      a.Actor,
		CreatedAt:     d.now(),
	}); err != nil {
		return err
	}
	log.Info().Str("post", post.URI).Str("actor", a.Actor).Msg("Inbox: quote request accepted")
	return d.outbox.SendAccept(ctx, post.AuthorID, remote, echo)
}
