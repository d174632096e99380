package db

import (
	"context"
	"database/sql"

	"github.com/deemkeen/tusk/domain"
)

const (
	sqlInsertInteraction = `INSERT INTO interactions(remote_object_id, kind, actor_uri, target_ref, content, raw_payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(remote_object_id) DO NOTHING`
	sqlUpdateInteraction = `UPDATE interactions SET target_ref = ?, content = ?, raw_payload = ?, updated_at = ? WHERE remote_object_id = ?`
	sqlSelectInteraction = `SELECT remote_object_id, kind, actor_uri, target_ref, content, raw_payload, created_at, updated_at
		FROM interactions WHERE remote_object_id = ?`
	sqlDeleteInteraction         = `DELETE FROM interactions WHERE remote_object_id = ?`
	sqlDeleteInteractionsByActor = `DELETE FROM interactions WHERE actor_uri = ?`

	sqlInsertCachedPost = `INSERT INTO cached_posts(object_id, actor_uri, content, raw_payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(object_id) DO NOTHING`
	sqlUpdateCachedPost = `UPDATE cached_posts SET content = ?, raw_payload = ?, updated_at = ? WHERE object_id = ?`
	sqlSelectCachedPost = `SELECT object_id, actor_uri, content, raw_payload, created_at, updated_at
		FROM cached_posts WHERE object_id = ?`
	sqlDeleteCachedPost         = `DELETE FROM cached_posts WHERE object_id = ?`
	sqlDeleteCachedPostsByActor = `DELETE FROM cached_posts WHERE actor_uri = ?`

	sqlUpsertLocalPost = `INSERT INTO local_posts(uri, author_id, quote_policy) VALUES (?, ?, ?)
		ON CONFLICT(uri) DO UPDATE SET author_id = excluded.author_id, quote_policy = excluded.quote_policy`
	sqlSelectLocalPost = `SELECT uri, author_id, quote_policy FROM local_posts WHERE uri = ?`

	sqlInsertQuotedBy = `INSERT INTO quoted_by(post_uri, instrument_uri, actor_uri, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(post_uri, instrument_uri) DO NOTHING`
	sqlSelectQuotedBy = `SELECT post_uri, instrument_uri, actor_uri, created_at FROM quoted_by
		WHERE post_uri = ? ORDER BY created_at`
)

// UpsertInteraction creates the interaction or, when its remote object id is
// already known, updates it in place. It reports whether a row was created.
func (db *DB) UpsertInteraction(ctx context.Context, in *domain.Interaction) (bool, error) {
	var created bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertInteraction,
			in.RemoteObjectID,
			string(in.Kind),
			in.ActorURI,
			in.TargetRef,
			in.Content,
			in.RawPayload,
			toMillis(in.CreatedAt),
			toMillis(in.UpdatedAt),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			created = true
			return nil
		}
		_, err = tx.ExecContext(ctx, sqlUpdateInteraction,
			in.TargetRef, in.Content, in.RawPayload, toMillis(in.UpdatedAt), in.RemoteObjectID)
		return err
	})
	return created, err
}

// ReadInteraction returns an interaction by remote object id or domain.ErrNotFound.
func (db *DB) ReadInteraction(ctx context.Context, remoteObjectID string) (*domain.Interaction, error) {
	var (
		in               domain.Interaction
		kind             string
		created, updated int64
	)
	err := db.db.QueryRowContext(ctx, sqlSelectInteraction, remoteObjectID).Scan(
		&in.RemoteObjectID, &kind, &in.ActorURI, &in.TargetRef, &in.Content, &in.RawPayload, &created, &updated)
	if err != nil {
		return nil, notFound(err)
	}
	in.Kind = domain.InteractionKind(kind)
	in.CreatedAt = fromMillis(created)
	in.UpdatedAt = fromMillis(updated)
	return &in, nil
}

// DeleteInteraction removes an interaction and reports whether it existed.
func (db *DB) DeleteInteraction(ctx context.Context, remoteObjectID string) (bool, error) {
	res, err := db.db.ExecContext(ctx, sqlDeleteInteraction, remoteObjectID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteInteractionsByActor removes every interaction authored by the actor.
func (db *DB) DeleteInteractionsByActor(ctx context.Context, actorURI string) (int64, error) {
	res, err := db.db.ExecContext(ctx, sqlDeleteInteractionsByActor, actorURI)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpsertCachedPost creates or refreshes a mirrored remote post.
func (db *DB) UpsertCachedPost(ctx context.Context, p *domain.CachedPost) (bool, error) {
	var created bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertCachedPost,
			p.ObjectID, p.ActorURI, p.Content, p.RawPayload, toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			created = true
			return nil
		}
		_, err = tx.ExecContext(ctx, sqlUpdateCachedPost, p.Content, p.RawPayload, toMillis(p.UpdatedAt), p.ObjectID)
		return err
	})
	return created, err
}

// ReadCachedPost returns a mirrored post or domain.ErrNotFound.
func (db *DB) ReadCachedPost(ctx context.Context, objectID string) (*domain.CachedPost, error) {
	var (
		p                domain.CachedPost
		created, updated int64
	)
	err := db.db.QueryRowContext(ctx, sqlSelectCachedPost, objectID).Scan(
		&p.ObjectID, &p.ActorURI, &p.Content, &p.RawPayload, &created, &updated)
	if err != nil {
		return nil, notFound(err)
	}
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}

// DeleteCachedPost removes a mirrored post and reports whether it existed.
func (db *DB) DeleteCachedPost(ctx context.Context, objectID string) (bool, error) {
	res, err := db.db.ExecContext(ctx, sqlDeleteCachedPost, objectID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteCachedPostsByActor removes every mirrored post of the actor.
func (db *DB) DeleteCachedPostsByActor(ctx context.Context, actorURI string) (int64, error) {
	res, err := db.db.ExecContext(ctx, sqlDeleteCachedPostsByActor, actorURI)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpsertLocalPost registers local content the federation core may be asked about.
func (db *DB) UpsertLocalPost(ctx context.Context, p *domain.LocalPost) error {
	_, err := db.db.ExecContext(ctx, sqlUpsertLocalPost, p.URI, p.AuthorID, string(p.QuotePolicy))
	return err
}

// ReadLocalPost returns a registered local post or domain.ErrNotFound.
func (db *DB) ReadLocalPost(ctx context.Context, uri string) (*domain.LocalPost, error) {
	var (
		p      domain.LocalPost
		policy string
	)
	if err := db.db.QueryRowContext(ctx, sqlSelectLocalPost, uri).Scan(&p.URI, &p.AuthorID, &policy); err != nil {
		return nil, notFound(err)
	}
	p.QuotePolicy = domain.QuotePolicy(policy)
	return &p, nil
}

// InsertQuotedBy records a quote authorisation; repeats are ignored.
func (db *DB) InsertQuotedBy(ctx context.Context, q *domain.QuotedBy) (bool, error) {
	res, err := db.db.ExecContext(ctx, sqlInsertQuotedBy, q.PostURI, q.InstrumentURI, q.ActorURI, toMillis(q.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReadQuotedBy lists the authorised quotes of a local post.
func (db *DB) ReadQuotedBy(ctx context.Context, postURI string) ([]domain.QuotedBy, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectQuotedBy, postURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var quotes []domain.QuotedBy
	for rows.Next() {
		var (
			q       domain.QuotedBy
			created int64
		)
		if err := rows.Scan(&q.PostURI, &q.InstrumentURI, &q.ActorURI, &created); err != nil {
			return nil, err
		}
		q.CreatedAt = fromMillis(created)
		quotes = append(quotes, q)
	}
	return quotes, rows.Err()
}
