package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/deemkeen/tusk/domain"
)

const (
	sqlUpsertRemoteActor = `INSERT INTO remote_actors(uri, type, preferred_username, display_name, inbox_url, shared_inbox_url, followers_url, inbox_authority, public_key_pem, last_fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uri) DO UPDATE SET
			type = excluded.type,
			preferred_username = excluded.preferred_username,
			display_name = excluded.display_name,
			inbox_url = excluded.inbox_url,
			shared_inbox_url = excluded.shared_inbox_url,
			followers_url = excluded.followers_url,
			inbox_authority = excluded.inbox_authority,
			public_key_pem = CASE WHEN excluded.public_key_pem = '' THEN remote_actors.public_key_pem ELSE excluded.public_key_pem END,
			last_fetched_at = excluded.last_fetched_at`
	sqlSelectRemoteActor = `SELECT uri, type, preferred_username, display_name, inbox_url, shared_inbox_url, followers_url, inbox_authority, public_key_pem, last_fetched_at, error_count, error_log
		FROM remote_actors WHERE uri = ?`
	sqlSelectActorErrorLog = `SELECT error_log FROM remote_actors WHERE uri = ?`
	sqlUpdateActorErrors   = `UPDATE remote_actors SET error_count = error_count + 1, error_log = ? WHERE uri = ?`
	sqlClearActorErrors    = `UPDATE remote_actors SET error_count = 0, error_log = '[]' WHERE uri = ?`
	sqlDeleteRemoteActor   = `DELETE FROM remote_actors WHERE uri = ?`
)

// UpsertRemoteActor inserts the actor or overwrites its profile fields.
// An empty PublicKeyPEM keeps the previously stored key.
func (db *DB) UpsertRemoteActor(ctx context.Context, actor *domain.RemoteActor) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertRemoteActor,
			actor.URI,
			actor.Type,
			actor.PreferredUsername,
			actor.DisplayName,
			actor.InboxURL,
			actor.SharedInboxURL,
			actor.FollowersURL,
			actor.InboxAuthority,
			actor.PublicKeyPEM,
			toMillis(actor.LastFetchedAt),
		)
		return err
	})
}

// ReadRemoteActor returns the stored actor or domain.ErrNotFound.
func (db *DB) ReadRemoteActor(ctx context.Context, uri string) (*domain.RemoteActor, error) {
	var (
		actor       domain.RemoteActor
		lastFetched int64
		errorLog    string
	)
	err := db.db.QueryRowContext(ctx, sqlSelectRemoteActor, uri).Scan(
		&actor.URI,
		&actor.Type,
		&actor.PreferredUsername,
		&actor.DisplayName,
		&actor.InboxURL,
		&actor.SharedInboxURL,
		&actor.FollowersURL,
		&actor.InboxAuthority,
		&actor.PublicKeyPEM,
		&lastFetched,
		&actor.ErrorCount,
		&errorLog,
	)
	if err != nil {
		return nil, notFound(err)
	}
	actor.LastFetchedAt = fromMillis(lastFetched)
	if err := json.Unmarshal([]byte(errorLog), &actor.ErrorLog); err != nil {
		return nil, fmt.Errorf("failed to decode error log of %s: %w", uri, err)
	}
	return &actor, nil
}

// RecordActorError appends entry to the actor's error log, keeping at most
// limit entries, and bumps the error counter.
func (db *DB) RecordActorError(ctx context.Context, uri string, entry domain.ActorError, limit int) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var raw string
		if err := tx.QueryRowContext(ctx, sqlSelectActorErrorLog, uri).Scan(&raw); err != nil {
			return notFound(err)
		}
		var entries []domain.ActorError
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			entries = nil
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
		encoded, err := json.Marshal(entries)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, sqlUpdateActorErrors, string(encoded), uri)
		return err
	})
}

// ClearActorErrors resets the error counter and log.
func (db *DB) ClearActorErrors(ctx context.Context, uri string) error {
	_, err := db.db.ExecContext(ctx, sqlClearActorErrors, uri)
	return err
}

// DeleteRemoteActor removes the actor record. Missing actors are not an error.
func (db *DB) DeleteRemoteActor(ctx context.Context, uri string) error {
	_, err := db.db.ExecContext(ctx, sqlDeleteRemoteActor, uri)
	return err
}
