package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/tusk/domain"
)

const (
	sqlEnsureSyncState = `INSERT OR IGNORE INTO collection_sync_state(subject, authority) VALUES (?, ?)`
	sqlClaimSyncSent   = `UPDATE collection_sync_state SET last_sent_at = ?
		WHERE subject = ? AND authority = ? AND last_sent_at <= ?`
	sqlClaimSyncReceived = `UPDATE collection_sync_state SET last_received_at = ?
		WHERE subject = ? AND authority = ? AND last_received_at <= ?`
	sqlSelectSyncState = `SELECT subject, authority, last_sent_at, last_received_at
		FROM collection_sync_state WHERE subject = ? AND authority = ?`
)

// ClaimSyncSend atomically stamps last_sent_at when the previous stamp is at
// least window old. Only the caller that wins the update gets true.
func (db *DB) ClaimSyncSend(ctx context.Context, subject, authority string, now time.Time, window time.Duration) (bool, error) {
	return db.claimSync(ctx, sqlClaimSyncSent, subject, authority, now, window)
}

// ClaimSyncReceive is ClaimSyncSend for inbound synchronization headers.
func (db *DB) ClaimSyncReceive(ctx context.Context, subject, authority string, now time.Time, window time.Duration) (bool, error) {
	return db.claimSync(ctx, sqlClaimSyncReceived, subject, authority, now, window)
}

func (db *DB) claimSync(ctx context.Context, query, subject, authority string, now time.Time, window time.Duration) (bool, error) {
	var claimed bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlEnsureSyncState, subject, authority); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, query, now.UnixMilli(), subject, authority, now.Add(-window).UnixMilli())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		claimed = n == 1
		return err
	})
	return claimed, err
}

// ReadSyncState returns the throttle row or domain.ErrNotFound.
func (db *DB) ReadSyncState(ctx context.Context, subject, authority string) (*domain.CollectionSyncState, error) {
	var (
		s              domain.CollectionSyncState
		sent, received int64
	)
	err := db.db.QueryRowContext(ctx, sqlSelectSyncState, subject, authority).Scan(&s.Subject, &s.Authority, &sent, &received)
	if err != nil {
		return nil, notFound(err)
	}
	s.LastSentAt = fromMillis(sent)
	s.LastReceivedAt = fromMillis(received)
	return &s, nil
}
