package db

import (
	"context"
	"database/sql"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertInboxItem = `INSERT INTO inbox_items(id, activity_guid, activity_type, remote_actor_uri, object_reference, raw_payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(activity_guid) DO NOTHING`
	sqlInsertInboxRecipient = `INSERT OR IGNORE INTO inbox_recipients(activity_guid, recipient) VALUES (?, ?)`
	sqlSelectInboxItem      = `SELECT id, activity_guid, activity_type, remote_actor_uri, object_reference, raw_payload, processed, handler_error, created_at
		FROM inbox_items WHERE activity_guid = ?`
	sqlSelectInboxRecipients = `SELECT recipient FROM inbox_recipients WHERE activity_guid = ? ORDER BY recipient`
	sqlMarkInboxItemHandled  = `UPDATE inbox_items SET processed = 1, handler_error = ? WHERE activity_guid = ?`

	sqlInsertOutboxActivity = `INSERT INTO outbox_activities(id, activity_guid, activity_type, local_actor_id, object_reference, raw_payload, undone, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectOutboxActivity = `SELECT id, activity_guid, activity_type, local_actor_id, object_reference, raw_payload, undone, created_at
		FROM outbox_activities WHERE activity_guid = ?`
	sqlMarkOutboxActivityUndone = `UPDATE outbox_activities SET undone = 1 WHERE activity_guid = ?`
)

// InsertInboxItem stores the item unless its GUID is already known, then merges
// its recipients into the stored set. Both steps share one transaction, so of
// several concurrent callers with the same GUID exactly one sees created=true.
func (db *DB) InsertInboxItem(ctx context.Context, item *domain.InboxItem) (bool, error) {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	var created bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertInboxItem,
			item.Id.String(),
			item.ActivityGUID,
			item.ActivityType,
			item.RemoteActorURI,
			item.ObjectReference,
			item.RawPayload,
			toMillis(item.CreatedAt),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n == 1
		return insertRecipients(ctx, tx, item.ActivityGUID, item.Recipients)
	})
	return created, err
}

// AddInboxRecipients merges recipients into an existing item's set.
func (db *DB) AddInboxRecipients(ctx context.Context, guid string, recipients []string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return insertRecipients(ctx, tx, guid, recipients)
	})
}

func insertRecipients(ctx context.Context, tx *sql.Tx, guid string, recipients []string) error {
	for _, r := range recipients {
		if _, err := tx.ExecContext(ctx, sqlInsertInboxRecipient, guid, r); err != nil {
			return err
		}
	}
	return nil
}

// ReadInboxItem returns the item with its recipient set or domain.ErrNotFound.
func (db *DB) ReadInboxItem(ctx context.Context, guid string) (*domain.InboxItem, error) {
	var (
		item      domain.InboxItem
		idStr     string
		processed int
		created   int64
	)
	err := db.db.QueryRowContext(ctx, sqlSelectInboxItem, guid).Scan(
		&idStr,
		&item.ActivityGUID,
		&item.ActivityType,
		&item.RemoteActorURI,
		&item.ObjectReference,
		&item.RawPayload,
		&processed,
		&item.HandlerError,
		&created,
	)
	if err != nil {
		return nil, notFound(err)
	}
	item.Id, _ = uuid.Parse(idStr)
	item.Processed = processed == 1
	item.CreatedAt = fromMillis(created)

	rows, err := db.db.QueryContext(ctx, sqlSelectInboxRecipients, guid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		item.Recipients = append(item.Recipients, r)
	}
	return &item, rows.Err()
}

// MarkInboxItemHandled flags the item as dispatched and records the handler
// failure message, if any.
func (db *DB) MarkInboxItemHandled(ctx context.Context, guid, handlerErr string) error {
	_, err := db.db.ExecContext(ctx, sqlMarkInboxItemHandled, handlerErr, guid)
	return err
}

// InsertOutboxActivity persists a locally originated activity.
func (db *DB) InsertOutboxActivity(ctx context.Context, a *domain.OutboxActivity) error {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertOutboxActivity,
			a.Id.String(),
			a.ActivityGUID,
			a.ActivityType,
			a.LocalActorID,
			a.ObjectReference,
			a.RawPayload,
			boolToInt(a.Undone),
			toMillis(a.CreatedAt),
		)
		return err
	})
}

// ReadOutboxActivity returns a local activity by GUID or domain.ErrNotFound.
func (db *DB) ReadOutboxActivity(ctx context.Context, guid string) (*domain.OutboxActivity, error) {
	var (
		a       domain.OutboxActivity
		idStr   string
		undone  int
		created int64
	)
	err := db.db.QueryRowContext(ctx, sqlSelectOutboxActivity, guid).Scan(
		&idStr,
		&a.ActivityGUID,
		&a.ActivityType,
		&a.LocalActorID,
		&a.ObjectReference,
		&a.RawPayload,
		&undone,
		&created,
	)
	if err != nil {
		return nil, notFound(err)
	}
	a.Id, _ = uuid.Parse(idStr)
	a.Undone = undone == 1
	a.CreatedAt = fromMillis(created)
	return &a, nil
}

// MarkOutboxActivityUndone flags a local activity as undone.
func (db *DB) MarkOutboxActivityUndone(ctx context.Context, guid string) error {
	res, err := db.db.ExecContext(ctx, sqlMarkOutboxActivityUndone, guid)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
