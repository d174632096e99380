package db

import (
	"context"
	"database/sql"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertDelivery   = `INSERT INTO delivery_queue(id, local_actor_id, inbox_url, body, headers, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectDeliveries = `SELECT id, local_actor_id, inbox_url, body, headers, created_at FROM delivery_queue
		ORDER BY created_at, id LIMIT ?`
	sqlDeleteDelivery = `DELETE FROM delivery_queue WHERE id = ?`
)

// EnqueueDelivery hands a prepared delivery to the outbound queue.
func (db *DB) EnqueueDelivery(ctx context.Context, item *domain.DeliveryItem) error {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	headers, err := json.Marshal(item.Headers)
	if err != nil {
		return err
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertDelivery,
			item.Id.String(),
			item.LocalActorID,
			item.InboxURL,
			item.Body,
			string(headers),
			toMillis(item.CreatedAt),
		)
		return err
	})
}

// ReadDeliveries returns up to limit queued deliveries, oldest first.
func (db *DB) ReadDeliveries(ctx context.Context, limit int) ([]domain.DeliveryItem, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectDeliveries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.DeliveryItem
	for rows.Next() {
		var (
			item    domain.DeliveryItem
			idStr   string
			headers string
			created int64
		)
		if err := rows.Scan(&idStr, &item.LocalActorID, &item.InboxURL, &item.Body, &headers, &created); err != nil {
			return nil, err
		}
		item.Id, _ = uuid.Parse(idStr)
		item.CreatedAt = fromMillis(created)
		if err := json.Unmarshal([]byte(headers), &item.Headers); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// DeleteDelivery drops a delivery once the delivery subsystem took it over.
func (db *DB) DeleteDelivery(ctx context.Context, id uuid.UUID) error {
	_, err := db.db.ExecContext(ctx, sqlDeleteDelivery, id.String())
	return err
}
