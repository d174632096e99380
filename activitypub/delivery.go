package activitypub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Deliverer hands one prepared activity to the delivery subsystem.
type Deliverer interface {
	Deliver(ctx context.Context, item *domain.DeliveryItem) error
}

// QueueDeliverer stores deliveries for the external delivery subsystem.
type QueueDeliverer struct {
	queue DeliveryQueue
}

func NewQueueDeliverer(queue DeliveryQueue) *QueueDeliverer {
	return &QueueDeliverer{queue: queue}
}

func (d *QueueDeliverer) Deliver(ctx context.Context, item *domain.DeliveryItem) error {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	return d.queue.EnqueueDelivery(ctx, item)
}

// HTTPDeliverer POSTs a delivery once, signed as the local actor. Extra
// headers are included in the signature.
type HTTPDeliverer struct {
	client    *http.Client
	signer    Signer
	userAgent string
}

func NewHTTPDeliverer(client *http.Client, signer Signer, userAgent string) *HTTPDeliverer {
	return &HTTPDeliverer{client: client, signer: signer, userAgent: userAgent}
}

func (d *HTTPDeliverer) Deliver(ctx context.Context, item *domain.DeliveryItem) error {
	body := []byte(item.Body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.InboxURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", activityJSON)
	req.Header.Set("Accept", activityJSON)
	req.Header.Set("User-Agent", d.userAgent)

	extra := make([]string, 0, len(item.Headers))
	for name, value := range item.Headers {
		req.Header.Set(name, value)
		extra = append(extra, name)
	}
	sort.Strings(extra)

	if err := d.signer.Sign(req, item.LocalActorID, body, extra); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}

	log.Debug().Str("inbox", item.InboxURL).Int("status", resp.StatusCode).Msg("Delivery: sent")
	return nil
}

// DrainQueue makes one delivery attempt for up to limit queued items and
// removes them. Retrying is the job of the external delivery subsystem, so
// failures are only logged.
func DrainQueue(ctx context.Context, queue DeliveryQueue, deliverer Deliverer, limit int) (int, error) {
	items, err := queue.ReadDeliveries(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to read delivery queue: %w", err)
	}

	delivered := 0
	for i := range items {
		item := &items[i]
		if err := deliverer.Deliver(ctx, item); err != nil {
			log.Warn().Err(err).Str("inbox", item.InboxURL).Msg("Delivery: attempt failed, dropping")
		} else {
			delivered++
		}
		if err := queue.DeleteDelivery(ctx, item.Id); err != nil {
			return delivered, err
		}
	}
	return delivered, nil
}
