// Package uploader hands upload payloads to a durable outbox and delivers
// them to the remote endpoint in the background.
package uploader

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/livinlefevreloca/vitalsync/internal/db"
	"github.com/livinlefevreloca/vitalsync/internal/payload"
)

// Uploader is the fire-and-forget entry point used by sync runs
type Uploader struct {
	store   Store
	session *Session
	logger  *slog.Logger
}

func New(store Store, session *Session, logger *slog.Logger) *Uploader {
	return &Uploader{store: store, session: session, logger: logger}
}

// Enqueue persists p and queues it for delivery. The error reflects only
// persistence; delivery outcomes are reported by the session.
func (u *Uploader) Enqueue(ctx context.Context, p payload.UploadPayload) error {
	item := &db.OutboxItem{
		PayloadID: p.PayloadID.String(),
		MetricID:  p.MetricID,
		Body:      p.Body,
		Attempt:   p.Attempt,
		CreatedAt: p.CreatedAt,
	}
	if err := u.store.InsertOutboxItem(item); err != nil {
		return fmt.Errorf("persist payload %s: %w", item.PayloadID, err)
	}

	if !u.session.Submit(item.PayloadID) {
		u.logger.Warn("delivery queue full, payload left in outbox",
			"payload_id", item.PayloadID,
			"metric_id", item.MetricID)
	}
	return nil
}
