package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertOutboxItem persists a payload as pending
func (db *DB) InsertOutboxItem(item *OutboxItem) error {
	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.Status == "" {
		item.Status = OutboxPending
	}

	_, err := db.Exec(`
		INSERT INTO upload_outbox (payload_id, metric_id, body, attempt, status, created_at, updated_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.PayloadID,
		item.MetricID,
		item.Body,
		item.Attempt,
		item.Status,
		item.CreatedAt,
		item.UpdatedAt,
		item.LastError,
	)
	if err != nil && IsDuplicate(err) {
		return fmt.Errorf("outbox item %s: %w", item.PayloadID, ErrDuplicate)
	}
	return err
}

// GetOutboxItem retrieves a payload by id
func (db *DB) GetOutboxItem(payloadID string) (*OutboxItem, error) {
	item := &OutboxItem{}
	err := db.QueryRow(`
		SELECT payload_id, metric_id, body, attempt, status, created_at, updated_at, last_error
		FROM upload_outbox
		WHERE payload_id = ?
	`, payloadID).Scan(
		&item.PayloadID,
		&item.MetricID,
		&item.Body,
		&item.Attempt,
		&item.Status,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.LastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// IncrementOutboxAttempt bumps the attempt counter of a pending item and
// returns the new value
func (db *DB) IncrementOutboxAttempt(payloadID string) (int, error) {
	var attempt int
	err := db.WithTransaction(func(tx *Tx) error {
		result, err := tx.Exec(`
			UPDATE upload_outbox
			SET attempt = attempt + 1, updated_at = ?
			WHERE payload_id = ? AND status = ?
		`, time.Now(), payloadID, OutboxPending)
		if err != nil {
			return err
		}
		if err := requireAffected(result); err != nil {
			return err
		}
		return tx.QueryRow("SELECT attempt FROM upload_outbox WHERE payload_id = ?", payloadID).Scan(&attempt)
	})
	return attempt, err
}

// RecordOutboxError stores the last delivery error without changing status
func (db *DB) RecordOutboxError(payloadID, lastError string) error {
	result, err := db.Exec(`
		UPDATE upload_outbox
		SET last_error = ?, updated_at = ?
		WHERE payload_id = ?
	`, lastError, time.Now(), payloadID)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// MarkOutboxFailed moves an item to the terminal failed status
func (db *DB) MarkOutboxFailed(payloadID, lastError string) error {
	result, err := db.Exec(`
		UPDATE upload_outbox
		SET status = ?, last_error = ?, updated_at = ?
		WHERE payload_id = ?
	`, OutboxFailed, lastError, time.Now(), payloadID)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// DeleteOutboxItem removes a delivered item
func (db *DB) DeleteOutboxItem(payloadID string) error {
	result, err := db.Exec("DELETE FROM upload_outbox WHERE payload_id = ?", payloadID)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// ListPendingOutbox returns pending items, oldest first
func (db *DB) ListPendingOutbox(limit int) ([]OutboxItem, error) {
	rows, err := db.Query(`
		SELECT payload_id, metric_id, body, attempt, status, created_at, updated_at, last_error
		FROM upload_outbox
		WHERE status = ?
		ORDER BY created_at
		LIMIT ?
	`, OutboxPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []OutboxItem{}
	for rows.Next() {
		var item OutboxItem
		if err := rows.Scan(
			&item.PayloadID,
			&item.MetricID,
			&item.Body,
			&item.Attempt,
			&item.Status,
			&item.CreatedAt,
			&item.UpdatedAt,
			&item.LastError,
		); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CountOutbox counts items with the given status
func (db *DB) CountOutbox(status string) (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM upload_outbox WHERE status = ?", status).Scan(&n)
	return n, err
}

func requireAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
