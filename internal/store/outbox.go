package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/safar/shop-checkout/internal/database"
	"github.com/safar/shop-checkout/internal/models"
)

func InsertOutbox(ctx context.Context, q database.Querier, rec *models.OutboxRecord) error {
	err := q.QueryRowContext(ctx,
		`INSERT INTO outbox (event_id, topic, key, payload, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 RETURNING id, created_at`,
		rec.EventID, rec.Topic, rec.Key, []byte(rec.Payload)).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

// FetchPendingOutbox claims up to limit unsent records. SKIP LOCKED lets
// several relays drain the table without handing out the same record twice.
func FetchPendingOutbox(ctx context.Context, tx *sql.Tx, limit int) ([]models.OutboxRecord, error) {
	query := `
		SELECT id, event_id, topic, key, payload, created_at
		FROM outbox
		WHERE sent_at IS NULL
		ORDER BY id
		FOR UPDATE SKIP LOCKED
		LIMIT $1`

	rows, err := tx.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending outbox: %w", err)
	}
	defer rows.Close()

	var out []models.OutboxRecord
	for rows.Next() {
		var rec models.OutboxRecord
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Key, &payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox record: %w", err)
		}
		rec.Payload = payload
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return out, nil
}

func MarkOutboxSent(ctx context.Context, q database.Querier, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.ExecContext(ctx, `UPDATE outbox SET sent_at = NOW() WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	return nil
}

func ListOutboxByKey(ctx context.Context, q database.Querier, key string) ([]models.OutboxRecord, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, event_id, topic, key, payload, created_at, sent_at
		 FROM outbox
		 WHERE key = $1
		 ORDER BY id`, key)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()

	var out []models.OutboxRecord
	for rows.Next() {
		var rec models.OutboxRecord
		var payload []byte
		var sentAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Key, &payload, &rec.CreatedAt, &sentAt); err != nil {
			return nil, fmt.Errorf("scan outbox record: %w", err)
		}
		rec.Payload = payload
		if sentAt.Valid {
			rec.SentAt = &sentAt.Time
		}
		out = append(out, rec)
	}

	return out, rows.Err()
}
