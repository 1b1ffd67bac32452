package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/safar/shop-checkout/internal/database"
	"github.com/safar/shop-checkout/internal/logging"
	"github.com/safar/shop-checkout/internal/metrics"
	"github.com/safar/shop-checkout/internal/models"
	"github.com/safar/shop-checkout/internal/store"
)

type Publisher interface {
	Publish(ctx context.Context, records []models.OutboxRecord) error
}

// Relay moves committed outbox records to a Publisher. Records are marked
// sent in the same transaction that claimed them, so a failed publish leaves
// them pending for the next round (at-least-once delivery).
const defaultBatchSize = 100

type Relay struct {
	DB        *sql.DB
	Publisher Publisher
	BatchSize int
	Interval  time.Duration
	Metrics   *metrics.Metrics
}

// RunOnce publishes one batch and returns how many records were sent.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	var sent int

	err := database.WithTransaction(ctx, r.DB, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		records, err := store.FetchPendingOutbox(ctx, tx, r.batchSize())
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		if err := r.Publisher.Publish(ctx, records); err != nil {
			return fmt.Errorf("publish outbox batch: %w", err)
		}

		ids := make([]int64, 0, len(records))
		for _, rec := range records {
			ids = append(ids, rec.ID)
		}
		if err := store.MarkOutboxSent(ctx, tx, ids); err != nil {
			return err
		}

		sent = len(records)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if r.Metrics != nil && sent > 0 {
		r.Metrics.OutboxPublished.Add(float64(sent))
	}
	return sent, nil
}

// Run drains the outbox until ctx is cancelled. A full batch is followed
// immediately by the next one; otherwise the relay sleeps for Interval.
func (r *Relay) Run(ctx context.Context) error {
	l := logging.FromContext(ctx).With("component", "outbox_relay")

	for {
		n, err := r.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.Error("outbox_relay_error", "error", err)
		} else if n > 0 {
			l.Info("outbox_relay_published", "count", n)
		}

		if err == nil && n == r.batchSize() {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.Interval):
		}
	}
}

func (r *Relay) batchSize() int {
	if r.BatchSize < 1 {
		return defaultBatchSize
	}
	return r.BatchSize
}
