package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/safar/shop-checkout/internal/metrics"
	"github.com/safar/shop-checkout/internal/models"
	"github.com/safar/shop-checkout/internal/store"
	"github.com/safar/shop-checkout/internal/testutil/pgtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu      sync.Mutex
	records []models.OutboxRecord
	err     error
}

func (p *capturePublisher) Publish(_ context.Context, records []models.OutboxRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.records = append(p.records, records...)
	return nil
}

func TestRelayPublishesAndMarksSent(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, Append(ctx, db, EventOrderCreated, 1, OrderCreatedPayload{OrderID: 1}))
	}

	pub := &capturePublisher{err: errors.New("broker down")}
	m := metrics.New("test", prometheus.NewRegistry())
	relay := &Relay{DB: db, Publisher: pub, BatchSize: 2, Metrics: m}

	_, err := relay.RunOnce(ctx)
	require.Error(t, err)

	pending, err := store.ListOutboxByKey(ctx, db, OrderKey(1))
	require.NoError(t, err)
	for _, rec := range pending {
		assert.Nil(t, rec.SentAt, "failed publish must leave records pending")
	}

	pub.err = nil

	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.Len(t, pub.records, 3)
	assert.Less(t, pub.records[0].ID, pub.records[1].ID)

	env, err := Decode(pub.records[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, EventOrderCreated, env.EventType)
	assert.Equal(t, pub.records[0].EventID, env.EventID)

	sent, err := store.ListOutboxByKey(ctx, db, OrderKey(1))
	require.NoError(t, err)
	for _, rec := range sent {
		assert.NotNil(t, rec.SentAt)
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(m.OutboxPublished))
}

func TestRelayBatchSizeDefault(t *testing.T) {
	assert.Equal(t, defaultBatchSize, (&Relay{}).batchSize())
	assert.Equal(t, defaultBatchSize, (&Relay{BatchSize: -5}).batchSize())
	assert.Equal(t, 7, (&Relay{BatchSize: 7}).batchSize())
}
