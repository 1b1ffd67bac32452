package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedisStore(t *testing.T) {
	client := newRedis(t)
	store := NewRedisStore(client, time.Minute)
	ctx := context.Background()

	resp, err := store.Begin(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, resp)

	_, err = store.Begin(ctx, "k1")
	assert.ErrorIs(t, err, ErrInFlight)

	want := Response{Status: 201, ContentType: "application/json", Body: []byte(`{"id":1}`)}
	require.NoError(t, store.Complete(ctx, "k1", want))

	got, err := store.Begin(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)

	ttl, err := client.TTL(ctx, "idem:k1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	resp, err = store.Begin(ctx, "k2")
	require.NoError(t, err)
	assert.Nil(t, resp)
	require.NoError(t, store.Abort(ctx, "k2"))

	resp, err = store.Begin(ctx, "k2")
	require.NoError(t, err)
	assert.Nil(t, resp, "aborted key can be claimed again")
}

func TestRedisStorePendingClaimExpiresEarly(t *testing.T) {
	client := newRedis(t)
	store := NewRedisStore(client, time.Hour)
	store.PendingTTL = 2 * time.Second
	ctx := context.Background()

	_, err := store.Begin(ctx, "crashed")
	require.NoError(t, err)

	ttl, err := client.TTL(ctx, "idem:crashed").Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, 2*time.Second)

	require.NoError(t, store.Complete(ctx, "crashed", Response{Status: 200}))
	ttl, err = client.TTL(ctx, "idem:crashed").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Minute)
}
