package events

import (
	"encoding/json"
	"testing"

	"github.com/safar/shop-checkout/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	raw := []byte(`{"event_id":"x","event_type":"order.created","event_version":1,
		"producer":"shop-checkout","correlation_id":"12","payload":{"order_id":12}}`)

	env, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, EventOrderCreated, env.EventType)
	assert.Equal(t, "12", env.CorrelationID)

	var payload OrderCreatedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, int64(12), payload.OrderID)

	_, err = Decode([]byte("not json"))
	assert.Error(t, err)
}

func TestItemsOfSkipsDeletedProducts(t *testing.T) {
	id := int64(4)
	got := ItemsOf([]models.OrderItem{
		{ProductID: &id, Quantity: 2},
		{ProductID: nil, Quantity: 1},
	})
	assert.Equal(t, []ItemQty{{ProductID: 4, Quantity: 2}}, got)
}
