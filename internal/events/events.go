package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/safar/shop-checkout/internal/database"
	"github.com/safar/shop-checkout/internal/models"
	"github.com/safar/shop-checkout/internal/store"
	"github.com/shopspring/decimal"
)

const (
	EventOrderCreated     = "order.created"
	EventPaymentRecorded  = "payment.recorded"
	EventPaymentConfirmed = "payment.confirmed"
	EventStockDeducted    = "inventory.deducted"
	EventStockReleased    = "inventory.released"
)

const producerName = "shop-checkout"

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

type ItemQty struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type OrderCreatedPayload struct {
	OrderID     int64           `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	UserID      int64           `json:"user_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Items       []ItemQty       `json:"items"`
}

type StatusChangedPayload struct {
	OrderID        int64              `json:"order_id"`
	From           models.OrderStatus `json:"from"`
	To             models.OrderStatus `json:"to"`
	TrackingNumber *string            `json:"tracking_number,omitempty"`
}

type PaymentPayload struct {
	OrderID       int64           `json:"order_id"`
	PaymentID     int64           `json:"payment_id"`
	TransactionID string          `json:"transaction_id"`
	Method        string          `json:"method"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
}

type StockPayload struct {
	OrderID int64     `json:"order_id"`
	Items   []ItemQty `json:"items"`
}

// OrderKey is the partition key for every event of one order, so a consumer
// sees them in commit order.
func OrderKey(orderID int64) string {
	return strconv.FormatInt(orderID, 10)
}

// Append writes an event for orderID to the outbox through q, which should be
// the transaction that performs the state change. The outbox topic column
// holds the event type.
func Append(ctx context.Context, q database.Querier, eventType string, orderID int64, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producerName,
		CorrelationID: OrderKey(orderID),
		Payload:       body,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	return store.InsertOutbox(ctx, q, &models.OutboxRecord{
		EventID: env.EventID,
		Topic:   eventType,
		Key:     env.CorrelationID,
		Payload: data,
	})
}

// Decode unpacks an outbox payload.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

func ItemsOf(items []models.OrderItem) []ItemQty {
	out := make([]ItemQty, 0, len(items))
	for _, item := range items {
		if item.ProductID == nil {
			continue
		}
		out = append(out, ItemQty{ProductID: *item.ProductID, Quantity: item.Quantity})
	}
	return out
}
