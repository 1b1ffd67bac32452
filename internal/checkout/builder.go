// Package checkout turns a user's cart into an immutable order snapshot.
package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/safar/shop-checkout/internal/database"
	"github.com/safar/shop-checkout/internal/events"
	"github.com/safar/shop-checkout/internal/inventory"
	"github.com/safar/shop-checkout/internal/logging"
	"github.com/safar/shop-checkout/internal/metrics"
	"github.com/safar/shop-checkout/internal/models"
	"github.com/safar/shop-checkout/internal/store"
	"github.com/shopspring/decimal"
)

type Builder struct {
	DB        *sql.DB
	Ledger    *inventory.Ledger
	TxOptions database.TxOptions
	Metrics   *metrics.Metrics
}

func NewBuilder(db *sql.DB, ledger *inventory.Ledger, opts database.TxOptions, m *metrics.Metrics) *Builder {
	return &Builder{DB: db, Ledger: ledger, TxOptions: opts, Metrics: m}
}

// CreateOrder snapshots the user's cart into a PENDING order. Stock for every
// line is reserved, the items are frozen at the current price and the cart is
// emptied, all in one transaction. On any failure nothing is written and the
// cart is left as it was.
func (b *Builder) CreateOrder(ctx context.Context, userID int64, shippingAddress string) (*models.Order, error) {
	address := strings.TrimSpace(shippingAddress)
	if address == "" {
		b.count("invalid")
		return nil, fmt.Errorf("%w: shipping address required", database.ErrInvalidInput)
	}

	var order *models.Order

	err := database.WithRetry(ctx, b.DB, b.TxOptions, func(tx *sql.Tx) error {
		order = nil

		cart, err := store.LockCartByUser(ctx, tx, userID)
		if err != nil {
			return err
		}

		items, err := store.ListCartItems(ctx, tx, cart.ID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return database.ErrEmptyCart
		}
		cart.Items = items

		reserve := make([]inventory.Item, 0, len(items))
		for _, item := range items {
			reserve = append(reserve, inventory.Item{ProductID: item.ProductID, Quantity: item.Quantity})
		}
		if err := b.Ledger.Reserve(ctx, tx, reserve); err != nil {
			return err
		}

		created, err := snapshot(ctx, tx, cart, userID, address)
		if err != nil {
			return err
		}

		if _, err := store.ClearCart(ctx, tx, cart.ID); err != nil {
			return err
		}

		payload := events.OrderCreatedPayload{
			OrderID:     created.ID,
			OrderNumber: created.OrderNumber,
			UserID:      created.UserID,
			TotalAmount: created.TotalAmount,
			Items:       events.ItemsOf(created.Items),
		}
		if err := events.Append(ctx, tx, events.EventOrderCreated, created.ID, payload); err != nil {
			return err
		}

		order = created
		return nil
	})
	if err != nil {
		b.count(outcome(err))
		return nil, err
	}

	b.count("created")
	logging.FromContext(ctx).Info("order_created",
		"order_id", order.ID, "order_number", order.OrderNumber, "user_id", userID,
		"total", order.TotalAmount.StringFixed(2), "items", len(order.Items))

	return order, nil
}

func snapshot(ctx context.Context, tx *sql.Tx, cart *models.Cart, userID int64, address string) (*models.Order, error) {
	total := cart.Total()

	order := &models.Order{
		UserID:          userID,
		OrderNumber:     store.GenerateOrderNumber(),
		Status:          models.OrderStatusPending,
		TotalAmount:     total,
		ShippingAddress: address,
	}
	if err := store.InsertOrder(ctx, tx, order); err != nil {
		return nil, err
	}

	order.Items = make([]models.OrderItem, 0, len(cart.Items))
	for _, ci := range cart.Items {
		productID := ci.ProductID
		item := models.OrderItem{
			OrderID:   order.ID,
			ProductID: &productID,
			Quantity:  ci.Quantity,
			UnitPrice: ci.UnitPrice,
			Subtotal:  ci.Subtotal(),
		}
		if err := store.InsertOrderItem(ctx, tx, &item); err != nil {
			return nil, err
		}
		order.Items = append(order.Items, item)
	}

	if err := verifyTotal(ctx, tx, order); err != nil {
		return nil, err
	}

	return order, nil
}

// verifyTotal compares the stored order total with the sum of its stored
// line subtotals.
func verifyTotal(ctx context.Context, tx *sql.Tx, order *models.Order) error {
	items, err := store.ListOrderItems(ctx, tx, order.ID)
	if err != nil {
		return err
	}

	lineSum := decimal.Zero
	for _, item := range items {
		lineSum = lineSum.Add(item.Subtotal)
	}
	if !lineSum.Equal(order.TotalAmount) {
		return fmt.Errorf("order %d total %s does not match line subtotals %s", order.ID, order.TotalAmount, lineSum)
	}
	return nil
}

func (b *Builder) count(outcome string) {
	if b.Metrics != nil {
		b.Metrics.Checkouts.WithLabelValues(outcome).Inc()
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, database.ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, database.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, database.ErrProductInactive), errors.Is(err, database.ErrProductNotFound):
		return "unavailable"
	default:
		return "error"
	}
}
