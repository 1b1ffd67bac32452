package orderstate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/shop-checkout/internal/events"
	"github.com/safar/shop-checkout/internal/inventory"
	"github.com/safar/shop-checkout/internal/models"
	"github.com/safar/shop-checkout/internal/store"
)

// Executor runs the effects of a Result inside the caller's transaction.
type Executor struct {
	Ledger *inventory.Ledger
}

// Applied summarizes what Apply changed.
type Applied struct {
	UnitsDeducted int
	UnitsReleased int
}

// Apply executes res against order, which must have been read under FOR
// UPDATE in tx together with its items. Effects run in order and the new
// status and tracking number are written once all of them succeeded. Any
// error leaves tx to be rolled back by the caller.
func (e *Executor) Apply(ctx context.Context, tx *sql.Tx, order *models.Order, res Result) (Applied, error) {
	var applied Applied

	if order.Status != res.From {
		return applied, fmt.Errorf("order %d is %s, transition computed from %s", order.ID, order.Status, res.From)
	}

	tracking := order.TrackingNumber
	if res.TrackingNumber != nil {
		tracking = res.TrackingNumber
	}

	for _, effect := range res.Effects {
		switch effect.Kind {
		case EffectDeductStock:
			items := inventory.FromOrderItems(ctx, order.Items)
			if err := e.Ledger.Deduct(ctx, tx, items); err != nil {
				return applied, err
			}
			if err := events.Append(ctx, tx, events.EventStockDeducted, order.ID, stockPayload(order.ID, items)); err != nil {
				return applied, err
			}
			applied.UnitsDeducted = units(items)

		case EffectReleaseReservation:
			items := inventory.FromOrderItems(ctx, order.Items)
			if err := e.Ledger.Release(ctx, tx, items); err != nil {
				return applied, err
			}
			if err := events.Append(ctx, tx, events.EventStockReleased, order.ID, stockPayload(order.ID, items)); err != nil {
				return applied, err
			}
			applied.UnitsReleased = units(items)

		case EffectEmitEvent:
			payload := events.StatusChangedPayload{
				OrderID:        order.ID,
				From:           res.From,
				To:             res.Next,
				TrackingNumber: tracking,
			}
			if err := events.Append(ctx, tx, effect.Event, order.ID, payload); err != nil {
				return applied, err
			}

		default:
			return applied, fmt.Errorf("unknown effect %q", effect.Kind)
		}
	}

	order.Status = res.Next
	order.TrackingNumber = tracking
	if err := store.UpdateOrderStatus(ctx, tx, order); err != nil {
		return applied, err
	}

	return applied, nil
}

func stockPayload(orderID int64, items []inventory.Item) events.StockPayload {
	out := events.StockPayload{OrderID: orderID, Items: make([]events.ItemQty, 0, len(items))}
	for _, it := range items {
		out.Items = append(out.Items, events.ItemQty{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return out
}

func units(items []inventory.Item) int {
	n := 0
	for _, it := range items {
		n += it.Quantity
	}
	return n
}
