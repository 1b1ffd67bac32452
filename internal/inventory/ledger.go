package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/safar/shop-checkout/internal/database"
	"github.com/safar/shop-checkout/internal/logging"
	"github.com/safar/shop-checkout/internal/models"
	"github.com/safar/shop-checkout/internal/store"
)

type Item struct {
	ProductID int64
	Quantity  int
}

// FromOrderItems converts order lines to ledger items, dropping lines whose
// product has been deleted.
func FromOrderItems(ctx context.Context, items []models.OrderItem) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if it.ProductID == nil {
			logging.FromContext(ctx).Warn("order_item_product_missing",
				"order_id", it.OrderID, "order_item_id", it.ID, "quantity", it.Quantity)
			continue
		}
		out = append(out, Item{ProductID: *it.ProductID, Quantity: it.Quantity})
	}
	return out
}

// Ledger owns the per-product counters. Every method runs inside the
// caller's transaction and takes row locks in ascending product id order.
type Ledger struct {
	LockTimeout time.Duration
}

func NewLedger() *Ledger {
	return &Ledger{LockTimeout: 5 * time.Second}
}

// Validate checks that every item can be served from available stock
// (stock minus reservations). The result is advisory once the transaction
// ends.
func (l *Ledger) Validate(ctx context.Context, tx *sql.Tx, items []Item) error {
	_, err := l.lockAndCheck(ctx, tx, items, true, func(p *models.Product) int { return p.Available() })
	return err
}

// Reserve validates and then holds the requested units for a pending order.
func (l *Ledger) Reserve(ctx context.Context, tx *sql.Tx, items []Item) error {
	merged, err := l.lockAndCheck(ctx, tx, items, true, func(p *models.Product) int { return p.Available() })
	if err != nil {
		return err
	}

	for _, it := range merged {
		if err := store.ReserveStock(ctx, tx, it.ProductID, it.Quantity); err != nil {
			return l.shortage(ctx, tx, it, err)
		}
	}
	return nil
}

// Deduct decrements stock for all items or for none. Stock is re-checked
// under the row lock right before each decrement; any earlier check may be
// stale. Units already reserved for the order count as covered, and a product
// deactivated after checkout is still deducted.
func (l *Ledger) Deduct(ctx context.Context, tx *sql.Tx, items []Item) error {
	merged, err := l.lockAndCheck(ctx, tx, items, false, func(p *models.Product) int { return p.Stock })
	if err != nil {
		return err
	}

	for _, it := range merged {
		if err := store.DecrementStock(ctx, tx, it.ProductID, it.Quantity); err != nil {
			return l.shortage(ctx, tx, it, err)
		}
	}
	return nil
}

// Release gives back units reserved by a pending order that will never be
// confirmed. It does not touch stock.
func (l *Ledger) Release(ctx context.Context, tx *sql.Tx, items []Item) error {
	merged := merge(items)
	if len(merged) == 0 {
		return nil
	}

	if _, err := l.lock(ctx, tx, merged); err != nil {
		return err
	}

	for _, it := range merged {
		if err := store.ReleaseStock(ctx, tx, it.ProductID, it.Quantity); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) lockAndCheck(ctx context.Context, tx *sql.Tx, items []Item, requireActive bool, have func(*models.Product) int) ([]Item, error) {
	merged := merge(items)
	for _, it := range merged {
		if it.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity for product %d must be positive", database.ErrInvalidInput, it.ProductID)
		}
	}

	products, err := l.lock(ctx, tx, merged)
	if err != nil {
		return nil, err
	}

	for _, it := range merged {
		p, ok := products[it.ProductID]
		if !ok {
			return nil, fmt.Errorf("product %d: %w", it.ProductID, database.ErrProductNotFound)
		}
		if requireActive && !p.IsActive {
			return nil, fmt.Errorf("product %d: %w", it.ProductID, database.ErrProductInactive)
		}
		if available := have(p); available < it.Quantity {
			return nil, &database.InsufficientStockError{
				ProductID: it.ProductID,
				Available: max(available, 0),
				Requested: it.Quantity,
			}
		}
	}
	return merged, nil
}

func (l *Ledger) lock(ctx context.Context, tx *sql.Tx, items []Item) (map[int64]*models.Product, error) {
	if l.LockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", l.LockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("set lock timeout: %w", err)
		}
	}

	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ProductID)
	}
	return store.LockProducts(ctx, tx, ids)
}

// shortage turns a failed conditional update into a typed error. With the row
// lock held this only happens if the row changed inside this transaction.
func (l *Ledger) shortage(ctx context.Context, tx *sql.Tx, it Item, err error) error {
	if !errors.Is(err, database.ErrInsufficientStock) {
		return err
	}
	available := 0
	if p, getErr := store.GetProduct(ctx, tx, it.ProductID); getErr == nil {
		available = max(p.Available(), 0)
	}
	logging.FromContext(ctx).Warn("stock_update_rejected",
		"product_id", it.ProductID, "requested", it.Quantity, "available", available)
	return &database.InsufficientStockError{ProductID: it.ProductID, Available: available, Requested: it.Quantity}
}

// merge sums quantities per product and sorts by product id.
func merge(items []Item) []Item {
	byID := make(map[int64]int, len(items))
	for _, it := range items {
		byID[it.ProductID] += it.Quantity
	}

	out := make([]Item, 0, len(byID))
	for id, qty := range byID {
		out = append(out, Item{ProductID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}
