package inventory

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/safar/shop-checkout/internal/database"
	"github.com/safar/shop-checkout/internal/models"
	"github.com/safar/shop-checkout/internal/store"
	"github.com/safar/shop-checkout/internal/testutil/pgtest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeSumsAndSorts(t *testing.T) {
	got := merge([]Item{
		{ProductID: 7, Quantity: 1},
		{ProductID: 3, Quantity: 2},
		{ProductID: 7, Quantity: 4},
	})

	assert.Equal(t, []Item{
		{ProductID: 3, Quantity: 2},
		{ProductID: 7, Quantity: 5},
	}, got)
}

func TestFromOrderItemsSkipsDeletedProducts(t *testing.T) {
	id := int64(9)
	got := FromOrderItems(context.Background(), []models.OrderItem{
		{ID: 1, ProductID: &id, Quantity: 2},
		{ID: 2, ProductID: nil, Quantity: 5},
	})

	assert.Equal(t, []Item{{ProductID: 9, Quantity: 2}}, got)
}

func newProduct(t *testing.T, db *sql.DB, sku string, stock int, active bool) *models.Product {
	t.Helper()
	p, err := store.CreateProduct(context.Background(), db, store.ProductParams{
		SKU:      sku,
		Name:     sku,
		Price:    decimal.NewFromInt(10),
		Stock:    stock,
		IsActive: active,
	})
	require.NoError(t, err)
	return p
}

func inTx(t *testing.T, db *sql.DB, fn func(*sql.Tx) error) error {
	t.Helper()
	return database.WithTransaction(context.Background(), db, database.DefaultTxOptions(), fn)
}

func TestLedger(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()
	ledger := NewLedger()

	t.Run("reserve then deduct consumes reservation", func(t *testing.T) {
		p := newProduct(t, db, "LEDGER-1", 10, true)

		require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
			return ledger.Reserve(ctx, tx, []Item{{ProductID: p.ID, Quantity: 3}})
		}))

		got, err := store.GetProduct(ctx, db, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 10, got.Stock)
		assert.Equal(t, 3, got.Reserved)

		require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
			return ledger.Deduct(ctx, tx, []Item{{ProductID: p.ID, Quantity: 3}})
		}))

		got, err = store.GetProduct(ctx, db, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 7, got.Stock)
		assert.Equal(t, 0, got.Reserved)
	})

	t.Run("reserve beyond available reports shortage", func(t *testing.T) {
		p := newProduct(t, db, "LEDGER-2", 5, true)

		require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
			return ledger.Reserve(ctx, tx, []Item{{ProductID: p.ID, Quantity: 4}})
		}))

		err := inTx(t, db, func(tx *sql.Tx) error {
			return ledger.Reserve(ctx, tx, []Item{{ProductID: p.ID, Quantity: 2}})
		})
		require.ErrorIs(t, err, database.ErrInsufficientStock)

		var short *database.InsufficientStockError
		require.True(t, errors.As(err, &short))
		assert.Equal(t, p.ID, short.ProductID)
		assert.Equal(t, 1, short.Available)
		assert.Equal(t, 2, short.Requested)
	})

	t.Run("deduct is all or nothing", func(t *testing.T) {
		plenty := newProduct(t, db, "LEDGER-3A", 10, true)
		scarce := newProduct(t, db, "LEDGER-3B", 1, true)

		err := inTx(t, db, func(tx *sql.Tx) error {
			return ledger.Deduct(ctx, tx, []Item{
				{ProductID: plenty.ID, Quantity: 2},
				{ProductID: scarce.ID, Quantity: 2},
			})
		})
		require.ErrorIs(t, err, database.ErrInsufficientStock)

		got, err := store.GetProduct(ctx, db, plenty.ID)
		require.NoError(t, err)
		assert.Equal(t, 10, got.Stock)
	})

	t.Run("release floors at zero", func(t *testing.T) {
		p := newProduct(t, db, "LEDGER-4", 4, true)

		require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
			if err := ledger.Reserve(ctx, tx, []Item{{ProductID: p.ID, Quantity: 2}}); err != nil {
				return err
			}
			return ledger.Release(ctx, tx, []Item{{ProductID: p.ID, Quantity: 5}})
		}))

		got, err := store.GetProduct(ctx, db, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 4, got.Stock)
		assert.Equal(t, 0, got.Reserved)
	})

	t.Run("unknown and inactive products", func(t *testing.T) {
		inactive := newProduct(t, db, "LEDGER-5", 4, false)

		err := inTx(t, db, func(tx *sql.Tx) error {
			return ledger.Validate(ctx, tx, []Item{{ProductID: 999999, Quantity: 1}})
		})
		assert.ErrorIs(t, err, database.ErrProductNotFound)

		err = inTx(t, db, func(tx *sql.Tx) error {
			return ledger.Validate(ctx, tx, []Item{{ProductID: inactive.ID, Quantity: 1}})
		})
		assert.ErrorIs(t, err, database.ErrProductInactive)
	})

	t.Run("non-positive quantity is rejected", func(t *testing.T) {
		p := newProduct(t, db, "LEDGER-6", 4, true)

		err := inTx(t, db, func(tx *sql.Tx) error {
			return ledger.Reserve(ctx, tx, []Item{{ProductID: p.ID, Quantity: 0}})
		})
		assert.ErrorIs(t, err, database.ErrInvalidInput)
	})
}
