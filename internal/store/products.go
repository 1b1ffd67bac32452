package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/safar/shop-checkout/internal/database"
	"github.com/safar/shop-checkout/internal/models"
	"github.com/shopspring/decimal"
)

const productColumns = `id, sku, name, description, price, stock, reserved, is_active, created_at, updated_at, version`

type ProductParams struct {
	SKU         string
	Name        string
	Description string
	Price       decimal.Decimal
	Stock       int
	IsActive    bool
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner, product *models.Product) error {
	return row.Scan(
		&product.ID,
		&product.SKU,
		&product.Name,
		&product.Description,
		&product.Price,
		&product.Stock,
		&product.Reserved,
		&product.IsActive,
		&product.CreatedAt,
		&product.UpdatedAt,
		&product.Version,
	)
}

func CreateProduct(ctx context.Context, q database.Querier, p ProductParams) (*models.Product, error) {
	product := &models.Product{}

	query := `
		INSERT INTO products (sku, name, description, price, stock, reserved, is_active, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, 0, $6, NOW(), NOW(), 1)
		RETURNING ` + productColumns

	err := scanProduct(q.QueryRowContext(ctx, query, p.SKU, p.Name, p.Description, p.Price, p.Stock, p.IsActive), product)
	if err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}

	return product, nil
}

func GetProduct(ctx context.Context, q database.Querier, id int64) (*models.Product, error) {
	product := &models.Product{}

	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	if err := scanProduct(q.QueryRowContext(ctx, query, id), product); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	return product, nil
}

// LockProducts takes row locks on every listed product in ascending id order,
// so that two transactions locking overlapping sets cannot deadlock.
func LockProducts(ctx context.Context, tx *sql.Tx, ids []int64) (map[int64]*models.Product, error) {
	query := `
		SELECT ` + productColumns + `
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE`

	rows, err := tx.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "55P03" {
			return nil, database.ErrLockTimeout
		}
		return nil, fmt.Errorf("lock products: %w", err)
	}
	defer rows.Close()

	products := make(map[int64]*models.Product, len(ids))
	for rows.Next() {
		product := &models.Product{}
		if err := scanProduct(rows, product); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products[product.ID] = product
	}

	if err := rows.Err(); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "55P03" {
			return nil, database.ErrLockTimeout
		}
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return products, nil
}

// ReserveStock holds quantity units for a pending order. It only succeeds
// while stock - reserved >= quantity.
func ReserveStock(ctx context.Context, tx *sql.Tx, productID int64, quantity int) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE products
		 SET reserved = reserved + $1,
		     updated_at = NOW()
		 WHERE id = $2
		   AND stock - reserved >= $1`,
		quantity, productID)
	if err != nil {
		return fmt.Errorf("reserve stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrInsufficientStock
	}

	return nil
}

func ReleaseStock(ctx context.Context, tx *sql.Tx, productID int64, quantity int) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE products
		 SET reserved = GREATEST(reserved - $1, 0),
		     updated_at = NOW()
		 WHERE id = $2`,
		quantity, productID)
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}
	return nil
}

// DecrementStock is a compare-and-decrement: the row is only touched when
// stock still covers quantity. The matching reservation is consumed.
func DecrementStock(ctx context.Context, tx *sql.Tx, productID int64, quantity int) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE products
		 SET stock = stock - $1,
		     reserved = GREATEST(reserved - $1, 0),
		     updated_at = NOW()
		 WHERE id = $2
		   AND stock >= $1`,
		quantity, productID)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrInsufficientStock
	}

	return nil
}

// UpdateProductOptimistic writes product if its version still matches. Stock
// may never drop below the units already reserved by pending orders.
func UpdateProductOptimistic(ctx context.Context, q database.Querier, product *models.Product) (*models.Product, error) {
	updated := &models.Product{}

	query := `
		UPDATE products
		SET sku = $1, name = $2, description = $3, price = $4, stock = $5, is_active = $6,
		    version = version + 1, updated_at = NOW()
		WHERE id = $7 AND version = $8 AND reserved <= $5
		RETURNING ` + productColumns

	err := scanProduct(q.QueryRowContext(ctx, query,
		product.SKU, product.Name, product.Description, product.Price, product.Stock, product.IsActive,
		product.ID, product.Version), updated)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update product: %w", err)
	}

	current, getErr := GetProduct(ctx, q, product.ID)
	if getErr != nil {
		return nil, getErr
	}
	if current.Version != product.Version {
		return nil, database.ErrConcurrentModification
	}
	return nil, fmt.Errorf("%w: stock %d is below reserved %d", database.ErrInvalidInput, product.Stock, current.Reserved)
}

func DeleteProduct(ctx context.Context, q database.Querier, id int64) error {
	result, err := q.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrProductNotFound
	}

	return nil
}
