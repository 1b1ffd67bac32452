package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/shop-checkout/internal/database"
	"github.com/safar/shop-checkout/internal/models"
)

func CreateCart(ctx context.Context, q database.Querier, userID int64) (*models.Cart, error) {
	cart := &models.Cart{}

	err := q.QueryRowContext(ctx,
		`INSERT INTO carts (user_id, created_at, updated_at)
		 VALUES ($1, NOW(), NOW())
		 RETURNING id, user_id, created_at, updated_at`,
		userID).Scan(&cart.ID, &cart.UserID, &cart.CreatedAt, &cart.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create cart: %w", err)
	}

	return cart, nil
}

func GetCartByUser(ctx context.Context, q database.Querier, userID int64) (*models.Cart, error) {
	return getCartByUser(ctx, q, userID, "")
}

// LockCartByUser serializes every mutation of one user's cart, checkout
// included, behind the cart row lock.
func LockCartByUser(ctx context.Context, tx *sql.Tx, userID int64) (*models.Cart, error) {
	return getCartByUser(ctx, tx, userID, " FOR UPDATE")
}

func getCartByUser(ctx context.Context, q database.Querier, userID int64, lock string) (*models.Cart, error) {
	cart := &models.Cart{}

	err := q.QueryRowContext(ctx,
		`SELECT id, user_id, created_at, updated_at
		 FROM carts
		 WHERE user_id = $1`+lock,
		userID).Scan(&cart.ID, &cart.UserID, &cart.CreatedAt, &cart.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrCartNotFound
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}

	return cart, nil
}

// ListCartItems returns the cart lines with the product's current price.
func ListCartItems(ctx context.Context, q database.Querier, cartID int64) ([]models.CartItem, error) {
	query := `
		SELECT ci.id, ci.cart_id, ci.product_id, ci.quantity, p.price, ci.created_at, ci.updated_at
		FROM cart_items ci
		JOIN products p ON p.id = ci.product_id
		WHERE ci.cart_id = $1
		ORDER BY ci.product_id`

	rows, err := q.QueryContext(ctx, query, cartID)
	if err != nil {
		return nil, fmt.Errorf("list cart items: %w", err)
	}
	defer rows.Close()

	var items []models.CartItem
	for rows.Next() {
		var item models.CartItem
		err := rows.Scan(
			&item.ID,
			&item.CartID,
			&item.ProductID,
			&item.Quantity,
			&item.UnitPrice,
			&item.CreatedAt,
			&item.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

func GetCartItem(ctx context.Context, q database.Querier, cartID, productID int64) (*models.CartItem, error) {
	item := &models.CartItem{}

	err := q.QueryRowContext(ctx,
		`SELECT ci.id, ci.cart_id, ci.product_id, ci.quantity, p.price, ci.created_at, ci.updated_at
		 FROM cart_items ci
		 JOIN products p ON p.id = ci.product_id
		 WHERE ci.cart_id = $1 AND ci.product_id = $2`,
		cartID, productID).Scan(
		&item.ID,
		&item.CartID,
		&item.ProductID,
		&item.Quantity,
		&item.UnitPrice,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrCartItemNotFound
		}
		return nil, fmt.Errorf("get cart item: %w", err)
	}

	return item, nil
}

// SetCartItemQuantity stores the absolute quantity for a product line,
// creating the line when it does not exist yet.
func SetCartItemQuantity(ctx context.Context, q database.Querier, cartID, productID int64, quantity int) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO cart_items (cart_id, product_id, quantity, created_at, updated_at)
		 VALUES ($1, $2, $3, NOW(), NOW())
		 ON CONFLICT (cart_id, product_id)
		 DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = NOW()`,
		cartID, productID, quantity)
	if err != nil {
		return fmt.Errorf("set cart item quantity: %w", err)
	}

	if _, err := q.ExecContext(ctx, `UPDATE carts SET updated_at = NOW() WHERE id = $1`, cartID); err != nil {
		return fmt.Errorf("touch cart: %w", err)
	}
	return nil
}

func DeleteCartItem(ctx context.Context, q database.Querier, cartID, productID int64) error {
	result, err := q.ExecContext(ctx,
		`DELETE FROM cart_items WHERE cart_id = $1 AND product_id = $2`,
		cartID, productID)
	if err != nil {
		return fmt.Errorf("delete cart item: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrCartItemNotFound
	}

	return nil
}

func ClearCart(ctx context.Context, q database.Querier, cartID int64) (int64, error) {
	result, err := q.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID)
	if err != nil {
		return 0, fmt.Errorf("clear cart: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	return rowsAffected, nil
}
