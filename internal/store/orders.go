package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/safar/shop-checkout/internal/database"
	"github.com/safar/shop-checkout/internal/models"
)

const orderColumns = `id, user_id, order_number, status, total_amount, shipping_address, tracking_number, created_at, updated_at, version`

func GenerateOrderNumber() string {
	return "ORD-" + uuid.NewString()
}

func scanOrder(row rowScanner, order *models.Order) error {
	var tracking sql.NullString
	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.OrderNumber,
		&order.Status,
		&order.TotalAmount,
		&order.ShippingAddress,
		&tracking,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		return err
	}
	if tracking.Valid {
		order.TrackingNumber = &tracking.String
	}
	return nil
}

// InsertOrder stores order and fills in its generated fields.
func InsertOrder(ctx context.Context, q database.Querier, order *models.Order) error {
	query := `
		INSERT INTO orders (user_id, order_number, status, total_amount, shipping_address, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW(), 1)
		RETURNING ` + orderColumns

	err := scanOrder(q.QueryRowContext(ctx, query,
		order.UserID, order.OrderNumber, order.Status, order.TotalAmount, order.ShippingAddress), order)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func InsertOrderItem(ctx context.Context, q database.Querier, item *models.OrderItem) error {
	err := q.QueryRowContext(ctx,
		`INSERT INTO order_items (order_id, product_id, quantity, unit_price, subtotal, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 RETURNING id, created_at`,
		item.OrderID, item.ProductID, item.Quantity, item.UnitPrice, item.Subtotal).Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		return fmt.Errorf("create order item: %w", err)
	}
	return nil
}

func GetOrder(ctx context.Context, q database.Querier, id int64) (*models.Order, error) {
	order := &models.Order{}

	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	if err := scanOrder(q.QueryRowContext(ctx, query, id), order); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	items, err := ListOrderItems(ctx, q, id)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return order, nil
}

// LockOrder reads the order row under FOR UPDATE together with its items.
func LockOrder(ctx context.Context, tx *sql.Tx, id int64) (*models.Order, error) {
	order := &models.Order{}

	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`

	if err := scanOrder(tx.QueryRowContext(ctx, query, id), order); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}

	items, err := ListOrderItems(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return order, nil
}

const orderItemColumns = `id, order_id, product_id, quantity, unit_price, subtotal, created_at`

func ListOrderItems(ctx context.Context, q database.Querier, orderID int64) ([]models.OrderItem, error) {
	query := `SELECT ` + orderItemColumns + ` FROM order_items WHERE order_id = $1 ORDER BY id`
	return queryOrderItems(ctx, q, query, orderID)
}

func queryOrderItems(ctx context.Context, q database.Querier, query string, args ...any) ([]models.OrderItem, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		var productID sql.NullInt64
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&productID,
			&item.Quantity,
			&item.UnitPrice,
			&item.Subtotal,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		if productID.Valid {
			id := productID.Int64
			item.ProductID = &id
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// ListOrdersByUser returns every order of userID with its items, newest
// first.
func ListOrdersByUser(ctx context.Context, q database.Querier, userID int64) ([]models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC`

	rows, err := q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		var order models.Order
		if err := scanOrder(rows, &order); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]int64, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	items, err := queryOrderItems(ctx, q,
		`SELECT `+orderItemColumns+` FROM order_items WHERE order_id = ANY($1) ORDER BY id`, pq.Array(ids))
	if err != nil {
		return nil, err
	}

	byOrder := make(map[int64][]models.OrderItem, len(orders))
	for _, item := range items {
		byOrder[item.OrderID] = append(byOrder[item.OrderID], item)
	}
	for i := range orders {
		orders[i].Items = byOrder[orders[i].ID]
	}

	return orders, nil
}

// UpdateOrderStatus is the only write an order accepts after creation:
// status and tracking number.
func UpdateOrderStatus(ctx context.Context, q database.Querier, order *models.Order) error {
	err := q.QueryRowContext(ctx,
		`UPDATE orders
		 SET status = $1, tracking_number = $2, version = version + 1, updated_at = NOW()
		 WHERE id = $3 AND version = $4
		 RETURNING updated_at, version`,
		order.Status, order.TrackingNumber, order.ID, order.Version).Scan(&order.UpdatedAt, &order.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.ErrConcurrentModification
		}
		return fmt.Errorf("update order status: %w", err)
	}
	return nil
}
