package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/shop-checkout/internal/database"
	"github.com/safar/shop-checkout/internal/models"
)

const paymentColumns = `id, order_id, method, transaction_id, is_successful, amount_paid, created_at, paid_at`

func scanPayment(row rowScanner, payment *models.Payment) error {
	var paidAt sql.NullTime
	err := row.Scan(
		&payment.ID,
		&payment.OrderID,
		&payment.Method,
		&payment.TransactionID,
		&payment.IsSuccessful,
		&payment.AmountPaid,
		&payment.CreatedAt,
		&paidAt,
	)
	if err != nil {
		return err
	}
	if paidAt.Valid {
		payment.PaidAt = &paidAt.Time
	}
	return nil
}

// InsertPaymentIfAbsent creates the order's payment unless one already
// exists. created is false when the unique order_id constraint made the
// insert a no-op.
func InsertPaymentIfAbsent(ctx context.Context, q database.Querier, payment *models.Payment) (created bool, err error) {
	query := `
		INSERT INTO payments (order_id, method, transaction_id, is_successful, amount_paid, created_at)
		VALUES ($1, $2, $3, FALSE, $4, NOW())
		ON CONFLICT (order_id) DO NOTHING
		RETURNING ` + paymentColumns

	err = scanPayment(q.QueryRowContext(ctx, query,
		payment.OrderID, payment.Method, payment.TransactionID, payment.AmountPaid), payment)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("create payment: %w", err)
	}
	return true, nil
}

func GetPayment(ctx context.Context, q database.Querier, id int64) (*models.Payment, error) {
	return getPayment(ctx, q, `WHERE id = $1`, id)
}

func GetPaymentByOrder(ctx context.Context, q database.Querier, orderID int64) (*models.Payment, error) {
	return getPayment(ctx, q, `WHERE order_id = $1`, orderID)
}

// LockPayment reads the payment under FOR UPDATE; the is_successful value it
// returns is the persisted prior state used to detect the confirmation edge.
func LockPayment(ctx context.Context, tx *sql.Tx, id int64) (*models.Payment, error) {
	return getPayment(ctx, tx, `WHERE id = $1 FOR UPDATE`, id)
}

func getPayment(ctx context.Context, q database.Querier, where string, arg int64) (*models.Payment, error) {
	payment := &models.Payment{}

	if err := scanPayment(q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments `+where, arg), payment); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}

	return payment, nil
}

// MarkPaymentSuccessful flips is_successful from false to true. It reports
// false when the payment was already successful.
func MarkPaymentSuccessful(ctx context.Context, q database.Querier, payment *models.Payment) (bool, error) {
	var paidAt sql.NullTime
	err := q.QueryRowContext(ctx,
		`UPDATE payments
		 SET is_successful = TRUE, paid_at = NOW()
		 WHERE id = $1 AND is_successful = FALSE
		 RETURNING paid_at`,
		payment.ID).Scan(&paidAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("confirm payment: %w", err)
	}

	payment.IsSuccessful = true
	if paidAt.Valid {
		payment.PaidAt = &paidAt.Time
	}
	return true, nil
}
