// Package payment records payments against orders and confirms them.
package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/safar/shop-checkout/internal/database"
	"github.com/safar/shop-checkout/internal/events"
	"github.com/safar/shop-checkout/internal/logging"
	"github.com/safar/shop-checkout/internal/metrics"
	"github.com/safar/shop-checkout/internal/models"
	"github.com/safar/shop-checkout/internal/orderstate"
	"github.com/safar/shop-checkout/internal/store"
)

const maxMethodLength = 50

type Recorder struct {
	DB        *sql.DB
	Executor  *orderstate.Executor
	TxOptions database.TxOptions
	Metrics   *metrics.Metrics
}

func NewRecorder(db *sql.DB, exec *orderstate.Executor, opts database.TxOptions, m *metrics.Metrics) *Recorder {
	return &Recorder{DB: db, Executor: exec, TxOptions: opts, Metrics: m}
}

// Confirmation is the outcome of ConfirmPayment. AlreadyConfirmed is set when
// the payment was successful before the call, in which case nothing changed.
type Confirmation struct {
	Payment          *models.Payment `json:"payment"`
	Order            *models.Order   `json:"order"`
	AlreadyConfirmed bool            `json:"already_confirmed"`
}

// RecordPayment returns the order's payment, creating it on first use. The
// amount is always the order total. Repeated calls return the same payment.
func (r *Recorder) RecordPayment(ctx context.Context, orderID int64, method string) (*models.Payment, error) {
	method = strings.TrimSpace(method)
	if method == "" {
		return nil, fmt.Errorf("%w: payment method required", database.ErrInvalidInput)
	}
	if utf8.RuneCountInString(method) > maxMethodLength {
		return nil, fmt.Errorf("%w: payment method longer than %d characters", database.ErrInvalidInput, maxMethodLength)
	}

	var payment *models.Payment
	var created bool

	err := database.WithRetry(ctx, r.DB, r.TxOptions, func(tx *sql.Tx) error {
		payment, created = nil, false

		existing, err := store.GetPaymentByOrder(ctx, tx, orderID)
		if err == nil {
			payment = existing
			return nil
		}
		if !errors.Is(err, database.ErrPaymentNotFound) {
			return err
		}

		order, err := store.LockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusPending {
			return fmt.Errorf("%w: order %d is %s", database.ErrOrderNotPayable, order.ID, order.Status)
		}

		p := &models.Payment{
			OrderID:       order.ID,
			Method:        method,
			TransactionID: uuid.NewString(),
			AmountPaid:    order.TotalAmount,
		}
		ok, err := store.InsertPaymentIfAbsent(ctx, tx, p)
		if err != nil {
			return err
		}
		if !ok {
			payment, err = store.GetPaymentByOrder(ctx, tx, orderID)
			return err
		}

		err = events.Append(ctx, tx, events.EventPaymentRecorded, order.ID, events.PaymentPayload{
			OrderID:       order.ID,
			PaymentID:     p.ID,
			TransactionID: p.TransactionID,
			Method:        p.Method,
			AmountPaid:    p.AmountPaid,
		})
		if err != nil {
			return err
		}

		payment, created = p, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if created {
		logging.FromContext(ctx).Info("payment_recorded",
			"payment_id", payment.ID, "order_id", orderID, "method", payment.Method,
			"amount", payment.AmountPaid.StringFixed(2))
	}

	return payment, nil
}

// ConfirmPayment marks the payment successful and moves its order from
// PENDING to CONFIRMED, deducting stock exactly once. The payment's prior
// is_successful value, read under its row lock, decides whether this call is
// the one that confirms; later calls return AlreadyConfirmed with no effects.
//
// If stock no longer covers the order the whole confirmation is rolled back:
// the payment stays unsuccessful, the order stays PENDING and the
// *database.InsufficientStockError is returned.
func (r *Recorder) ConfirmPayment(ctx context.Context, paymentID int64) (*Confirmation, error) {
	var conf *Confirmation
	var applied orderstate.Applied

	err := database.WithRetry(ctx, r.DB, r.TxOptions, func(tx *sql.Tx) error {
		conf, applied = nil, orderstate.Applied{}

		payment, err := store.LockPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}

		if payment.IsSuccessful {
			order, err := store.GetOrder(ctx, tx, payment.OrderID)
			if err != nil {
				return err
			}
			conf = &Confirmation{Payment: payment, Order: order, AlreadyConfirmed: true}
			return nil
		}

		order, err := store.LockOrder(ctx, tx, payment.OrderID)
		if err != nil {
			return err
		}

		res, err := orderstate.Transition(order.Status, orderstate.Request{
			Target: models.OrderStatusConfirmed,
			Actor:  orderstate.ActorPayment,
		})
		if err != nil {
			return err
		}

		flipped, err := store.MarkPaymentSuccessful(ctx, tx, payment)
		if err != nil {
			return err
		}
		if !flipped {
			return database.ErrConcurrentModification
		}

		applied, err = r.Executor.Apply(ctx, tx, order, res)
		if err != nil {
			return err
		}

		err = events.Append(ctx, tx, events.EventPaymentConfirmed, order.ID, events.PaymentPayload{
			OrderID:       order.ID,
			PaymentID:     payment.ID,
			TransactionID: payment.TransactionID,
			Method:        payment.Method,
			AmountPaid:    payment.AmountPaid,
		})
		if err != nil {
			return err
		}

		conf = &Confirmation{Payment: payment, Order: order}
		return nil
	})

	l := logging.FromContext(ctx)
	if err != nil {
		var short *database.InsufficientStockError
		if errors.As(err, &short) {
			l.Warn("payment_confirm_insufficient_stock",
				"payment_id", paymentID, "product_id", short.ProductID,
				"available", short.Available, "requested", short.Requested)
		}
		r.count(confirmOutcome(err))
		return nil, err
	}

	if conf.AlreadyConfirmed {
		r.count("already_confirmed")
		return conf, nil
	}

	r.count("confirmed")
	if r.Metrics != nil {
		r.Metrics.StockDeducted.Add(float64(applied.UnitsDeducted))
	}
	l.Info("payment_confirmed",
		"payment_id", conf.Payment.ID, "order_id", conf.Order.ID, "units_deducted", applied.UnitsDeducted)

	return conf, nil
}

func (r *Recorder) count(outcome string) {
	if r.Metrics != nil {
		r.Metrics.Confirmations.WithLabelValues(outcome).Inc()
	}
}

func confirmOutcome(err error) string {
	switch {
	case errors.Is(err, database.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, database.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, database.ErrPaymentNotFound):
		return "not_found"
	default:
		return "error"
	}
}
