// Package shop is the application facade over carts, checkout, payments and
// order administration.
package shop

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/safar/shop-checkout/internal/checkout"
	"github.com/safar/shop-checkout/internal/database"
	"github.com/safar/shop-checkout/internal/events"
	"github.com/safar/shop-checkout/internal/inventory"
	"github.com/safar/shop-checkout/internal/logging"
	"github.com/safar/shop-checkout/internal/metrics"
	"github.com/safar/shop-checkout/internal/models"
	"github.com/safar/shop-checkout/internal/orderstate"
	"github.com/safar/shop-checkout/internal/payment"
	"github.com/safar/shop-checkout/internal/store"
	"github.com/shopspring/decimal"
)

type Service struct {
	DB        *sql.DB
	Builder   *checkout.Builder
	Recorder  *payment.Recorder
	Executor  *orderstate.Executor
	TxOptions database.TxOptions
}

func New(db *sql.DB, opts database.TxOptions, m *metrics.Metrics) *Service {
	ledger := inventory.NewLedger()
	exec := &orderstate.Executor{Ledger: ledger}
	return &Service{
		DB:        db,
		Builder:   checkout.NewBuilder(db, ledger, opts, m),
		Recorder:  payment.NewRecorder(db, exec, opts, m),
		Executor:  exec,
		TxOptions: opts,
	}
}

const (
	maxUserFieldLength   = 255
	maxSKULength         = 64
	maxProductNameLength = 200
)

func tooLong(s string, n int) bool {
	return utf8.RuneCountInString(s) > n
}

func (s *Service) CreateUser(ctx context.Context, email, name string) (*models.User, error) {
	if tooLong(email, maxUserFieldLength) || tooLong(name, maxUserFieldLength) {
		return nil, fmt.Errorf("%w: email and name must be at most %d characters", database.ErrInvalidInput, maxUserFieldLength)
	}

	user, err := store.CreateUser(ctx, s.DB, email, name)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: email already registered", database.ErrInvalidInput)
		}
		return nil, err
	}
	return user, nil
}

func (s *Service) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	return store.GetProduct(ctx, s.DB, id)
}

// GetCart returns the user's cart priced at current product prices.
func (s *Service) GetCart(ctx context.Context, userID int64) (*models.Cart, error) {
	cart, err := store.GetCartByUser(ctx, s.DB, userID)
	if err != nil {
		return nil, err
	}
	items, err := store.ListCartItems(ctx, s.DB, cart.ID)
	if err != nil {
		return nil, err
	}
	cart.Items = items
	return cart, nil
}

// AddToCart adds qty units to the product's cart line, creating the line if
// needed. The resulting quantity is checked against available stock; the
// check is advisory and checkout validates again.
func (s *Service) AddToCart(ctx context.Context, userID, productID int64, qty int) (*models.Cart, error) {
	if qty < 1 {
		return nil, fmt.Errorf("%w: quantity must be at least 1", database.ErrInvalidInput)
	}

	err := database.WithRetry(ctx, s.DB, s.TxOptions, func(tx *sql.Tx) error {
		cart, err := store.LockCartByUser(ctx, tx, userID)
		if err != nil {
			return err
		}

		current := 0
		item, err := store.GetCartItem(ctx, tx, cart.ID, productID)
		switch {
		case err == nil:
			current = item.Quantity
		case !errors.Is(err, database.ErrCartItemNotFound):
			return err
		}

		return s.setLine(ctx, tx, cart.ID, productID, current+qty)
	})
	if err != nil {
		return nil, err
	}

	return s.GetCart(ctx, userID)
}

// UpdateCartItem sets the quantity of an existing cart line.
func (s *Service) UpdateCartItem(ctx context.Context, userID, productID int64, qty int) (*models.Cart, error) {
	if qty < 1 {
		return nil, fmt.Errorf("%w: quantity must be at least 1", database.ErrInvalidInput)
	}

	err := database.WithRetry(ctx, s.DB, s.TxOptions, func(tx *sql.Tx) error {
		cart, err := store.LockCartByUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if _, err := store.GetCartItem(ctx, tx, cart.ID, productID); err != nil {
			return err
		}
		return s.setLine(ctx, tx, cart.ID, productID, qty)
	})
	if err != nil {
		return nil, err
	}

	return s.GetCart(ctx, userID)
}

func (s *Service) RemoveFromCart(ctx context.Context, userID, productID int64) (*models.Cart, error) {
	err := database.WithRetry(ctx, s.DB, s.TxOptions, func(tx *sql.Tx) error {
		cart, err := store.LockCartByUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		return store.DeleteCartItem(ctx, tx, cart.ID, productID)
	})
	if err != nil {
		return nil, err
	}

	return s.GetCart(ctx, userID)
}

func (s *Service) setLine(ctx context.Context, tx *sql.Tx, cartID, productID int64, qty int) error {
	product, err := store.GetProduct(ctx, tx, productID)
	if err != nil {
		return err
	}
	if !product.IsActive {
		return fmt.Errorf("product %d: %w", productID, database.ErrProductInactive)
	}
	if available := product.Available(); qty > available {
		return &database.InsufficientStockError{ProductID: productID, Available: max(available, 0), Requested: qty}
	}
	return store.SetCartItemQuantity(ctx, tx, cartID, productID, qty)
}

func (s *Service) Checkout(ctx context.Context, userID int64, shippingAddress string) (*models.Order, error) {
	return s.Builder.CreateOrder(ctx, userID, shippingAddress)
}

// Pay records the payment for one of the user's orders. Orders owned by
// someone else are reported as not found.
func (s *Service) Pay(ctx context.Context, userID, orderID int64, method string) (*models.Payment, error) {
	if _, err := s.GetOrderForUser(ctx, userID, orderID); err != nil {
		return nil, err
	}
	return s.Recorder.RecordPayment(ctx, orderID, method)
}

func (s *Service) Confirm(ctx context.Context, paymentID int64) (*payment.Confirmation, error) {
	return s.Recorder.ConfirmPayment(ctx, paymentID)
}

func (s *Service) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	return store.GetOrder(ctx, s.DB, orderID)
}

// ListOrders returns the user's orders, newest first.
func (s *Service) ListOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	return store.ListOrdersByUser(ctx, s.DB, userID)
}

func (s *Service) GetOrderForUser(ctx context.Context, userID, orderID int64) (*models.Order, error) {
	order, err := store.GetOrder(ctx, s.DB, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, database.ErrOrderNotFound
	}
	return order, nil
}

// OrderEvents lists the domain events recorded for an order, oldest first.
func (s *Service) OrderEvents(ctx context.Context, orderID int64) ([]events.Envelope, error) {
	if _, err := store.GetOrder(ctx, s.DB, orderID); err != nil {
		return nil, err
	}

	records, err := store.ListOutboxByKey(ctx, s.DB, events.OrderKey(orderID))
	if err != nil {
		return nil, err
	}

	out := make([]events.Envelope, 0, len(records))
	for _, rec := range records {
		env, err := events.Decode(rec.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// AdminUpdateStatus moves an order to rawStatus on behalf of an
// administrator. Unknown statuses and disallowed transitions leave the order
// untouched.
func (s *Service) AdminUpdateStatus(ctx context.Context, orderID int64, rawStatus, tracking string) (*models.Order, error) {
	target, err := orderstate.ParseStatus(rawStatus)
	if err != nil {
		return nil, err
	}

	var order *models.Order
	var from models.OrderStatus

	err = database.WithRetry(ctx, s.DB, s.TxOptions, func(tx *sql.Tx) error {
		locked, err := store.LockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		from = locked.Status

		res, err := orderstate.Transition(locked.Status, orderstate.Request{
			Target:         target,
			Actor:          orderstate.ActorAdmin,
			TrackingNumber: tracking,
		})
		if err != nil {
			return err
		}

		if _, err := s.Executor.Apply(ctx, tx, locked, res); err != nil {
			return err
		}

		order = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Info("order_status_changed",
		"order_id", order.ID, "from", from, "to", order.Status)

	return order, nil
}

type ProductInput struct {
	ID          int64           `json:"id"`
	Version     int             `json:"version"`
	SKU         string          `json:"sku"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
	IsActive    bool            `json:"is_active"`
}

func (in ProductInput) validate() error {
	switch {
	case strings.TrimSpace(in.SKU) == "":
		return fmt.Errorf("%w: sku required", database.ErrInvalidInput)
	case strings.TrimSpace(in.Name) == "":
		return fmt.Errorf("%w: name required", database.ErrInvalidInput)
	case tooLong(strings.TrimSpace(in.SKU), maxSKULength):
		return fmt.Errorf("%w: sku longer than %d characters", database.ErrInvalidInput, maxSKULength)
	case tooLong(strings.TrimSpace(in.Name), maxProductNameLength):
		return fmt.Errorf("%w: name longer than %d characters", database.ErrInvalidInput, maxProductNameLength)
	case in.Price.IsNegative():
		return fmt.Errorf("%w: price must not be negative", database.ErrInvalidInput)
	case in.Stock < 0:
		return fmt.Errorf("%w: stock must not be negative", database.ErrInvalidInput)
	}
	return nil
}

// AdminUpsertProduct creates the product when in.ID is zero and otherwise
// updates it, provided in.Version still matches the stored version.
func (s *Service) AdminUpsertProduct(ctx context.Context, in ProductInput) (*models.Product, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var product *models.Product
	var err error

	if in.ID == 0 {
		product, err = store.CreateProduct(ctx, s.DB, store.ProductParams{
			SKU:         strings.TrimSpace(in.SKU),
			Name:        strings.TrimSpace(in.Name),
			Description: in.Description,
			Price:       in.Price,
			Stock:       in.Stock,
			IsActive:    in.IsActive,
		})
	} else {
		product, err = store.UpdateProductOptimistic(ctx, s.DB, &models.Product{
			ID:          in.ID,
			Version:     in.Version,
			SKU:         strings.TrimSpace(in.SKU),
			Name:        strings.TrimSpace(in.Name),
			Description: in.Description,
			Price:       in.Price,
			Stock:       in.Stock,
			IsActive:    in.IsActive,
		})
	}
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: sku %q already exists", database.ErrInvalidInput, in.SKU)
		}
		return nil, err
	}

	logging.FromContext(ctx).Info("product_saved",
		"product_id", product.ID, "sku", product.SKU, "stock", product.Stock, "version", product.Version)

	return product, nil
}

// AdminDeleteProduct removes a product. Existing order items keep their
// snapshot with a nil product reference.
func (s *Service) AdminDeleteProduct(ctx context.Context, id int64) error {
	if err := store.DeleteProduct(ctx, s.DB, id); err != nil {
		return err
	}
	logging.FromContext(ctx).Info("product_deleted", "product_id", id)
	return nil
}
