package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/safar/shop-checkout/internal/database"
	"github.com/safar/shop-checkout/internal/events"
	"github.com/safar/shop-checkout/internal/idempotency"
	"github.com/safar/shop-checkout/internal/logging"
	"github.com/safar/shop-checkout/internal/metrics"
	"github.com/safar/shop-checkout/internal/models"
	"github.com/safar/shop-checkout/internal/payment"
	"github.com/safar/shop-checkout/internal/shop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeService records the arguments it was called with and returns err when
// set.
type fakeService struct {
	err error

	lastUserID   int64
	lastOrderID  int64
	lastQty      int
	lastStatus   string
	lastTracking string
	lastProduct  shop.ProductInput
	checkouts    int
}

func (f *fakeService) CreateUser(_ context.Context, email, name string) (*models.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.User{ID: 1, Email: email, Name: name}, nil
}

func (f *fakeService) GetProduct(_ context.Context, id int64) (*models.Product, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.Product{ID: id, SKU: "SKU", Price: decimal.NewFromInt(5), Stock: 3, IsActive: true}, nil
}

func (f *fakeService) cart(userID int64) *models.Cart {
	return &models.Cart{ID: 9, UserID: userID, Items: []models.CartItem{
		{ProductID: 1, Quantity: 2, UnitPrice: decimal.RequireFromString("2.50")},
		{ProductID: 2, Quantity: 1, UnitPrice: decimal.RequireFromString("10.00")},
	}}
}

func (f *fakeService) GetCart(_ context.Context, userID int64) (*models.Cart, error) {
	f.lastUserID = userID
	if f.err != nil {
		return nil, f.err
	}
	return f.cart(userID), nil
}

func (f *fakeService) AddToCart(_ context.Context, userID, _ int64, qty int) (*models.Cart, error) {
	f.lastUserID, f.lastQty = userID, qty
	if f.err != nil {
		return nil, f.err
	}
	return f.cart(userID), nil
}

func (f *fakeService) UpdateCartItem(_ context.Context, userID, _ int64, qty int) (*models.Cart, error) {
	f.lastUserID, f.lastQty = userID, qty
	if f.err != nil {
		return nil, f.err
	}
	return f.cart(userID), nil
}

func (f *fakeService) RemoveFromCart(_ context.Context, userID, _ int64) (*models.Cart, error) {
	f.lastUserID = userID
	if f.err != nil {
		return nil, f.err
	}
	return &models.Cart{ID: 9, UserID: userID}, nil
}

func (f *fakeService) Checkout(_ context.Context, userID int64, addr string) (*models.Order, error) {
	f.lastUserID = userID
	f.checkouts++
	if f.err != nil {
		return nil, f.err
	}
	return &models.Order{ID: int64(100 + f.checkouts), UserID: userID, Status: models.OrderStatusPending, ShippingAddress: addr}, nil
}

func (f *fakeService) GetOrderForUser(_ context.Context, userID, orderID int64) (*models.Order, error) {
	f.lastUserID, f.lastOrderID = userID, orderID
	if f.err != nil {
		return nil, f.err
	}
	return &models.Order{ID: orderID, UserID: userID, Status: models.OrderStatusPending}, nil
}

func (f *fakeService) ListOrders(_ context.Context, userID int64) ([]models.Order, error) {
	f.lastUserID = userID
	if f.err != nil {
		return nil, f.err
	}
	return []models.Order{
		{ID: 2, UserID: userID, Status: models.OrderStatusPending},
		{ID: 1, UserID: userID, Status: models.OrderStatusConfirmed},
	}, nil
}

func (f *fakeService) Pay(_ context.Context, userID, orderID int64, method string) (*models.Payment, error) {
	f.lastUserID, f.lastOrderID = userID, orderID
	if f.err != nil {
		return nil, f.err
	}
	return &models.Payment{ID: 7, OrderID: orderID, Method: method}, nil
}

func (f *fakeService) Confirm(_ context.Context, paymentID int64) (*payment.Confirmation, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &payment.Confirmation{
		Payment: &models.Payment{ID: paymentID, IsSuccessful: true},
		Order:   &models.Order{ID: 1, Status: models.OrderStatusConfirmed},
	}, nil
}

func (f *fakeService) GetOrder(_ context.Context, orderID int64) (*models.Order, error) {
	f.lastOrderID = orderID
	if f.err != nil {
		return nil, f.err
	}
	return &models.Order{ID: orderID}, nil
}

func (f *fakeService) OrderEvents(_ context.Context, orderID int64) ([]events.Envelope, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []events.Envelope{{EventType: events.EventOrderCreated, CorrelationID: events.OrderKey(orderID)}}, nil
}

func (f *fakeService) AdminUpdateStatus(_ context.Context, orderID int64, status, tracking string) (*models.Order, error) {
	f.lastOrderID, f.lastStatus, f.lastTracking = orderID, status, tracking
	if f.err != nil {
		return nil, f.err
	}
	return &models.Order{ID: orderID, Status: models.OrderStatus(status)}, nil
}

func (f *fakeService) AdminUpsertProduct(_ context.Context, in shop.ProductInput) (*models.Product, error) {
	f.lastProduct = in
	if f.err != nil {
		return nil, f.err
	}
	return &models.Product{ID: max(in.ID, 1), SKU: in.SKU}, nil
}

func (f *fakeService) AdminDeleteProduct(_ context.Context, _ int64) error {
	return f.err
}

type testServer struct {
	svc     *fakeService
	echo    *echo.Echo
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	svc := &fakeService{}
	m := metrics.New("test", prometheus.NewRegistry())
	e := NewRouter(Deps{
		Handler: &Handler{Svc: svc},
		Logger:  logging.NewWithWriter(io.Discard, "error"),
		Metrics: m,
	})
	return &testServer{svc: svc, echo: e, metrics: m}
}

func (s *testServer) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

var asUser = map[string]string{HeaderUserID: "42"}
var asAdmin = map[string]string{HeaderUserID: "1", HeaderUserRole: "admin"}

func TestUserRoutesRequireIdentity(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/cart", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodGet, "/cart", nil, map[string]string{HeaderUserID: "abc"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetCartIncludesTotals(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/cart", nil, asUser)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(42), s.svc.lastUserID)

	var body struct {
		Total      string `json:"total"`
		TotalItems int    `json:"total_items"`
		Items      []any  `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "15", body.Total)
	assert.Equal(t, 3, body.TotalItems)
	assert.Len(t, body.Items, 2)
}

func TestAddToCartDefaultsToOneUnit(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/cart/items", map[string]any{"product_id": 5}, asUser)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, s.svc.lastQty)

	rec = s.do(http.MethodPost, "/cart/items", map[string]any{"product_id": 5, "quantity": 4}, asUser)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4, s.svc.lastQty)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{database.ErrEmptyCart, http.StatusUnprocessableEntity},
		{database.ErrCartNotFound, http.StatusNotFound},
		{database.ErrInvalidInput, http.StatusBadRequest},
		{&database.InsufficientStockError{ProductID: 1, Available: 0, Requested: 1}, http.StatusConflict},
		{database.ErrConcurrentModification, http.StatusConflict},
		{database.ErrLockTimeout, http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", database.ErrProductInactive), http.StatusUnprocessableEntity},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			s := newTestServer(t)
			s.svc.err = tt.err

			rec := s.do(http.MethodPost, "/checkout", map[string]string{"shipping_address": "x"}, asUser)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestInsufficientStockBodyCarriesDetails(t *testing.T) {
	s := newTestServer(t)
	s.svc.err = &database.InsufficientStockError{ProductID: 3, Available: 1, Requested: 2}

	rec := s.do(http.MethodPost, "/cart/items", map[string]any{"product_id": 3, "quantity": 2}, asUser)
	require.Equal(t, http.StatusConflict, rec.Code)

	var body struct {
		Message   string `json:"message"`
		ProductID int64  `json:"product_id"`
		Available int    `json:"available"`
		Requested int    `json:"requested"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Message, "insufficient stock")
	assert.Equal(t, int64(3), body.ProductID)
	assert.Equal(t, 1, body.Available)
	assert.Equal(t, 2, body.Requested)
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	s := newTestServer(t)
	s.svc.err = fmt.Errorf("pq: password authentication failed")

	rec := s.do(http.MethodGet, "/orders/1", nil, asUser)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestAdminRoutesRequireRole(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPatch, "/admin/orders/5/status", map[string]string{"status": "SHIPPED"}, asUser)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPatch, "/admin/orders/5/status",
		map[string]string{"status": "SHIPPED", "tracking_number": "TRK"}, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(5), s.svc.lastOrderID)
	assert.Equal(t, "SHIPPED", s.svc.lastStatus)
	assert.Equal(t, "TRK", s.svc.lastTracking)
}

func TestAdminUpdateStatusRejectsUnknownStatus(t *testing.T) {
	s := newTestServer(t)
	s.svc.err = fmt.Errorf("%w: %q", database.ErrInvalidStatus, "BOGUS")

	rec := s.do(http.MethodPatch, "/admin/orders/5/status", map[string]string{"status": "BOGUS"}, asAdmin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminProductRoutes(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/admin/products",
		map[string]any{"id": 99, "sku": "NEW", "name": "New", "price": "9.99", "stock": 3}, asAdmin)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(0), s.svc.lastProduct.ID, "create ignores a client supplied id")
	assert.True(t, s.svc.lastProduct.Price.Equal(decimal.RequireFromString("9.99")))

	rec = s.do(http.MethodPut, "/admin/products/12",
		map[string]any{"sku": "OLD", "name": "Old", "price": "1", "stock": 3, "version": 4}, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(12), s.svc.lastProduct.ID)
	assert.Equal(t, 4, s.svc.lastProduct.Version)

	rec = s.do(http.MethodDelete, "/admin/products/12", nil, asAdmin)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestConfirmPaymentRoles(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/payments/7/confirm", nil, asUser)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/payments/7/confirm", nil, map[string]string{HeaderUserRole: "payment"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"already_confirmed":false`)
}

func TestInvalidPathID(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/orders/abc", nil, asUser)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestMetrics(t *testing.T) {
	s := newTestServer(t)

	s.do(http.MethodGet, "/health/live", nil, nil)
	s.do(http.MethodGet, "/cart", nil, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Requests.WithLabelValues("/health/live", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Requests.WithLabelValues("/cart", "401")))

	rec := s.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "shop_test_http_requests_total"))
}

type mapStore map[string]*idempotency.Response

func (m mapStore) Begin(_ context.Context, key string) (*idempotency.Response, error) {
	resp, ok := m[key]
	if !ok {
		m[key] = nil
		return nil, nil
	}
	if resp == nil {
		return nil, idempotency.ErrInFlight
	}
	return resp, nil
}

func (m mapStore) Complete(_ context.Context, key string, resp idempotency.Response) error {
	m[key] = &resp
	return nil
}

func (m mapStore) Abort(_ context.Context, key string) error {
	delete(m, key)
	return nil
}

func TestCheckoutReplaysIdempotentRequests(t *testing.T) {
	svc := &fakeService{}
	e := NewRouter(Deps{
		Handler:     &Handler{Svc: svc},
		Logger:      logging.NewWithWriter(io.Discard, "error"),
		Idempotency: mapStore{},
	})
	s := &testServer{svc: svc, echo: e}

	headers := map[string]string{HeaderUserID: "42", idempotency.HeaderKey: "checkout-1"}
	first := s.do(http.MethodPost, "/checkout", map[string]string{"shipping_address": "x"}, headers)
	second := s.do(http.MethodPost, "/checkout", map[string]string{"shipping_address": "x"}, headers)

	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, svc.checkouts)

	third := s.do(http.MethodPost, "/checkout", map[string]string{"shipping_address": "x"}, asUser)
	require.Equal(t, http.StatusCreated, third.Code)
	assert.Equal(t, 2, svc.checkouts)
}

func TestListOrdersForCaller(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/orders", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodGet, "/orders", nil, asUser)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(42), s.svc.lastUserID)

	var orders []models.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &orders))
	require.Len(t, orders, 2)
	assert.Equal(t, int64(2), orders[0].ID)
}

func TestMetricsUnwrapsHTTPErrors(t *testing.T) {
	m := metrics.New("unwrap", prometheus.NewRegistry())
	e := echo.New()
	e.Use(Metrics(m))
	e.GET("/teapot", func(c echo.Context) error {
		return fmt.Errorf("brew: %w", echo.NewHTTPError(http.StatusTeapot, "short and stout"))
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/teapot", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("/teapot", "418")))
}
