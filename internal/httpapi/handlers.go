package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/safar/shop-checkout/internal/events"
	"github.com/safar/shop-checkout/internal/logging"
	"github.com/safar/shop-checkout/internal/models"
	"github.com/safar/shop-checkout/internal/payment"
	"github.com/safar/shop-checkout/internal/shop"
	"github.com/shopspring/decimal"
)

type Service interface {
	CreateUser(ctx context.Context, email, name string) (*models.User, error)
	GetProduct(ctx context.Context, id int64) (*models.Product, error)

	GetCart(ctx context.Context, userID int64) (*models.Cart, error)
	AddToCart(ctx context.Context, userID, productID int64, qty int) (*models.Cart, error)
	UpdateCartItem(ctx context.Context, userID, productID int64, qty int) (*models.Cart, error)
	RemoveFromCart(ctx context.Context, userID, productID int64) (*models.Cart, error)

	Checkout(ctx context.Context, userID int64, shippingAddress string) (*models.Order, error)
	GetOrderForUser(ctx context.Context, userID, orderID int64) (*models.Order, error)
	ListOrders(ctx context.Context, userID int64) ([]models.Order, error)
	Pay(ctx context.Context, userID, orderID int64, method string) (*models.Payment, error)
	Confirm(ctx context.Context, paymentID int64) (*payment.Confirmation, error)

	GetOrder(ctx context.Context, orderID int64) (*models.Order, error)
	OrderEvents(ctx context.Context, orderID int64) ([]events.Envelope, error)
	AdminUpdateStatus(ctx context.Context, orderID int64, rawStatus, tracking string) (*models.Order, error)
	AdminUpsertProduct(ctx context.Context, in shop.ProductInput) (*models.Product, error)
	AdminDeleteProduct(ctx context.Context, id int64) error
}

type Handler struct {
	Svc Service
}

type cartView struct {
	*models.Cart
	Total      decimal.Decimal `json:"total"`
	TotalItems int             `json:"total_items"`
}

func viewCart(cart *models.Cart) cartView {
	if cart.Items == nil {
		cart.Items = []models.CartItem{}
	}
	return cartView{Cart: cart, Total: cart.Total(), TotalItems: cart.TotalItems()}
}

// fail logs a handler error under name and converts it to an HTTP error.
func (h *Handler) fail(c echo.Context, name string, err error) error {
	he := httpError(err)
	l := logging.FromContext(c.Request().Context()).With("handler", name)
	if he.Code >= 500 {
		l.Error(name+"_error", "status", he.Code, "error", err)
	} else {
		l.Warn(name+"_error", "status", he.Code, "error", err)
	}
	return he
}

func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

type createUserRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (h *Handler) CreateUser(c echo.Context) error {
	var req createUserRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	user, err := h.Svc.CreateUser(c.Request().Context(), req.Email, req.Name)
	if err != nil {
		return h.fail(c, "create_user", err)
	}
	return c.JSON(http.StatusCreated, user)
}

func (h *Handler) GetProduct(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}

	product, err := h.Svc.GetProduct(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, "get_product", err)
	}
	return c.JSON(http.StatusOK, product)
}

func (h *Handler) GetCart(c echo.Context) error {
	cart, err := h.Svc.GetCart(c.Request().Context(), userID(c))
	if err != nil {
		return h.fail(c, "get_cart", err)
	}
	return c.JSON(http.StatusOK, viewCart(cart))
}

type addToCartRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  *int  `json:"quantity"`
}

func (h *Handler) AddToCart(c echo.Context) error {
	var req addToCartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	qty := 1
	if req.Quantity != nil {
		qty = *req.Quantity
	}

	cart, err := h.Svc.AddToCart(c.Request().Context(), userID(c), req.ProductID, qty)
	if err != nil {
		return h.fail(c, "add_to_cart", err)
	}
	return c.JSON(http.StatusOK, viewCart(cart))
}

type updateCartItemRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) UpdateCartItem(c echo.Context) error {
	productID, err := pathID(c, "product_id")
	if err != nil {
		return err
	}
	var req updateCartItemRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	cart, err := h.Svc.UpdateCartItem(c.Request().Context(), userID(c), productID, req.Quantity)
	if err != nil {
		return h.fail(c, "update_cart_item", err)
	}
	return c.JSON(http.StatusOK, viewCart(cart))
}

func (h *Handler) RemoveFromCart(c echo.Context) error {
	productID, err := pathID(c, "product_id")
	if err != nil {
		return err
	}

	cart, err := h.Svc.RemoveFromCart(c.Request().Context(), userID(c), productID)
	if err != nil {
		return h.fail(c, "remove_from_cart", err)
	}
	return c.JSON(http.StatusOK, viewCart(cart))
}

type checkoutRequest struct {
	ShippingAddress string `json:"shipping_address"`
}

func (h *Handler) Checkout(c echo.Context) error {
	var req checkoutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	order, err := h.Svc.Checkout(c.Request().Context(), userID(c), req.ShippingAddress)
	if err != nil {
		return h.fail(c, "checkout", err)
	}
	return c.JSON(http.StatusCreated, order)
}

func (h *Handler) ListOrders(c echo.Context) error {
	orders, err := h.Svc.ListOrders(c.Request().Context(), userID(c))
	if err != nil {
		return h.fail(c, "list_orders", err)
	}
	return c.JSON(http.StatusOK, orders)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}

	order, err := h.Svc.GetOrderForUser(c.Request().Context(), userID(c), id)
	if err != nil {
		return h.fail(c, "get_order", err)
	}
	return c.JSON(http.StatusOK, order)
}

type payRequest struct {
	Method string `json:"method"`
}

func (h *Handler) Pay(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req payRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	p, err := h.Svc.Pay(c.Request().Context(), userID(c), id, req.Method)
	if err != nil {
		return h.fail(c, "pay", err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ConfirmPayment(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}

	conf, err := h.Svc.Confirm(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, "confirm_payment", err)
	}
	return c.JSON(http.StatusOK, conf)
}

func (h *Handler) AdminGetOrder(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}

	order, err := h.Svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, "admin_get_order", err)
	}
	return c.JSON(http.StatusOK, order)
}

func (h *Handler) AdminOrderEvents(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}

	evs, err := h.Svc.OrderEvents(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, "admin_order_events", err)
	}
	return c.JSON(http.StatusOK, evs)
}

type updateStatusRequest struct {
	Status         string `json:"status"`
	TrackingNumber string `json:"tracking_number"`
}

func (h *Handler) AdminUpdateStatus(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req updateStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	order, err := h.Svc.AdminUpdateStatus(c.Request().Context(), id, req.Status, req.TrackingNumber)
	if err != nil {
		return h.fail(c, "admin_update_status", err)
	}
	return c.JSON(http.StatusOK, order)
}

func (h *Handler) AdminCreateProduct(c echo.Context) error {
	var in shop.ProductInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	in.ID = 0

	product, err := h.Svc.AdminUpsertProduct(c.Request().Context(), in)
	if err != nil {
		return h.fail(c, "admin_create_product", err)
	}
	return c.JSON(http.StatusCreated, product)
}

func (h *Handler) AdminUpdateProduct(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var in shop.ProductInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	in.ID = id

	product, err := h.Svc.AdminUpsertProduct(c.Request().Context(), in)
	if err != nil {
		return h.fail(c, "admin_update_product", err)
	}
	return c.JSON(http.StatusOK, product)
}

func (h *Handler) AdminDeleteProduct(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}

	if err := h.Svc.AdminDeleteProduct(c.Request().Context(), id); err != nil {
		return h.fail(c, "admin_delete_product", err)
	}
	return c.NoContent(http.StatusNoContent)
}
