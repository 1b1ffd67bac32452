package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/safar/shop-checkout/internal/idempotency"
	"github.com/safar/shop-checkout/internal/metrics"
)

type Deps struct {
	Handler *Handler
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Idempotency is optional; without it Idempotency-Key headers are ignored.
	Idempotency idempotency.Store
	// Ready reports whether dependencies such as the database are reachable.
	Ready func(ctx context.Context) error
}

func NewRouter(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	if d.Metrics != nil {
		e.Use(Metrics(d.Metrics))
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e.Use(RequestLogger(logger))

	Register(e, d)
	return e
}

func Register(e *echo.Echo, d Deps) {
	h := d.Handler

	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/ready", func(c echo.Context) error {
		if d.Ready != nil {
			if err := d.Ready(c.Request().Context()); err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "not ready")
			}
		}
		return c.NoContent(http.StatusOK)
	})
	if d.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(d.Metrics.Handler()))
	}

	idem := func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	if d.Idempotency != nil {
		idem = idempotency.Middleware(d.Idempotency, userScope)
	}

	e.POST("/users", h.CreateUser)
	e.GET("/products/:id", h.GetProduct)

	e.GET("/cart", h.GetCart, RequireUser)
	e.POST("/cart/items", h.AddToCart, RequireUser)
	e.PUT("/cart/items/:product_id", h.UpdateCartItem, RequireUser)
	e.DELETE("/cart/items/:product_id", h.RemoveFromCart, RequireUser)
	e.POST("/checkout", h.Checkout, RequireUser, idem)
	e.GET("/orders", h.ListOrders, RequireUser)
	e.GET("/orders/:id", h.GetOrder, RequireUser)
	e.POST("/orders/:id/pay", h.Pay, RequireUser, idem)

	// Called by the payment provider integration or an operator.
	e.POST("/payments/:id/confirm", h.ConfirmPayment, RequireRole("payment", "admin"))

	admin := e.Group("/admin", RequireRole("admin"))
	admin.GET("/orders/:id", h.AdminGetOrder)
	admin.GET("/orders/:id/events", h.AdminOrderEvents)
	admin.PATCH("/orders/:id/status", h.AdminUpdateStatus)
	admin.POST("/products", h.AdminCreateProduct)
	admin.PUT("/products/:id", h.AdminUpdateProduct)
	admin.DELETE("/products/:id", h.AdminDeleteProduct)
}
