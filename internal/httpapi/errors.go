package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/safar/shop-checkout/internal/database"
)

// httpError maps a service error to the response the client sees. Internal
// failures are reported without detail.
func httpError(err error) *echo.HTTPError {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	var short *database.InsufficientStockError
	if errors.As(err, &short) {
		return echo.NewHTTPError(http.StatusConflict, map[string]any{
			"message":    short.Error(),
			"product_id": short.ProductID,
			"available":  short.Available,
			"requested":  short.Requested,
		})
	}

	switch {
	case errors.Is(err, database.ErrUserNotFound),
		errors.Is(err, database.ErrProductNotFound),
		errors.Is(err, database.ErrOrderNotFound),
		errors.Is(err, database.ErrPaymentNotFound),
		errors.Is(err, database.ErrCartNotFound),
		errors.Is(err, database.ErrCartItemNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())

	case errors.Is(err, database.ErrInvalidInput),
		errors.Is(err, database.ErrInvalidStatus):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())

	case errors.Is(err, database.ErrEmptyCart),
		errors.Is(err, database.ErrTrackingRequired),
		errors.Is(err, database.ErrProductInactive):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())

	case errors.Is(err, database.ErrInsufficientStock),
		errors.Is(err, database.ErrInvalidTransition),
		errors.Is(err, database.ErrOrderNotPayable),
		errors.Is(err, database.ErrConcurrentModification):
		return echo.NewHTTPError(http.StatusConflict, err.Error())

	case errors.Is(err, database.ErrLockTimeout):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "resource busy, retry later")
	}

	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
