package idempotency

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/safar/shop-checkout/internal/logging"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"
)

// Middleware stores the first successful response for each Idempotency-Key
// and replays it for repeated requests. scope separates keys of different
// callers, typically by user id. Requests without the header pass through.
// Failed responses and panics release the key, so the client may retry with
// the same key.
// When the store is unreachable requests are served without replay
// protection.
func Middleware(store Store, scope func(echo.Context) string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(HeaderKey)
			if header == "" {
				return next(c)
			}

			ctx := c.Request().Context()
			l := logging.FromContext(ctx)
			key := scope(c) + ":" + c.Request().Method + ":" + c.Request().URL.Path + ":" + header

			stored, err := store.Begin(ctx, key)
			switch {
			case errors.Is(err, ErrInFlight):
				return echo.NewHTTPError(http.StatusConflict, "request with this idempotency key is in progress")
			case err != nil:
				l.Warn("idempotency_store_unavailable", "error", err)
				return next(c)
			case stored != nil:
				c.Response().Header().Set(HeaderReplayed, "true")
				return c.Blob(stored.Status, stored.ContentType, stored.Body)
			}

			settled := false
			defer func() {
				if settled {
					return
				}
				if abortErr := store.Abort(ctx, key); abortErr != nil {
					l.Warn("idempotency_abort_failed", "error", abortErr)
				}
			}()

			rec := &recorder{ResponseWriter: c.Response().Writer}
			c.Response().Writer = rec

			if err := next(c); err != nil {
				return err
			}

			status := c.Response().Status
			if status < 200 || status >= 300 {
				return nil
			}

			resp := Response{
				Status:      status,
				ContentType: c.Response().Header().Get(echo.HeaderContentType),
				Body:        rec.body.Bytes(),
			}
			settled = true
			if err := store.Complete(ctx, key, resp); err != nil {
				l.Warn("idempotency_complete_failed", "error", err)
			}
			return nil
		}
	}
}

type recorder struct {
	http.ResponseWriter
	body bytes.Buffer
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *recorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *recorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(r.ResponseWriter).Hijack()
}
