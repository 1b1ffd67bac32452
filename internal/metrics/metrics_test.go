package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesCollectors(t *testing.T) {
	m := New("api", prometheus.NewRegistry())

	m.Checkouts.WithLabelValues("ok").Inc()
	m.StockDeducted.Add(3)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Checkouts.WithLabelValues("ok")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.StockDeducted))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shop_api_checkouts_total")
	assert.Contains(t, rec.Body.String(), "shop_api_stock_units_deducted_total 3")
}
