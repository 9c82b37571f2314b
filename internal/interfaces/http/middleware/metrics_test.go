package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(t.Context(), &rm))

	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestHTTPMetrics(t *testing.T) {
	t.Run("counts requests by route and status", func(t *testing.T) {
		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		t.Cleanup(func() { _ = mp.Shutdown(t.Context()) })

		mw, err := HTTPMetrics(HTTPMetricsConfig{Meter: mp.Meter("test"), Enabled: true})
		require.NoError(t, err)

		engine := gin.New()
		engine.Use(mw)
		engine.GET("/api/v1/installments/:id", func(c *gin.Context) {
			if c.Param("id") == "missing" {
				c.Status(http.StatusNotFound)
				return
			}
			c.Status(http.StatusOK)
		})

		for _, id := range []string{"a", "b", "missing"} {
			engine.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/installments/"+id, nil))
		}
		engine.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

		data := collectMetrics(t, reader)
		total, ok := data["http_server_request_total"].(metricdata.Sum[int64])
		require.True(t, ok)

		counts := map[string]int64{}
		for _, dp := range total.DataPoints {
			route, _ := dp.Attributes.Value(attribute.Key("route"))
			status, _ := dp.Attributes.Value(attribute.Key("status_code"))
			counts[route.AsString()+" "+status.AsString()] += dp.Value
		}
		assert.Equal(t, map[string]int64{
			"/api/v1/installments/:id 200": 2,
			"/api/v1/installments/:id 404": 1,
			"unmatched 404":                1,
		}, counts)

		duration, ok := data["http_server_request_duration_seconds"].(metricdata.Histogram[float64])
		require.True(t, ok)
		var observed uint64
		for _, dp := range duration.DataPoints {
			observed += dp.Count
		}
		assert.Equal(t, uint64(4), observed)

		active, ok := data["http_server_active_requests"].(metricdata.Sum[int64])
		require.True(t, ok)
		for _, dp := range active.DataPoints {
			assert.Zero(t, dp.Value, "no request left in flight")
		}
	})

	t.Run("disabled without a meter", func(t *testing.T) {
		mw, err := HTTPMetrics(HTTPMetricsConfig{Enabled: true})
		require.NoError(t, err)

		engine := gin.New()
		engine.Use(mw)
		engine.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
