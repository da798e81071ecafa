package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, c prometheus.Counter) float64 {
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	// Arrange
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/tenants/{tenantID}/trades", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	counter := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/tenants/{tenantID}/trades", "418")
	before := value(t, counter)

	// Act
	for _, id := range []string{"1", "2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/tenants/"+id+"/trades", nil))
	}

	// Assert
	assert.Equal(t, before+2, value(t, counter))
}

func TestHandler_ServesRegisteredMetrics(t *testing.T) {
	ReconcileRuns.WithLabelValues("ok").Inc()
	rr := httptest.NewRecorder()

	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "watchbot_reconcile_runs_total")
}
