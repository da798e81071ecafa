// Package metrics provides Prometheus instrumentation for the bot.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ReconcileRuns counts reconciliation passes by outcome.
	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchbot_reconcile_runs_total",
		Help: "Reconciliation passes by outcome",
	}, []string{"outcome"})

	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "watchbot_reconcile_duration_seconds",
		Help:    "Duration of reconciliation passes that acquired the tenant guard",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// TradingEvents counts inferred events by kind.
	TradingEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchbot_trading_events_total",
		Help: "Trading events inferred from balance changes",
	}, []string{"kind"})

	// DataCorruption counts assets skipped because a derived value was invalid.
	DataCorruption = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchbot_data_corruption_total",
		Help: "Assets skipped because of invalid prices or quantities",
	})

	OracleRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchbot_oracle_refreshes_total",
		Help: "Price cache refreshes by result",
	}, []string{"result"})

	// Notifications counts notifier outcomes: sent, failed, dropped, suppressed.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchbot_notifications_total",
		Help: "Notification outcomes",
	}, []string{"result"})

	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchbot_job_runs_total",
		Help: "Scheduled job runs per tenant by result",
	}, []string{"job", "result"})

	AlertsTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchbot_alerts_triggered_total",
		Help: "Price alerts that fired",
	})

	UserStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watchbot_user_streams",
		Help: "Running exchange user data streams",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchbot_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "watchbot_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request metrics labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
