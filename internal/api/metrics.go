package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keyhaven_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "keyhaven_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	activeSecretsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keyhaven_active_secrets_total",
		Help: "Number of secret keys with at least one non-deleted version.",
	})

	activeSharesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keyhaven_active_shares_total",
		Help: "Number of active sharing grants.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, activeSecretsTotal, activeSharesTotal)
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// metricsMiddleware records request metrics.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		dur := time.Since(start).Seconds()
		status := strconv.Itoa(rr.statusCode)
		requestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		requestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(dur)
	})
}

// counter is the slice of storage the gauge refresher needs.
type counter interface {
	CountActiveSecrets(ctx context.Context) (int64, error)
	CountActiveShares(ctx context.Context) (int64, error)
}

// refreshGauges polls storage counters until ctx is cancelled.
func refreshGauges(ctx context.Context, store counter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := store.CountActiveSecrets(ctx); err == nil {
				activeSecretsTotal.Set(float64(n))
			} else {
				log.Error().Err(err).Msg("refreshing secret count gauge")
			}
			if n, err := store.CountActiveShares(ctx); err == nil {
				activeSharesTotal.Set(float64(n))
			} else {
				log.Error().Err(err).Msg("refreshing share count gauge")
			}
		}
	}
}
