package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scan_requests_total",
		Help: "HTTP requests served, by node and status code.",
	}, []string{"node", "code"})

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scan_errors_total",
		Help: "HTTP requests answered with a server error, by node.",
	}, []string{"node"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scan_duration_seconds",
		Help:    "Request handling time, dominated by instrument IO.",
		Buckets: prometheus.DefBuckets,
	}, []string{"node"})
)

func registerMetrics() {
	prometheus.MustRegister(
		requestsTotal,
		errorsTotal,
		requestDuration,
	)
}

// instrumented wraps a node's handler with the scan request metrics.
func instrumented(node string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		requestsTotal.WithLabelValues(node, strconv.Itoa(code)).Inc()
		if code >= http.StatusInternalServerError {
			errorsTotal.WithLabelValues(node).Inc()
		}
		requestDuration.WithLabelValues(node).Observe(time.Since(start).Seconds())
	})
}
