// Package metrics exposes Prometheus collectors for jobs and the HTTP API.
package metrics

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "georeg",
		Subsystem: "jobs",
		Name:      "total",
		Help:      "Finished jobs by type and status",
	}, []string{"type", "status"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "georeg",
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Job wall time in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 180, 600},
	}, []string{"type"})

	JobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "georeg",
		Subsystem: "jobs",
		Name:      "in_flight",
		Help:      "Jobs currently being processed",
	})

	ShiftMagnitude = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "georeg",
		Subsystem: "register",
		Name:      "shift_pixels",
		Help:      "Euclidean length of estimated shifts in pixels",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32},
	})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "georeg",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route",
	}, []string{"path"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "georeg",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds",
	}, []string{"path"})
)

// ObserveJob records a finished job.
func ObserveJob(jobType, status string, d time.Duration) {
	JobsTotal.WithLabelValues(jobType, status).Inc()
	JobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

// Middleware counts and times requests labelled by their mux route template
// so path parameters do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		httpDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
		httpRequests.WithLabelValues(path).Inc()
	})
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
