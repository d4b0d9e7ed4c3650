package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	linkEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "repsense",
			Subsystem: "link",
			Name:      "events_total",
			Help:      "BLE link events by kind.",
		},
		[]string{"kind"},
	)
	linkConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "repsense",
			Subsystem: "link",
			Name:      "connected",
			Help:      "1 while the sensor is connected.",
		},
	)
	decodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "repsense",
			Subsystem: "link",
			Name:      "decode_errors_total",
			Help:      "Framed messages that were not valid readings.",
		},
	)
	repEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "repsense",
			Subsystem: "reps",
			Name:      "events_total",
			Help:      "Rep counter events by kind and exercise.",
		},
		[]string{"kind", "exercise"},
	)
	repCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "repsense",
			Subsystem: "reps",
			Name:      "count",
			Help:      "Current rep count.",
		},
		[]string{"exercise"},
	)
	confidence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "repsense",
			Subsystem: "reps",
			Name:      "confidence",
			Help:      "Latest confidence for the target exercise.",
		},
		[]string{"exercise"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "repsense",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "repsense",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	wsClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "repsense",
			Subsystem: "http",
			Name:      "websocket_clients",
			Help:      "Connected websocket clients.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			linkEvents, linkConnected, decodeErrors,
			repEvents, repCount, confidence,
			httpRequests, httpDuration, wsClients,
		)
	})
}

func RecordLinkEvent(kind string) {
	RegisterMetrics()
	linkEvents.WithLabelValues(kind).Inc()
}

func SetConnected(connected bool) {
	RegisterMetrics()
	if connected {
		linkConnected.Set(1)
		return
	}
	linkConnected.Set(0)
}

func RecordDecodeError() {
	RegisterMetrics()
	decodeErrors.Inc()
}

// RecordRepEvent counts a counter event. Status events only refresh the
// confidence and count gauges.
func RecordRepEvent(kind, exercise string, count int, conf float64) {
	RegisterMetrics()
	repCount.WithLabelValues(exercise).Set(float64(count))
	if kind == "status" {
		confidence.WithLabelValues(exercise).Set(conf)
		return
	}
	repEvents.WithLabelValues(kind, exercise).Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func SetWebsocketClients(n int) {
	RegisterMetrics()
	wsClients.Set(float64(n))
}
