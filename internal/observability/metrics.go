package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	lifecycleTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernelctl",
			Subsystem: "endpoint",
			Name:      "lifecycle_transitions_total",
			Help:      "Endpoint server lifecycle state transitions.",
		},
		[]string{"endpoint", "state"},
	)
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kernelctl",
			Subsystem: "registry",
			Name:      "loaded_endpoints",
			Help:      "Endpoints currently loaded in the registry.",
		},
	)
	kernelOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernelctl",
			Subsystem: "kernel",
			Name:      "operations_total",
			Help:      "Kernel operations issued against remote servers.",
		},
		[]string{"endpoint", "op", "success"},
	)
	kernelOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kernelctl",
			Subsystem: "kernel",
			Name:      "operation_duration_seconds",
			Help:      "Kernel operation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint", "op", "success"},
	)
	bridgeQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kernelctl",
			Subsystem: "bridge",
			Name:      "queue_depth",
			Help:      "Operations waiting in the async bridge queue.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernelctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kernelctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			lifecycleTransitions,
			activeConnections,
			kernelOps,
			kernelOpDuration,
			bridgeQueueDepth,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordLifecycleTransition(endpoint, state string) {
	RegisterMetrics()
	lifecycleTransitions.WithLabelValues(endpoint, state).Inc()
}

func SetLoadedEndpoints(n int) {
	RegisterMetrics()
	activeConnections.Set(float64(n))
}

func RecordKernelOp(endpoint, op string, duration time.Duration, err error) {
	RegisterMetrics()
	successLabel := strconv.FormatBool(err == nil)
	kernelOps.WithLabelValues(endpoint, op, successLabel).Inc()
	kernelOpDuration.WithLabelValues(endpoint, op, successLabel).Observe(duration.Seconds())
}

func SetBridgeQueueDepth(n int) {
	RegisterMetrics()
	bridgeQueueDepth.Set(float64(n))
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
