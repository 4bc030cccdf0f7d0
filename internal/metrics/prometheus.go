package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hamzaKhattat/asterisk-call-checker/pkg/logger"
)

const namespace = "call_checker"

// PrometheusMetrics keeps named vectors on its own registry so several
// instances can coexist in one process.
type PrometheusMetrics struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

func NewPrometheusMetrics() *PrometheusMetrics {
	pm := &PrometheusMetrics{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}

	pm.registerMetrics()

	return pm
}

func (pm *PrometheusMetrics) registerMetrics() {
	// Counters
	pm.counters["connection_checks"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_checks_total",
			Help:      "Connection checks by answer source and result",
		},
		[]string{"source", "result"},
	)

	pm.counters["disconnects"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Disconnect requests by channel source and result",
		},
		[]string{"source", "result"},
	)

	pm.counters["http_requests"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code",
		},
		[]string{"route", "method", "code"},
	)

	pm.counters["agi_requests"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agi_requests_total",
			Help:      "FastAGI requests by action and result",
		},
		[]string{"action", "result"},
	)

	pm.counters["agi_connections_rejected"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agi_connections_rejected_total",
			Help:      "FastAGI connections refused",
		},
		[]string{"reason"},
	)

	// Histograms
	pm.histograms["upstream_request_duration"] = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Telephony server request latency",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"action"},
	)

	pm.histograms["http_request_duration"] = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request processing time",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	pm.histograms["agi_processing_time"] = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agi_processing_seconds",
			Help:      "FastAGI request processing time",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"action"},
	)

	// Gauges
	pm.gauges["mock_entries"] = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mock_entries",
			Help:      "Live entries in the mock store",
		},
		[]string{},
	)

	pm.gauges["upstream_connected"] = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_connected",
			Help:      "1 while logged in to the telephony server",
		},
		[]string{},
	)

	pm.gauges["agi_connections_active"] = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agi_connections_active",
			Help:      "Open FastAGI sessions",
		},
		[]string{},
	)

	for _, counter := range pm.counters {
		pm.registry.MustRegister(counter)
	}
	for _, histogram := range pm.histograms {
		pm.registry.MustRegister(histogram)
	}
	for _, gauge := range pm.gauges {
		pm.registry.MustRegister(gauge)
	}

	pm.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func (pm *PrometheusMetrics) IncrementCounter(name string, labels map[string]string) {
	if counter, exists := pm.counters[name]; exists {
		counter.With(prometheus.Labels(labels)).Inc()
	}
}

func (pm *PrometheusMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	if histogram, exists := pm.histograms[name]; exists {
		histogram.With(prometheus.Labels(labels)).Observe(value)
	}
}

func (pm *PrometheusMetrics) SetGauge(name string, value float64, labels map[string]string) {
	if gauge, exists := pm.gauges[name]; exists {
		if labels == nil {
			labels = make(map[string]string)
		}
		gauge.With(prometheus.Labels(labels)).Set(value)
	}
}

// Registry exposes the underlying registry, mostly for tests.
func (pm *PrometheusMetrics) Registry() *prometheus.Registry {
	return pm.registry
}

// Handler serves this instance's registry in the exposition format.
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// ServeHTTP runs a dedicated metrics listener. It blocks like
// http.ListenAndServe.
func (pm *PrometheusMetrics) ServeHTTP(port int, path string) error {
	if path == "" {
		path = "/metrics"
	}

	router := mux.NewRouter()
	router.Handle(path, pm.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.WithField("addr", server.Addr).Info("Metrics server started")
	return server.ListenAndServe()
}
