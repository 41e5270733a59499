package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	registers       *prometheus.CounterVec
	stockCache      *prometheus.CounterVec
	writeBack       *prometheus.CounterVec
}

// NewMetrics initialises the registry with HTTP, ledger and runtime collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shop_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shop_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	registers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shop_ledger_registers_total",
		Help: "Registers created or removed, by operation.",
	}, []string{"op"})
	stockCache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shop_ledger_stock_cache_total",
		Help: "On-hand cache lookups by result.",
	}, []string{"result"})
	writeBack := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shop_ledger_writeback_total",
		Help: "Product reference write-back attempts by result.",
	}, []string{"result"})
	registry.MustRegister(requests, duration, registers, stockCache, writeBack,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		registers:       registers,
		stockCache:      stockCache,
		writeBack:       writeBack,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and latency per route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for component specific collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// Registers counts Register rows created ("register") or removed ("unregister").
func (m *Metrics) Registers(op string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.registers.WithLabelValues(op).Add(float64(n))
}

// StockCache counts cache lookups: hit, miss or error.
func (m *Metrics) StockCache(result string) {
	if m == nil {
		return
	}
	m.stockCache.WithLabelValues(result).Inc()
}

// WriteBack counts write-back outcomes.
func (m *Metrics) WriteBack(result string) {
	if m == nil {
		return
	}
	m.writeBack.WithLabelValues(result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
