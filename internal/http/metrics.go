package http

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dropDatabas3/nrtmkeys/internal/metrics"
)

var (
	metricsOnce sync.Once

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpInflight        prometheus.Gauge
)

// RegisterMetrics inicializa las métricas HTTP junto con las de rotación y
// raft en reg (el default si es nil) y devuelve el handler de /metrics.
func RegisterMetrics(reg *prometheus.Registry) (http.Handler, error) {
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer, gatherer = reg, reg
	}

	metricsOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nrtmkeys_http_requests_total",
			Help: "Número total de requests procesadas",
		}, []string{"method", "route", "status"})

		httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nrtmkeys_http_request_duration_seconds",
			Help:    "Latencia de los requests HTTP",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"})

		httpInflight = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nrtmkeys_http_inflight_requests",
			Help: "Requests en vuelo",
		})
	})
	for _, c := range []prometheus.Collector{httpRequestsTotal, httpRequestDuration, httpInflight} {
		if err := registerCollector(registerer, c); err != nil {
			return nil, err
		}
	}
	if err := metrics.RegisterRotation(registerer); err != nil {
		return nil, err
	}
	if err := metrics.RegisterRaft(registerer); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}), nil
}

// WithMetrics instrumenta requests. La ruta se etiqueta con el patrón de chi
// para no explotar la cardinalidad con valores de {source}.
func WithMetrics(next http.Handler) http.Handler {
	if httpRequestsTotal == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := strings.ToUpper(r.Method)
		httpInflight.Inc()
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		defer func() {
			httpInflight.Dec()
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			httpRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
		}()
		next.ServeHTTP(rec, r)
	})
}

// registerCollector registra el collector ignorando duplicados.
func registerCollector(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return nil
		}
		return err
	}
	return nil
}
