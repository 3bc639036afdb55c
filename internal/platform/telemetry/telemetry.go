// Package telemetry wires Prometheus metrics and OpenTelemetry tracing for
// the feasibility service. Components receive a *Provider and record
// through its helpers; a nil *Provider records nothing.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds the telemetry settings.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// RegisterRuntime adds the Go runtime and process collectors.
	RegisterRuntime bool
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "feasibility"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
}

// defaultDurationBuckets are the histogram bucket boundaries in seconds.
var defaultDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0,
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// Provider owns the metric registry and the tracer.
type Provider struct {
	cfg      Config
	registry *prometheus.Registry
	tracer   trace.Tracer

	searchPages    *prometheus.CounterVec
	searchDuration *prometheus.HistogramVec
	searchIDs      *prometheus.CounterVec

	cacheLookups   *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	cacheEntries   prometheus.Gauge

	evaluations        *prometheus.CounterVec
	evaluationDuration prometheus.Histogram

	poolWorkers prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewProvider creates a Provider with its own registry. The tracer comes
// from the global OpenTelemetry provider, which is a no-op until an SDK is
// installed.
func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()

	p := &Provider{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		tracer:   otel.Tracer(cfg.ServiceName, trace.WithInstrumentationVersion(cfg.ServiceVersion)),

		searchPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feasibility_search_pages_total",
			Help: "Search result pages requested from the FHIR server",
		}, []string{"resource_type", "status"}),
		searchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "feasibility_search_page_duration_seconds",
			Help:    "Latency of a single search page request",
			Buckets: defaultDurationBuckets,
		}, []string{"resource_type"}),
		searchIDs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feasibility_search_patient_ids_total",
			Help: "Patient identifiers extracted from search results",
		}, []string{"resource_type"}),

		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feasibility_cache_lookups_total",
			Help: "Result cache lookups by outcome",
		}, []string{"result"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feasibility_cache_evictions_total",
			Help: "Result cache entries removed by reason",
		}, []string{"reason"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feasibility_cache_entries",
			Help: "Entries currently held in the in-memory result cache",
		}),

		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feasibility_evaluations_total",
			Help: "Patient count evaluations by outcome",
		}, []string{"outcome"}),
		evaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feasibility_evaluation_duration_seconds",
			Help:    "End-to-end latency of a patient count evaluation",
			Buckets: defaultDurationBuckets,
		}),

		poolWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feasibility_pool_workers",
			Help: "Live workers in the fetch pool",
		}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feasibility_http_requests_total",
			Help: "HTTP requests served",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "feasibility_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: defaultDurationBuckets,
		}, []string{"method", "route"}),
	}

	p.registry.MustRegister(
		p.searchPages, p.searchDuration, p.searchIDs,
		p.cacheLookups, p.cacheEvictions, p.cacheEntries,
		p.evaluations, p.evaluationDuration,
		p.poolWorkers,
		p.httpRequests, p.httpDuration,
	)
	if cfg.RegisterRuntime {
		p.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return p
}

// Registry exposes the underlying registry, mainly for tests.
func (p *Provider) Registry() *prometheus.Registry {
	if p == nil {
		return nil
	}
	return p.registry
}

// Tracer returns the provider's tracer, or the global one for a nil provider.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return otel.Tracer("feasibility")
	}
	return p.tracer
}

// ---------------------------------------------------------------------------
// Recording helpers
// ---------------------------------------------------------------------------

// ObserveSearchPage records one page request.
func (p *Provider) ObserveSearchPage(resourceType string, status int, d time.Duration) {
	if p == nil {
		return
	}
	p.searchPages.WithLabelValues(resourceType, statusLabel(status)).Inc()
	p.searchDuration.WithLabelValues(resourceType).Observe(d.Seconds())
}

// AddSearchIDs counts identifiers extracted from a page.
func (p *Provider) AddSearchIDs(resourceType string, n int) {
	if p == nil || n <= 0 {
		return
	}
	p.searchIDs.WithLabelValues(resourceType).Add(float64(n))
}

// CacheLookup records a hit or a miss.
func (p *Provider) CacheLookup(hit bool) {
	if p == nil {
		return
	}
	if hit {
		p.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	p.cacheLookups.WithLabelValues("miss").Inc()
}

// CacheEvicted records n removed entries. Reason is one of "size",
// "expired" or "cleared".
func (p *Provider) CacheEvicted(reason string, n int) {
	if p == nil || n <= 0 {
		return
	}
	p.cacheEvictions.WithLabelValues(reason).Add(float64(n))
}

// CacheSize sets the current entry count.
func (p *Provider) CacheSize(n int) {
	if p == nil {
		return
	}
	p.cacheEntries.Set(float64(n))
}

// ObserveEvaluation records the outcome of one count evaluation.
func (p *Provider) ObserveEvaluation(err error, d time.Duration) {
	if p == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.evaluations.WithLabelValues(outcome).Inc()
	p.evaluationDuration.Observe(d.Seconds())
}

// PoolWorkers sets the live worker count.
func (p *Provider) PoolWorkers(n int) {
	if p == nil {
		return
	}
	p.poolWorkers.Set(float64(n))
}

// EndSpan records err on span and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func statusLabel(status int) string {
	if status == 0 {
		return "error"
	}
	return strconv.Itoa(status)
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// Middleware returns an Echo middleware that opens a server span and records
// request metrics for every request.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if p == nil {
				return next(c)
			}
			req := c.Request()
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}

			ctx, span := p.tracer.Start(req.Context(), "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", route),
				))
			c.SetRequest(req.WithContext(ctx))

			start := time.Now()
			err := next(c)
			if err != nil {
				// let the error handler write the status before it is recorded
				c.Error(err)
			}
			status := c.Response().Status

			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
			span.End()

			p.httpRequests.WithLabelValues(req.Method, route, strconv.Itoa(status)).Inc()
			p.httpDuration.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// Handler serves the registry in Prometheus exposition format.
func (p *Provider) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}
