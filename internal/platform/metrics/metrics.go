// Package metrics holds the Prometheus collectors of the surveillance
// service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Allocation outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeExhausted = "exhausted"
	OutcomeError     = "error"
)

// Collector groups the service metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	registry *prometheus.Registry

	allocations     *prometheus.CounterVec
	probeSteps      prometheus.Histogram
	idConflicts     prometheus.Counter
	degradedScans   *prometheus.CounterVec
	episodeWrites   *prometheus.CounterVec
	episodeDuration *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// NewCollector registers all collectors on a fresh registry, together with
// the Go runtime and process collectors.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		allocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "allocator",
			Name:      "allocations_total",
			Help:      "Surveillance id allocations by outcome.",
		}, []string{"outcome"}),
		probeSteps: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "allocator",
			Name:      "probe_steps",
			Help:      "Candidates examined before a free surveillance id was found.",
			Buckets:   []float64{1, 2, 3, 5, 10, 25, 50, 100},
		}),
		idConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "allocator",
			Name:      "id_conflicts_total",
			Help:      "Metadata inserts rejected by the surveillance_id unique constraint.",
		}),
		degradedScans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "allocator",
			Name:      "degraded_scans_total",
			Help:      "Table scans that failed and were treated as empty.",
		}, []string{"table"}),
		episodeWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "episodes",
			Name:      "writes_total",
			Help:      "Episode writes by operation and outcome.",
		}, []string{"op", "outcome"}),
		episodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "episodes",
			Name:      "write_duration_seconds",
			Help:      "Duration of episode write transactions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "episodes",
			Name:      "cache_lookups_total",
			Help:      "Episode view cache lookups by result.",
		}, []string{"result"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry exposes the underlying registry for tests and custom exporters.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) ObserveAllocation(outcome string, steps int) {
	if c == nil {
		return
	}
	c.allocations.WithLabelValues(outcome).Inc()
	if outcome == OutcomeOK {
		c.probeSteps.Observe(float64(steps))
	}
}

func (c *Collector) IDConflict() {
	if c == nil {
		return
	}
	c.idConflicts.Inc()
}

func (c *Collector) DegradedScan(table string) {
	if c == nil {
		return
	}
	c.degradedScans.WithLabelValues(table).Inc()
}

// ObserveWrite records one episode write. A nil err counts as success.
func (c *Collector) ObserveWrite(op string, start time.Time, err error) {
	if c == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.episodeWrites.WithLabelValues(op, outcome).Inc()
	c.episodeDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (c *Collector) CacheLookup(result string) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// Middleware records request count and latency per matched route.
func (c *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			if c == nil {
				return next(ctx)
			}
			start := time.Now()
			err := next(ctx)

			status := ctx.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := ctx.Path()
			if route == "" {
				route = "unmatched"
			}
			method := ctx.Request().Method
			c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			c.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
