// Package metrics holds the Prometheus collector shared by the API, hub,
// gateway, store and consistency monitor. Each Collector owns its registry so
// tests and multiple servers in one process never share series.
package metrics

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "syncline"

type Collector struct {
	registry *prometheus.Registry

	apiRequestDuration  *prometheus.HistogramVec
	eventLatency        *prometheus.HistogramVec
	eventsPublished     *prometheus.CounterVec
	consistencyFailures *prometheus.CounterVec
	syncFailures        *prometheus.CounterVec
	lockWait            *prometheus.HistogramVec
	sessionsClosed      *prometheus.CounterVec
	sessions            prometheus.Gauge
	staleSessionRatio   prometheus.Gauge
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		apiRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "REST request latency by method, route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		eventLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_delivery_latency_ms",
			Help:      "Milliseconds between an event occurring and its fan-out to a session.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"module"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events appended to the realtime replay log.",
		}, []string{"module"}),
		consistencyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cross_view_consistency_failures_total",
			Help:      "Consistency warnings raised by module.",
		}, []string{"module"}),
		syncFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_failures_total",
			Help:      "Projection sync failures by module.",
		}, []string{"module"}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sqlite_write_lock_wait_seconds",
			Help:      "Time spent backing off on SQLite lock contention.",
			Buckets:   []float64{0.025, 0.05, 0.1, 0.2, 0.4, 0.8, 1.6},
		}, []string{"operation"}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_sessions_closed_total",
			Help:      "Realtime sessions closed by reason.",
		}, []string{"reason"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_sessions",
			Help:      "Open realtime sessions.",
		}),
		staleSessionRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_stale_session_ratio",
			Help:      "Fraction of open sessions with at least one stale topic.",
		}),
	}
	c.registry.MustRegister(
		c.apiRequestDuration,
		c.eventLatency,
		c.eventsPublished,
		c.consistencyFailures,
		c.syncFailures,
		c.lockWait,
		c.sessionsClosed,
		c.sessions,
		c.staleSessionRatio,
		collectors.NewGoCollector(),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector in the Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ObserveAPIRequest(method, route string, status int, d time.Duration) {
	c.apiRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

func (c *Collector) ObserveEventLatency(module string, ms float64) {
	c.eventLatency.WithLabelValues(module).Observe(ms)
}

func (c *Collector) IncEventsPublished(module string) {
	c.eventsPublished.WithLabelValues(module).Inc()
}

func (c *Collector) IncConsistencyFailure(module string) {
	c.consistencyFailures.WithLabelValues(module).Inc()
}

func (c *Collector) IncSyncFailure(module string) {
	c.syncFailures.WithLabelValues(module).Inc()
}

func (c *Collector) ObserveLockWait(operation string, d time.Duration) {
	c.lockWait.WithLabelValues(operation).Observe(d.Seconds())
}

func (c *Collector) IncSessionsClosed(reason string) {
	c.sessionsClosed.WithLabelValues(reason).Inc()
}

func (c *Collector) SetSessions(n int) {
	c.sessions.Set(float64(n))
}

func (c *Collector) SetStaleSessionRatio(r float64) {
	c.staleSessionRatio.Set(r)
}

// Reset clears every series.
func (c *Collector) Reset() {
	c.apiRequestDuration.Reset()
	c.eventLatency.Reset()
	c.eventsPublished.Reset()
	c.consistencyFailures.Reset()
	c.syncFailures.Reset()
	c.lockWait.Reset()
	c.sessionsClosed.Reset()
	c.sessions.Set(0)
	c.staleSessionRatio.Set(0)
}

// Flush logs a one-line summary per metric family, used on shutdown.
func (c *Collector) Flush(logger *slog.Logger) {
	families, err := c.registry.Gather()
	if err != nil {
		logger.Warn("gather metrics", "err", err)
		return
	}
	for _, mf := range families {
		if mf.GetName() == "" || len(mf.GetMetric()) == 0 {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
		if strings.HasPrefix(mf.GetName(), namespace+"_") {
			logger.Info("metric summary", "name", mf.GetName(), "series", len(mf.GetMetric()), "value", total)
		}
	}
}
