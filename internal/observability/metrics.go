// Package observability exposes the service-wide Prometheus
// instruments as package-level helpers so call sites stay one-liners.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	fusionPassSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fusion_pass_duration_seconds",
			Help:    "Duration of one complete risk fusion pass.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	fusionEdgesUpdated = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fusion_edges_updated",
			Help: "Edges written by the latest fusion pass.",
		},
	)

	fusionFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fusion_global_fallbacks_total",
			Help: "Fused locations without a geocodable coordinate.",
		},
	)

	collectorRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_runs_total",
			Help: "Collection runs by collector and outcome.",
		},
		[]string{"collector", "outcome"},
	)

	collectorSourceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collector_source_latency_seconds",
			Help:    "Latency of one external source fetch.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"source"},
	)

	busDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bus_mailbox_depth",
			Help: "Queued envelopes per agent mailbox.",
		},
		[]string{"agent"},
	)

	busDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_dropped_total",
			Help: "Envelopes shed under mailbox pressure.",
		},
		[]string{"agent"},
	)

	liveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "live_subscribers",
			Help: "Connected broadcast subscribers.",
		},
	)

	routeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "route_requests_total",
			Help: "Route queries by mode and status.",
		},
		[]string{"mode", "status"},
	)

	rasterCacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raster_cache_results_total",
			Help: "Raster tile cache results by outcome.",
		},
		[]string{"outcome"},
	)
)

func ObserveHTTP(method, route string, status int, duration time.Duration) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(duration.Seconds())
}

func ObserveFusionPass(duration time.Duration, edgesUpdated int) {
	fusionPassSeconds.Observe(duration.Seconds())
	fusionEdgesUpdated.Set(float64(edgesUpdated))
}

func IncFusionGlobalFallback() { fusionFallbacksTotal.Inc() }

func ObserveCollectorRun(collector string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	collectorRunsTotal.WithLabelValues(collector, outcome).Inc()
}

func ObserveSourceLatency(source string, duration time.Duration) {
	collectorSourceLatency.WithLabelValues(source).Observe(duration.Seconds())
}

func SetBusDepth(agent string, depth int) {
	busDepth.WithLabelValues(agent).Set(float64(depth))
}

func IncBusDropped(agent string) { busDroppedTotal.WithLabelValues(agent).Inc() }

func SetLiveSubscribers(n int) { liveSubscribers.Set(float64(n)) }

func ObserveRoute(mode, status string) {
	routeRequestsTotal.WithLabelValues(mode, status).Inc()
}

func IncRasterCacheHit()  { rasterCacheResults.WithLabelValues("hit").Inc() }
func IncRasterCacheMiss() { rasterCacheResults.WithLabelValues("miss").Inc() }
