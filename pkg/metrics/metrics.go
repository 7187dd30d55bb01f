// Package metrics provides the Prometheus collectors for crmsync components.
//
// Every method is safe to call on a nil *Metrics, so components can be built
// without instrumentation.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "crmsync"

// Metrics contains all collectors for stores, channels, the timeline and the
// GraphQL client.
type Metrics struct {
	StoreLoads            *prometheus.CounterVec
	StoreRollbacks        *prometheus.CounterVec
	GroupSize             *prometheus.GaugeVec
	ChannelEvents         *prometheus.CounterVec
	ChannelDropped        *prometheus.CounterVec
	SocketReconnects      prometheus.Counter
	TimelineInvalidations *prometheus.CounterVec
	TimelineDuration      prometheus.Histogram
	RequestDuration       *prometheus.HistogramVec
	RequestErrors         *prometheus.CounterVec
	CacheHits             prometheus.Counter
	CacheMisses           prometheus.Counter
	registry              *prometheus.Registry
}

// New creates the collectors and registers them with registry.
func New(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.initMetrics()
	for _, c := range m.collectors() {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register crmsync metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.StoreLoads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_loads_total",
		Help:      "Records merged into entity stores",
	}, []string{"typename"})

	m.StoreRollbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_rollbacks_total",
		Help:      "Optimistic updates restored after a failed save",
	}, []string{"typename"})

	m.GroupSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "group_entries",
		Help:      "Entity stores currently materialized per group",
	}, []string{"typename"})

	m.ChannelEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_events_total",
		Help:      "Events received on real-time channels",
	}, []string{"channel", "action"})

	m.ChannelDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_events_dropped_total",
		Help:      "Events dropped because a subscriber was not keeping up",
	}, []string{"channel"})

	m.SocketReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "socket_reconnects_total",
		Help:      "Successful socket reconnections",
	})

	m.TimelineInvalidations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "timeline_invalidations_total",
		Help:      "Timeline refetches by result",
	}, []string{"result"})

	m.TimelineDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "timeline_invalidation_seconds",
		Help:      "Time spent fetching and dispatching a timeline",
		Buckets:   prometheus.DefBuckets,
	})

	m.RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "graphql_request_seconds",
		Help:      "GraphQL round trip latency per operation",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	m.RequestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "graphql_request_errors_total",
		Help:      "Failed GraphQL requests per operation",
	}, []string{"operation"})

	m.CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "query_cache_hits_total",
		Help:      "Query cache hits",
	})

	m.CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "query_cache_misses_total",
		Help:      "Query cache misses",
	})
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.StoreLoads, m.StoreRollbacks, m.GroupSize,
		m.ChannelEvents, m.ChannelDropped, m.SocketReconnects,
		m.TimelineInvalidations, m.TimelineDuration,
		m.RequestDuration, m.RequestErrors,
		m.CacheHits, m.CacheMisses,
	}
}

// Registry returns the registry the collectors were registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncStoreLoad(typename string) {
	if m == nil {
		return
	}
	m.StoreLoads.WithLabelValues(typename).Inc()
}

func (m *Metrics) IncStoreRollback(typename string) {
	if m == nil {
		return
	}
	m.StoreRollbacks.WithLabelValues(typename).Inc()
}

func (m *Metrics) SetGroupSize(typename string, n int) {
	if m == nil {
		return
	}
	m.GroupSize.WithLabelValues(typename).Set(float64(n))
}

func (m *Metrics) IncChannelEvent(channel, action string) {
	if m == nil {
		return
	}
	m.ChannelEvents.WithLabelValues(channel, action).Inc()
}

func (m *Metrics) IncChannelDropped(channel string) {
	if m == nil {
		return
	}
	m.ChannelDropped.WithLabelValues(channel).Inc()
}

func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.SocketReconnects.Inc()
}

func (m *Metrics) ObserveTimeline(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.TimelineInvalidations.WithLabelValues(result).Inc()
	m.TimelineDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveRequest(operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(operation).Observe(d.Seconds())
	if err != nil {
		m.RequestErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) IncCacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

func (m *Metrics) IncCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}
