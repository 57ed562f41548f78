// Package metrics defines the bridge's prometheus instrumentation: one
// promauto var block per concern, all under the bridge_ prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ManagerHTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_manager_http_requests_total",
		Help: "Total Manager HTTP fetches by endpoint and outcome",
	}, []string{"endpoint", "outcome"})

	ManagerHTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bridge_manager_http_latency_seconds",
		Help:    "Manager HTTP fetch latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	CacheBackendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bridge_cache_backend_latency_seconds",
		Help:    "Definition cache backend call latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "op"})

	InstanceHTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_instance_http_requests_total",
		Help: "Total Instance status HTTP fetches by outcome",
	}, []string{"outcome"})

	InstancesRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_instances_registered",
		Help: "Current number of registered Instances",
	})

	InstancesConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_instances_connected",
		Help: "Current number of Instances with a Connected control transport",
	})

	PrimaryTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_primary_transitions_total",
		Help: "Total effective-primary transitions by selection reason",
	}, []string{"reason"})

	SplitBrainDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_split_brain_detected_total",
		Help: "Total selector runs that observed more than one Instance reporting primary",
	})

	CacheWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_cache_writes_total",
		Help: "Total definition cache writes (blob changed)",
	})

	CacheLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_cache_loads_total",
		Help: "Total cache load attempts by outcome",
	}, []string{"outcome"})

	ManagerReachable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_manager_reachable",
		Help: "1 if the last Manager poll succeeded, 0 otherwise",
	})

	ReconnectsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_reconnects_scheduled_total",
		Help: "Total reconnect timers scheduled across all Instances",
	})

	PongTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_pong_timeouts_total",
		Help: "Total heartbeat pong-deadline expirations",
	})
)
