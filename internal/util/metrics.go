package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	}, []string{"status"})

	OrdersDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_dispatched_total",
		Help: "Total number of dispatch passes by resulting order status",
	}, []string{"status"})

	OrdersRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_rejected_total",
		Help: "Total number of orders rejected before creation",
	}, []string{"reason"})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled pending orders",
	})

	DispatchCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_cache_hits_total",
		Help: "Total number of dispatch calls answered from stored content",
	})

	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_latency_seconds",
		Help:    "Latency of a full dispatch pass",
		Buckets: prometheus.DefBuckets,
	})

	InventoryClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_claims_total",
		Help: "Total number of inventory claim attempts",
	}, []string{"result"})

	LedgerMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_mutations_total",
		Help: "Total number of balance ledger mutations",
	}, []string{"kind", "result"})

	ProviderRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_requests_total",
		Help: "Total number of outbound provider calls",
	}, []string{"provider", "op", "result"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provider_request_latency_seconds",
		Help:    "Latency of outbound provider calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "op"})

	LeaseTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lease_transitions_total",
		Help: "Total number of lease status transitions",
	}, []string{"from", "to"})

	LeaseRefundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lease_refunds_total",
		Help: "Total number of refunded lease cancellations",
	})

	LeasesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "leases_active",
		Help: "Number of leases seen by the last monitor pass",
	})

	MonitorPollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "monitor_poll_duration_seconds",
		Help:    "Duration of one lease monitor pass",
		Buckets: prometheus.DefBuckets,
	})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Total number of delivery notifications",
	}, []string{"result"})

	EventsConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_consumed_total",
		Help: "Total number of consumed broker events",
	}, []string{"type", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
