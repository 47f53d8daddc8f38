// Package metrics exposes the in-process Prometheus counters every
// domain service increments, grounded on the teacher's escrow.Metrics
// (a struct of promauto-registered CounterVec/HistogramVec/GaugeVec
// fields with one Record* method per metric) — narrowed here to
// package-level vars since every process runs exactly one of each
// domain service and there's no per-instance metric set to isolate.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_requests_ingested_total",
		Help: "Total panic requests ingested, by service type.",
	}, []string{"service_type"})

	RequestsAllocated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_requests_allocated_total",
		Help: "Total panic requests successfully allocated to a provider or team.",
	}, []string{"service_type"})

	AllocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_allocation_duration_seconds",
		Help:    "Time from ingest to first allocation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"service_type"})

	FinesLevied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abuse_fines_levied_total",
		Help: "Total fines levied for prank accumulation.",
	}, []string{"reason"})

	FineAmountCents = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "abuse_fine_amount_cents",
		Help:    "Distribution of levied fine amounts in cents.",
		Buckets: []float64{5000, 7500, 11250, 16875, 25312, 37968, 50000},
	})

	CreditsPurchased = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subscription_credits_purchased_cents_total",
		Help: "Total credit-purchase amount charged, in cents.",
	}, []string{"firm_id"})

	RateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "httpapi_rate_limit_rejections_total",
		Help: "Total requests rejected by the anonymous-route rate limiter.",
	})
)
