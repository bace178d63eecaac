package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhooksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_received_total",
		Help: "Total number of verified webhook events by type",
	}, []string{"event_type"})

	WebhookSignatureFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_signature_failures_total",
		Help: "Total number of webhook requests rejected for a bad signature",
	})

	OrdersSettledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_settled_total",
		Help: "Total number of orders created from confirmed charges",
	})

	DuplicateChargesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duplicate_charges_total",
		Help: "Total number of webhook deliveries skipped as already settled",
	})

	SettlementFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_failed_total",
		Help: "Total number of settlement attempts that errored",
	}, []string{"reason"})

	MalformedEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_events_total",
		Help: "Total number of confirmed charges with unusable metadata",
	})

	MissingProductFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "missing_product_fallbacks_total",
		Help: "Total number of line items settled with the zero fallback price",
	})

	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_latency_seconds",
		Help:    "Latency of confirmed-charge settlement",
		Buckets: prometheus.DefBuckets,
	})

	StockIntentsReconciled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_intents_reconciled_total",
		Help: "Total number of stock intents applied by the reconcile worker",
	})

	StockReconcileFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_reconcile_failed_total",
		Help: "Total number of stock intent reconcile attempts that errored",
	})

	GoldPriceFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gold_price_fetch_failures_total",
		Help: "Total number of spot price fetches that fell back to the static price",
	})

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
