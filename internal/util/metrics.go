package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created at checkout",
	})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Total number of order status transitions",
	}, []string{"from", "to"})

	OrderTransitionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_rejected_total",
		Help: "Total number of rejected order status transitions",
	}, []string{"to", "reason"})

	OrdersNeedingAttention = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_needing_attention_total",
		Help: "Paid orders left pending for manual intervention",
	}, []string{"reason"})

	StockDeductLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stock_deduct_latency_seconds",
		Help:    "Latency of order stock deduction",
		Buckets: prometheus.DefBuckets,
	})

	StockMovementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_movements_total",
		Help: "Total number of stock ledger operations",
	}, []string{"operation"})

	InsufficientStockTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "insufficient_stock_total",
		Help: "Total number of deductions rejected for insufficient stock",
	})

	CouponRedemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coupon_redemptions_total",
		Help: "Coupon uses and releases",
	}, []string{"operation"})

	CouponRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coupon_rejections_total",
		Help: "Coupon validation failures by reason",
	}, []string{"reason"})

	PaymentAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of payment attempts",
	}, []string{"gateway"})

	PaymentSuccessTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_success_total",
		Help: "Total number of successful payments",
	})

	PaymentFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_failed_total",
		Help: "Total number of failed payments",
	})

	PaymentRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_retries_total",
		Help: "Total number of payment retry attempts",
	})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_gateway_latency_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"gateway", "operation"})

	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhooks_total",
		Help: "Inbound payment webhooks by outcome",
	}, []string{"outcome"})

	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refunds_total",
		Help: "Total number of refunds",
	}, []string{"kind"})

	RefundsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refunds_failed_total",
		Help: "Refunds rejected by the gateway",
	})

	NotificationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_failed_total",
		Help: "Notification events that could not be published",
	}, []string{"event_type"})

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
