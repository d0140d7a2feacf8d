// Package metrics holds the prometheus collectors shared by the engine
// components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "brokerd"

type Metrics struct {
	ConnectionStatus  *prometheus.GaugeVec
	Reconnects        *prometheus.CounterVec
	SubscribedTokens  *prometheus.GaugeVec
	ReconcilePasses   prometheus.Counter
	UnassignedTokens  prometheus.Gauge
	TicksReceived     prometheus.Counter
	TicksDropped      *prometheus.CounterVec
	TicksDiscarded    *prometheus.CounterVec
	BusPublishErrors  prometheus.Counter
	OrdersSubmitted   prometheus.Counter
	OrdersRejected    *prometheus.CounterVec
	OrdersFinished    *prometheus.CounterVec
	OrderLatency      prometheus.Histogram
	OrderQueueDepth   prometheus.Gauge
	BreakerState      *prometheus.GaugeVec
	DispatchQueueSize prometheus.GaugeFunc
}

// New creates the collectors and registers them on reg. A nil reg leaves them
// unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_up",
			Help:      "1 when the upstream connection is connected, 0 otherwise.",
		}, []string{"account", "connection"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts per account and outcome.",
		}, []string{"account", "outcome"}),
		SubscribedTokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribed_instruments",
			Help:      "Instruments subscribed per account.",
		}, []string{"account"}),
		ReconcilePasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_passes_total",
			Help:      "Subscription reconcile passes executed.",
		}),
		UnassignedTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unassigned_instruments",
			Help:      "Desired instruments with no capacity left to place them.",
		}),
		TicksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_received_total",
			Help:      "Tick events decoded and sequenced.",
		}),
		TicksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_dropped_total",
			Help:      "Tick events dropped from a full subscriber buffer.",
		}, []string{"subscriber"}),
		TicksDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_discarded_total",
			Help:      "Raw tick payloads discarded before sequencing.",
		}, []string{"reason"}),
		BusPublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_publish_errors_total",
			Help:      "Failed publishes to the pub/sub bus.",
		}),
		OrdersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_submitted_total",
			Help:      "Order tasks accepted into the queue.",
		}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Submissions rejected synchronously.",
		}, []string{"reason"}),
		OrdersFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_finished_total",
			Help:      "Order tasks reaching a terminal state.",
		}, []string{"status"}),
		OrderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_upstream_seconds",
			Help:      "Latency of upstream order placement.",
			Buckets:   prometheus.DefBuckets,
		}),
		OrderQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "order_queue_depth",
			Help:      "Order tasks waiting for a worker.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "0 closed, 1 open, 2 half-open.",
		}, []string{"name"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ConnectionStatus,
			m.Reconnects,
			m.SubscribedTokens,
			m.ReconcilePasses,
			m.UnassignedTokens,
			m.TicksReceived,
			m.TicksDropped,
			m.TicksDiscarded,
			m.BusPublishErrors,
			m.OrdersSubmitted,
			m.OrdersRejected,
			m.OrdersFinished,
			m.OrderLatency,
			m.OrderQueueDepth,
			m.BreakerState,
		)
	}
	return m
}

// RegisterQueueGauge exposes a dispatch queue length read on scrape.
func (m *Metrics) RegisterQueueGauge(reg prometheus.Registerer, depth func() float64) {
	m.DispatchQueueSize = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatch_queue_length",
		Help:      "Messages waiting on the dispatch loop.",
	}, depth)
	if reg != nil {
		reg.MustRegister(m.DispatchQueueSize)
	}
}
