package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reasons an inbound message is not delivered.
const (
	DropUnroutable   = "unroutable"
	DropStale        = "stale"
	DropNoDispatcher = "no_dispatcher"
	DropSlowRelay    = "slow_relay"
)

// Publish outcomes.
const (
	PublishOK       = "ok"
	PublishNotFound = "not_found"
	PublishError    = "error"
)

const namespace = "mqtt_gateway"

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	Attaches            prometheus.Counter
	Detaches            prometheus.Counter
	SubscribeFailures   prometheus.Counter
	UnsubscribeFailures prometheus.Counter
	Publishes           *prometheus.CounterVec
	Dropped             *prometheus.CounterVec
	Dispatched          prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// yields working collectors that are not exported anywhere.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions with at least one attached relay connection.",
		}),
		Attaches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_attaches_total",
			Help:      "Relay connections newly attached to a session.",
		}),
		Detaches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_detaches_total",
			Help:      "Relay connections detached from a session.",
		}),
		SubscribeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribe_failures_total",
			Help:      "Broker subscribe calls that failed during session activation.",
		}),
		UnsubscribeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unsubscribe_failures_total",
			Help:      "Broker unsubscribe calls that failed during session teardown.",
		}),
		Publishes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Outbound publishes by result.",
		}, []string{"result"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_dropped_total",
			Help:      "Inbound messages not delivered, by reason.",
		}, []string{"reason"}),
		Dispatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_dispatched_total",
			Help:      "Inbound messages handed to the event dispatcher.",
		}),
	}
}

// Drop counts an undelivered inbound message.
func (m *Metrics) Drop(reason string) {
	m.Dropped.WithLabelValues(reason).Inc()
}
