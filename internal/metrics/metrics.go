package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"shredsocket/internal/connection"
	"shredsocket/internal/queue"
	"shredsocket/internal/subscription"
)

const namespace = "shredsocket"

var statuses = []connection.Status{
	connection.StatusConnecting,
	connection.StatusConnected,
	connection.StatusDisconnected,
	connection.StatusError,
}

// Metrics contains the Prometheus collectors of a client
type Metrics struct {
	// Connection metrics
	ConnectionStatus       *prometheus.GaugeVec
	ConnectionsTotal       prometheus.Counter
	DisconnectionsTotal    prometheus.Counter
	ReconnectAttempts      prometheus.Gauge
	ReconnectAttemptsTotal prometheus.Counter

	// Request queue metrics
	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec

	// Subscription metrics
	SubscriptionEvents *prometheus.CounterVec

	factory promauto.Factory

	mu   sync.Mutex
	last connection.Stats
}

// NewMetrics initializes and registers metrics with the default registry
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry initializes and registers metrics with a custom registry
func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		ConnectionStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "1 for the current connection status, 0 otherwise",
		}, []string{"status"}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "The total number of successful WebSocket connections",
		}),
		DisconnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnections_total",
			Help:      "The total number of established connections that were lost",
		}),
		ReconnectAttempts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts",
			Help:      "Reconnect attempts since the last successful connection",
		}),
		ReconnectAttemptsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "The total number of reconnect attempts",
		}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_request_duration_seconds",
			Help:      "Time from dequeue to final outcome of queued requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_requests_total",
			Help:      "Queued requests by final outcome",
		}, []string{"method", "result"}),
		SubscriptionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_events_total",
			Help:      "Subscription events received, by kind",
		}, []string{"kind", "result"}),
		factory: factory,
		last:    connection.Stats{Status: connection.StatusDisconnected},
	}
}

// ObserveConnection records a connection stats snapshot. Counters advance
// by the difference from the previous snapshot.
func (m *Metrics) ObserveConnection(stats connection.Stats) {
	m.mu.Lock()
	last := m.last
	m.last = stats
	m.mu.Unlock()

	for _, s := range statuses {
		v := 0.0
		if s == stats.Status {
			v = 1
		}
		m.ConnectionStatus.WithLabelValues(string(s)).Set(v)
	}
	if d := stats.TotalConnections - last.TotalConnections; d > 0 {
		m.ConnectionsTotal.Add(float64(d))
	}
	if d := stats.TotalDisconnections - last.TotalDisconnections; d > 0 {
		m.DisconnectionsTotal.Add(float64(d))
	}
	if d := stats.ReconnectAttempts - last.ReconnectAttempts; d > 0 {
		m.ReconnectAttemptsTotal.Add(float64(d))
	}
	m.ReconnectAttempts.Set(float64(stats.ReconnectAttempts))
}

// BindConnection follows conn until the returned function is called
func (m *Metrics) BindConnection(conn *connection.Manager) func() {
	m.ObserveConnection(conn.Stats())
	return conn.OnStats(m.ObserveConnection)
}

// ObserveRequest records the final outcome of a queued request
func (m *Metrics) ObserveRequest(method string, took time.Duration, err error) {
	m.RequestDuration.WithLabelValues(method).Observe(took.Seconds())
	result := "success"
	switch {
	case errors.Is(err, queue.ErrQueueCleared), errors.Is(err, queue.ErrQueueClosed):
		result = "dropped"
	case err != nil:
		result = "failed"
	}
	m.RequestsTotal.WithLabelValues(method, result).Inc()
}

// ObserveSubscriptionEvent records one push received by a managed subscription
func (m *Metrics) ObserveSubscriptionEvent(kind subscription.Kind, duplicate bool) {
	result := "delivered"
	if duplicate {
		result = "duplicate"
	}
	m.SubscriptionEvents.WithLabelValues(string(kind), result).Inc()
}

// WatchQueue exports queue gauges read from stats at scrape time
func (m *Metrics) WatchQueue(stats func() queue.Stats) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_size",
		Help:      "Requests waiting in the queue",
	}, func() float64 { return float64(stats().QueueSize) })
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_processing",
		Help:      "Requests dequeued and not yet settled",
	}, func() float64 { return float64(stats().Processing) })
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_processed_total",
		Help:      "Requests that completed successfully",
	}, func() float64 { return float64(stats().Processed) })
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_failed_total",
		Help:      "Requests that failed terminally",
	}, func() float64 { return float64(stats().Failed) })
}

// WatchSubscriptions exports the number of live managed subscriptions
func (m *Metrics) WatchSubscriptions(count func() int) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscriptions_active",
		Help:      "Live managed subscriptions",
	}, func() float64 { return float64(count()) })
}
