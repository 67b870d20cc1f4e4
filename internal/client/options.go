package client

import (
	"shredsocket/internal/config"
	"shredsocket/internal/metrics"
	"shredsocket/internal/queue"
	"shredsocket/internal/socket"
	"shredsocket/internal/transport"
)

type options struct {
	registry *socket.Registry
	dialer   transport.Dialer
	metrics  *metrics.Metrics
}

// Option customizes New
type Option func(*options)

// WithRegistry shares socket clients through r instead of a private registry
func WithRegistry(r *socket.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithDialer replaces the WebSocket dialer
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithMetrics exports connection, queue and subscription metrics through m.
// A Metrics value serves a single Client.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// SocketOptions maps cfg to socket client options
func SocketOptions(cfg *config.Config) socket.Options {
	opts := socket.Options{
		URL:               cfg.URL,
		Namespace:         cfg.Namespace,
		ReconnectEnabled:  cfg.Reconnect.Enabled,
		ReconnectAttempts: cfg.Reconnect.Attempts,
		ReconnectDelay:    cfg.Reconnect.GetDelayDuration(),
		KeepAliveMethod:   cfg.KeepAlive.Method,
		RequestTimeout:    cfg.GetRequestTimeoutDuration(),
	}
	if cfg.KeepAlive.Enabled {
		opts.KeepAliveInterval = cfg.KeepAlive.GetIntervalDuration()
	}
	return opts
}

// QueueOptions maps cfg to request queue options
func QueueOptions(cfg *config.Config) queue.Options {
	return queue.Options{
		MaxSize:              cfg.Queue.MaxSize,
		MaxRetries:           cfg.Queue.MaxRetries,
		RetryDelay:           cfg.Queue.GetRetryDelayDuration(),
		ConnectingRetryDelay: cfg.Queue.GetConnectingRetryDelayDuration(),
		ProcessingInterval:   cfg.Queue.GetProcessingIntervalDuration(),
		BatchSize:            cfg.Queue.BatchSize,
		PriorityWeights: queue.PriorityWeights{
			High:   cfg.Queue.PriorityWeights.High,
			Normal: cfg.Queue.PriorityWeights.Normal,
			Low:    cfg.Queue.PriorityWeights.Low,
		},
	}
}
